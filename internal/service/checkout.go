package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/iliyamo/storefront-checkout/internal/metrics"
	"github.com/iliyamo/storefront-checkout/internal/model"
	"github.com/iliyamo/storefront-checkout/internal/payment"
	"github.com/iliyamo/storefront-checkout/internal/queue"
	"github.com/iliyamo/storefront-checkout/internal/repository"
)

// Notifier delivers checkout lifecycle events.  Delivery is best effort:
// a failed notification never undoes a state change.
type Notifier interface {
	Notify(ctx context.Context, ev queue.CheckoutEvent) error
}

// AmountFunc prices a held cart.  The default charges the sum of unit
// price times quantity; tax and discount rules can be plugged in here.
type AmountFunc func(lines []model.OrderItem) int64

// SumAmount is the default AmountFunc.
func SumAmount(lines []model.OrderItem) int64 {
	var total int64
	for _, l := range lines {
		total += l.UnitPriceCents * int64(l.Quantity)
	}
	return total
}

// CheckoutConfig holds the orchestrator's tunables.
type CheckoutConfig struct {
	DefaultTTL time.Duration
	MinTTL     time.Duration
	MaxTTL     time.Duration
	Currency   string
	// NotifyTimeout bounds each event delivery.
	NotifyTimeout time.Duration
}

// Cart is a checkout request.
type Cart struct {
	Items      []model.LineItem
	CustomerID string
	// TTL asks for a specific payment window; zero means the default.
	// It is clamped to the configured bounds.
	TTL time.Duration
}

// SessionView is a session together with what it produced.
type SessionView struct {
	Session      model.CheckoutSession
	Order        *model.Order
	Reservations []model.Reservation
}

// Orchestrator drives a checkout session through its lifecycle:
//
//	pending -> awaiting_payment -> paid
//	pending -> cancelled                  (stock unavailable)
//	awaiting_payment -> cancelled         (payment failed or abandoned)
//	pending|awaiting_payment -> expired   (sweeper)
//
// The payment gateway is never called inside a store transaction.
type Orchestrator struct {
	store        repository.Store
	reservations *ReservationManager
	committer    *FulfillmentCommitter
	gateway      payment.Gateway
	notifier     Notifier
	cfg          CheckoutConfig
	amount       AmountFunc
	now          func() time.Time
}

// OrchestratorOption customizes an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithAmountFunc replaces SumAmount.
func WithAmountFunc(f AmountFunc) OrchestratorOption {
	return func(o *Orchestrator) { o.amount = f }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator wires an orchestrator.  notifier may be nil.
func NewOrchestrator(store repository.Store, reservations *ReservationManager, committer *FulfillmentCommitter,
	gateway payment.Gateway, notifier Notifier, cfg CheckoutConfig, opts ...OrchestratorOption) *Orchestrator {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 35 * time.Minute
	}
	if cfg.MinTTL <= 0 || cfg.MinTTL > cfg.DefaultTTL {
		cfg.MinTTL = cfg.DefaultTTL
	}
	if cfg.MaxTTL < cfg.DefaultTTL {
		cfg.MaxTTL = cfg.DefaultTTL
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 5 * time.Second
	}
	o := &Orchestrator{
		store:        store,
		reservations: reservations,
		committer:    committer,
		gateway:      gateway,
		notifier:     notifier,
		cfg:          cfg,
		amount:       SumAmount,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartCheckout creates a session, holds its stock and opens a payment
// session.  On success the returned session is awaiting_payment and
// carries the payment URL.
//
// A *StockError means nothing was held and the session was cancelled.
// ErrGatewayUnavailable means the hold stands but no payment session
// exists; the sweeper releases it at expiry.
func (o *Orchestrator) StartCheckout(ctx context.Context, cart Cart) (*model.CheckoutSession, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.StartCheckout")
	defer span.End()

	if err := validateItems(cart.Items); err != nil {
		return nil, err
	}
	now := o.now()
	sess := &model.CheckoutSession{
		ID:         uuid.NewString(),
		Items:      append([]model.LineItem(nil), cart.Items...),
		Status:     model.SessionPending,
		CustomerID: cart.CustomerID,
		Currency:   o.cfg.Currency,
		CreatedAt:  now,
		ExpiresAt:  now.Add(o.clampTTL(cart.TTL)),
		UpdatedAt:  now,
	}
	span.SetAttributes(attribute.String("checkout.session_id", sess.ID))

	if err := o.store.InTx(ctx, func(tx repository.Tx) error {
		return tx.CreateSession(ctx, sess)
	}); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	var lines []model.OrderItem
	err := o.store.InTx(ctx, func(tx repository.Tx) error {
		_, levels, err := o.reservations.reserveUntilTx(ctx, tx, sess.ID, sess.Items, sess.ExpiresAt)
		if err != nil {
			return err
		}
		lines = make([]model.OrderItem, len(sess.Items))
		for i, it := range sess.Items {
			lines[i] = model.OrderItem{VariantID: it.VariantID, Quantity: it.Quantity, UnitPriceCents: levels[it.VariantID].PriceCents}
		}
		sess.AmountCents = o.amount(lines)
		at := o.now()
		if err := tx.SetSessionAmount(ctx, sess.ID, sess.AmountCents, at); err != nil {
			return err
		}
		ok, err := tx.TransitionSession(ctx, sess.ID, model.SessionPending, model.SessionAwaitingPayment, at)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: session %s left pending during hold", ErrInvalidState, sess.ID)
		}
		sess.UpdatedAt = at
		return nil
	})
	if err != nil {
		span.RecordError(err)
		var se *StockError
		if errors.As(err, &se) {
			o.cancelPending(ctx, sess)
			return nil, err
		}
		// The session stays pending; the sweeper expires it.
		log.Error().Err(err).Str("session_id", sess.ID).Msg("hold failed")
		return nil, err
	}
	sess.Status = model.SessionAwaitingPayment
	metrics.SessionTransitions.WithLabelValues(string(model.SessionAwaitingPayment)).Inc()

	ps, err := o.gateway.CreatePaymentSession(ctx, payment.Request{
		SessionID:   sess.ID,
		CustomerID:  sess.CustomerID,
		Items:       lines,
		AmountCents: sess.AmountCents,
		Currency:    sess.Currency,
		ExpiresAt:   sess.ExpiresAt,
	})
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("session_id", sess.ID).Msg("payment session could not be created; hold kept until expiry")
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	url := ps.RedirectURL
	err = o.store.InTx(ctx, func(tx repository.Tx) error {
		cur, err := tx.GetSession(ctx, sess.ID, true)
		if err != nil {
			return err
		}
		if cur.Status != model.SessionAwaitingPayment {
			return fmt.Errorf("%w: session %s became %s while opening payment", ErrInvalidState, sess.ID, cur.Status)
		}
		return tx.SetPaymentDetails(ctx, sess.ID, ps.Reference, &url, o.now())
	})
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			o.expireGatewaySession(ctx, ps.Reference)
		}
		return nil, err
	}
	sess.PaymentReference = &ps.Reference
	sess.PaymentURL = &url
	log.Info().Str("session_id", sess.ID).Int64("amount_cents", sess.AmountCents).
		Time("expires_at", sess.ExpiresAt).Msg("checkout started")
	return sess, nil
}

// HandlePaymentConfirmed finalizes a session whose payment succeeded.
// Repeated confirmations of a paid session succeed without effect.  A
// confirmation for a session that is not awaiting payment, or whose
// window has closed, fails with ErrInvalidState; money captured for such
// a session must be refunded out of band.
func (o *Orchestrator) HandlePaymentConfirmed(ctx context.Context, sessionID, paymentRef string) error {
	ctx, span := tracer.Start(ctx, "Orchestrator.HandlePaymentConfirmed")
	defer span.End()
	span.SetAttributes(attribute.String("checkout.session_id", sessionID))

	var (
		sess    *model.CheckoutSession
		order   *model.Order
		already bool
	)
	err := o.store.InTx(ctx, func(tx repository.Tx) error {
		s, err := tx.GetSession(ctx, sessionID, true)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		sess = s
		if s.Status == model.SessionPaid {
			already = true
			return nil
		}
		if s.Status != model.SessionAwaitingPayment {
			return fmt.Errorf("%w: payment confirmed for %s session %s", ErrInvalidState, s.Status, sessionID)
		}
		now := o.now()
		if s.ExpiredAt(now) {
			return fmt.Errorf("%w: payment confirmed after session %s expired", ErrInvalidState, sessionID)
		}

		var ref *string
		if paymentRef != "" {
			ref = &paymentRef
		}
		order, err = o.committer.FinalizeTx(ctx, tx, sessionID, ref)
		if err != nil {
			return err
		}
		if s.PaymentReference == nil && paymentRef != "" {
			if err := tx.SetPaymentDetails(ctx, sessionID, paymentRef, nil, now); err != nil {
				return err
			}
		}
		ok, err := tx.TransitionSession(ctx, sessionID, model.SessionAwaitingPayment, model.SessionPaid, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: session %s moved during confirmation", ErrInvalidState, sessionID)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrInvalidState) && sess != nil {
			log.Error().Err(err).Str("session_id", sessionID).Str("status", string(sess.Status)).
				Str("payment_reference", paymentRef).Msg("payment captured for a session that cannot be fulfilled; refund required")
		}
		return err
	}
	if already {
		log.Info().Str("session_id", sessionID).Msg("duplicate payment confirmation ignored")
		return nil
	}
	metrics.SessionTransitions.WithLabelValues(string(model.SessionPaid)).Inc()
	sess.Status = model.SessionPaid
	o.notify(ctx, eventFor(queue.EventCheckoutPaid, sess, order, o.now()))
	return nil
}

// HandlePaymentFailedOrCancelled cancels a session after the gateway
// reported failure and releases its holds.  Sessions already cancelled or
// expired are left alone; paid sessions yield ErrInvalidState.
func (o *Orchestrator) HandlePaymentFailedOrCancelled(ctx context.Context, sessionID string) error {
	ctx, span := tracer.Start(ctx, "Orchestrator.HandlePaymentFailedOrCancelled")
	defer span.End()
	return o.cancel(ctx, sessionID, false)
}

// CancelCheckout is a shopper abandoning checkout.  Besides releasing the
// hold it closes the gateway's payment session.
func (o *Orchestrator) CancelCheckout(ctx context.Context, sessionID string) error {
	ctx, span := tracer.Start(ctx, "Orchestrator.CancelCheckout")
	defer span.End()
	return o.cancel(ctx, sessionID, true)
}

func (o *Orchestrator) cancel(ctx context.Context, sessionID string, closeGateway bool) error {
	var (
		sess    *model.CheckoutSession
		changed bool
	)
	err := o.store.InTx(ctx, func(tx repository.Tx) error {
		s, err := tx.GetSession(ctx, sessionID, true)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		sess = s
		switch s.Status {
		case model.SessionCancelled, model.SessionExpired:
			return nil
		case model.SessionPaid:
			return fmt.Errorf("%w: session %s is already paid", ErrInvalidState, sessionID)
		}
		if _, err := o.reservations.ReleaseSessionTx(ctx, tx, sessionID, "cancel"); err != nil {
			return err
		}
		changed, err = tx.TransitionSession(ctx, sessionID, s.Status, model.SessionCancelled, o.now())
		return err
	})
	if err != nil || !changed {
		return err
	}
	metrics.SessionTransitions.WithLabelValues(string(model.SessionCancelled)).Inc()
	log.Info().Str("session_id", sessionID).Msg("checkout cancelled")
	sess.Status = model.SessionCancelled
	if closeGateway && sess.PaymentReference != nil {
		o.expireGatewaySession(ctx, *sess.PaymentReference)
	}
	o.notify(ctx, eventFor(queue.EventCheckoutCancelled, sess, nil, o.now()))
	return nil
}

// GetSession returns a session with its order and reservations.
func (o *Orchestrator) GetSession(ctx context.Context, sessionID string) (*SessionView, error) {
	var view SessionView
	err := o.store.InTx(ctx, func(tx repository.Tx) error {
		s, err := tx.GetSession(ctx, sessionID, false)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		view.Session = *s
		if s.Status == model.SessionPaid {
			ord, err := tx.OrderBySession(ctx, sessionID)
			if err != nil && !errors.Is(err, repository.ErrNotFound) {
				return err
			}
			view.Order = ord
		}
		view.Reservations, err = tx.ReservationsBySession(ctx, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// cancelPending closes a session whose hold was refused.  The failed
// hold transaction left no reservations behind.
func (o *Orchestrator) cancelPending(ctx context.Context, sess *model.CheckoutSession) {
	var changed bool
	err := o.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		changed, err = tx.TransitionSession(ctx, sess.ID, model.SessionPending, model.SessionCancelled, o.now())
		return err
	})
	if err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("could not cancel refused session; sweeper will expire it")
		return
	}
	if changed {
		metrics.SessionTransitions.WithLabelValues(string(model.SessionCancelled)).Inc()
	}
}

func (o *Orchestrator) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return o.cfg.DefaultTTL
	}
	if ttl < o.cfg.MinTTL {
		return o.cfg.MinTTL
	}
	if ttl > o.cfg.MaxTTL {
		return o.cfg.MaxTTL
	}
	return ttl
}

func (o *Orchestrator) expireGatewaySession(ctx context.Context, reference string) {
	expireGatewaySession(ctx, o.gateway, reference)
}

func (o *Orchestrator) notify(ctx context.Context, ev queue.CheckoutEvent) {
	notify(ctx, o.notifier, o.cfg.NotifyTimeout, ev)
}

// expireGatewaySession closes a payment session, logging failures.  The
// context is detached from the caller so a finished request does not
// abort the call.
func expireGatewaySession(ctx context.Context, gw payment.Gateway, reference string) {
	if gw == nil || reference == "" {
		return
	}
	if err := gw.ExpirePaymentSession(context.WithoutCancel(ctx), reference); err != nil {
		log.Warn().Err(err).Str("payment_reference", reference).Msg("could not expire payment session")
	}
}

func notify(ctx context.Context, n Notifier, timeout time.Duration, ev queue.CheckoutEvent) {
	if n == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := n.Notify(nctx, ev); err != nil {
		log.Warn().Err(err).Str("event", string(ev.Type)).Str("session_id", ev.SessionID).Msg("notification failed")
	}
}

func eventFor(t queue.EventType, s *model.CheckoutSession, o *model.Order, at time.Time) queue.CheckoutEvent {
	ev := queue.CheckoutEvent{
		Type:        t,
		SessionID:   s.ID,
		CustomerID:  s.CustomerID,
		Items:       s.Items,
		AmountCents: s.AmountCents,
		Currency:    s.Currency,
		OccurredAt:  at.UTC().Format(time.RFC3339),
	}
	if o != nil {
		ev.OrderID = o.ID
		ev.OrderNumber = o.OrderNumber
		ev.AmountCents = o.TotalCents
	}
	return ev
}
