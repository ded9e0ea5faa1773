package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/iliyamo/storefront-checkout/internal/metrics"
	"github.com/iliyamo/storefront-checkout/internal/model"
	"github.com/iliyamo/storefront-checkout/internal/repository"
)

// FulfillmentCommitter turns a paid session's holds into an order.  In
// one transaction it consumes the holds, decrements on-hand stock and
// inserts the order; the unique order per session makes repeated calls
// return the first order instead of selling twice.
type FulfillmentCommitter struct {
	store        repository.Store
	reservations *ReservationManager
	ledger       *Ledger
	now          func() time.Time
}

// NewFulfillmentCommitter wires a committer.  A nil now uses time.Now.
func NewFulfillmentCommitter(store repository.Store, reservations *ReservationManager, ledger *Ledger, now func() time.Time) *FulfillmentCommitter {
	if now == nil {
		now = time.Now
	}
	return &FulfillmentCommitter{store: store, reservations: reservations, ledger: ledger, now: now}
}

// Finalize commits the sale of a session and returns the order id.  If
// the session already has an order, that order's id is returned and
// nothing else happens.
func (c *FulfillmentCommitter) Finalize(ctx context.Context, sessionID string) (string, error) {
	ctx, span := tracer.Start(ctx, "FulfillmentCommitter.Finalize")
	defer span.End()

	var orderID string
	err := c.store.InTx(ctx, func(tx repository.Tx) error {
		o, err := c.FinalizeTx(ctx, tx, sessionID, nil)
		if err != nil {
			return err
		}
		orderID = o.ID
		return nil
	})
	if errors.Is(err, repository.ErrDuplicate) {
		// A concurrent finalize won the insert; report its order.
		err = c.store.InTx(ctx, func(tx repository.Tx) error {
			o, err := tx.OrderBySession(ctx, sessionID)
			if err != nil {
				return err
			}
			orderID = o.ID
			return nil
		})
	}
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return orderID, nil
}

// FinalizeTx is Finalize inside a caller's transaction.  paymentRef, when
// set, is recorded on the order; otherwise the session's reference is
// used.
func (c *FulfillmentCommitter) FinalizeTx(ctx context.Context, tx repository.Tx, sessionID string, paymentRef *string) (*model.Order, error) {
	// The session lock comes first: a finalize that waited on it must see
	// the order its predecessor committed.
	sess, err := tx.GetSession(ctx, sessionID, true)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock session: %w", err)
	}

	existing, err := tx.OrderBySession(ctx, sessionID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("load order: %w", err)
	}

	rs, err := tx.ReservationsBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load reservations: %w", err)
	}
	var ids []string
	for _, r := range rs {
		if r.Status == model.ReservationActive {
			ids = append(ids, r.ID)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: session %s holds no active reservations", ErrInvalidState, sessionID)
	}
	consumed, err := c.reservations.ConsumeTx(ctx, tx, ids)
	if err != nil {
		return nil, err
	}

	// Lock and decrement in ascending variant order, like every other
	// writer of the variants table.
	sort.Slice(consumed, func(i, j int) bool { return consumed[i].VariantID < consumed[j].VariantID })
	variantIDs := make([]string, len(consumed))
	for i, r := range consumed {
		variantIDs[i] = r.VariantID
	}
	variants, err := tx.Variants(ctx, variantIDs, true)
	if err != nil {
		return nil, fmt.Errorf("lock variants: %w", err)
	}
	for _, r := range consumed {
		if err := c.ledger.decrementOnHandTx(ctx, tx, r.VariantID, r.Quantity); err != nil {
			return nil, err
		}
	}

	// Order lines follow the cart order of the session.
	qty := make(map[string]int, len(consumed))
	for _, r := range consumed {
		qty[r.VariantID] += r.Quantity
	}
	var items []model.OrderItem
	var sum int64
	for _, it := range sess.Items {
		q, ok := qty[it.VariantID]
		if !ok {
			continue
		}
		price := variants[it.VariantID].PriceCents
		items = append(items, model.OrderItem{VariantID: it.VariantID, Quantity: q, UnitPriceCents: price})
		sum += price * int64(q)
		delete(qty, it.VariantID)
	}
	for _, r := range consumed {
		if q, ok := qty[r.VariantID]; ok {
			price := variants[r.VariantID].PriceCents
			items = append(items, model.OrderItem{VariantID: r.VariantID, Quantity: q, UnitPriceCents: price})
			sum += price * int64(q)
			delete(qty, r.VariantID)
		}
	}

	total := sess.AmountCents
	if total == 0 {
		total = sum
	}
	ref := sess.PaymentReference
	if paymentRef != nil && *paymentRef != "" {
		ref = paymentRef
	}
	now := c.now()
	order := &model.Order{
		ID:               uuid.NewString(),
		OrderNumber:      newOrderNumber(now),
		SessionID:        sessionID,
		Items:            items,
		TotalCents:       total,
		Currency:         sess.Currency,
		PaymentReference: ref,
		CreatedAt:        now,
	}
	if err := tx.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	metrics.OrdersCommitted.Inc()
	log.Info().Str("session_id", sessionID).Str("order_number", order.OrderNumber).
		Int64("total_cents", order.TotalCents).Msg("order committed")
	return order, nil
}

const orderNumberAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// newOrderNumber returns a human-facing order number such as
// ORD-1718000000000-K3F9ZQ.
func newOrderNumber(now time.Time) string {
	b := make([]byte, 6)
	_, _ = rand.Read(b) // never fails since Go 1.24
	for i := range b {
		b[i] = orderNumberAlphabet[int(b[i])%len(orderNumberAlphabet)]
	}
	return "ORD-" + strconv.FormatInt(now.UnixMilli(), 10) + "-" + string(b)
}
