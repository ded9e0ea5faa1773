package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/iliyamo/storefront-checkout/internal/metrics"
	"github.com/iliyamo/storefront-checkout/internal/model"
	"github.com/iliyamo/storefront-checkout/internal/payment"
	"github.com/iliyamo/storefront-checkout/internal/queue"
	"github.com/iliyamo/storefront-checkout/internal/repository"
)

// Lease is a cluster-wide lock with a lifetime.  With one configured,
// only the replica holding the lease runs a sweep.
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// SweeperConfig tunes the reconciliation sweeper.
type SweeperConfig struct {
	Interval time.Duration
	// Batch caps the rows each pass handles per run.
	Batch         int
	NotifyTimeout time.Duration
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Expired   int  `json:"expired"`
	Released  int  `json:"released"`
	Recovered int  `json:"recovered"`
	Failed    int  `json:"failed"`
	Skipped   bool `json:"skipped"`
}

// Sweeper reconciles state the request path leaves behind.  Each run
// expires sessions whose payment window closed and releases their holds,
// releases active holds whose session is gone, expired or cancelled, and
// commits orders for paid sessions that lack one.  Every
// row is handled in its own transaction; a failing row is logged and the
// run carries on.
type Sweeper struct {
	store        repository.Store
	reservations *ReservationManager
	committer    *FulfillmentCommitter
	gateway      payment.Gateway
	notifier     Notifier
	lease        Lease
	cfg          SweeperConfig
	now          func() time.Time
}

// NewSweeper wires a sweeper.  gateway, notifier and lease may be nil.
func NewSweeper(store repository.Store, reservations *ReservationManager, committer *FulfillmentCommitter,
	gateway payment.Gateway, notifier Notifier, lease Lease, cfg SweeperConfig, now func() time.Time) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 200
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 5 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		store:        store,
		reservations: reservations,
		committer:    committer,
		gateway:      gateway,
		notifier:     notifier,
		lease:        lease,
		cfg:          cfg,
		now:          now,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	log.Info().Dur("interval", s.cfg.Interval).Int("batch", s.cfg.Batch).Msg("sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs a single run.
func (s *Sweeper) SweepOnce(ctx context.Context) SweepResult {
	ctx, span := tracer.Start(ctx, "Sweeper.SweepOnce")
	defer span.End()
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var res SweepResult
	if s.lease != nil {
		// Shorter than the interval so the next tick can take over.
		ok, err := s.lease.Acquire(ctx, "checkout-sweeper", s.cfg.Interval*9/10)
		if err != nil {
			log.Warn().Err(err).Msg("sweeper lease unavailable; sweeping anyway")
		} else if !ok {
			res.Skipped = true
			return res
		}
	}

	s.expireSessions(ctx, &res)
	s.releaseOrphans(ctx, &res)
	s.recoverPaid(ctx, &res)

	if res.Expired+res.Released+res.Recovered+res.Failed > 0 {
		log.Info().Int("expired", res.Expired).Int("released", res.Released).
			Int("recovered", res.Recovered).Int("failed", res.Failed).Msg("sweep finished")
	}
	return res
}

func (s *Sweeper) expireSessions(ctx context.Context, res *SweepResult) {
	var due []model.CheckoutSession
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		due, err = tx.SessionsDueForExpiry(ctx, s.now(), s.cfg.Batch)
		return err
	})
	if err != nil {
		log.Error().Err(err).Msg("sweeper: list expired sessions")
		res.Failed++
		return
	}
	for i := range due {
		if ctx.Err() != nil {
			return
		}
		sess := due[i]
		var changed bool
		err := s.store.InTx(ctx, func(tx repository.Tx) error {
			var err error
			// Conditional on the observed status: a session confirmed or
			// cancelled since the listing is left alone.
			changed, err = tx.TransitionSession(ctx, sess.ID, sess.Status, model.SessionExpired, s.now())
			if err != nil || !changed {
				return err
			}
			_, err = s.reservations.ReleaseSessionTx(ctx, tx, sess.ID, "expiry")
			return err
		})
		if err != nil {
			log.Error().Err(err).Str("session_id", sess.ID).Msg("sweeper: expire session")
			res.Failed++
			continue
		}
		if !changed {
			continue
		}
		res.Expired++
		metrics.SessionTransitions.WithLabelValues(string(model.SessionExpired)).Inc()
		if sess.PaymentReference != nil {
			expireGatewaySession(ctx, s.gateway, *sess.PaymentReference)
		}
		sess.Status = model.SessionExpired
		notify(ctx, s.notifier, s.cfg.NotifyTimeout, eventFor(queue.EventCheckoutExpired, &sess, nil, s.now()))
	}
}

func (s *Sweeper) releaseOrphans(ctx context.Context, res *SweepResult) {
	var orphans []model.Reservation
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		orphans, err = tx.OrphanedReservations(ctx, s.cfg.Batch)
		return err
	})
	if err != nil {
		log.Error().Err(err).Msg("sweeper: list orphaned reservations")
		res.Failed++
		return
	}
	for _, r := range orphans {
		if ctx.Err() != nil {
			return
		}
		var n int64
		err := s.store.InTx(ctx, func(tx repository.Tx) error {
			sess, err := tx.GetSession(ctx, r.SessionID, true)
			if err == nil && !sess.Status.ReleasesHolds() {
				return nil
			}
			if err != nil && !errors.Is(err, repository.ErrNotFound) {
				return err
			}
			n, err = s.reservations.ReleaseTx(ctx, tx, []string{r.ID}, "orphan")
			return err
		})
		if err != nil {
			log.Error().Err(err).Str("reservation_id", r.ID).Msg("sweeper: release orphan")
			res.Failed++
			continue
		}
		if n > 0 {
			log.Warn().Str("reservation_id", r.ID).Str("session_id", r.SessionID).Msg("released orphaned reservation")
			res.Released += int(n)
		}
	}
}

func (s *Sweeper) recoverPaid(ctx context.Context, res *SweepResult) {
	var paid []model.CheckoutSession
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		paid, err = tx.PaidSessionsWithoutOrder(ctx, s.cfg.Batch)
		return err
	})
	if err != nil {
		log.Error().Err(err).Msg("sweeper: list paid sessions without order")
		res.Failed++
		return
	}
	for _, sess := range paid {
		if ctx.Err() != nil {
			return
		}
		orderID, err := s.committer.Finalize(ctx, sess.ID)
		if err != nil {
			log.Error().Err(err).Str("session_id", sess.ID).Msg("sweeper: finalize paid session")
			res.Failed++
			continue
		}
		log.Warn().Str("session_id", sess.ID).Str("order_id", orderID).Msg("recovered order for paid session")
		res.Recovered++
	}
}
