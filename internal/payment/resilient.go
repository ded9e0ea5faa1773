package payment

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"

	"github.com/iliyamo/storefront-checkout/internal/metrics"
)

// ResilientConfig tunes retries and the circuit breaker around a Gateway.
type ResilientConfig struct {
	MaxTries        uint
	CallTimeout     time.Duration
	InitialInterval time.Duration
	// BreakerFailures consecutive failures open the breaker for
	// BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Resilient wraps a Gateway with per-call timeouts, exponential retry of
// transient errors, and a circuit breaker that fails fast while the
// gateway is down.  ErrRejected errors are neither retried nor counted
// against the breaker.
type Resilient struct {
	next Gateway
	cfg  ResilientConfig
	cb   *gobreaker.CircuitBreaker[Session]
}

// NewResilient wraps next.  Zero config fields take defaults.
func NewResilient(next Gateway, cfg ResilientConfig) *Resilient {
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 3
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 200 * time.Millisecond
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	failures := cfg.BreakerFailures
	cb := gobreaker.NewCircuitBreaker[Session](gobreaker.Settings{
		Name:    "payment-gateway",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrRejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})
	return &Resilient{next: next, cfg: cfg, cb: cb}
}

func (r *Resilient) CreatePaymentSession(ctx context.Context, req Request) (Session, error) {
	start := time.Now()
	defer func() { metrics.GatewayLatency.WithLabelValues("create").Observe(time.Since(start).Seconds()) }()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.InitialInterval

	op := func() (Session, error) {
		s, err := r.cb.Execute(func() (Session, error) {
			cctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
			defer cancel()
			return r.next.CreatePaymentSession(cctx, req)
		})
		if err != nil && permanent(err) {
			return Session{}, backoff.Permanent(err)
		}
		return s, err
	}
	s, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(r.cfg.MaxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			log.Warn().Err(err).Dur("retry_in", d).Str("session_id", req.SessionID).Msg("payment gateway call failed")
		}),
	)
	if err != nil {
		metrics.GatewayRequests.WithLabelValues("create", "error").Inc()
		return Session{}, err
	}
	metrics.GatewayRequests.WithLabelValues("create", "ok").Inc()
	return s, nil
}

// ExpirePaymentSession is attempted once; callers treat it as best effort.
func (r *Resilient) ExpirePaymentSession(ctx context.Context, reference string) error {
	_, err := r.cb.Execute(func() (Session, error) {
		cctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()
		return Session{}, r.next.ExpirePaymentSession(cctx, reference)
	})
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.GatewayRequests.WithLabelValues("expire", outcome).Inc()
	return err
}

func permanent(err error) bool {
	return errors.Is(err, ErrRejected) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) ||
		errors.Is(err, context.Canceled)
}
