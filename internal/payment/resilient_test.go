package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedGateway struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (g *scriptedGateway) CreatePaymentSession(context.Context, Request) (Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if len(g.errs) > 0 {
		err := g.errs[0]
		g.errs = g.errs[1:]
		if err != nil {
			return Session{}, err
		}
	}
	return Session{Reference: "ref", RedirectURL: "https://pay"}, nil
}

func (g *scriptedGateway) ExpirePaymentSession(context.Context, string) error { return nil }

func fastConfig() ResilientConfig {
	return ResilientConfig{MaxTries: 3, InitialInterval: time.Millisecond, CallTimeout: time.Second,
		BreakerFailures: 10, BreakerCooldown: time.Minute}
}

func TestResilient_RetriesTransientErrors(t *testing.T) {
	next := &scriptedGateway{errs: []error{errors.New("timeout"), errors.New("502")}}
	r := NewResilient(next, fastConfig())

	s, err := r.CreatePaymentSession(context.Background(), Request{SessionID: "s"})
	require.NoError(t, err)
	assert.Equal(t, "ref", s.Reference)
	assert.Equal(t, 3, next.calls)
}

func TestResilient_GivesUpAfterMaxTries(t *testing.T) {
	boom := errors.New("unavailable")
	next := &scriptedGateway{errs: []error{boom, boom, boom, boom}}
	r := NewResilient(next, fastConfig())

	_, err := r.CreatePaymentSession(context.Background(), Request{SessionID: "s"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, next.calls)
}

func TestResilient_DoesNotRetryRejected(t *testing.T) {
	next := &scriptedGateway{errs: []error{ErrRejected}}
	r := NewResilient(next, fastConfig())

	_, err := r.CreatePaymentSession(context.Background(), Request{SessionID: "s"})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, 1, next.calls)
}

func TestResilient_BreakerOpens(t *testing.T) {
	boom := errors.New("unavailable")
	next := &scriptedGateway{errs: []error{boom, boom, boom}}
	cfg := fastConfig()
	cfg.MaxTries = 1
	cfg.BreakerFailures = 2
	r := NewResilient(next, cfg)
	ctx := context.Background()

	_, err := r.CreatePaymentSession(ctx, Request{SessionID: "s"})
	assert.ErrorIs(t, err, boom)
	_, err = r.CreatePaymentSession(ctx, Request{SessionID: "s"})
	assert.ErrorIs(t, err, boom)

	_, err = r.CreatePaymentSession(ctx, Request{SessionID: "s"})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, next.calls)
}

func TestResilient_RejectedDoesNotTripBreaker(t *testing.T) {
	next := &scriptedGateway{errs: []error{ErrRejected, ErrRejected, ErrRejected}}
	cfg := fastConfig()
	cfg.BreakerFailures = 2
	r := NewResilient(next, cfg)

	for i := 0; i < 3; i++ {
		_, err := r.CreatePaymentSession(context.Background(), Request{SessionID: "s"})
		assert.ErrorIs(t, err, ErrRejected)
	}
	_, err := r.CreatePaymentSession(context.Background(), Request{SessionID: "s"})
	assert.NoError(t, err)
}
