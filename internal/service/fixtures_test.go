package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/iliyamo/storefront-checkout/internal/model"
	"github.com/iliyamo/storefront-checkout/internal/payment"
	"github.com/iliyamo/storefront-checkout/internal/queue"
	"github.com/iliyamo/storefront-checkout/internal/repository"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeGateway struct {
	mu      sync.Mutex
	fail    error
	n       int
	created []payment.Request
	expired []string
	// onCreate runs before each create call, outside the lock.
	onCreate func(req payment.Request)
}

func (g *fakeGateway) CreatePaymentSession(_ context.Context, req payment.Request) (payment.Session, error) {
	if g.onCreate != nil {
		g.onCreate(req)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail != nil {
		return payment.Session{}, g.fail
	}
	g.n++
	g.created = append(g.created, req)
	ref := fmt.Sprintf("pay_%d", g.n)
	return payment.Session{Reference: ref, RedirectURL: "https://pay.test/" + ref}, nil
}

func (g *fakeGateway) ExpirePaymentSession(_ context.Context, reference string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expired = append(g.expired, reference)
	return nil
}

func (g *fakeGateway) setFail(err error) {
	g.mu.Lock()
	g.fail = err
	g.mu.Unlock()
}

func (g *fakeGateway) createdCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.created)
}

func (g *fakeGateway) expiredRefs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.expired...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []queue.CheckoutEvent
}

func (n *recordingNotifier) Notify(_ context.Context, ev queue.CheckoutEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) types() []queue.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]queue.EventType, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.Type
	}
	return out
}

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, queue.CheckoutEvent) error {
	return errors.New("broker down")
}

type fixture struct {
	store        *repository.MemoryStore
	clock        *fakeClock
	ledger       *Ledger
	reservations *ReservationManager
	committer    *FulfillmentCommitter
	orch         *Orchestrator
	sweeper      *Sweeper
	gateway      *fakeGateway
	notes        *recordingNotifier
}

const testTTL = 30 * time.Minute

func newFixture(t *testing.T, variants ...model.Variant) *fixture {
	t.Helper()
	f := &fixture{
		store:   repository.NewMemoryStore(),
		clock:   newFakeClock(),
		gateway: &fakeGateway{},
		notes:   &recordingNotifier{},
	}
	for _, v := range variants {
		f.store.PutVariant(v)
	}
	now := f.clock.Now
	f.ledger = NewLedger(f.store, now)
	f.reservations = NewReservationManager(f.store, f.ledger, now)
	f.committer = NewFulfillmentCommitter(f.store, f.reservations, f.ledger, now)
	f.orch = NewOrchestrator(f.store, f.reservations, f.committer, f.gateway, f.notes,
		CheckoutConfig{DefaultTTL: testTTL, MinTTL: testTTL, MaxTTL: 2 * time.Hour, Currency: "usd"},
		WithClock(now))
	f.sweeper = NewSweeper(f.store, f.reservations, f.committer, f.gateway, f.notes, nil,
		SweeperConfig{Interval: time.Second, Batch: 100}, now)
	return f
}

func variant(id string, priceCents int64, onHand int) model.Variant {
	return model.Variant{ID: id, ProductID: "p-" + id, SKU: "SKU-" + id, PriceCents: priceCents, OnHand: onHand}
}

func items(pairs ...interface{}) []model.LineItem {
	var out []model.LineItem
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, model.LineItem{VariantID: pairs[i].(string), Quantity: pairs[i+1].(int)})
	}
	return out
}

func (f *fixture) available(t *testing.T, id string) int {
	t.Helper()
	n, err := f.ledger.Available(context.Background(), id)
	if err != nil {
		t.Fatalf("available(%s): %v", id, err)
	}
	return n
}

func (f *fixture) onHand(t *testing.T, id string) int {
	t.Helper()
	var v model.Variant
	err := f.store.InTx(context.Background(), func(tx repository.Tx) error {
		m, err := tx.Variants(context.Background(), []string{id}, false)
		v = m[id]
		return err
	})
	if err != nil {
		t.Fatalf("onHand(%s): %v", id, err)
	}
	return v.OnHand
}

func (f *fixture) session(t *testing.T, id string) *SessionView {
	t.Helper()
	view, err := f.orch.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession(%s): %v", id, err)
	}
	return view
}
