package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/storefront-checkout/internal/model"
	"github.com/iliyamo/storefront-checkout/internal/repository"
)

func startCheckout(t *testing.T, f *fixture, li []model.LineItem) *model.CheckoutSession {
	t.Helper()
	sess, err := f.orch.StartCheckout(context.Background(), Cart{Items: li})
	require.NoError(t, err)
	return sess
}

func TestFinalize_CommitsOrder(t *testing.T) {
	f := newFixture(t, variant("A", 1000, 5), variant("B", 250, 3))
	sess := startCheckout(t, f, items("B", 2, "A", 1))

	orderID, err := f.committer.Finalize(context.Background(), sess.ID)
	require.NoError(t, err)
	require.NotEmpty(t, orderID)

	assert.Equal(t, 4, f.onHand(t, "A"))
	assert.Equal(t, 1, f.onHand(t, "B"))
	assert.Equal(t, 4, f.available(t, "A"))

	view := f.session(t, sess.ID)
	for _, r := range view.Reservations {
		assert.Equal(t, model.ReservationConsumed, r.Status)
	}

	var ord *model.Order
	require.NoError(t, f.store.InTx(context.Background(), func(tx repository.Tx) error {
		ord, err = tx.OrderBySession(context.Background(), sess.ID)
		return err
	}))
	assert.Equal(t, orderID, ord.ID)
	assert.Equal(t, int64(1500), ord.TotalCents)
	assert.Equal(t, "usd", ord.Currency)
	assert.Equal(t, []model.OrderItem{
		{VariantID: "B", Quantity: 2, UnitPriceCents: 250},
		{VariantID: "A", Quantity: 1, UnitPriceCents: 1000},
	}, ord.Items)
	assert.Regexp(t, `^ORD-\d{13}-[A-Z0-9]{6}$`, ord.OrderNumber)
	require.NotNil(t, ord.PaymentReference)
	assert.Equal(t, *sess.PaymentReference, *ord.PaymentReference)
}

func TestFinalize_Idempotent(t *testing.T) {
	f := newFixture(t, variant("A", 1000, 5))
	sess := startCheckout(t, f, items("A", 2))
	ctx := context.Background()

	first, err := f.committer.Finalize(ctx, sess.ID)
	require.NoError(t, err)
	second, err := f.committer.Finalize(ctx, sess.ID)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 3, f.onHand(t, "A"))
}

func TestFinalize_ConcurrentCallsCommitOnce(t *testing.T) {
	f := newFixture(t, variant("A", 1000, 5))
	sess := startCheckout(t, f, items("A", 2))

	const callers = 8
	ids := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = f.committer.Finalize(context.Background(), sess.ID)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 3, f.onHand(t, "A"))
}

func TestFinalize_NoActiveHolds(t *testing.T) {
	f := newFixture(t, variant("A", 1000, 5))
	sess := startCheckout(t, f, items("A", 2))
	require.NoError(t, f.orch.HandlePaymentFailedOrCancelled(context.Background(), sess.ID))

	_, err := f.committer.Finalize(context.Background(), sess.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 5, f.onHand(t, "A"))
}

func TestFinalize_ExpiredHolds(t *testing.T) {
	f := newFixture(t, variant("A", 1000, 5))
	sess := startCheckout(t, f, items("A", 2))
	f.clock.Advance(testTTL)

	_, err := f.committer.Finalize(context.Background(), sess.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 5, f.onHand(t, "A"))
}

func TestFinalize_UnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.committer.Finalize(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestFinalize_InsufficientOnHandRollsBack(t *testing.T) {
	f := newFixture(t, variant("A", 1000, 5))
	sess := startCheckout(t, f, items("A", 4))

	// Stock disappeared behind the ledger's back.
	f.store.PutVariant(variant("A", 1000, 1))

	_, err := f.committer.Finalize(context.Background(), sess.ID)
	assert.ErrorIs(t, err, ErrInsufficientOnHand)
	assert.Equal(t, 1, f.onHand(t, "A"))

	view := f.session(t, sess.ID)
	require.Len(t, view.Reservations, 1)
	assert.Equal(t, model.ReservationActive, view.Reservations[0].Status)
	assert.Nil(t, view.Order)
}

func TestNewOrderNumber(t *testing.T) {
	at := time.UnixMilli(1718000000123)
	a := newOrderNumber(at)
	b := newOrderNumber(at)
	assert.Regexp(t, `^ORD-1718000000123-[A-Z0-9]{6}$`, a)
	assert.NotEqual(t, a, b)
}
