package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/storefront-checkout/internal/model"
	"github.com/iliyamo/storefront-checkout/internal/repository"
)

func (f *fixture) openSession(t *testing.T, id string, li []model.LineItem) {
	t.Helper()
	now := f.clock.Now()
	err := f.store.InTx(context.Background(), func(tx repository.Tx) error {
		return tx.CreateSession(context.Background(), &model.CheckoutSession{
			ID: id, Items: li, Status: model.SessionAwaitingPayment, Currency: "usd",
			CreatedAt: now, ExpiresAt: now.Add(testTTL), UpdatedAt: now,
		})
	})
	require.NoError(t, err)
}

func TestSoldOutStaysSoldOutAfterFinalize(t *testing.T) {
	f := newFixture(t, variant("V", 1000, 2))
	ctx := context.Background()

	f.openSession(t, "A", items("V", 2))
	_, err := f.reservations.Reserve(ctx, "A", items("V", 2), testTTL)
	require.NoError(t, err)

	_, err = f.reservations.Reserve(ctx, "B", items("V", 1), testTTL)
	var se *StockError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, 0, se.Available)

	orderID, err := f.committer.Finalize(ctx, "A")
	require.NoError(t, err)
	assert.NotEmpty(t, orderID)
	assert.Equal(t, 0, f.onHand(t, "V"))

	_, err = f.reservations.Reserve(ctx, "B", items("V", 1), testTTL)
	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, 0, f.available(t, "V"))

	again, err := f.committer.Finalize(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, orderID, again)
	assert.Equal(t, 0, f.onHand(t, "V"))
}

func TestLapsedHoldFreesStockBeforeSweep(t *testing.T) {
	f := newFixture(t, variant("V", 1000, 5))
	ctx := context.Background()

	_, err := f.reservations.Reserve(ctx, "C", items("V", 3), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, f.available(t, "V"))

	f.clock.Advance(2 * time.Minute)
	assert.Equal(t, 5, f.available(t, "V"))

	_, err = f.reservations.Reserve(ctx, "D", items("V", 5), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, f.available(t, "V"))
	assert.Equal(t, 5, f.onHand(t, "V"))
}
