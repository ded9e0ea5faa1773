package service

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/storefront-checkout/internal/repository"
)

var mysqlNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newMySQLServices(t *testing.T) (*ReservationManager, *FulfillmentCommitter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	now := func() time.Time { return mysqlNow }
	store := repository.NewMySQLStore(db)
	ledger := NewLedger(store, now)
	reservations := NewReservationManager(store, ledger, now)
	return reservations, NewFulfillmentCommitter(store, reservations, ledger, now), mock
}

// A finalize that queued behind another must take the session lock before
// looking for an order, so it finds the order committed ahead of it
// instead of a session whose holds are all consumed.
func TestFinalize_MySQLLocksSessionBeforeOrderLookup(t *testing.T) {
	_, committer, mock := newMySQLServices(t)
	now := mysqlNow

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM checkout_sessions WHERE id = ? FOR UPDATE")).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "items", "status", "customer_id", "amount_cents",
			"currency", "created_at", "expires_at", "payment_reference", "payment_url", "updated_at"}).
			AddRow("s1", []byte(`[{"variant_id":"A","quantity":2}]`), "paid", nil, 2000, "usd",
				now, now.Add(testTTL), "pay_1", "https://pay.test/pay_1", now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM orders WHERE session_id = ?")).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_number", "session_id", "items", "total_cents",
			"currency", "payment_reference", "created_at"}).
			AddRow("o1", "ORD-1-ABCDEF", "s1", []byte(`[{"variant_id":"A","quantity":2,"unit_price_cents":1000}]`),
				2000, "usd", "pay_1", now))
	mock.ExpectCommit()

	orderID, err := committer.Finalize(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "o1", orderID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Without a session row there is nothing for FOR UPDATE to lock, so the
// guard row must be taken before the existing holds are checked.
func TestReserve_MySQLGuardsSessionWithoutRow(t *testing.T) {
	reservations, _, mock := newMySQLServices(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM checkout_sessions WHERE id = ? FOR UPDATE")).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "items", "status", "customer_id", "amount_cents",
			"currency", "created_at", "expires_at", "payment_reference", "payment_url", "updated_at"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reservation_guards (session_id, created_at) VALUES (?, ?)")).
		WithArgs("s1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM reservations WHERE session_id = ? ORDER BY created_at, id FOR UPDATE")).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "variant_id", "session_id", "quantity", "status",
			"created_at", "expires_at", "updated_at"}).
			AddRow("r1", "A", "s1", 1, "active", mysqlNow, mysqlNow.Add(time.Hour), mysqlNow))
	mock.ExpectRollback()

	_, err := reservations.Reserve(context.Background(), "s1", items("B", 1), time.Hour)
	assert.ErrorIs(t, err, ErrAlreadyReserved)
	assert.NoError(t, mock.ExpectationsWereMet())
}
