package repository

import (
    "context"
    "errors"
    "regexp"
    "testing"
    "time"

    "github.com/DATA-DOG/go-sqlmock"
    "github.com/go-sql-driver/mysql"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/iliyamo/storefront-checkout/internal/model"
)

func newMock(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
    t.Helper()
    db, mock, err := sqlmock.New()
    require.NoError(t, err)
    t.Cleanup(func() { _ = db.Close() })
    return NewMySQLStore(db), mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

func TestMySQLStore_CommitsOnSuccess(t *testing.T) {
    store, mock := newMock(t)
    ctx := context.Background()

    mock.ExpectBegin()
    mock.ExpectQuery(q("FROM variants WHERE id IN (?, ?) ORDER BY id FOR UPDATE")).
        WithArgs("a", "b").
        WillReturnRows(sqlmock.NewRows([]string{"id", "product_id", "sku", "price_cents", "on_hand"}).
            AddRow("a", "p1", "SKU-A", 1500, 4).
            AddRow("b", "p1", "SKU-B", 900, 0))
    mock.ExpectCommit()

    var got map[string]model.Variant
    err := store.InTx(ctx, func(tx Tx) error {
        var err error
        got, err = tx.Variants(ctx, []string{"b", "a"}, true)
        return err
    })
    require.NoError(t, err)
    assert.Equal(t, int64(1500), got["a"].PriceCents)
    assert.Equal(t, 0, got["b"].OnHand)
    assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_RollsBackOnError(t *testing.T) {
    store, mock := newMock(t)
    boom := errors.New("boom")

    mock.ExpectBegin()
    mock.ExpectRollback()

    err := store.InTx(context.Background(), func(Tx) error { return boom })
    assert.ErrorIs(t, err, boom)
    assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_DuplicateOrder(t *testing.T) {
    store, mock := newMock(t)
    ctx := context.Background()

    mock.ExpectBegin()
    mock.ExpectExec(q("INSERT INTO orders")).
        WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
    mock.ExpectRollback()

    err := store.InTx(ctx, func(tx Tx) error {
        return tx.CreateOrder(ctx, &model.Order{ID: "o1", SessionID: "s1", CreatedAt: time.Now()})
    })
    assert.ErrorIs(t, err, ErrDuplicate)
    assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_GetSession(t *testing.T) {
    store, mock := newMock(t)
    ctx := context.Background()
    now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
    cols := []string{"id", "items", "status", "customer_id", "amount_cents", "currency", "created_at",
        "expires_at", "payment_reference", "payment_url", "updated_at"}

    mock.ExpectBegin()
    mock.ExpectQuery(q("FROM checkout_sessions WHERE id = ? FOR UPDATE")).WithArgs("s1").
        WillReturnRows(sqlmock.NewRows(cols).AddRow("s1", []byte(`[{"variant_id":"a","quantity":2}]`),
            "awaiting_payment", nil, 3000, "usd", now, now.Add(30*time.Minute), "pay_1", "https://pay/1", now))
    mock.ExpectQuery(q("FROM checkout_sessions WHERE id = ?")).WithArgs("nope").
        WillReturnRows(sqlmock.NewRows(cols))
    mock.ExpectCommit()

    err := store.InTx(ctx, func(tx Tx) error {
        s, err := tx.GetSession(ctx, "s1", true)
        require.NoError(t, err)
        assert.Equal(t, model.SessionAwaitingPayment, s.Status)
        assert.Equal(t, []model.LineItem{{VariantID: "a", Quantity: 2}}, s.Items)
        assert.Empty(t, s.CustomerID)
        require.NotNil(t, s.PaymentReference)
        assert.Equal(t, "pay_1", *s.PaymentReference)

        _, err = tx.GetSession(ctx, "nope", false)
        assert.ErrorIs(t, err, ErrNotFound)
        return nil
    })
    require.NoError(t, err)
    assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_ConditionalUpdates(t *testing.T) {
    store, mock := newMock(t)
    ctx := context.Background()
    at := time.Now()

    mock.ExpectBegin()
    mock.ExpectExec(q("UPDATE checkout_sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?")).
        WithArgs("paid", sqlmock.AnyArg(), "s1", "awaiting_payment").
        WillReturnResult(sqlmock.NewResult(0, 1))
    mock.ExpectExec(q("UPDATE checkout_sessions SET status")).
        WithArgs("cancelled", sqlmock.AnyArg(), "s1", "awaiting_payment").
        WillReturnResult(sqlmock.NewResult(0, 0))
    mock.ExpectExec(q("UPDATE variants SET on_hand = on_hand - ? WHERE id = ? AND on_hand >= ?")).
        WithArgs(2, "a", 2).
        WillReturnResult(sqlmock.NewResult(0, 0))
    mock.ExpectExec(q("UPDATE reservations SET status = ?, updated_at = ?")).
        WithArgs("released", sqlmock.AnyArg(), "active", "r1", "r2").
        WillReturnResult(sqlmock.NewResult(0, 1))
    mock.ExpectCommit()

    err := store.InTx(ctx, func(tx Tx) error {
        ok, err := tx.TransitionSession(ctx, "s1", model.SessionAwaitingPayment, model.SessionPaid, at)
        require.NoError(t, err)
        assert.True(t, ok)

        ok, err = tx.TransitionSession(ctx, "s1", model.SessionAwaitingPayment, model.SessionCancelled, at)
        require.NoError(t, err)
        assert.False(t, ok)

        ok, err = tx.DecrementOnHand(ctx, "a", 2)
        require.NoError(t, err)
        assert.False(t, ok)

        n, err := tx.UpdateReservationStatus(ctx, []string{"r1", "r2"}, model.ReservationActive, model.ReservationReleased, at)
        require.NoError(t, err)
        assert.Equal(t, int64(1), n)
        return nil
    })
    require.NoError(t, err)
    assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_ActiveQuantitiesAndInsert(t *testing.T) {
    store, mock := newMock(t)
    ctx := context.Background()
    now := time.Now()

    mock.ExpectBegin()
    mock.ExpectQuery(q("FROM reservations")).
        WithArgs("a", "b", sqlmock.AnyArg()).
        WillReturnRows(sqlmock.NewRows([]string{"variant_id", "sum"}).AddRow("a", 3))
    mock.ExpectExec(q("INSERT INTO reservations (id, variant_id, session_id, quantity, status, created_at, expires_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?),(?, ?, ?, ?, ?, ?, ?, ?)")).
        WillReturnResult(sqlmock.NewResult(0, 2))
    mock.ExpectCommit()

    err := store.InTx(ctx, func(tx Tx) error {
        got, err := tx.ActiveQuantities(ctx, []string{"a", "b"}, now)
        require.NoError(t, err)
        assert.Equal(t, map[string]int{"a": 3}, got)

        return tx.InsertReservations(ctx, []model.Reservation{
            {ID: "r1", VariantID: "a", SessionID: "s", Quantity: 1, Status: model.ReservationActive},
            {ID: "r2", VariantID: "b", SessionID: "s", Quantity: 1, Status: model.ReservationActive},
        })
    })
    require.NoError(t, err)
    assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlaceholders(t *testing.T) {
    assert.Equal(t, "", placeholders(0))
    assert.Equal(t, "?", placeholders(1))
    assert.Equal(t, "?, ?, ?", placeholders(3))
}
