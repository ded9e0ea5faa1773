package repository

import (
    "context"
    "database/sql"
    "encoding/json"
    "errors"
    "fmt"

    "github.com/iliyamo/storefront-checkout/internal/model"
)

// OrderRepo persists orders.  The unique key on session_id is what makes
// finalization idempotent across concurrent webhook deliveries.
type OrderRepo struct {
    db *sql.DB
}

// NewOrderRepo returns an OrderRepo bound to the given database.
func NewOrderRepo(db *sql.DB) *OrderRepo { return &OrderRepo{db: db} }

// CreateTx inserts an order.  A second order for the same session fails
// with ErrDuplicate.
func (r *OrderRepo) CreateTx(ctx context.Context, tx *sql.Tx, o *model.Order) error {
    items, err := json.Marshal(o.Items)
    if err != nil {
        return fmt.Errorf("marshal order items: %w", err)
    }
    const q = `INSERT INTO orders (id, order_number, session_id, items, total_cents, currency, payment_reference, created_at)
               VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
    _, err = tx.ExecContext(ctx, q, o.ID, o.OrderNumber, o.SessionID, string(items), o.TotalCents, o.Currency,
        o.PaymentReference, o.CreatedAt.UTC())
    if isDuplicateKey(err) {
        return ErrDuplicate
    }
    return err
}

// BySessionTx returns the order of a session or ErrNotFound.
func (r *OrderRepo) BySessionTx(ctx context.Context, tx *sql.Tx, sessionID string) (*model.Order, error) {
    const q = `SELECT id, order_number, session_id, items, total_cents, currency, payment_reference, created_at
               FROM orders WHERE session_id = ?`
    var o model.Order
    var items []byte
    var payRef sql.NullString
    err := tx.QueryRowContext(ctx, q, sessionID).Scan(&o.ID, &o.OrderNumber, &o.SessionID, &items,
        &o.TotalCents, &o.Currency, &payRef, &o.CreatedAt)
    if errors.Is(err, sql.ErrNoRows) {
        return nil, ErrNotFound
    }
    if err != nil {
        return nil, err
    }
    if err := json.Unmarshal(items, &o.Items); err != nil {
        return nil, fmt.Errorf("decode items of order %s: %w", o.ID, err)
    }
    if payRef.Valid {
        ref := payRef.String
        o.PaymentReference = &ref
    }
    return &o, nil
}
