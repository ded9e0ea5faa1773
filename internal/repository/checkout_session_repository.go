package repository

import (
    "context"
    "database/sql"
    "encoding/json"
    "errors"
    "fmt"
    "time"

    "github.com/iliyamo/storefront-checkout/internal/model"
)

// SessionRepo provides data access to the checkout_sessions table.
// Status changes go through TransitionTx, which only updates a row still
// in the expected status.
type SessionRepo struct {
    db *sql.DB
}

// NewSessionRepo returns a SessionRepo bound to the given database.
func NewSessionRepo(db *sql.DB) *SessionRepo { return &SessionRepo{db: db} }

const sessionColumns = `id, items, status, customer_id, amount_cents, currency, created_at, expires_at, payment_reference, payment_url, updated_at`

// CreateTx inserts a new session.  Line items are stored as JSON.
func (r *SessionRepo) CreateTx(ctx context.Context, tx *sql.Tx, s *model.CheckoutSession) error {
    items, err := json.Marshal(s.Items)
    if err != nil {
        return fmt.Errorf("marshal items: %w", err)
    }
    var customer sql.NullString
    if s.CustomerID != "" {
        customer = sql.NullString{String: s.CustomerID, Valid: true}
    }
    const q = `INSERT INTO checkout_sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
    _, err = tx.ExecContext(ctx, q, s.ID, string(items), string(s.Status), customer, s.AmountCents, s.Currency,
        s.CreatedAt.UTC(), s.ExpiresAt.UTC(), s.PaymentReference, s.PaymentURL, s.UpdatedAt.UTC())
    if isDuplicateKey(err) {
        return ErrDuplicate
    }
    return err
}

// GetTx loads one session.  With forUpdate the row stays locked until the
// transaction ends.  Unknown ids yield ErrNotFound.
func (r *SessionRepo) GetTx(ctx context.Context, tx *sql.Tx, id string, forUpdate bool) (*model.CheckoutSession, error) {
    q := `SELECT ` + sessionColumns + ` FROM checkout_sessions WHERE id = ?`
    if forUpdate {
        q += ` FOR UPDATE`
    }
    s, err := scanSession(tx.QueryRowContext(ctx, q, id))
    if errors.Is(err, sql.ErrNoRows) {
        return nil, ErrNotFound
    }
    return s, err
}

// TransitionTx sets the status to `to` only if it is currently `from`.
func (r *SessionRepo) TransitionTx(ctx context.Context, tx *sql.Tx, id string, from, to model.SessionStatus, at time.Time) (bool, error) {
    const q = `UPDATE checkout_sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
    res, err := tx.ExecContext(ctx, q, string(to), at.UTC(), id, string(from))
    if err != nil {
        return false, err
    }
    n, err := res.RowsAffected()
    if err != nil {
        return false, err
    }
    return n == 1, nil
}

// SetAmountTx records the chargeable amount computed at hold time.
func (r *SessionRepo) SetAmountTx(ctx context.Context, tx *sql.Tx, id string, amountCents int64, at time.Time) error {
    const q = `UPDATE checkout_sessions SET amount_cents = ?, updated_at = ? WHERE id = ?`
    _, err := tx.ExecContext(ctx, q, amountCents, at.UTC(), id)
    return err
}

// SetPaymentTx stores the gateway reference and, when given, the payment
// redirect URL.
func (r *SessionRepo) SetPaymentTx(ctx context.Context, tx *sql.Tx, id, reference string, url *string, at time.Time) error {
    const q = `UPDATE checkout_sessions
               SET payment_reference = ?, payment_url = COALESCE(?, payment_url), updated_at = ?
               WHERE id = ?`
    _, err := tx.ExecContext(ctx, q, reference, url, at.UTC(), id)
    return err
}

// DueForExpiryTx lists sessions still waiting on a hold or a payment whose
// window closed before now, oldest expiry first.
func (r *SessionRepo) DueForExpiryTx(ctx context.Context, tx *sql.Tx, now time.Time, limit int) ([]model.CheckoutSession, error) {
    const q = `SELECT ` + sessionColumns + ` FROM checkout_sessions
               WHERE status IN ('pending', 'awaiting_payment') AND expires_at < ?
               ORDER BY expires_at, id
               LIMIT ?`
    return r.queryTx(ctx, tx, q, now.UTC(), limit)
}

// PaidWithoutOrderTx lists paid sessions with no order row.
func (r *SessionRepo) PaidWithoutOrderTx(ctx context.Context, tx *sql.Tx, limit int) ([]model.CheckoutSession, error) {
    const q = `SELECT s.id, s.items, s.status, s.customer_id, s.amount_cents, s.currency, s.created_at,
                      s.expires_at, s.payment_reference, s.payment_url, s.updated_at
               FROM checkout_sessions s
               LEFT JOIN orders o ON o.session_id = s.id
               WHERE s.status = 'paid' AND o.id IS NULL
               ORDER BY s.updated_at, s.id
               LIMIT ?`
    return r.queryTx(ctx, tx, q, limit)
}

func (r *SessionRepo) queryTx(ctx context.Context, tx *sql.Tx, q string, args ...interface{}) ([]model.CheckoutSession, error) {
    rows, err := tx.QueryContext(ctx, q, args...)
    if err != nil {
        return nil, err
    }
    defer rows.Close()
    var out []model.CheckoutSession
    for rows.Next() {
        s, err := scanSession(rows)
        if err != nil {
            return nil, err
        }
        out = append(out, *s)
    }
    if err := rows.Err(); err != nil {
        return nil, err
    }
    return out, nil
}

type rowScanner interface {
    Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*model.CheckoutSession, error) {
    var s model.CheckoutSession
    var items []byte
    var status string
    var customer, payRef, payURL sql.NullString
    if err := row.Scan(&s.ID, &items, &status, &customer, &s.AmountCents, &s.Currency,
        &s.CreatedAt, &s.ExpiresAt, &payRef, &payURL, &s.UpdatedAt); err != nil {
        return nil, err
    }
    if err := json.Unmarshal(items, &s.Items); err != nil {
        return nil, fmt.Errorf("decode items of session %s: %w", s.ID, err)
    }
    s.Status = model.SessionStatus(status)
    if customer.Valid {
        s.CustomerID = customer.String
    }
    if payRef.Valid {
        ref := payRef.String
        s.PaymentReference = &ref
    }
    if payURL.Valid {
        u := payURL.String
        s.PaymentURL = &u
    }
    return &s, nil
}
