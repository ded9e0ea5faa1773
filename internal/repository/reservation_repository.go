package repository

import (
    "context"
    "database/sql"
    "time"

    "github.com/iliyamo/storefront-checkout/internal/model"
)

// ReservationRepo provides data access to the reservations table.  Rows
// are never deleted: releasing or consuming a hold only changes its
// status.  All timestamps are written and compared in UTC.
type ReservationRepo struct {
    db *sql.DB
}

// NewReservationRepo returns a new ReservationRepo bound to the given database.
func NewReservationRepo(db *sql.DB) *ReservationRepo { return &ReservationRepo{db: db} }

const reservationColumns = `id, variant_id, session_id, quantity, status, created_at, expires_at, updated_at`

// CreateMultipleTx inserts the reservations in a single statement within
// the provided transaction.  Passing an empty slice has no effect.
func (r *ReservationRepo) CreateMultipleTx(ctx context.Context, tx *sql.Tx, rs []model.Reservation) error {
    if len(rs) == 0 {
        return nil
    }
    query := `INSERT INTO reservations (` + reservationColumns + `) VALUES `
    args := make([]interface{}, 0, len(rs)*8)
    for i, res := range rs {
        if i > 0 {
            query += ","
        }
        query += "(?, ?, ?, ?, ?, ?, ?, ?)"
        args = append(args, res.ID, res.VariantID, res.SessionID, res.Quantity, string(res.Status),
            res.CreatedAt.UTC(), res.ExpiresAt.UTC(), res.UpdatedAt.UTC())
    }
    _, err := tx.ExecContext(ctx, query, args...)
    if isDuplicateKey(err) {
        return ErrDuplicate
    }
    return err
}

// GuardSessionTx upserts the session's row in reservation_guards, which
// leaves it exclusively locked until tx ends.  Unlike a FOR UPDATE on a
// checkout session that may not exist, this always has a row to lock.
func (r *ReservationRepo) GuardSessionTx(ctx context.Context, tx *sql.Tx, sessionID string, at time.Time) error {
    const q = `INSERT INTO reservation_guards (session_id, created_at) VALUES (?, ?)
               ON DUPLICATE KEY UPDATE session_id = session_id`
    _, err := tx.ExecContext(ctx, q, sessionID, at.UTC())
    return err
}

// ActiveQuantitiesTx sums the quantity of holds that still count against
// availability: status active and expires_at in the future.  Holds whose
// expiry has passed are ignored whether or not the sweeper has released
// them yet.
func (r *ReservationRepo) ActiveQuantitiesTx(ctx context.Context, tx *sql.Tx, variantIDs []string, now time.Time) (map[string]int, error) {
    out := make(map[string]int, len(variantIDs))
    if len(variantIDs) == 0 {
        return out, nil
    }
    q := `SELECT variant_id, COALESCE(SUM(quantity), 0)
          FROM reservations
          WHERE variant_id IN (` + placeholders(len(variantIDs)) + `)
            AND status = 'active' AND expires_at > ?
          GROUP BY variant_id`
    args := append(stringArgs(variantIDs), now.UTC())
    rows, err := tx.QueryContext(ctx, q, args...)
    if err != nil {
        return nil, err
    }
    defer rows.Close()
    for rows.Next() {
        var id string
        var qty int
        if err := rows.Scan(&id, &qty); err != nil {
            return nil, err
        }
        out[id] = qty
    }
    return out, rows.Err()
}

// BySessionTx returns every reservation of a session, oldest first, and
// locks them until the transaction ends.
func (r *ReservationRepo) BySessionTx(ctx context.Context, tx *sql.Tx, sessionID string) ([]model.Reservation, error) {
    q := `SELECT ` + reservationColumns + ` FROM reservations WHERE session_id = ? ORDER BY created_at, id FOR UPDATE`
    return r.queryTx(ctx, tx, q, sessionID)
}

// ByIDsTx returns the listed reservations, locked for update.
func (r *ReservationRepo) ByIDsTx(ctx context.Context, tx *sql.Tx, ids []string) ([]model.Reservation, error) {
    if len(ids) == 0 {
        return []model.Reservation{}, nil
    }
    q := `SELECT ` + reservationColumns + ` FROM reservations WHERE id IN (` +
        placeholders(len(ids)) + `) ORDER BY id FOR UPDATE`
    return r.queryTx(ctx, tx, q, stringArgs(ids)...)
}

// UpdateStatusTx moves the listed reservations from one status to
// another.  Rows not currently in from are left untouched, which makes
// repeated releases and racing sweeps harmless.
func (r *ReservationRepo) UpdateStatusTx(ctx context.Context, tx *sql.Tx, ids []string, from, to model.ReservationStatus, at time.Time) (int64, error) {
    if len(ids) == 0 {
        return 0, nil
    }
    q := `UPDATE reservations SET status = ?, updated_at = ?
          WHERE status = ? AND id IN (` + placeholders(len(ids)) + `)`
    args := append([]interface{}{string(to), at.UTC(), string(from)}, stringArgs(ids)...)
    res, err := tx.ExecContext(ctx, q, args...)
    if err != nil {
        return 0, err
    }
    return res.RowsAffected()
}

// OrphanedTx lists active reservations whose checkout session is missing,
// expired or cancelled.
func (r *ReservationRepo) OrphanedTx(ctx context.Context, tx *sql.Tx, limit int) ([]model.Reservation, error) {
    const q = `SELECT r.id, r.variant_id, r.session_id, r.quantity, r.status, r.created_at, r.expires_at, r.updated_at
               FROM reservations r
               LEFT JOIN checkout_sessions s ON s.id = r.session_id
               WHERE r.status = 'active' AND (s.id IS NULL OR s.status IN ('expired', 'cancelled'))
               ORDER BY r.created_at
               LIMIT ?`
    return r.queryTx(ctx, tx, q, limit)
}

func (r *ReservationRepo) queryTx(ctx context.Context, tx *sql.Tx, q string, args ...interface{}) ([]model.Reservation, error) {
    rows, err := tx.QueryContext(ctx, q, args...)
    if err != nil {
        return nil, err
    }
    defer rows.Close()
    var out []model.Reservation
    for rows.Next() {
        var res model.Reservation
        var status string
        if err := rows.Scan(&res.ID, &res.VariantID, &res.SessionID, &res.Quantity, &status,
            &res.CreatedAt, &res.ExpiresAt, &res.UpdatedAt); err != nil {
            return nil, err
        }
        res.Status = model.ReservationStatus(status)
        out = append(out, res)
    }
    if err := rows.Err(); err != nil {
        return nil, err
    }
    return out, nil
}
