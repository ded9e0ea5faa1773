package repository

import (
    "context"
    "database/sql"
    "sort"

    "github.com/iliyamo/storefront-checkout/internal/model"
)

// VariantRepo reads catalog variants and maintains their on-hand
// quantity.  The catalog service owns every other column.
type VariantRepo struct {
    db *sql.DB
}

// NewVariantRepo returns a VariantRepo bound to the given database.
func NewVariantRepo(db *sql.DB) *VariantRepo { return &VariantRepo{db: db} }

// GetManyTx loads variants by id inside tx.  With forUpdate the rows are
// locked in ascending id order; two transactions locking overlapping sets
// therefore queue instead of deadlocking.
func (r *VariantRepo) GetManyTx(ctx context.Context, tx *sql.Tx, ids []string, forUpdate bool) (map[string]model.Variant, error) {
    out := make(map[string]model.Variant, len(ids))
    if len(ids) == 0 {
        return out, nil
    }
    sorted := append([]string(nil), ids...)
    sort.Strings(sorted)
    q := `SELECT id, product_id, sku, price_cents, on_hand FROM variants WHERE id IN (` +
        placeholders(len(sorted)) + `) ORDER BY id`
    if forUpdate {
        q += ` FOR UPDATE`
    }
    rows, err := tx.QueryContext(ctx, q, stringArgs(sorted)...)
    if err != nil {
        return nil, err
    }
    defer rows.Close()
    for rows.Next() {
        var v model.Variant
        if err := rows.Scan(&v.ID, &v.ProductID, &v.SKU, &v.PriceCents, &v.OnHand); err != nil {
            return nil, err
        }
        out[v.ID] = v
    }
    if err := rows.Err(); err != nil {
        return nil, err
    }
    return out, nil
}

// DecrementOnHandTx subtracts qty from on_hand only when enough units are
// on hand, so the column can never go negative.  It reports whether the
// row was updated.
func (r *VariantRepo) DecrementOnHandTx(ctx context.Context, tx *sql.Tx, id string, qty int) (bool, error) {
    const q = `UPDATE variants SET on_hand = on_hand - ? WHERE id = ? AND on_hand >= ?`
    res, err := tx.ExecContext(ctx, q, qty, id, qty)
    if err != nil {
        return false, err
    }
    n, err := res.RowsAffected()
    if err != nil {
        return false, err
    }
    return n == 1, nil
}
