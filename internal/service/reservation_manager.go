package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/iliyamo/storefront-checkout/internal/metrics"
	"github.com/iliyamo/storefront-checkout/internal/model"
	"github.com/iliyamo/storefront-checkout/internal/repository"
)

// ReservationManager creates, releases and consumes stock holds.  A hold
// request for several variants either reserves all of them or none.
//
// Locks are always taken in the order session row, hold guard row,
// reservation rows, variant rows (ascending id) so concurrent
// transactions cannot deadlock on each other.
type ReservationManager struct {
	store  repository.Store
	ledger *Ledger
	now    func() time.Time
}

// NewReservationManager returns a manager over store.  A nil now uses
// time.Now.
func NewReservationManager(store repository.Store, ledger *Ledger, now func() time.Time) *ReservationManager {
	if now == nil {
		now = time.Now
	}
	return &ReservationManager{store: store, ledger: ledger, now: now}
}

// Reserve holds items for sessionID for ttl and returns the new
// reservation ids in item order.
func (m *ReservationManager) Reserve(ctx context.Context, sessionID string, items []model.LineItem, ttl time.Duration) ([]string, error) {
	ctx, span := tracer.Start(ctx, "ReservationManager.Reserve")
	defer span.End()

	var ids []string
	err := m.store.InTx(ctx, func(tx repository.Tx) error {
		rs, err := m.ReserveTx(ctx, tx, sessionID, items, ttl)
		if err != nil {
			return err
		}
		ids = reservationIDs(rs)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return ids, nil
}

// ReserveTx is Reserve inside a caller's transaction.
func (m *ReservationManager) ReserveTx(ctx context.Context, tx repository.Tx, sessionID string, items []model.LineItem, ttl time.Duration) ([]model.Reservation, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: hold duration must be positive", ErrInvalidCart)
	}
	rs, _, err := m.reserveUntilTx(ctx, tx, sessionID, items, m.now().Add(ttl))
	return rs, err
}

// reserveUntilTx holds items until expiresAt.  It also returns the stock
// levels it read so callers can price the cart without a second read.
func (m *ReservationManager) reserveUntilTx(ctx context.Context, tx repository.Tx, sessionID string, items []model.LineItem, expiresAt time.Time) ([]model.Reservation, map[string]stockLevel, error) {
	if err := validateItems(items); err != nil {
		metrics.ReserveRejected.WithLabelValues("invalid_cart").Inc()
		return nil, nil, err
	}
	now := m.now()
	if !expiresAt.After(now) {
		return nil, nil, fmt.Errorf("%w: hold would already be expired", ErrInvalidCart)
	}

	// The session row is locked when it exists; the guard row covers
	// callers holding for a session that has none.
	if _, err := tx.GetSession(ctx, sessionID, true); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, nil, fmt.Errorf("lock session: %w", err)
	}
	if err := tx.GuardSessionHolds(ctx, sessionID, now); err != nil {
		return nil, nil, fmt.Errorf("guard session holds: %w", err)
	}
	existing, err := tx.ReservationsBySession(ctx, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("load session reservations: %w", err)
	}
	for _, r := range existing {
		if r.Status == model.ReservationActive {
			metrics.ReserveRejected.WithLabelValues("already_reserved").Inc()
			return nil, nil, ErrAlreadyReserved
		}
	}

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.VariantID
	}
	levels, err := m.ledger.levelsTx(ctx, tx, ids, now, true)
	if err != nil {
		return nil, nil, err
	}
	for _, it := range items {
		if lv := levels[it.VariantID]; it.Quantity > lv.Available {
			metrics.ReserveRejected.WithLabelValues("insufficient_stock").Inc()
			return nil, nil, &StockError{VariantID: it.VariantID, Requested: it.Quantity, Available: lv.Available}
		}
	}

	rs := make([]model.Reservation, len(items))
	for i, it := range items {
		rs[i] = model.Reservation{
			ID:        uuid.NewString(),
			VariantID: it.VariantID,
			SessionID: sessionID,
			Quantity:  it.Quantity,
			Status:    model.ReservationActive,
			CreatedAt: now,
			ExpiresAt: expiresAt,
			UpdatedAt: now,
		}
	}
	if err := tx.InsertReservations(ctx, rs); err != nil {
		return nil, nil, fmt.Errorf("insert reservations: %w", err)
	}
	metrics.ReservationsCreated.Add(float64(len(rs)))
	return rs, levels, nil
}

// Release returns held stock to availability.  Reservations that are
// already released, consumed or unknown are skipped, so calling Release
// twice is harmless.
func (m *ReservationManager) Release(ctx context.Context, ids []string) error {
	return m.store.InTx(ctx, func(tx repository.Tx) error {
		_, err := m.ReleaseTx(ctx, tx, ids, "api")
		return err
	})
}

// ReleaseTx releases ids inside tx and returns how many changed.  source
// labels the metric.
func (m *ReservationManager) ReleaseTx(ctx context.Context, tx repository.Tx, ids []string, source string) (int64, error) {
	n, err := tx.UpdateReservationStatus(ctx, ids, model.ReservationActive, model.ReservationReleased, m.now())
	if err != nil {
		return 0, fmt.Errorf("release reservations: %w", err)
	}
	if n > 0 {
		metrics.ReservationsReleased.WithLabelValues(source).Add(float64(n))
	}
	return n, nil
}

// ReleaseSessionTx releases every active reservation of a session.
func (m *ReservationManager) ReleaseSessionTx(ctx context.Context, tx repository.Tx, sessionID, source string) (int64, error) {
	rs, err := tx.ReservationsBySession(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("load session reservations: %w", err)
	}
	var ids []string
	for _, r := range rs {
		if r.Status == model.ReservationActive {
			ids = append(ids, r.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return m.ReleaseTx(ctx, tx, ids, source)
}

// Consume marks the reservations as sold.  Every id must name an active
// hold that has not expired; otherwise nothing changes and the result is
// ErrInvalidState.
func (m *ReservationManager) Consume(ctx context.Context, ids []string) error {
	return m.store.InTx(ctx, func(tx repository.Tx) error {
		_, err := m.ConsumeTx(ctx, tx, ids)
		return err
	})
}

// ConsumeTx is Consume inside a caller's transaction.  It returns the
// consumed reservations.
func (m *ReservationManager) ConsumeTx(ctx context.Context, tx repository.Tx, ids []string) ([]model.Reservation, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: nothing to consume", ErrInvalidState)
	}
	rs, err := tx.ReservationsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load reservations: %w", err)
	}
	found := make(map[string]model.Reservation, len(rs))
	for _, r := range rs {
		found[r.ID] = r
	}
	now := m.now()
	want := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		r, ok := found[id]
		if !ok {
			return nil, fmt.Errorf("%w: reservation %s does not exist", ErrInvalidState, id)
		}
		if !r.HoldsStock(now) {
			return nil, fmt.Errorf("%w: reservation %s is %s and expires %s", ErrInvalidState, id, r.Status,
				r.ExpiresAt.UTC().Format(time.RFC3339))
		}
		want = append(want, id)
	}
	n, err := tx.UpdateReservationStatus(ctx, want, model.ReservationActive, model.ReservationConsumed, now)
	if err != nil {
		return nil, fmt.Errorf("consume reservations: %w", err)
	}
	if int(n) != len(want) {
		log.Error().Int64("changed", n).Int("expected", len(want)).Msg("reservation consume count mismatch")
		return nil, fmt.Errorf("%w: consumed %d of %d reservations", ErrInvalidState, n, len(want))
	}
	out := make([]model.Reservation, 0, len(want))
	for _, id := range want {
		r := found[id]
		r.Status = model.ReservationConsumed
		r.UpdatedAt = now
		out = append(out, r)
	}
	return out, nil
}

// validateItems rejects empty carts, non-positive quantities and repeated
// variants.
func validateItems(items []model.LineItem) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: no items", ErrInvalidCart)
	}
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if it.VariantID == "" {
			return fmt.Errorf("%w: missing variant_id", ErrInvalidCart)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("%w: quantity for %s must be positive", ErrInvalidCart, it.VariantID)
		}
		if seen[it.VariantID] {
			return fmt.Errorf("%w: variant %s listed twice", ErrInvalidCart, it.VariantID)
		}
		seen[it.VariantID] = true
	}
	return nil
}

func reservationIDs(rs []model.Reservation) []string {
	ids := make([]string, len(rs))
	for i, r := range rs {
		ids[i] = r.ID
	}
	return ids
}
