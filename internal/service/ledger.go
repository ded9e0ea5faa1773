package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"github.com/iliyamo/storefront-checkout/internal/metrics"
	"github.com/iliyamo/storefront-checkout/internal/repository"
)

var tracer = otel.Tracer("github.com/iliyamo/storefront-checkout/internal/service")

// Ledger answers availability questions and applies committed stock
// decrements.  Availability is on-hand minus the quantities held by
// active, unexpired reservations, floored at zero.
type Ledger struct {
	store repository.Store
	now   func() time.Time
}

// NewLedger returns a Ledger over store.  A nil now uses time.Now.
func NewLedger(store repository.Store, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: store, now: now}
}

// Available returns the units of variantID that can still be reserved.
// Unknown variants report zero.
func (l *Ledger) Available(ctx context.Context, variantID string) (int, error) {
	var avail int
	err := l.store.InTx(ctx, func(tx repository.Tx) error {
		levels, err := l.levelsTx(ctx, tx, []string{variantID}, l.now(), false)
		if err != nil {
			return err
		}
		avail = levels[variantID].Available
		return nil
	})
	return avail, err
}

// stockLevel is the availability picture of one variant inside a
// transaction.
type stockLevel struct {
	Known      bool
	PriceCents int64
	OnHand     int
	Reserved   int
	Available  int
}

// levelsTx computes stock levels for ids.  With lock the variant rows are
// locked so the numbers stay valid until the transaction ends.
func (l *Ledger) levelsTx(ctx context.Context, tx repository.Tx, ids []string, now time.Time, lock bool) (map[string]stockLevel, error) {
	variants, err := tx.Variants(ctx, ids, lock)
	if err != nil {
		return nil, fmt.Errorf("load variants: %w", err)
	}
	held, err := tx.ActiveQuantities(ctx, ids, now)
	if err != nil {
		return nil, fmt.Errorf("sum active reservations: %w", err)
	}
	out := make(map[string]stockLevel, len(ids))
	for _, id := range ids {
		v, ok := variants[id]
		if !ok {
			out[id] = stockLevel{}
			continue
		}
		avail := v.OnHand - held[id]
		if avail < 0 {
			avail = 0
		}
		out[id] = stockLevel{Known: true, PriceCents: v.PriceCents, OnHand: v.OnHand, Reserved: held[id], Available: avail}
	}
	return out, nil
}

// decrementOnHandTx removes qty sold units from a variant.  Failing to do
// so means stock was sold that was never there, which the reservation
// rules should make impossible; it is reported as an integrity alert.
func (l *Ledger) decrementOnHandTx(ctx context.Context, tx repository.Tx, variantID string, qty int) error {
	ok, err := tx.DecrementOnHand(ctx, variantID, qty)
	if err != nil {
		return fmt.Errorf("decrement on_hand of %s: %w", variantID, err)
	}
	if !ok {
		metrics.IntegrityAlerts.Inc()
		log.Error().Str("variant_id", variantID).Int("quantity", qty).
			Msg("INTEGRITY: committed decrement found too little stock on hand")
		return fmt.Errorf("%w: variant %s, quantity %d", ErrInsufficientOnHand, variantID, qty)
	}
	return nil
}
