package model

import "time"

// ReservationStatus is the lifecycle state of a stock hold.
type ReservationStatus string

const (
    ReservationActive   ReservationStatus = "active"
    ReservationConsumed ReservationStatus = "consumed"
    ReservationReleased ReservationStatus = "released"
)

// Reservation is a time-bounded hold on a quantity of one variant on
// behalf of a checkout session.  Rows are never deleted; consumed and
// released rows remain for audit and idempotency checks.
//
// Fields:
//  ID        – reservation identifier.
//  VariantID – variant being held.
//  SessionID – owning checkout session.
//  Quantity  – number of units held (always positive).
//  Status    – active, consumed or released.
//  CreatedAt – when the hold was taken.
//  ExpiresAt – after this instant the hold no longer counts against
//              availability, whether or not it has been swept.
//  UpdatedAt – last status change.
type Reservation struct {
    ID        string            `json:"id"`         // reservations.id
    VariantID string            `json:"variant_id"` // reservations.variant_id
    SessionID string            `json:"session_id"` // reservations.session_id
    Quantity  int               `json:"quantity"`   // reservations.quantity
    Status    ReservationStatus `json:"status"`     // reservations.status
    CreatedAt time.Time         `json:"created_at"` // reservations.created_at
    ExpiresAt time.Time         `json:"expires_at"` // reservations.expires_at
    UpdatedAt time.Time         `json:"updated_at"` // reservations.updated_at
}

// HoldsStock reports whether the reservation still counts against
// availability at the given instant.
func (r Reservation) HoldsStock(now time.Time) bool {
    return r.Status == ReservationActive && r.ExpiresAt.After(now)
}

// LineItem is one (variant, quantity) entry of a cart.
type LineItem struct {
    VariantID string `json:"variant_id"`
    Quantity  int    `json:"quantity"`
}
