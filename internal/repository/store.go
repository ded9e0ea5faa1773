package repository

import (
    "context"
    "time"

    "github.com/iliyamo/storefront-checkout/internal/model"
)

// Store is the transactional boundary of the checkout core.  All reads
// and writes of variants, reservations, sessions and orders happen inside
// InTx so that an availability check and the write that depends on it are
// one atomic unit.  When fn returns an error nothing it did is persisted.
type Store interface {
    InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of operations available inside a Store transaction.
// Every method name is a capability the service layer relies on; a store
// that lacks one does not compile.
type Tx interface {
    // Variants loads the given variants keyed by id.  Unknown ids are
    // absent from the map.  With forUpdate the rows stay locked until the
    // transaction ends; ids are locked in ascending order.
    Variants(ctx context.Context, ids []string, forUpdate bool) (map[string]model.Variant, error)
    // DecrementOnHand subtracts qty from a variant's on-hand quantity when
    // at least qty units are on hand.  It reports whether a row changed.
    DecrementOnHand(ctx context.Context, variantID string, qty int) (bool, error)

    // ActiveQuantities sums the quantities of active reservations that
    // have not expired at now, keyed by variant id.
    ActiveQuantities(ctx context.Context, variantIDs []string, now time.Time) (map[string]int, error)
    InsertReservations(ctx context.Context, rs []model.Reservation) error
    // GuardSessionHolds serializes hold creation for a session until the
    // transaction ends, whether or not the session row exists.
    GuardSessionHolds(ctx context.Context, sessionID string, at time.Time) error
    // ReservationsBySession returns every reservation of a session, oldest
    // first, locked for update.
    ReservationsBySession(ctx context.Context, sessionID string) ([]model.Reservation, error)
    // ReservationsByIDs returns the reservations with the given ids,
    // locked for update.  Unknown ids are skipped.
    ReservationsByIDs(ctx context.Context, ids []string) ([]model.Reservation, error)
    // UpdateReservationStatus moves the listed reservations from one status
    // to another, touching only rows currently in from.  It returns the
    // number of rows changed.
    UpdateReservationStatus(ctx context.Context, ids []string, from, to model.ReservationStatus, at time.Time) (int64, error)
    // OrphanedReservations lists active reservations whose session is
    // missing, expired or cancelled.
    OrphanedReservations(ctx context.Context, limit int) ([]model.Reservation, error)

    CreateSession(ctx context.Context, s *model.CheckoutSession) error
    // GetSession returns ErrNotFound for unknown ids.
    GetSession(ctx context.Context, id string, forUpdate bool) (*model.CheckoutSession, error)
    // TransitionSession changes the status only if the current status is
    // from, reporting whether it did.
    TransitionSession(ctx context.Context, id string, from, to model.SessionStatus, at time.Time) (bool, error)
    SetSessionAmount(ctx context.Context, id string, amountCents int64, at time.Time) error
    SetPaymentDetails(ctx context.Context, id, reference string, url *string, at time.Time) error
    // SessionsDueForExpiry lists pending or awaiting_payment sessions whose
    // expires_at is before now.
    SessionsDueForExpiry(ctx context.Context, now time.Time, limit int) ([]model.CheckoutSession, error)
    // PaidSessionsWithoutOrder lists paid sessions that have no order row.
    PaidSessionsWithoutOrder(ctx context.Context, limit int) ([]model.CheckoutSession, error)

    // CreateOrder returns ErrDuplicate when the session already has one.
    CreateOrder(ctx context.Context, o *model.Order) error
    // OrderBySession returns ErrNotFound when the session has no order.
    OrderBySession(ctx context.Context, sessionID string) (*model.Order, error)
}
