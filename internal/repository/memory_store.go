package repository

import (
    "context"
    "sort"
    "sync"
    "time"

    "github.com/iliyamo/storefront-checkout/internal/model"
)

// MemoryStore implements Store in process memory.  A transaction holds a
// single mutex for its whole duration and works on a copy of the data
// that replaces the live state only when fn succeeds, so transactions are
// serializable and roll back cleanly.  It backs the unit tests and the
// STORE_DRIVER=memory development mode.
type MemoryStore struct {
    mu   sync.Mutex
    data memoryData
}

type memoryData struct {
    variants     map[string]model.Variant
    reservations map[string]model.Reservation
    resOrder     []string // reservation ids in insertion order
    sessions     map[string]model.CheckoutSession
    orders       map[string]model.Order // keyed by session id
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
    return &MemoryStore{data: memoryData{
        variants:     make(map[string]model.Variant),
        reservations: make(map[string]model.Reservation),
        sessions:     make(map[string]model.CheckoutSession),
        orders:       make(map[string]model.Order),
    }}
}

func (d memoryData) clone() memoryData {
    out := memoryData{
        variants:     make(map[string]model.Variant, len(d.variants)),
        reservations: make(map[string]model.Reservation, len(d.reservations)),
        resOrder:     append([]string(nil), d.resOrder...),
        sessions:     make(map[string]model.CheckoutSession, len(d.sessions)),
        orders:       make(map[string]model.Order, len(d.orders)),
    }
    for k, v := range d.variants {
        out.variants[k] = v
    }
    for k, v := range d.reservations {
        out.reservations[k] = v
    }
    for k, v := range d.sessions {
        out.sessions[k] = v
    }
    for k, v := range d.orders {
        out.orders[k] = v
    }
    return out
}

// PutVariant inserts or replaces a catalog variant.
func (s *MemoryStore) PutVariant(v model.Variant) {
    s.mu.Lock()
    defer s.mu.Unlock()
    s.data.variants[v.ID] = v
}

// InTx runs fn against a private copy of the data and publishes the copy
// when fn returns nil.
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
    if err := ctx.Err(); err != nil {
        return err
    }
    s.mu.Lock()
    defer s.mu.Unlock()
    work := s.data.clone()
    if err := fn(&memoryTx{d: &work}); err != nil {
        return err
    }
    s.data = work
    return nil
}

type memoryTx struct {
    d *memoryData
}

func (t *memoryTx) Variants(_ context.Context, ids []string, _ bool) (map[string]model.Variant, error) {
    out := make(map[string]model.Variant, len(ids))
    for _, id := range ids {
        if v, ok := t.d.variants[id]; ok {
            out[id] = v
        }
    }
    return out, nil
}

func (t *memoryTx) DecrementOnHand(_ context.Context, variantID string, qty int) (bool, error) {
    v, ok := t.d.variants[variantID]
    if !ok || v.OnHand < qty {
        return false, nil
    }
    v.OnHand -= qty
    t.d.variants[variantID] = v
    return true, nil
}

func (t *memoryTx) ActiveQuantities(_ context.Context, variantIDs []string, now time.Time) (map[string]int, error) {
    want := make(map[string]struct{}, len(variantIDs))
    for _, id := range variantIDs {
        want[id] = struct{}{}
    }
    out := make(map[string]int)
    for _, r := range t.d.reservations {
        if _, ok := want[r.VariantID]; !ok {
            continue
        }
        if r.HoldsStock(now) {
            out[r.VariantID] += r.Quantity
        }
    }
    return out, nil
}

func (t *memoryTx) InsertReservations(_ context.Context, rs []model.Reservation) error {
    for _, r := range rs {
        if _, ok := t.d.reservations[r.ID]; ok {
            return ErrDuplicate
        }
    }
    for _, r := range rs {
        t.d.reservations[r.ID] = r
        t.d.resOrder = append(t.d.resOrder, r.ID)
    }
    return nil
}

// GuardSessionHolds needs no row: memory transactions already run one at
// a time.
func (t *memoryTx) GuardSessionHolds(context.Context, string, time.Time) error { return nil }

func (t *memoryTx) ReservationsBySession(_ context.Context, sessionID string) ([]model.Reservation, error) {
    var out []model.Reservation
    for _, id := range t.d.resOrder {
        if r := t.d.reservations[id]; r.SessionID == sessionID {
            out = append(out, r)
        }
    }
    return out, nil
}

func (t *memoryTx) ReservationsByIDs(_ context.Context, ids []string) ([]model.Reservation, error) {
    out := make([]model.Reservation, 0, len(ids))
    for _, id := range ids {
        if r, ok := t.d.reservations[id]; ok {
            out = append(out, r)
        }
    }
    return out, nil
}

func (t *memoryTx) UpdateReservationStatus(_ context.Context, ids []string, from, to model.ReservationStatus, at time.Time) (int64, error) {
    var n int64
    for _, id := range ids {
        r, ok := t.d.reservations[id]
        if !ok || r.Status != from {
            continue
        }
        r.Status = to
        r.UpdatedAt = at
        t.d.reservations[id] = r
        n++
    }
    return n, nil
}

func (t *memoryTx) OrphanedReservations(_ context.Context, limit int) ([]model.Reservation, error) {
    var out []model.Reservation
    for _, id := range t.d.resOrder {
        r := t.d.reservations[id]
        if r.Status != model.ReservationActive {
            continue
        }
        if s, ok := t.d.sessions[r.SessionID]; ok && !s.Status.ReleasesHolds() {
            continue
        }
        out = append(out, r)
        if limit > 0 && len(out) == limit {
            break
        }
    }
    return out, nil
}

func (t *memoryTx) CreateSession(_ context.Context, s *model.CheckoutSession) error {
    if _, ok := t.d.sessions[s.ID]; ok {
        return ErrDuplicate
    }
    cp := *s
    cp.Items = append([]model.LineItem(nil), s.Items...)
    t.d.sessions[s.ID] = cp
    return nil
}

func (t *memoryTx) GetSession(_ context.Context, id string, _ bool) (*model.CheckoutSession, error) {
    s, ok := t.d.sessions[id]
    if !ok {
        return nil, ErrNotFound
    }
    s.Items = append([]model.LineItem(nil), s.Items...)
    return &s, nil
}

func (t *memoryTx) TransitionSession(_ context.Context, id string, from, to model.SessionStatus, at time.Time) (bool, error) {
    s, ok := t.d.sessions[id]
    if !ok || s.Status != from {
        return false, nil
    }
    s.Status = to
    s.UpdatedAt = at
    t.d.sessions[id] = s
    return true, nil
}

func (t *memoryTx) SetSessionAmount(_ context.Context, id string, amountCents int64, at time.Time) error {
    s, ok := t.d.sessions[id]
    if !ok {
        return ErrNotFound
    }
    s.AmountCents = amountCents
    s.UpdatedAt = at
    t.d.sessions[id] = s
    return nil
}

func (t *memoryTx) SetPaymentDetails(_ context.Context, id, reference string, url *string, at time.Time) error {
    s, ok := t.d.sessions[id]
    if !ok {
        return ErrNotFound
    }
    ref := reference
    s.PaymentReference = &ref
    if url != nil {
        u := *url
        s.PaymentURL = &u
    }
    s.UpdatedAt = at
    t.d.sessions[id] = s
    return nil
}

func (t *memoryTx) SessionsDueForExpiry(_ context.Context, now time.Time, limit int) ([]model.CheckoutSession, error) {
    var out []model.CheckoutSession
    for _, s := range t.d.sessions {
        if s.Status != model.SessionPending && s.Status != model.SessionAwaitingPayment {
            continue
        }
        if s.ExpiresAt.Before(now) {
            out = append(out, s)
        }
    }
    sortSessions(out)
    if limit > 0 && len(out) > limit {
        out = out[:limit]
    }
    return out, nil
}

func (t *memoryTx) PaidSessionsWithoutOrder(_ context.Context, limit int) ([]model.CheckoutSession, error) {
    var out []model.CheckoutSession
    for _, s := range t.d.sessions {
        if s.Status != model.SessionPaid {
            continue
        }
        if _, ok := t.d.orders[s.ID]; !ok {
            out = append(out, s)
        }
    }
    sortSessions(out)
    if limit > 0 && len(out) > limit {
        out = out[:limit]
    }
    return out, nil
}

func (t *memoryTx) CreateOrder(_ context.Context, o *model.Order) error {
    if _, ok := t.d.orders[o.SessionID]; ok {
        return ErrDuplicate
    }
    cp := *o
    cp.Items = append([]model.OrderItem(nil), o.Items...)
    t.d.orders[o.SessionID] = cp
    return nil
}

func (t *memoryTx) OrderBySession(_ context.Context, sessionID string) (*model.Order, error) {
    o, ok := t.d.orders[sessionID]
    if !ok {
        return nil, ErrNotFound
    }
    o.Items = append([]model.OrderItem(nil), o.Items...)
    return &o, nil
}

// sortSessions orders by expiry then id so sweeps are deterministic.
func sortSessions(ss []model.CheckoutSession) {
    sort.Slice(ss, func(i, j int) bool {
        if !ss[i].ExpiresAt.Equal(ss[j].ExpiresAt) {
            return ss[i].ExpiresAt.Before(ss[j].ExpiresAt)
        }
        return ss[i].ID < ss[j].ID
    })
}
