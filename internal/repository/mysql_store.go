package repository

import (
    "context"
    "database/sql"
    "errors"
    "strings"
    "time"

    "github.com/go-sql-driver/mysql"

    "github.com/iliyamo/storefront-checkout/internal/model"
)

// MySQLStore implements Store on top of the table repositories.  Every
// transaction runs at READ COMMITTED: the variant row locks taken by
// Variants(forUpdate) serialize writers of the same variant, and each
// later plain read in the transaction sees rows committed by whoever held
// the lock before, which a REPEATABLE READ snapshot would hide.
type MySQLStore struct {
    db           *sql.DB
    Variants     *VariantRepo
    Reservations *ReservationRepo
    Sessions     *SessionRepo
    Orders       *OrderRepo
}

// NewMySQLStore wires the table repositories around one database handle.
func NewMySQLStore(db *sql.DB) *MySQLStore {
    return &MySQLStore{
        db:           db,
        Variants:     NewVariantRepo(db),
        Reservations: NewReservationRepo(db),
        Sessions:     NewSessionRepo(db),
        Orders:       NewOrderRepo(db),
    }
}

// DB exposes the underlying handle for health checks.
func (s *MySQLStore) DB() *sql.DB { return s.db }

// InTx begins a transaction, runs fn and commits when fn succeeds.  Any
// error from fn, or a panic, rolls the transaction back.
func (s *MySQLStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
    tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
    if err != nil {
        return err
    }
    committed := false
    defer func() {
        if !committed {
            _ = tx.Rollback()
        }
    }()
    if err := fn(&mysqlTx{store: s, tx: tx}); err != nil {
        return err
    }
    if err := tx.Commit(); err != nil {
        return err
    }
    committed = true
    return nil
}

type mysqlTx struct {
    store *MySQLStore
    tx    *sql.Tx
}

func (t *mysqlTx) Variants(ctx context.Context, ids []string, forUpdate bool) (map[string]model.Variant, error) {
    return t.store.Variants.GetManyTx(ctx, t.tx, ids, forUpdate)
}

func (t *mysqlTx) DecrementOnHand(ctx context.Context, variantID string, qty int) (bool, error) {
    return t.store.Variants.DecrementOnHandTx(ctx, t.tx, variantID, qty)
}

func (t *mysqlTx) ActiveQuantities(ctx context.Context, variantIDs []string, now time.Time) (map[string]int, error) {
    return t.store.Reservations.ActiveQuantitiesTx(ctx, t.tx, variantIDs, now)
}

func (t *mysqlTx) InsertReservations(ctx context.Context, rs []model.Reservation) error {
    return t.store.Reservations.CreateMultipleTx(ctx, t.tx, rs)
}

func (t *mysqlTx) GuardSessionHolds(ctx context.Context, sessionID string, at time.Time) error {
    return t.store.Reservations.GuardSessionTx(ctx, t.tx, sessionID, at)
}

func (t *mysqlTx) ReservationsBySession(ctx context.Context, sessionID string) ([]model.Reservation, error) {
    return t.store.Reservations.BySessionTx(ctx, t.tx, sessionID)
}

func (t *mysqlTx) ReservationsByIDs(ctx context.Context, ids []string) ([]model.Reservation, error) {
    return t.store.Reservations.ByIDsTx(ctx, t.tx, ids)
}

func (t *mysqlTx) UpdateReservationStatus(ctx context.Context, ids []string, from, to model.ReservationStatus, at time.Time) (int64, error) {
    return t.store.Reservations.UpdateStatusTx(ctx, t.tx, ids, from, to, at)
}

func (t *mysqlTx) OrphanedReservations(ctx context.Context, limit int) ([]model.Reservation, error) {
    return t.store.Reservations.OrphanedTx(ctx, t.tx, limit)
}

func (t *mysqlTx) CreateSession(ctx context.Context, s *model.CheckoutSession) error {
    return t.store.Sessions.CreateTx(ctx, t.tx, s)
}

func (t *mysqlTx) GetSession(ctx context.Context, id string, forUpdate bool) (*model.CheckoutSession, error) {
    return t.store.Sessions.GetTx(ctx, t.tx, id, forUpdate)
}

func (t *mysqlTx) TransitionSession(ctx context.Context, id string, from, to model.SessionStatus, at time.Time) (bool, error) {
    return t.store.Sessions.TransitionTx(ctx, t.tx, id, from, to, at)
}

func (t *mysqlTx) SetSessionAmount(ctx context.Context, id string, amountCents int64, at time.Time) error {
    return t.store.Sessions.SetAmountTx(ctx, t.tx, id, amountCents, at)
}

func (t *mysqlTx) SetPaymentDetails(ctx context.Context, id, reference string, url *string, at time.Time) error {
    return t.store.Sessions.SetPaymentTx(ctx, t.tx, id, reference, url, at)
}

func (t *mysqlTx) SessionsDueForExpiry(ctx context.Context, now time.Time, limit int) ([]model.CheckoutSession, error) {
    return t.store.Sessions.DueForExpiryTx(ctx, t.tx, now, limit)
}

func (t *mysqlTx) PaidSessionsWithoutOrder(ctx context.Context, limit int) ([]model.CheckoutSession, error) {
    return t.store.Sessions.PaidWithoutOrderTx(ctx, t.tx, limit)
}

func (t *mysqlTx) CreateOrder(ctx context.Context, o *model.Order) error {
    return t.store.Orders.CreateTx(ctx, t.tx, o)
}

func (t *mysqlTx) OrderBySession(ctx context.Context, sessionID string) (*model.Order, error) {
    return t.store.Orders.BySessionTx(ctx, t.tx, sessionID)
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
    if n <= 0 {
        return ""
    }
    return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(ids []string) []interface{} {
    args := make([]interface{}, 0, len(ids))
    for _, id := range ids {
        args = append(args, id)
    }
    return args
}

// isDuplicateKey reports whether err is MySQL error 1062.
func isDuplicateKey(err error) bool {
    var me *mysql.MySQLError
    return errors.As(err, &me) && me.Number == 1062
}
