package model

import "time"

// SessionStatus is the state of a checkout attempt.
type SessionStatus string

const (
    SessionPending         SessionStatus = "pending"
    SessionAwaitingPayment SessionStatus = "awaiting_payment"
    SessionPaid            SessionStatus = "paid"
    SessionExpired         SessionStatus = "expired"
    SessionCancelled       SessionStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s SessionStatus) IsTerminal() bool {
    return s == SessionPaid || s == SessionExpired || s == SessionCancelled
}

// ReleasesHolds reports whether a session in this state must not hold
// stock.  Paid sessions keep their holds until the order is committed.
func (s SessionStatus) ReleasesHolds() bool {
    return s == SessionExpired || s == SessionCancelled
}

// CheckoutSession is one attempt to purchase a cart.  Once paid, expired
// or cancelled the session is immutable.
//
// Fields:
//  ID               – session identifier, also the order idempotency key.
//  Items            – cart line items in request order.
//  Status           – current state.
//  CustomerID       – subject of the bearer token, empty for guests.
//  AmountCents      – chargeable amount computed at hold time.
//  Currency         – ISO currency code (lower case, e.g. "usd").
//  CreatedAt        – creation time.
//  ExpiresAt        – creation time plus the checkout TTL.
//  PaymentReference – payment gateway session reference (nullable).
//  PaymentURL       – redirect URL returned by the gateway (nullable).
//  UpdatedAt        – last modification.
type CheckoutSession struct {
    ID               string        `json:"id"`                          // checkout_sessions.id
    Items            []LineItem    `json:"items"`                       // checkout_sessions.items (JSON)
    Status           SessionStatus `json:"status"`                      // checkout_sessions.status
    CustomerID       string        `json:"customer_id,omitempty"`       // checkout_sessions.customer_id
    AmountCents      int64         `json:"amount_cents"`                // checkout_sessions.amount_cents
    Currency         string        `json:"currency"`                    // checkout_sessions.currency
    CreatedAt        time.Time     `json:"created_at"`                  // checkout_sessions.created_at
    ExpiresAt        time.Time     `json:"expires_at"`                  // checkout_sessions.expires_at
    PaymentReference *string       `json:"payment_reference,omitempty"` // checkout_sessions.payment_reference
    PaymentURL       *string       `json:"payment_url,omitempty"`       // checkout_sessions.payment_url
    UpdatedAt        time.Time     `json:"updated_at"`                  // checkout_sessions.updated_at
}

// ExpiredAt reports whether the session's payment window has closed.
func (s CheckoutSession) ExpiredAt(now time.Time) bool {
    return !s.ExpiresAt.After(now)
}
