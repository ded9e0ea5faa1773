// Package queue carries checkout lifecycle events over RabbitMQ.
package queue

import "github.com/iliyamo/storefront-checkout/internal/model"

// EventType names a checkout lifecycle event.
type EventType string

const (
    EventCheckoutPaid      EventType = "checkout.paid"
    EventCheckoutExpired   EventType = "checkout.expired"
    EventCheckoutCancelled EventType = "checkout.cancelled"
)

// CheckoutEvent is published after a checkout session reaches a terminal
// state.  It carries enough information for downstream consumers (mail,
// analytics, the audit log) to act without querying the primary database.
type CheckoutEvent struct {
    Type        EventType        `json:"type"`
    SessionID   string           `json:"session_id"`
    CustomerID  string           `json:"customer_id,omitempty"`
    OrderID     string           `json:"order_id,omitempty"`
    OrderNumber string           `json:"order_number,omitempty"`
    Items       []model.LineItem `json:"items"`
    AmountCents int64            `json:"amount_cents"`
    Currency    string           `json:"currency"`
    OccurredAt  string           `json:"occurred_at"` // RFC 3339, UTC
}
