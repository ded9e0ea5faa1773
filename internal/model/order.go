package model

import "time"

// Order is the durable record of a paid checkout.  Exactly one order
// exists per paid session; SessionID is unique in the orders table.
type Order struct {
    ID               string      `json:"id"`                          // orders.id
    OrderNumber      string      `json:"order_number"`                // orders.order_number
    SessionID        string      `json:"session_id"`                  // orders.session_id (unique)
    Items            []OrderItem `json:"items"`                       // orders.items (JSON)
    TotalCents       int64       `json:"total_cents"`                 // orders.total_cents
    Currency         string      `json:"currency"`                    // orders.currency
    PaymentReference *string     `json:"payment_reference,omitempty"` // orders.payment_reference
    CreatedAt        time.Time   `json:"created_at"`                  // orders.created_at
}

// OrderItem is a purchased line with the unit price in effect when the
// order was committed.
type OrderItem struct {
    VariantID      string `json:"variant_id"`
    Quantity       int    `json:"quantity"`
    UnitPriceCents int64  `json:"unit_price_cents"`
}
