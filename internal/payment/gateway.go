// Package payment talks to the external payment gateway: it opens hosted
// payment sessions for held carts and authenticates the webhooks that
// report their outcome.
package payment

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/iliyamo/storefront-checkout/internal/model"
)

var (
	// ErrInvalidSignature means a webhook could not be authenticated.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrRejected marks gateway errors that retrying cannot fix, such as
	// a malformed request or bad credentials.
	ErrRejected = errors.New("payment request rejected")
)

// Request describes the payment session to open for a checkout.
type Request struct {
	SessionID   string
	CustomerID  string
	Items       []model.OrderItem
	AmountCents int64
	Currency    string
	// ExpiresAt bounds the payment window; the gateway session must not
	// outlive the stock hold.
	ExpiresAt time.Time
	Metadata  map[string]string
}

// Session is the gateway's handle on an open payment.
type Session struct {
	Reference   string
	RedirectURL string
}

// Gateway creates and expires hosted payment sessions.
type Gateway interface {
	CreatePaymentSession(ctx context.Context, req Request) (Session, error)
	ExpirePaymentSession(ctx context.Context, reference string) error
}

// EventKind is the normalized outcome carried by a webhook.
type EventKind string

const (
	EventSucceeded EventKind = "payment_succeeded"
	EventFailed    EventKind = "payment_failed"
	// EventIgnored covers deliveries that need no action, such as event
	// types the service does not subscribe to.
	EventIgnored EventKind = "ignored"
)

// Event is an authenticated webhook delivery.
type Event struct {
	ID        string
	Kind      EventKind
	RawType   string
	SessionID string
	Reference string
}

// Verifier authenticates and decodes webhook deliveries.
type Verifier interface {
	ParseWebhook(payload []byte, header http.Header) (Event, error)
}
