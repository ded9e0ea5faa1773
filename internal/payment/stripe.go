package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// sessionMetadataKey is set on every Stripe Checkout Session so webhooks
// can be tied back to a checkout even without client_reference_id.
const sessionMetadataKey = "checkout_session_id"

// StripeConfig configures the Stripe adapter.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	// Tolerance is the accepted clock skew for webhook timestamps.
	Tolerance time.Duration
}

// Stripe implements Gateway and Verifier on top of Stripe Checkout.
type Stripe struct {
	api *client.API
	cfg StripeConfig
}

// NewStripe returns a Stripe adapter using the given API key.
func NewStripe(cfg StripeConfig) *Stripe {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = webhook.DefaultTolerance
	}
	return &Stripe{api: client.New(cfg.SecretKey, nil), cfg: cfg}
}

// CreatePaymentSession opens a Stripe Checkout Session in payment mode,
// one line per cart item, expiring together with the stock hold.
func (s *Stripe) CreatePaymentSession(ctx context.Context, req Request) (Session, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(s.cfg.SuccessURL),
		CancelURL:         stripe.String(s.cfg.CancelURL),
		ClientReferenceID: stripe.String(req.SessionID),
		ExpiresAt:         stripe.Int64(req.ExpiresAt.Unix()),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{sessionMetadataKey: req.SessionID},
		},
	}
	params.Context = ctx
	params.AddMetadata(sessionMetadataKey, req.SessionID)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	for _, it := range req.Items {
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(int64(it.Quantity)),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(req.Currency),
				UnitAmount: stripe.Int64(it.UnitPriceCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(it.VariantID),
				},
			},
		})
	}
	if req.CustomerID != "" {
		params.AddMetadata("customer_id", req.CustomerID)
	}

	cs, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return Session{}, classifyStripeError(err)
	}
	return Session{Reference: cs.ID, RedirectURL: cs.URL}, nil
}

// ExpirePaymentSession closes an open Stripe Checkout Session so the
// customer can no longer pay for a released hold.
func (s *Stripe) ExpirePaymentSession(ctx context.Context, reference string) error {
	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	_, err := s.api.CheckoutSessions.Expire(reference, params)
	if err != nil {
		return classifyStripeError(err)
	}
	return nil
}

// ParseWebhook verifies the Stripe-Signature header and maps Checkout
// Session events onto payment outcomes.
func (s *Stripe) ParseWebhook(payload []byte, header http.Header) (Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, header.Get("Stripe-Signature"), s.cfg.WebhookSecret,
		webhook.ConstructEventOptions{Tolerance: s.cfg.Tolerance, IgnoreAPIVersionMismatch: true})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	out := Event{ID: ev.ID, RawType: string(ev.Type), Kind: EventIgnored}

	switch ev.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed", "checkout.session.expired":
	default:
		return out, nil
	}

	var cs stripe.CheckoutSession
	if err := json.Unmarshal(ev.Data.Raw, &cs); err != nil {
		return Event{}, fmt.Errorf("decode checkout session: %w", err)
	}
	out.Reference = cs.ID
	out.SessionID = cs.ClientReferenceID
	if out.SessionID == "" {
		out.SessionID = cs.Metadata[sessionMetadataKey]
	}

	switch ev.Type {
	case "checkout.session.completed":
		// Delayed payment methods complete the session before the money
		// arrives; async_payment_succeeded follows.
		if cs.PaymentStatus != stripe.CheckoutSessionPaymentStatusUnpaid {
			out.Kind = EventSucceeded
		}
	case "checkout.session.async_payment_succeeded":
		out.Kind = EventSucceeded
	default:
		out.Kind = EventFailed
	}
	return out, nil
}

// classifyStripeError marks client errors as ErrRejected.  Network errors,
// rate limits and 5xx responses stay retryable.
func classifyStripeError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		code := se.HTTPStatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusConflict {
			return fmt.Errorf("%w: %v", ErrRejected, err)
		}
	}
	return err
}
