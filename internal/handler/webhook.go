package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/iliyamo/storefront-checkout/internal/cache"
	"github.com/iliyamo/storefront-checkout/internal/metrics"
	"github.com/iliyamo/storefront-checkout/internal/payment"
	"github.com/iliyamo/storefront-checkout/internal/service"
)

// maxWebhookBody caps the payload read from the gateway.
const maxWebhookBody = 1 << 20

// EventDeduper remembers processed webhook event ids.  A claim is
// confirmed once the event was handled and forgotten when handling
// failed.
type EventDeduper interface {
	Claim(ctx context.Context, id string) (cache.ClaimState, error)
	Confirm(ctx context.Context, id string) error
	Forget(ctx context.Context, id string) error
}

// WebhookHandler receives payment outcome notifications.
type WebhookHandler struct {
	Orch     *service.Orchestrator
	Verifier payment.Verifier
	// Dedupe is optional.  Without it redeliveries are still harmless
	// because confirming a paid session or cancelling a cancelled one is a
	// no-op; it only saves the database round trips.
	Dedupe EventDeduper
}

// NewWebhookHandler constructs a WebhookHandler.  dedupe may be nil.
func NewWebhookHandler(orch *service.Orchestrator, verifier payment.Verifier, dedupe EventDeduper) *WebhookHandler {
	if orch == nil || verifier == nil {
		panic("nil dependency passed to NewWebhookHandler")
	}
	return &WebhookHandler{Orch: orch, Verifier: verifier, Dedupe: dedupe}
}

// Payment handles POST /webhooks/payment.  Unauthenticated deliveries get
// 400.  A 500 asks the gateway to retry and is only returned for failures
// a retry can fix; outcomes for unknown or already settled sessions are
// acknowledged with 200 and logged.
func (h *WebhookHandler) Payment(c echo.Context) error {
	ctx := c.Request().Context()
	logger := log.Ctx(ctx)

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unreadable body"})
	}
	ev, err := h.Verifier.ParseWebhook(body, c.Request().Header)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("unknown", "rejected").Inc()
		if errors.Is(err, payment.ErrInvalidSignature) {
			logger.Warn().Err(err).Str("ip", c.RealIP()).Msg("webhook signature rejected")
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid signature"})
		}
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid payload"})
	}
	kind := string(ev.Kind)
	if ev.Kind == payment.EventIgnored {
		metrics.WebhookEvents.WithLabelValues(kind, "ignored").Inc()
		return c.JSON(http.StatusOK, echo.Map{"received": true})
	}
	if ev.SessionID == "" {
		logger.Warn().Str("event_id", ev.ID).Str("type", ev.RawType).Msg("webhook without checkout session id")
		metrics.WebhookEvents.WithLabelValues(kind, "ignored").Inc()
		return c.JSON(http.StatusOK, echo.Map{"received": true})
	}

	claimed := false
	if h.Dedupe != nil && ev.ID != "" {
		state, err := h.Dedupe.Claim(ctx, ev.ID)
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("webhook dedupe unavailable; processing anyway")
		case state == cache.Done:
			metrics.WebhookEvents.WithLabelValues(kind, "duplicate").Inc()
			return c.JSON(http.StatusOK, echo.Map{"received": true, "duplicate": true})
		case state == cache.InFlight:
			// Not acknowledged: if the first delivery fails, the gateway
			// still has this one to retry.
			metrics.WebhookEvents.WithLabelValues(kind, "in_flight").Inc()
			return c.JSON(http.StatusConflict, echo.Map{"error": "event is being processed"})
		default:
			claimed = true
		}
	}

	switch ev.Kind {
	case payment.EventSucceeded:
		err = h.Orch.HandlePaymentConfirmed(ctx, ev.SessionID, ev.Reference)
	case payment.EventFailed:
		err = h.Orch.HandlePaymentFailedOrCancelled(ctx, ev.SessionID)
	}

	switch {
	case err == nil:
		h.confirm(ctx, claimed, ev.ID)
		metrics.WebhookEvents.WithLabelValues(kind, "processed").Inc()
		return c.JSON(http.StatusOK, echo.Map{"received": true})
	case errors.Is(err, service.ErrSessionNotFound), errors.Is(err, service.ErrInvalidState):
		h.confirm(ctx, claimed, ev.ID)
		logger.Warn().Err(err).Str("event_id", ev.ID).Str("session_id", ev.SessionID).Msg("webhook outcome not applicable")
		metrics.WebhookEvents.WithLabelValues(kind, "not_applicable").Inc()
		return c.JSON(http.StatusOK, echo.Map{"received": true})
	default:
		if claimed {
			if ferr := h.Dedupe.Forget(context.WithoutCancel(ctx), ev.ID); ferr != nil {
				logger.Warn().Err(ferr).Str("event_id", ev.ID).Msg("could not clear webhook dedupe key")
			}
		}
		logger.Error().Err(err).Str("event_id", ev.ID).Str("session_id", ev.SessionID).Msg("webhook processing failed")
		metrics.WebhookEvents.WithLabelValues(kind, "failed").Inc()
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "processing failed"})
	}
}

// confirm keeps a handled event id for the full dedupe TTL.  A failure
// only means a later redelivery is processed again, which is harmless.
func (h *WebhookHandler) confirm(ctx context.Context, claimed bool, id string) {
	if !claimed {
		return
	}
	if err := h.Dedupe.Confirm(context.WithoutCancel(ctx), id); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("event_id", id).Msg("could not confirm webhook dedupe key")
	}
}
