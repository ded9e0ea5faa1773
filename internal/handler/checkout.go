package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/iliyamo/storefront-checkout/internal/middleware"
	"github.com/iliyamo/storefront-checkout/internal/model"
	"github.com/iliyamo/storefront-checkout/internal/service"
)

// CheckoutHandler exposes the shopper-facing checkout endpoints.  Only an
// out-of-stock refusal is reported specifically; every other failure is
// a generic "try again later" so internals do not leak to clients.
type CheckoutHandler struct {
	Orch *service.Orchestrator
}

// NewCheckoutHandler constructs a CheckoutHandler.
func NewCheckoutHandler(orch *service.Orchestrator) *CheckoutHandler {
	if orch == nil {
		panic("nil orchestrator passed to NewCheckoutHandler")
	}
	return &CheckoutHandler{Orch: orch}
}

type checkoutRequest struct {
	Items      []model.LineItem `json:"items"`
	TTLSeconds int              `json:"ttl_seconds"`
}

// Create handles POST /checkout.  The body lists the cart as
// {"items":[{"variant_id":"...","quantity":2}]} with an optional
// "ttl_seconds".  On success it returns 201 with the session id and the
// URL the shopper must be redirected to for payment.
func (h *CheckoutHandler) Create(c echo.Context) error {
	var body checkoutRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.TTLSeconds < 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "ttl_seconds must not be negative"})
	}
	cart := service.Cart{
		Items:      body.Items,
		CustomerID: middleware.CustomerID(c),
		TTL:        time.Duration(body.TTLSeconds) * time.Second,
	}

	sess, err := h.Orch.StartCheckout(c.Request().Context(), cart)
	if err != nil {
		var se *service.StockError
		switch {
		case errors.As(err, &se):
			return c.JSON(http.StatusConflict, echo.Map{
				"error":      "out_of_stock",
				"variant_id": se.VariantID,
				"available":  se.Available,
			})
		case errors.Is(err, service.ErrInvalidCart):
			return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
		default:
			log.Ctx(c.Request().Context()).Error().Err(err).Msg("checkout failed")
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "checkout is temporarily unavailable, please try again later"})
		}
	}
	return c.JSON(http.StatusCreated, sessionResponse(sess, nil))
}

// Get handles GET /checkout/:id, which clients poll after the payment
// redirect returns.  A session opened by a signed-in customer is only
// shown to that customer.
func (h *CheckoutHandler) Get(c echo.Context) error {
	view, err := h.Orch.GetSession(c.Request().Context(), c.Param("id"))
	if errors.Is(err, service.ErrSessionNotFound) || (err == nil && !ownedBy(&view.Session, c)) {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "checkout session not found"})
	}
	if err != nil {
		log.Ctx(c.Request().Context()).Error().Err(err).Msg("load checkout session")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	return c.JSON(http.StatusOK, sessionResponse(&view.Session, view.Order))
}

// Cancel handles DELETE /checkout/:id.  Cancelling an already cancelled
// or expired session succeeds; a paid session cannot be cancelled.  Only
// the owning customer may cancel a customer's session; to anyone else it
// does not exist.
func (h *CheckoutHandler) Cancel(c echo.Context) error {
	ctx := c.Request().Context()
	view, err := h.Orch.GetSession(ctx, c.Param("id"))
	if err == nil {
		if !ownedBy(&view.Session, c) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "checkout session not found"})
		}
		err = h.Orch.CancelCheckout(ctx, view.Session.ID)
	}
	switch {
	case err == nil:
		return c.NoContent(http.StatusNoContent)
	case errors.Is(err, service.ErrSessionNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "checkout session not found"})
	case errors.Is(err, service.ErrInvalidState):
		return c.JSON(http.StatusConflict, echo.Map{"error": "checkout session is already paid"})
	default:
		log.Ctx(c.Request().Context()).Error().Err(err).Msg("cancel checkout")
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "please try again later"})
	}
}

// ownedBy reports whether the caller may see s.  Guest sessions are
// reachable by anyone holding the id.
func ownedBy(s *model.CheckoutSession, c echo.Context) bool {
	return s.CustomerID == "" || s.CustomerID == middleware.CustomerID(c)
}

// sessionResponse is the public JSON form of a session.
func sessionResponse(s *model.CheckoutSession, o *model.Order) echo.Map {
	out := echo.Map{
		"session_id":   s.ID,
		"status":       s.Status,
		"expires_at":   s.ExpiresAt.UTC().Format(time.RFC3339),
		"amount_cents": s.AmountCents,
		"currency":     s.Currency,
		"items":        s.Items,
	}
	if s.PaymentURL != nil && s.Status == model.SessionAwaitingPayment {
		out["payment_redirect_url"] = *s.PaymentURL
	}
	if o != nil {
		out["order_number"] = o.OrderNumber
	}
	return out
}
