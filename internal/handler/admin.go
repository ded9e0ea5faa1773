package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/iliyamo/storefront-checkout/internal/service"
)

// AdminHandler serves operator endpoints.  Routes are guarded by JWTAuth
// and RequireRole(ADMIN).
type AdminHandler struct {
	Orch    *service.Orchestrator
	Sweeper *service.Sweeper
}

func NewAdminHandler(orch *service.Orchestrator, sweeper *service.Sweeper) *AdminHandler {
	return &AdminHandler{Orch: orch, Sweeper: sweeper}
}

// GetCheckout handles GET /v1/admin/checkouts/:id and returns the
// session with its reservations and order.
func (h *AdminHandler) GetCheckout(c echo.Context) error {
	view, err := h.Orch.GetSession(c.Request().Context(), c.Param("id"))
	if errors.Is(err, service.ErrSessionNotFound) {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "checkout session not found"})
	}
	if err != nil {
		log.Ctx(c.Request().Context()).Error().Err(err).Msg("admin: load checkout session")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"session":      view.Session,
		"reservations": view.Reservations,
		"order":        view.Order,
	})
}

// Sweep handles POST /v1/admin/sweep, running one reconciliation pass
// immediately.
func (h *AdminHandler) Sweep(c echo.Context) error {
	res := h.Sweeper.SweepOnce(c.Request().Context())
	return c.JSON(http.StatusOK, res)
}
