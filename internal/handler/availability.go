package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/iliyamo/storefront-checkout/internal/service"
)

// AvailabilityHandler answers stock questions for product pages.
type AvailabilityHandler struct {
	Ledger *service.Ledger
}

func NewAvailabilityHandler(ledger *service.Ledger) *AvailabilityHandler {
	return &AvailabilityHandler{Ledger: ledger}
}

// Get handles GET /v1/variants/:id/availability.  Unknown variants report
// zero.  The figure is advisory; only a hold guarantees stock.
func (h *AvailabilityHandler) Get(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid variant id"})
	}
	n, err := h.Ledger.Available(c.Request().Context(), id)
	if err != nil {
		log.Ctx(c.Request().Context()).Error().Err(err).Str("variant_id", id).Msg("availability lookup failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	return c.JSON(http.StatusOK, echo.Map{"variant_id": id, "available": n})
}
