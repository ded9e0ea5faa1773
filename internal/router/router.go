package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4" // import the Echo web framework to handle routing
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iliyamo/storefront-checkout/internal/handler"    // import the handlers that implement business logic
	"github.com/iliyamo/storefront-checkout/internal/middleware" // import middleware for JWT authentication and role enforcement
)

// RegisterRoutes registers the operational routes: the health check used
// by load balancers and the Prometheus scrape endpoint.
func RegisterRoutes(e *echo.Echo, health echo.HandlerFunc) {
	e.GET("/healthz", health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// RegisterCheckout registers the shopper-facing checkout routes.  Guests
// may check out; a Bearer token, when sent, attaches the customer id.
// Creating a checkout locks stock rows, so it alone passes through the
// rate limiter.
func RegisterCheckout(e *echo.Echo, h *handler.CheckoutHandler, jwtSecret string, rateLimit echo.MiddlewareFunc) {
	g := e.Group("/checkout", middleware.OptionalJWT(jwtSecret))
	g.POST("", h.Create, rateLimit)
	g.GET("/:id", h.Get)
	g.DELETE("/:id", h.Cancel)
}

// RegisterWebhooks registers the payment gateway callback.  It carries no
// JWT: authenticity comes from the gateway's signature.
func RegisterWebhooks(e *echo.Echo, h *handler.WebhookHandler) {
	e.POST("/webhooks/payment", h.Payment)
}

// RegisterPublic registers unauthenticated read endpoints.  Availability
// answers are cached briefly in Redis.
func RegisterPublic(e *echo.Echo, h *handler.AvailabilityHandler, responseCache echo.MiddlewareFunc) {
	e.GET("/v1/variants/:id/availability", h.Get, responseCache)
}

// RegisterAdmin registers operator routes under /v1/admin.  All of them
// require a valid JWT with the ADMIN role.
func RegisterAdmin(e *echo.Echo, h *handler.AdminHandler, jwtSecret string) {
	g := e.Group(
		"/v1/admin",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(middleware.RoleAdmin),
	)
	g.GET("/checkouts/:id", h.GetCheckout)
	g.POST("/sweep", h.Sweep)
}
