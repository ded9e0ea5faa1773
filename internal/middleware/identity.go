package middleware

// identity.go holds helpers that read the caller identity the auth
// middleware left in the Echo context.

import "github.com/labstack/echo/v4"

// CustomerID returns the authenticated customer's id, or "" for guests.
func CustomerID(c echo.Context) string {
    if s, ok := c.Get(CtxCustomerID).(string); ok {
        return s
    }
    return ""
}

// rateIdentity is the caller part of a rate limit key.
func rateIdentity(c echo.Context) string {
    if id := CustomerID(c); id != "" {
        return id
    }
    return "guest"
}
