package middleware // middleware provides shared request processing for handlers

import (
    "net/http" // http package defines standard HTTP status codes
    "strings"

    "github.com/labstack/echo/v4" // echo provides middleware chaining and context
)

// RoleAdmin is the role claim required by the operator endpoints.
const RoleAdmin = "ADMIN"

// RequireRole returns a middleware function that enforces that the
// authenticated caller has one of the specified roles.  Roles are
// compared case-insensitively against the "role" claim that JWTAuth
// stored in the context, so it must run after JWTAuth.  Other callers
// get 403 Forbidden.
func RequireRole(roles ...string) echo.MiddlewareFunc {
    allowed := make(map[string]bool, len(roles))
    for _, r := range roles {
        allowed[strings.ToUpper(r)] = true
    }
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            role, ok := c.Get(CtxRole).(string)
            if !ok || !allowed[strings.ToUpper(role)] {
                return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
            }
            return next(c)
        }
    }
}
