package middleware // declare the middleware package; contains reusable HTTP middleware functions

import (
    "errors"
    "fmt"
    "net/http" // HTTP status codes for responses
    "strings"  // string utilities for prefix checking and trimming

    "github.com/golang-jwt/jwt/v5" // JWT library for parsing and validating tokens
    "github.com/labstack/echo/v4"  // Echo framework used for defining middleware and handlers
)

// Context keys set by the auth middleware.
const (
    CtxCustomerID = "customer_id"
    CtxRole       = "role"
)

var errNoBearer = errors.New("missing bearer token")

// JWTAuth returns an Echo middleware that requires a valid HS256 Bearer
// token and injects its subject and role claims into the request context
// under CtxCustomerID and CtxRole.  Tokens are issued by the identity
// service; this service only verifies them with the shared secret.
func JWTAuth(secret string) echo.MiddlewareFunc {
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            claims, err := bearerClaims(secret, c.Request().Header.Get("Authorization"))
            if errors.Is(err, errNoBearer) {
                return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
            }
            if err != nil {
                return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
            }
            setIdentity(c, claims)
            return next(c)
        }
    }
}

// OptionalJWT attaches the caller's identity when a Bearer token is
// present and lets guests through without one.  A token that is present
// but invalid is still rejected, so a shopper with an expired session is
// told to sign in again instead of silently checking out as a guest.
func OptionalJWT(secret string) echo.MiddlewareFunc {
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            claims, err := bearerClaims(secret, c.Request().Header.Get("Authorization"))
            if errors.Is(err, errNoBearer) {
                return next(c)
            }
            if err != nil {
                return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
            }
            setIdentity(c, claims)
            return next(c)
        }
    }
}

// bearerClaims parses the Authorization header value.  Only HMAC signing
// methods are accepted.
func bearerClaims(secret, header string) (jwt.MapClaims, error) {
    if !strings.HasPrefix(header, "Bearer ") {
        return nil, errNoBearer
    }
    raw := strings.TrimPrefix(header, "Bearer ")
    tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
        if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
            return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
        }
        return []byte(secret), nil
    })
    if err != nil || !tok.Valid {
        return nil, fmt.Errorf("invalid token: %w", err)
    }
    claims, ok := tok.Claims.(jwt.MapClaims)
    if !ok {
        return nil, errors.New("invalid claims")
    }
    return claims, nil
}

// setIdentity stores the subject as a string whatever its JSON type.
func setIdentity(c echo.Context, claims jwt.MapClaims) {
    switch sub := claims["sub"].(type) {
    case string:
        c.Set(CtxCustomerID, sub)
    case float64:
        c.Set(CtxCustomerID, fmt.Sprintf("%.0f", sub))
    }
    if role, ok := claims["role"].(string); ok {
        c.Set(CtxRole, role)
    }
}
