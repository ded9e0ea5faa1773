package middleware

import (
    "net/http"
    "net/http/httptest"
    "testing"
    "time"

    "github.com/golang-jwt/jwt/v5"
    "github.com/labstack/echo/v4"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func token(t *testing.T, secret string, claims jwt.MapClaims) string {
    t.Helper()
    s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
    require.NoError(t, err)
    return s
}

// whoami echoes the identity the middleware stored.
func whoami(c echo.Context) error {
    role, _ := c.Get(CtxRole).(string)
    return c.JSON(http.StatusOK, echo.Map{"customer": CustomerID(c), "role": role})
}

func serve(e *echo.Echo, method, path, bearer string) *httptest.ResponseRecorder {
    req := httptest.NewRequest(method, path, nil)
    if bearer != "" {
        req.Header.Set("Authorization", "Bearer "+bearer)
    }
    rec := httptest.NewRecorder()
    e.ServeHTTP(rec, req)
    return rec
}

func TestOptionalJWT(t *testing.T) {
    e := echo.New()
    e.GET("/me", whoami, OptionalJWT(testSecret))
    exp := time.Now().Add(time.Hour).Unix()

    t.Run("guest", func(t *testing.T) {
        rec := serve(e, http.MethodGet, "/me", "")
        assert.Equal(t, http.StatusOK, rec.Code)
        assert.JSONEq(t, `{"customer":"","role":""}`, rec.Body.String())
    })
    t.Run("string subject", func(t *testing.T) {
        rec := serve(e, http.MethodGet, "/me", token(t, testSecret, jwt.MapClaims{"sub": "cus_42", "role": "CUSTOMER", "exp": exp}))
        assert.Equal(t, http.StatusOK, rec.Code)
        assert.JSONEq(t, `{"customer":"cus_42","role":"CUSTOMER"}`, rec.Body.String())
    })
    t.Run("numeric subject", func(t *testing.T) {
        rec := serve(e, http.MethodGet, "/me", token(t, testSecret, jwt.MapClaims{"sub": 42, "exp": exp}))
        assert.Equal(t, http.StatusOK, rec.Code)
        assert.JSONEq(t, `{"customer":"42","role":""}`, rec.Body.String())
    })
    t.Run("bad signature", func(t *testing.T) {
        rec := serve(e, http.MethodGet, "/me", token(t, "other", jwt.MapClaims{"sub": "x", "exp": exp}))
        assert.Equal(t, http.StatusUnauthorized, rec.Code)
    })
    t.Run("expired", func(t *testing.T) {
        rec := serve(e, http.MethodGet, "/me", token(t, testSecret, jwt.MapClaims{"sub": "x", "exp": time.Now().Add(-time.Minute).Unix()}))
        assert.Equal(t, http.StatusUnauthorized, rec.Code)
    })
}

func TestJWTAuth_RequiresToken(t *testing.T) {
    e := echo.New()
    e.GET("/me", whoami, JWTAuth(testSecret))

    rec := serve(e, http.MethodGet, "/me", "")
    assert.Equal(t, http.StatusUnauthorized, rec.Code)
    assert.Contains(t, rec.Body.String(), "missing bearer token")

    rec = serve(e, http.MethodGet, "/me", "not-a-jwt")
    assert.Equal(t, http.StatusUnauthorized, rec.Code)

    rec = serve(e, http.MethodGet, "/me", token(t, testSecret, jwt.MapClaims{"sub": "cus_1"}))
    assert.Equal(t, http.StatusOK, rec.Code)
}

func TestJWTAuth_RejectsNonHMAC(t *testing.T) {
    e := echo.New()
    e.GET("/me", whoami, JWTAuth(testSecret))

    unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "x"}).
        SignedString(jwt.UnsafeAllowNoneSignatureType)
    require.NoError(t, err)
    rec := serve(e, http.MethodGet, "/me", unsigned)
    assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireRole(t *testing.T) {
    e := echo.New()
    e.GET("/admin", whoami, JWTAuth(testSecret), RequireRole(RoleAdmin))

    rec := serve(e, http.MethodGet, "/admin", token(t, testSecret, jwt.MapClaims{"sub": "a", "role": "admin"}))
    assert.Equal(t, http.StatusOK, rec.Code)

    rec = serve(e, http.MethodGet, "/admin", token(t, testSecret, jwt.MapClaims{"sub": "c", "role": "CUSTOMER"}))
    assert.Equal(t, http.StatusForbidden, rec.Code)

    rec = serve(e, http.MethodGet, "/admin", token(t, testSecret, jwt.MapClaims{"sub": "c"}))
    assert.Equal(t, http.StatusForbidden, rec.Code)
}
