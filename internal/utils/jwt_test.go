package utils

import (
    "testing"
    "time"

    "github.com/golang-jwt/jwt/v5"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestNewAccessToken(t *testing.T) {
    tok, err := NewAccessToken("s3cret", "ops-1", "ADMIN", time.Hour)
    require.NoError(t, err)
    assert.WithinDuration(t, time.Now().Add(time.Hour), tok.Exp, 5*time.Second)

    parsed, err := jwt.Parse(tok.Token, func(*jwt.Token) (interface{}, error) { return []byte("s3cret"), nil })
    require.NoError(t, err)
    claims := parsed.Claims.(jwt.MapClaims)
    assert.Equal(t, "ops-1", claims["sub"])
    assert.Equal(t, "ADMIN", claims["role"])
}

func TestNewAccessToken_Guards(t *testing.T) {
    _, err := NewAccessToken("", "x", "", time.Hour)
    assert.Error(t, err)
    _, err = NewAccessToken("s", "x", "", 0)
    assert.Error(t, err)

    tok, err := NewAccessToken("s", "cus_1", "", time.Minute)
    require.NoError(t, err)
    parsed, err := jwt.Parse(tok.Token, func(*jwt.Token) (interface{}, error) { return []byte("s"), nil })
    require.NoError(t, err)
    assert.NotContains(t, parsed.Claims.(jwt.MapClaims), "role")
}
