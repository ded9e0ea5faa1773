package payment

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test"

func signedHeader(secret string, ts time.Time, body []byte) http.Header {
	h := http.Header{}
	h.Set(SignatureHeader, SignPayload(secret, ts, body))
	return h
}

func TestSandbox_ParseWebhook(t *testing.T) {
	now := time.Unix(1718000000, 0)
	sb := NewSandbox(testSecret, "http://pay.local", 5*time.Minute)
	sb.now = func() time.Time { return now }

	cases := []struct {
		typ  string
		kind EventKind
	}{
		{"payment.succeeded", EventSucceeded},
		{"payment.failed", EventFailed},
		{"payment.cancelled", EventFailed},
		{"payment.refunded", EventIgnored},
	}
	for _, tc := range cases {
		t.Run(tc.typ, func(t *testing.T) {
			body := []byte(`{"id":"evt_1","type":"` + tc.typ + `","session_id":"sess-1","reference":"sbx_1"}`)
			ev, err := sb.ParseWebhook(body, signedHeader(testSecret, now, body))
			require.NoError(t, err)
			assert.Equal(t, tc.kind, ev.Kind)
			assert.Equal(t, "evt_1", ev.ID)
			assert.Equal(t, "sess-1", ev.SessionID)
			assert.Equal(t, "sbx_1", ev.Reference)
		})
	}
}

func TestSandbox_RejectsBadSignatures(t *testing.T) {
	now := time.Unix(1718000000, 0)
	sb := NewSandbox(testSecret, "http://pay.local", 5*time.Minute)
	sb.now = func() time.Time { return now }
	body := []byte(`{"id":"evt_1","type":"payment.succeeded","session_id":"sess-1"}`)

	t.Run("missing header", func(t *testing.T) {
		_, err := sb.ParseWebhook(body, http.Header{})
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})
	t.Run("wrong secret", func(t *testing.T) {
		_, err := sb.ParseWebhook(body, signedHeader("other", now, body))
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})
	t.Run("tampered body", func(t *testing.T) {
		h := signedHeader(testSecret, now, body)
		tampered := []byte(strings.Replace(string(body), "sess-1", "sess-2", 1))
		_, err := sb.ParseWebhook(tampered, h)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})
	t.Run("too old", func(t *testing.T) {
		_, err := sb.ParseWebhook(body, signedHeader(testSecret, now.Add(-6*time.Minute), body))
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})
	t.Run("from the future", func(t *testing.T) {
		_, err := sb.ParseWebhook(body, signedHeader(testSecret, now.Add(6*time.Minute), body))
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})
	t.Run("malformed header", func(t *testing.T) {
		h := http.Header{}
		h.Set(SignatureHeader, "t=abc,v1=00")
		_, err := sb.ParseWebhook(body, h)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})
}

func TestSandbox_WithinTolerance(t *testing.T) {
	now := time.Unix(1718000000, 0)
	sb := NewSandbox(testSecret, "http://pay.local", 5*time.Minute)
	sb.now = func() time.Time { return now }
	body := []byte(`{"id":"evt_1","type":"payment.succeeded","session_id":"sess-1"}`)

	_, err := sb.ParseWebhook(body, signedHeader(testSecret, now.Add(-4*time.Minute), body))
	assert.NoError(t, err)
}

func TestSignPayload_Format(t *testing.T) {
	sig := SignPayload("secret", time.Unix(100, 0), []byte("body"))
	assert.Regexp(t, `^t=100,v1=[0-9a-f]{64}$`, sig)
}

func TestSandbox_CreateAndExpire(t *testing.T) {
	sb := NewSandbox(testSecret, "http://pay.local/checkout", 0)
	ctx := context.Background()

	s, err := sb.CreatePaymentSession(ctx, Request{SessionID: "sess-1", AmountCents: 1000, Currency: "usd",
		ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s.Reference, "sbx_"))
	assert.Equal(t, "http://pay.local/checkout?session="+s.Reference, s.RedirectURL)
	assert.False(t, sb.Expired(s.Reference))

	require.NoError(t, sb.ExpirePaymentSession(ctx, s.Reference))
	assert.True(t, sb.Expired(s.Reference))

	assert.ErrorIs(t, sb.ExpirePaymentSession(ctx, "sbx_unknown"), ErrRejected)
	_, err = sb.CreatePaymentSession(ctx, Request{})
	assert.ErrorIs(t, err, ErrRejected)
}
