package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SignatureHeader carries sandbox webhook signatures in the form
// "t=<unix seconds>,v1=<hex HMAC-SHA256>".
const SignatureHeader = "X-Signature"

// Sandbox is a self-contained gateway for development and tests.  Payment
// sessions are only recorded in memory, and webhooks are authenticated
// with an HMAC over "<timestamp>.<payload>".
type Sandbox struct {
	secret      []byte
	checkoutURL string
	tolerance   time.Duration
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]sandboxSession
}

type sandboxSession struct {
	sessionID string
	expiresAt time.Time
	expired   bool
}

// NewSandbox returns a sandbox gateway.  Redirect URLs are built from
// checkoutURL.
func NewSandbox(secret, checkoutURL string, tolerance time.Duration) *Sandbox {
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &Sandbox{
		secret:      []byte(secret),
		checkoutURL: checkoutURL,
		tolerance:   tolerance,
		now:         time.Now,
		sessions:    make(map[string]sandboxSession),
	}
}

func (s *Sandbox) CreatePaymentSession(ctx context.Context, req Request) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	if req.AmountCents < 0 || req.SessionID == "" {
		return Session{}, fmt.Errorf("%w: bad sandbox request", ErrRejected)
	}
	ref := "sbx_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	s.mu.Lock()
	s.sessions[ref] = sandboxSession{sessionID: req.SessionID, expiresAt: req.ExpiresAt}
	s.mu.Unlock()
	return Session{Reference: ref, RedirectURL: s.checkoutURL + "?session=" + url.QueryEscape(ref)}, nil
}

func (s *Sandbox) ExpirePaymentSession(_ context.Context, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.sessions[reference]
	if !ok {
		return fmt.Errorf("%w: unknown sandbox session %s", ErrRejected, reference)
	}
	ps.expired = true
	s.sessions[reference] = ps
	return nil
}

// Expired reports whether reference was expired through the gateway.
func (s *Sandbox) Expired(reference string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[reference].expired
}

// sandboxEvent is the JSON body of a sandbox webhook.
type sandboxEvent struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Reference string `json:"reference"`
}

// ParseWebhook checks the signature and timestamp of a sandbox delivery
// and decodes it.  Types are "payment.succeeded", "payment.failed" and
// "payment.cancelled"; anything else is ignored.
func (s *Sandbox) ParseWebhook(payload []byte, header http.Header) (Event, error) {
	ts, sig, err := parseSignatureHeader(header.Get(SignatureHeader))
	if err != nil {
		return Event{}, err
	}
	skew := s.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > s.tolerance {
		return Event{}, fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}
	want := computeSignature(s.secret, ts, payload)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return Event{}, ErrInvalidSignature
	}

	var raw sandboxEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, fmt.Errorf("decode sandbox event: %w", err)
	}
	ev := Event{ID: raw.ID, RawType: raw.Type, SessionID: raw.SessionID, Reference: raw.Reference, Kind: EventIgnored}
	switch raw.Type {
	case "payment.succeeded":
		ev.Kind = EventSucceeded
	case "payment.failed", "payment.cancelled":
		ev.Kind = EventFailed
	}
	return ev, nil
}

// SignPayload returns the SignatureHeader value for payload at time ts.
// It is what the sandbox "gateway" would send, and what tests and local
// tooling use to forge deliveries.
func SignPayload(secret string, ts time.Time, payload []byte) string {
	unix := ts.Unix()
	return "t=" + strconv.FormatInt(unix, 10) + ",v1=" + computeSignature([]byte(secret), unix, payload)
}

func computeSignature(secret []byte, ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseSignatureHeader(h string) (int64, string, error) {
	if h == "" {
		return 0, "", fmt.Errorf("%w: missing %s header", ErrInvalidSignature, SignatureHeader)
	}
	var ts int64
	var sig string
	for _, part := range strings.Split(h, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, "", fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
			}
			ts = n
		case "v1":
			sig = v
		}
	}
	if ts == 0 || sig == "" {
		return 0, "", fmt.Errorf("%w: malformed header", ErrInvalidSignature)
	}
	return ts, sig, nil
}
