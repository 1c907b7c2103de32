package httpx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestWriteJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteJSON(rr, http.StatusCreated, map[string]any{"ok": true})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected application/json content type, got %q", got)
	}
}

func TestWriteErrorEnvelope(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tickets", nil)
	req = req.WithContext(WithRequestID(req.Context(), "req-123"))
	WriteError(rr, req, http.StatusForbidden, CodeInsufficientPermissions, "role too low")

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	var env ErrorEnvelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Error.Code != CodeInsufficientPermissions || env.Error.Status != 403 || env.Error.RequestID != "req-123" {
		t.Fatalf("unexpected envelope: %+v", env.Error)
	}
	if env.Error.RetryAfter != nil {
		t.Fatalf("expected retryAfter omitted, got %d", *env.Error.RetryAfter)
	}
	if _, err := time.Parse(time.RFC3339Nano, env.Error.Timestamp); err != nil {
		t.Fatalf("timestamp not ISO-8601: %q", env.Error.Timestamp)
	}
	if strings.Contains(rr.Body.String(), `"retryAfter"`) {
		t.Fatalf("retryAfter must be omitted: %s", rr.Body.String())
	}
}

func TestWriteRetryableError(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	WriteRetryableError(rr, req, http.StatusTooManyRequests, CodeRateLimitExceeded, "slow down", 1500*time.Millisecond)

	if got := rr.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("expected Retry-After 2, got %q", got)
	}
	var env ErrorEnvelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Error.RetryAfter == nil || *env.Error.RetryAfter != 2 {
		t.Fatalf("expected retryAfter=2, got %+v", env.Error)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	cases := map[time.Duration]int{
		0:                       1,
		-time.Second:            1,
		10 * time.Millisecond:   1,
		time.Second:             1,
		1001 * time.Millisecond: 2,
		15 * time.Minute:        900,
	}
	for in, want := range cases {
		if got := RetryAfterSeconds(in); got != want {
			t.Fatalf("RetryAfterSeconds(%v)=%d want %d", in, got, want)
		}
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "upstream-trace-1")
	h.ServeHTTP(rr, req)
	if seen != "upstream-trace-1" || rr.Header().Get(HeaderRequestID) != "upstream-trace-1" {
		t.Fatalf("expected upstream id reused, got ctx=%q header=%q", seen, rr.Header().Get(HeaderRequestID))
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "bad id with spaces")
	h.ServeHTTP(rr, req)
	if seen == "" || seen == "bad id with spaces" {
		t.Fatalf("expected generated id, got %q", seen)
	}
}

func TestClientIPResolver(t *testing.T) {
	resolver := ClientIPResolver{TrustedProxies: ParseCIDRs("10.0.0.0/8, 192.168.1.1, nonsense")}
	if len(resolver.TrustedProxies) != 2 {
		t.Fatalf("expected 2 parsed proxies, got %d", len(resolver.TrustedProxies))
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.1.2.3")
	if got := resolver.ClientIP(req); got != "203.0.113.9" {
		t.Fatalf("expected forwarded ip from trusted proxy, got %q", got)
	}

	req.RemoteAddr = "198.51.100.7:5555"
	if got := resolver.ClientIP(req); got != "198.51.100.7" {
		t.Fatalf("expected untrusted peer to be used directly, got %q", got)
	}

	req.RemoteAddr = "garbage"
	if got := resolver.ClientIP(req); got != "unknown" {
		t.Fatalf("expected unknown for unparsable peer, got %q", got)
	}
}

func TestCORSMiddleware(t *testing.T) {
	h := CORSMiddleware("https://app.example.com")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/tickets", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent || rr.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Fatalf("expected allowed preflight, got %d %v", rr.Code, rr.Header())
	}

	rr = httptest.NewRecorder()
	req.Header.Set("Origin", "https://evil.example.com")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden preflight, got %d", rr.Code)
	}
}

func TestRecovererWritesEnvelope(t *testing.T) {
	h := Recoverer(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusInternalServerError || !strings.Contains(rr.Body.String(), CodeInternal) {
		t.Fatalf("expected internal error envelope, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	rr := httptest.NewRecorder()
	SecurityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).
		ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" || rr.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatalf("missing hardening headers: %v", rr.Header())
	}
}
