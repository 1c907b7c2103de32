package identity

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

const testKey = "unit-test-signing-key-0123456789abcdef"

func mintFor(t *testing.T, role string, ttl time.Duration, now time.Time) string {
	t.Helper()
	token, err := Mint(testKey, Identity{
		SubjectID: "user-1",
		Email:     "tech@example.com",
		Role:      role,
		TenantID:  "tenant-a",
	}, ttl, now)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return token
}

func TestResolveValidToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewResolver(testKey, WithClock(func() time.Time { return now }))

	id, err := r.Resolve("Bearer " + mintFor(t, "technician", time.Hour, now))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id.SubjectID != "user-1" || id.Role != "technician" || id.TenantID != "tenant-a" || id.Email != "tech@example.com" {
		t.Fatalf("unexpected identity: %+v", id)
	}
	if id.TokenID == "" || !id.ExpiresAt.Equal(now.Add(time.Hour)) || !id.IssuedAt.Equal(now) {
		t.Fatalf("unexpected token metadata: %+v", id)
	}
}

func TestResolveFailures(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	valid := mintFor(t, "technician", time.Hour, now)
	expired := mintFor(t, "technician", time.Minute, now.Add(-time.Hour))
	otherKey, err := Mint("a-different-signing-key-abcdef012345", Identity{SubjectID: "u", Role: "technician"}, time.Hour, now)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	noRole, err := Mint(testKey, Identity{SubjectID: "u"}, time.Hour, now)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	tests := []struct {
		name   string
		header string
		key    string
		want   error
	}{
		{name: "absent", header: "", key: testKey, want: ErrNoCredential},
		{name: "empty bearer", header: "Bearer   ", key: testKey, want: ErrNoCredential},
		{name: "wrong scheme", header: "Basic dXNlcjpwYXNz", key: testKey, want: ErrCredentialMalformed},
		{name: "garbage", header: "Bearer not.a.jwt", key: testKey, want: ErrCredentialMalformed},
		{name: "tampered", header: "Bearer " + valid[:len(valid)-4] + "AAAA", key: testKey, want: ErrCredentialMalformed},
		{name: "foreign key", header: "Bearer " + otherKey, key: testKey, want: ErrCredentialMalformed},
		{name: "expired", header: "Bearer " + expired, key: testKey, want: ErrCredentialExpired},
		{name: "missing role", header: "Bearer " + noRole, key: testKey, want: ErrCredentialMalformed},
		{name: "no signing key", header: "Bearer " + valid, key: "", want: ErrConfigurationMissing},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(tt.key, WithClock(func() time.Time { return now }))
			_, err := r.Resolve(tt.header)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestResolveRejectsUnexpectedAlgorithm(t *testing.T) {
	now := time.Now().UTC()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS512, Key: []byte(strings.Repeat(testKey, 2))}, nil)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	token, err := jwt.Signed(signer).Claims(jwt.Claims{
		Subject: "u",
		Expiry:  jwt.NewNumericDate(now.Add(time.Hour)),
	}).Claims(Claims{Role: "system_admin"}).Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if _, err := NewResolver(testKey).Resolve("Bearer " + token); !errors.Is(err, ErrCredentialMalformed) {
		t.Fatalf("expected malformed for HS512 token, got %v", err)
	}
}

func TestResolveIssuerAndAudience(t *testing.T) {
	now := time.Now().UTC()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: []byte(testKey)}, nil)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	token, err := jwt.Signed(signer).Claims(jwt.Claims{
		Subject:  "u",
		Issuer:   "psa-auth",
		Audience: jwt.Audience{"psa-gateway"},
		Expiry:   jwt.NewNumericDate(now.Add(time.Hour)),
	}).Claims(Claims{Role: "technician"}).Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if _, err := NewResolver(testKey, WithIssuer("psa-auth"), WithAudience("psa-gateway")).Resolve("Bearer " + token); err != nil {
		t.Fatalf("expected matching issuer/audience to pass, got %v", err)
	}
	if _, err := NewResolver(testKey, WithIssuer("someone-else")).Resolve("Bearer " + token); !errors.Is(err, ErrCredentialMalformed) {
		t.Fatalf("expected issuer mismatch to fail, got %v", err)
	}
}

func TestMiddlewareModes(t *testing.T) {
	now := time.Now().UTC()
	r := NewResolver(testKey)
	var gotIdentity *Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotIdentity, _ = FromContext(req.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name       string
		mode       Mode
		header     string
		wantStatus int
		wantCode   string
		wantID     bool
	}{
		{name: "mandatory without token", mode: Mandatory, wantStatus: 401, wantCode: "NO_TOKEN"},
		{name: "mandatory with token", mode: Mandatory, header: "Bearer " + mintFor(t, "technician", time.Hour, now), wantStatus: 204, wantID: true},
		{name: "mandatory expired", mode: Mandatory, header: "Bearer " + mintFor(t, "technician", time.Second, now.Add(-time.Hour)), wantStatus: 401, wantCode: "TOKEN_EXPIRED"},
		{name: "optional anonymous", mode: Optional, wantStatus: 204},
		{name: "optional with token", mode: Optional, header: "Bearer " + mintFor(t, "technician", time.Hour, now), wantStatus: 204, wantID: true},
		{name: "optional invalid", mode: Optional, header: "Bearer junk", wantStatus: 401, wantCode: "INVALID_TOKEN"},
		{name: "none ignores header", mode: None, header: "Bearer junk", wantStatus: 204},
	}
	for _, tt := range tests {
		gotIdentity = nil
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tickets", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		Middleware(r, tt.mode, nil)(next).ServeHTTP(rr, req)
		if rr.Code != tt.wantStatus {
			t.Fatalf("%s: expected %d, got %d (%s)", tt.name, tt.wantStatus, rr.Code, rr.Body.String())
		}
		if tt.wantCode != "" && !strings.Contains(rr.Body.String(), tt.wantCode) {
			t.Fatalf("%s: expected code %s in %s", tt.name, tt.wantCode, rr.Body.String())
		}
		if (gotIdentity != nil) != tt.wantID {
			t.Fatalf("%s: identity attached=%v want %v", tt.name, gotIdentity != nil, tt.wantID)
		}
	}
}

func TestMiddlewareFailsClosedWithoutKey(t *testing.T) {
	now := time.Now().UTC()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+mintFor(t, "technician", time.Hour, now))
	Middleware(NewResolver(""), Optional, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without a signing key")
	})).ServeHTTP(rr, req)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when signing key missing, got %d", rr.Code)
	}
}

func TestParseMode(t *testing.T) {
	if m, ok := ParseMode(""); !ok || m != Mandatory {
		t.Fatalf("expected empty mode to default to mandatory, got %q %v", m, ok)
	}
	if _, ok := ParseMode("sometimes"); ok {
		t.Fatal("expected unknown mode to be rejected")
	}
}
