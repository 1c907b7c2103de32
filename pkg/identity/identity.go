// Package identity verifies bearer credentials and attaches the resulting
// Identity to the request context.
package identity

import (
	"errors"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

var (
	ErrNoCredential         = errors.New("no credential supplied")
	ErrCredentialExpired    = errors.New("credential expired")
	ErrCredentialMalformed  = errors.New("credential malformed")
	ErrConfigurationMissing = errors.New("signing key not configured")
)

// Identity is the authenticated principal for one request. It is never persisted.
type Identity struct {
	SubjectID   string    `json:"subject_id"`
	Email       string    `json:"email"`
	Role        string    `json:"role"`
	TenantID    string    `json:"tenant_id,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	TokenID     string    `json:"token_id"`
}

// Claims are the non-registered claims the identity service puts in its tokens.
type Claims struct {
	Email       string   `json:"email"`
	Role        string   `json:"role"`
	TenantID    string   `json:"tenant_id,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

type Option func(*Resolver)

func WithIssuer(issuer string) Option {
	return func(r *Resolver) { r.issuer = strings.TrimSpace(issuer) }
}

func WithAudience(audience string) Option {
	return func(r *Resolver) { r.audience = strings.TrimSpace(audience) }
}

func WithLeeway(d time.Duration) Option {
	return func(r *Resolver) {
		if d >= 0 {
			r.leeway = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// Resolver checks HS256 signatures and expiry locally; it never calls out.
type Resolver struct {
	key      []byte
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

func NewResolver(signingKey string, opts ...Option) *Resolver {
	r := &Resolver{
		key: []byte(signingKey),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve turns an Authorization header value into an Identity.
func (r *Resolver) Resolve(header string) (*Identity, error) {
	token, err := bearerToken(header)
	if err != nil {
		return nil, err
	}
	if r == nil || len(r.key) == 0 {
		return nil, ErrConfigurationMissing
	}
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, ErrCredentialMalformed
	}
	var (
		std    jwt.Claims
		custom Claims
	)
	if err := parsed.Claims(r.key, &std, &custom); err != nil {
		return nil, ErrCredentialMalformed
	}
	if std.Expiry == nil {
		return nil, ErrCredentialMalformed
	}
	expected := jwt.Expected{Issuer: r.issuer, Time: r.now().UTC()}
	if r.audience != "" {
		expected.AnyAudience = jwt.Audience{r.audience}
	}
	if err := std.ValidateWithLeeway(expected, r.leeway); err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return nil, ErrCredentialExpired
		}
		return nil, ErrCredentialMalformed
	}
	if strings.TrimSpace(std.Subject) == "" || strings.TrimSpace(custom.Role) == "" {
		return nil, ErrCredentialMalformed
	}
	id := &Identity{
		SubjectID:   std.Subject,
		Email:       custom.Email,
		Role:        strings.TrimSpace(custom.Role),
		TenantID:    custom.TenantID,
		Permissions: custom.Permissions,
		ExpiresAt:   std.Expiry.Time().UTC(),
		TokenID:     std.ID,
	}
	if std.IssuedAt != nil {
		id.IssuedAt = std.IssuedAt.Time().UTC()
	}
	return id, nil
}

func bearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrNoCredential
	}
	if len(header) < len("bearer ") || !strings.EqualFold(header[:len("bearer ")], "bearer ") {
		return "", ErrCredentialMalformed
	}
	token := strings.TrimSpace(header[len("bearer "):])
	if token == "" {
		return "", ErrNoCredential
	}
	return token, nil
}
