package identity

import (
	"context"
	"errors"
	"net/http"

	"psagate/pkg/httpx"

	"go.uber.org/zap"
)

// Mode selects how a missing credential is treated.
type Mode string

const (
	// Mandatory rejects requests without a valid credential.
	Mandatory Mode = "mandatory"
	// Optional lets anonymous requests through but still rejects bad credentials.
	Optional Mode = "optional"
	// None skips credential handling entirely.
	None Mode = "none"
)

func ParseMode(raw string) (Mode, bool) {
	switch Mode(raw) {
	case Mandatory, Optional, None:
		return Mode(raw), true
	case "":
		return Mandatory, true
	default:
		return "", false
	}
}

type contextKey string

const identityContextKey contextKey = "psagate.identity"

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(*Identity)
	return id, ok && id != nil
}

// Authenticate resolves the request credential under the given mode. A nil
// identity with a nil error means the request proceeds anonymously.
func (r *Resolver) Authenticate(req *http.Request, mode Mode) (*Identity, error) {
	if mode == None {
		return nil, nil
	}
	id, err := r.Resolve(req.Header.Get("Authorization"))
	if err != nil {
		if mode == Optional && errors.Is(err, ErrNoCredential) {
			return nil, nil
		}
		return nil, err
	}
	return id, nil
}

// Middleware authenticates requests and stores the Identity in the context.
func Middleware(resolver *Resolver, mode Mode, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := resolver.Authenticate(r, mode)
			if err != nil {
				WriteFailure(w, r, err, logger)
				return
			}
			if id != nil {
				r = r.WithContext(WithIdentity(r.Context(), id))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteFailure maps resolver errors to the gateway error envelope.
func WriteFailure(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	switch {
	case errors.Is(err, ErrNoCredential):
		httpx.WriteError(w, r, http.StatusUnauthorized, httpx.CodeNoToken, "authentication required")
	case errors.Is(err, ErrCredentialExpired):
		httpx.WriteError(w, r, http.StatusUnauthorized, httpx.CodeTokenExpired, "token expired")
	case errors.Is(err, ErrConfigurationMissing):
		logger.Error("token verification not configured",
			zap.String("request_id", httpx.RequestIDFromContext(r.Context())))
		httpx.WriteError(w, r, http.StatusInternalServerError, httpx.CodeInternal, "authentication not configured")
	default:
		httpx.WriteError(w, r, http.StatusUnauthorized, httpx.CodeInvalidToken, "invalid token")
	}
}
