// Package hardening refuses unsafe settings in production-like environments.
package hardening

import (
	"fmt"
	"strings"
)

// MinSigningKeyBytes is the shortest HS256 key accepted in production.
const MinSigningKeyBytes = 32

type EnvRequirement struct {
	Name  string
	Value string
}

type Options struct {
	Service               string
	Environment           string
	StrictProdSecurity    string
	SigningKey            string
	DatabaseURL           string
	DatabaseRequireTLS    bool
	RedisAddr             string
	RedisRequireTLS       bool
	RedisTLSInsecure      bool
	RedisAllowInsecureTLS bool
	CORSAllowedOrigins    string
	RequiredSecrets       []EnvRequirement
}

func ValidateProduction(o Options) error {
	if !IsProductionLike(o.Environment) {
		return nil
	}
	if !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if len(o.SigningKey) < MinSigningKeyBytes {
		return fmt.Errorf("%s: strict production hardening requires JWT_SECRET of at least %d bytes", service, MinSigningKeyBytes)
	}
	if strings.TrimSpace(o.DatabaseURL) != "" && !o.DatabaseRequireTLS {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !o.RedisRequireTLS {
			return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
		}
		if o.RedisTLSInsecure || o.RedisAllowInsecureTLS {
			return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
		}
	}
	if err := validateCORSOrigins(o.CORSAllowedOrigins, service); err != nil {
		return err
	}
	for _, req := range o.RequiredSecrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("%s: strict production hardening requires %s", service, req.Name)
		}
	}
	return nil
}

// An empty allowlist is fine: the gateway then sends no CORS headers at all.
func validateCORSOrigins(raw, service string) error {
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: strict production hardening forbids CORS wildcard origin", service)
		}
		if strings.HasPrefix(lower, "http://localhost") || strings.HasPrefix(lower, "https://localhost") || strings.HasPrefix(lower, "http://127.0.0.1") || strings.HasPrefix(lower, "https://127.0.0.1") {
			return fmt.Errorf("%s: strict production hardening forbids localhost CORS origin %q", service, o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: strict production hardening requires HTTPS CORS origin, got %q", service, o)
		}
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func IsProductionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
