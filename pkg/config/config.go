// Package config loads the gateway configuration once at startup: a YAML
// file named by GATEWAY_CONFIG, an optional .env file, then environment
// overrides. The result is validated and treated as read-only afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"psagate/pkg/authz"
	"psagate/pkg/circuit"
	"psagate/pkg/dispatch"
	"psagate/pkg/events"
	"psagate/pkg/hardening"
	"psagate/pkg/identity"
	"psagate/pkg/ratelimit"
	"psagate/pkg/store"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListenAddr          = ":8080"
	DefaultGatewayName         = "psagate"
	DefaultMaxRequestBodyBytes = 10 << 20

	// FallbackMemory counts per instance while the shared store is down.
	FallbackMemory = "memory"
)

var ErrInvalid = errors.New("invalid gateway configuration")

type Config struct {
	Environment         string `yaml:"environment"`
	ListenAddr          string `yaml:"listen_addr"`
	GatewayName         string `yaml:"gateway_name"`
	SigningKey          string `yaml:"signing_key"`
	Issuer              string `yaml:"issuer"`
	Audience            string `yaml:"audience"`
	CORSAllowedOrigins  string `yaml:"cors_allowed_origins"`
	WSAllowedOrigins    string `yaml:"ws_allowed_origins"`
	TrustedProxyCIDRs   string `yaml:"trusted_proxy_cidrs"`
	MaxRequestBodyBytes int64  `yaml:"max_request_body_bytes"`
	// StrictProdSecurity is "true" unless set otherwise; see pkg/hardening.
	StrictProdSecurity string `yaml:"strict_prod_security"`

	Roles        RolesConfig         `yaml:"roles"`
	RateLimit    RateLimitConfig     `yaml:"rate_limit"`
	Circuit      circuit.Config      `yaml:"circuit"`
	Destinations []DestinationConfig `yaml:"destinations"`
	Routes       []RouteConfig       `yaml:"routes"`

	Redis    store.RedisConfig    `yaml:"redis"`
	Postgres store.PostgresConfig `yaml:"postgres"`
	Kafka    events.KafkaConfig   `yaml:"kafka"`
	Audit    AuditConfig          `yaml:"audit"`
	Server   ServerConfig         `yaml:"server"`
}

type RolesConfig struct {
	// Priorities replaces the built-in table when non-empty.
	Priorities     map[string]int `yaml:"priorities"`
	AdminThreshold int            `yaml:"admin_threshold"`
}

type RateLimitConfig struct {
	Disabled bool `yaml:"disabled"`
	// Fallback is "" (fail open) or "memory".
	Fallback string        `yaml:"fallback"`
	Timeout  time.Duration `yaml:"timeout"`
	// Policies override or extend the built-in policies by name.
	Policies map[string]ratelimit.Policy `yaml:"policies"`
}

type DestinationConfig struct {
	Name           string          `yaml:"name"`
	BaseURL        string          `yaml:"base_url"`
	HealthPath     string          `yaml:"health_path"`
	RequestTimeout time.Duration   `yaml:"request_timeout"`
	RetryBudget    int             `yaml:"retry_budget"`
	Circuit        *circuit.Config `yaml:"circuit"`
}

type RouteConfig struct {
	Prefix      string   `yaml:"prefix"`
	Destination string   `yaml:"destination"`
	Auth        string   `yaml:"auth"`
	Roles       []string `yaml:"roles"`
	Authz       string   `yaml:"authz"`
	Policies    []string `yaml:"policies"`
	StripPrefix string   `yaml:"strip_prefix"`
}

type AuditConfig struct {
	HashSalt string `yaml:"hash_salt"`
	Redact   bool   `yaml:"redact"`
}

type ServerConfig struct {
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// Load reads the .env file (when present), the YAML file named by
// GATEWAY_CONFIG (when set) and the environment, in that order of precedence
// from lowest to highest.
func Load() (*Config, error) {
	_ = godotenv.Load(env("GATEWAY_ENV_FILE", ".env"))
	cfg := &Config{}
	if path := strings.TrimSpace(os.Getenv("GATEWAY_CONFIG")); path != "" {
		loaded, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.applyEnv()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile parses a YAML file without environment overrides or validation.
func LoadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Environment = env("ENVIRONMENT", env("APP_ENV", c.Environment))
	c.ListenAddr = env("ADDR", c.ListenAddr)
	c.GatewayName = env("GATEWAY_NAME", c.GatewayName)
	c.SigningKey = env("JWT_SECRET", c.SigningKey)
	c.Issuer = env("JWT_ISSUER", c.Issuer)
	c.Audience = env("JWT_AUDIENCE", c.Audience)
	c.CORSAllowedOrigins = env("CORS_ALLOWED_ORIGINS", c.CORSAllowedOrigins)
	c.WSAllowedOrigins = env("WS_ALLOWED_ORIGINS", c.WSAllowedOrigins)
	c.TrustedProxyCIDRs = env("TRUSTED_PROXY_CIDRS", c.TrustedProxyCIDRs)
	c.MaxRequestBodyBytes = int64(envInt("MAX_REQUEST_BODY_BYTES", int(c.MaxRequestBodyBytes)))
	c.StrictProdSecurity = env("STRICT_PROD_SECURITY", c.StrictProdSecurity)

	c.RateLimit.Disabled = envBool("RATE_LIMIT_DISABLED", c.RateLimit.Disabled)
	c.RateLimit.Fallback = env("RATE_LIMIT_FALLBACK", c.RateLimit.Fallback)

	c.Redis.Addr = env("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = env("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = envInt("REDIS_DB", c.Redis.DB)
	c.Redis.RequireTLS = envBool("REDIS_REQUIRE_TLS", c.Redis.RequireTLS)
	c.Redis.TLS.Enabled = envBool("REDIS_TLS_ENABLED", c.Redis.TLS.Enabled)
	c.Redis.TLS.Insecure = envBool("REDIS_TLS_INSECURE", c.Redis.TLS.Insecure)
	c.Redis.TLS.AllowInsecure = envBool("REDIS_ALLOW_INSECURE_TLS", c.Redis.TLS.AllowInsecure)
	c.Redis.TLS.CACertFile = env("REDIS_TLS_CA_FILE", c.Redis.TLS.CACertFile)

	c.Postgres.URL = env("DATABASE_URL", c.Postgres.URL)
	c.Postgres.RequireTLS = envBool("DATABASE_REQUIRE_TLS", c.Postgres.RequireTLS)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitList(brokers)
	}
	c.Kafka.Topic = env("KAFKA_TOPIC", c.Kafka.Topic)

	c.Audit.HashSalt = env("AUDIT_HASH_SALT", c.Audit.HashSalt)
	c.Audit.Redact = envBool("AUDIT_REDACT", c.Audit.Redact)
}

// ApplyDefaults fills every unset field with its built-in value.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if strings.TrimSpace(c.GatewayName) == "" {
		c.GatewayName = DefaultGatewayName
	}
	if c.MaxRequestBodyBytes <= 0 {
		c.MaxRequestBodyBytes = DefaultMaxRequestBodyBytes
	}
	c.Circuit = c.Circuit.Merge(circuit.DefaultConfig())
	s := &c.Server
	if s.ReadHeaderTimeout <= 0 {
		s.ReadHeaderTimeout = 5 * time.Second
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = 15 * time.Second
	}
	if s.WriteTimeout <= 0 {
		// Must outlast the slowest destination timeout.
		slowest := dispatch.DefaultTimeout
		for _, d := range c.Destinations {
			if d.RequestTimeout > slowest {
				slowest = d.RequestTimeout
			}
		}
		s.WriteTimeout = slowest + 5*time.Second
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = 120 * time.Second
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = 15 * time.Second
	}
}

// Validate checks the whole configuration and reports every problem it finds.
func (c *Config) Validate() error {
	var errs []error
	hierarchy, err := c.Hierarchy()
	if err != nil {
		errs = append(errs, err)
	}
	policies, err := c.Policies()
	if err != nil {
		errs = append(errs, err)
	}
	if err := c.Circuit.Merge(circuit.DefaultConfig()).Validate(); err != nil {
		errs = append(errs, fmt.Errorf("circuit defaults: %w", err))
	}
	switch c.RateLimit.Fallback {
	case "", FallbackMemory:
	default:
		errs = append(errs, fmt.Errorf("rate_limit.fallback %q: want \"\" or \"memory\"", c.RateLimit.Fallback))
	}
	destinations, err := c.DestinationMap()
	if err != nil {
		errs = append(errs, err)
	}

	seen := map[string]struct{}{}
	for i, rc := range c.Routes {
		label := fmt.Sprintf("routes[%d] %q", i, rc.Prefix)
		prefix := strings.TrimSpace(rc.Prefix)
		if !strings.HasPrefix(prefix, "/") {
			errs = append(errs, fmt.Errorf("%s: prefix must start with /", label))
		}
		if _, dup := seen[prefix]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate prefix", label))
		}
		seen[prefix] = struct{}{}
		if destinations != nil {
			if _, ok := destinations[rc.Destination]; !ok {
				errs = append(errs, fmt.Errorf("%s: unknown destination %q", label, rc.Destination))
			}
		}
		mode, ok := identity.ParseMode(rc.Auth)
		if !ok {
			errs = append(errs, fmt.Errorf("%s: unknown auth mode %q", label, rc.Auth))
		}
		amode, ok := authz.ParseMode(rc.Authz)
		if !ok {
			errs = append(errs, fmt.Errorf("%s: unknown authz mode %q", label, rc.Authz))
		}
		if amode == authz.ExactMatch && len(rc.Roles) == 0 {
			errs = append(errs, fmt.Errorf("%s: authz exact requires roles", label))
		}
		if len(rc.Roles) > 0 && mode == identity.None {
			errs = append(errs, fmt.Errorf("%s: roles require authentication", label))
		}
		if hierarchy != nil {
			if err := hierarchy.Validate(rc.Roles...); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", label, err))
			}
		}
		if policies != nil {
			for _, name := range rc.Policies {
				if _, ok := policies[name]; !ok {
					errs = append(errs, fmt.Errorf("%s: unknown rate limit policy %q", label, name))
				}
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Hierarchy builds the role table, falling back to the built-in roles.
func (c *Config) Hierarchy() (*authz.Hierarchy, error) {
	if len(c.Roles.Priorities) == 0 {
		if c.Roles.AdminThreshold > 0 {
			return authz.NewHierarchy(authz.DefaultHierarchy().Priorities(), c.Roles.AdminThreshold)
		}
		return authz.DefaultHierarchy(), nil
	}
	h, err := authz.NewHierarchy(c.Roles.Priorities, c.Roles.AdminThreshold)
	if err != nil {
		return nil, fmt.Errorf("roles: %w", err)
	}
	return h, nil
}

// Policies merges configured policies over the built-in ones.
func (c *Config) Policies() (map[string]ratelimit.Policy, error) {
	out := ratelimit.DefaultPolicies()
	var errs []error
	for _, name := range sortedNames(c.RateLimit.Policies) {
		p := c.RateLimit.Policies[name]
		if p.Name == "" {
			p.Name = name
		}
		if p.Name != name {
			errs = append(errs, fmt.Errorf("policy %q: name mismatch %q", name, p.Name))
			continue
		}
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		out[name] = p
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// DestinationMap parses every destination keyed by name.
func (c *Config) DestinationMap() (map[string]dispatch.Destination, error) {
	out := make(map[string]dispatch.Destination, len(c.Destinations))
	var errs []error
	for _, dc := range c.Destinations {
		d, err := dispatch.NewDestination(dc.Name, dc.BaseURL, dc.RequestTimeout)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := out[d.Name]; dup {
			errs = append(errs, fmt.Errorf("destination %q: duplicate name", d.Name))
			continue
		}
		d.HealthPath = dc.HealthPath
		d.RetryBudget = dc.RetryBudget
		if dc.Circuit != nil {
			merged := dc.Circuit.Merge(c.Circuit.Merge(circuit.DefaultConfig()))
			if err := merged.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("destination %q: %w", d.Name, err))
				continue
			}
			d.Circuit = &merged
		}
		out[d.Name] = d
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// Production reports whether the environment is production-like.
func (c *Config) Production() bool {
	return hardening.IsProductionLike(c.Environment)
}

// Harden runs the production checks against this configuration.
func (c *Config) Harden() error {
	var required []hardening.EnvRequirement
	if c.Audit.Redact {
		required = append(required, hardening.EnvRequirement{Name: "AUDIT_HASH_SALT", Value: c.Audit.HashSalt})
	}
	return hardening.ValidateProduction(hardening.Options{
		Service:               c.GatewayName,
		Environment:           c.Environment,
		StrictProdSecurity:    c.StrictProdSecurity,
		SigningKey:            c.SigningKey,
		DatabaseURL:           c.Postgres.URL,
		DatabaseRequireTLS:    c.Postgres.RequireTLS,
		RedisAddr:             c.Redis.Addr,
		RedisRequireTLS:       c.Redis.RequireTLS,
		RedisTLSInsecure:      c.Redis.TLS.Insecure,
		RedisAllowInsecureTLS: c.Redis.TLS.AllowInsecure,
		CORSAllowedOrigins:    c.CORSAllowedOrigins,
		RequiredSecrets:       required,
	})
}

func sortedNames(m map[string]ratelimit.Policy) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envBool(k string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return strings.EqualFold(v, "true")
	}
	return def
}
