package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	pgxPoolNewWithConfig = pgxpool.NewWithConfig
	postgresRetryDelay   = 2 * time.Second
	postgresPingTimeout  = 2 * time.Second
	postgresSleep        = time.Sleep
)

type PostgresConfig struct {
	URL            string `yaml:"url"`
	RequireTLS     bool   `yaml:"require_tls"`
	MaxConns       int32  `yaml:"max_conns"`
	ConnectRetries int    `yaml:"connect_retries"`
}

// NewPostgresPool opens a pool and retries until the database answers a ping
// or the retries run out.
func NewPostgresPool(ctx context.Context, pc PostgresConfig) (*pgxpool.Pool, error) {
	dsn := strings.TrimSpace(pc.URL)
	if dsn == "" {
		return nil, fmt.Errorf("postgres url not configured")
	}
	if pc.RequireTLS {
		if err := validatePostgresTLS(dsn); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 5
	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	retries := pc.ConnectRetries
	if retries <= 0 {
		retries = 30
	}
	var lastErr error
	for i := 0; i < retries; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pool, err := pgxPoolNewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			postgresSleep(postgresRetryDelay)
			continue
		}
		ctxPing, cancel := context.WithTimeout(ctx, postgresPingTimeout)
		err = pool.Ping(ctxPing)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
		postgresSleep(postgresRetryDelay)
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid postgres url: %w", err)
	}
	sslmode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode")))
	switch sslmode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "disable", "prefer":
		return fmt.Errorf("%w: postgres sslmode=%q is insecure", ErrTLSRequired, sslmode)
	default:
		return fmt.Errorf("%w: postgres url needs sslmode=require|verify-ca|verify-full", ErrTLSRequired)
	}
}
