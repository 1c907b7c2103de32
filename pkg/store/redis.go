// Package store opens the gateway's external stores: Redis for shared
// rate-limit counters and Postgres for the admin audit trail.
package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrTLSRequired = errors.New("secure transport required")
	// ErrTLSConfig marks an unusable redis tls section.
	ErrTLSConfig = errors.New("invalid redis tls config")
	// ErrUnreachable means the client was built but the startup ping failed.
	ErrUnreachable = errors.New("redis unreachable")
)

type RedisTLS struct {
	Enabled bool `yaml:"enabled"`
	// Insecure skips verification and is refused unless AllowInsecure is set too.
	Insecure      bool   `yaml:"insecure"`
	AllowInsecure bool   `yaml:"allow_insecure"`
	ServerName    string `yaml:"server_name"`
	CACertFile    string `yaml:"ca_cert_file"`
	CertFile      string `yaml:"cert_file"`
	KeyFile       string `yaml:"key_file"`
}

type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	RequireTLS  bool          `yaml:"require_tls"`
	TLS         RedisTLS      `yaml:"tls"`
	PingTimeout time.Duration `yaml:"ping_timeout"`
}

// NewRedis connects and pings. The caller owns the returned client.
// When only the ping fails the error wraps ErrUnreachable and the client is
// still returned: go-redis dials again on the next command.
func NewRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	tlsConfig, err := cfg.TLS.build()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTLSConfig, err)
	}
	if cfg.RequireTLS && tlsConfig == nil {
		return nil, fmt.Errorf("%w: redis require_tls is set but tls is not enabled", ErrTLSRequired)
	}
	client := redis.NewClient(&redis.Options{
		Addr:      addr,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: tlsConfig,
	})
	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctxPing, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		return client, fmt.Errorf("%w: ping %s: %v", ErrUnreachable, addr, err)
	}
	return client, nil
}

func (t RedisTLS) build() (*tls.Config, error) {
	if !t.Enabled {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if t.Insecure {
		if !t.AllowInsecure {
			return nil, fmt.Errorf("redis tls insecure requires allow_insecure")
		}
		cfg.InsecureSkipVerify = true
	}
	cfg.ServerName = t.ServerName
	if t.CACertFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(t.CACertFile))
		if err != nil {
			return nil, fmt.Errorf("read redis ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("parse redis ca file: no valid certificates")
		}
		cfg.RootCAs = pool
	}
	if t.CertFile != "" || t.KeyFile != "" {
		if t.CertFile == "" || t.KeyFile == "" {
			return nil, fmt.Errorf("redis mTLS needs both cert_file and key_file")
		}
		cert, err := tls.LoadX509KeyPair(filepath.Clean(t.CertFile), filepath.Clean(t.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis mTLS keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
