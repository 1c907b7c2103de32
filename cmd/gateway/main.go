package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"psagate/pkg/audit"
	"psagate/pkg/config"
	"psagate/pkg/events"
	"psagate/pkg/gateway"
	"psagate/pkg/logging"
	"psagate/pkg/metrics"
	"psagate/pkg/ratelimit"
	"psagate/pkg/store"
	"psagate/pkg/telemetry"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type gatewayDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

type eventPublisher interface {
	events.Publisher
	Close() error
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string, logger *zap.Logger) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context, cfg store.PostgresConfig) (gatewayDB, error)
type gatewayOpenRedisFunc func(ctx context.Context, cfg store.RedisConfig) (*redis.Client, error)
type gatewayOpenPublisherFunc func(cfg events.KafkaConfig) (eventPublisher, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = func(ctx context.Context, service string, logger *zap.Logger) (func(context.Context) error, error) {
		return telemetry.Init(ctx, telemetry.ConfigFromEnv(service), logger)
	}
	openDBFnG = func(ctx context.Context, cfg store.PostgresConfig) (gatewayDB, error) {
		return store.NewPostgresPool(ctx, cfg)
	}
	openRedisFnG     = store.NewRedis
	openPublisherFnG = func(cfg events.KafkaConfig) (eventPublisher, error) {
		return events.NewKafkaPublisher(cfg)
	}
	listenFnG     = func(server *http.Server) error { return server.ListenAndServe() }
	notifyContext = signal.NotifyContext
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, openPublisherFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	openPublisher gatewayOpenPublisherFunc,
	listen gatewayListenFunc,
) error {
	logger, err := logging.New(logging.ConfigFromEnv())
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Harden(); err != nil {
		return err
	}
	logger = logger.With(zap.String("service", cfg.GatewayName))

	ctx, stop := notifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := initTelemetry(ctx, cfg.GatewayName, logger)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	m := metrics.NewRegistry()
	limiter, closeLimiter, err := buildLimiter(ctx, cfg, openRedis, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	recorder := audit.Recorder(audit.Nop{})
	if cfg.Postgres.URL != "" {
		db, err := openDB(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer db.Close()
		writer := &audit.Writer{DB: db, HashSalt: []byte(cfg.Audit.HashSalt), Redact: cfg.Audit.Redact}
		if err := writer.Migrate(ctx); err != nil {
			return fmt.Errorf("db: %w", err)
		}
		recorder = writer
	} else {
		logger.Warn("DATABASE_URL not set, admin actions are not audited")
	}

	var publisher events.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		p, err := openPublisher(cfg.Kafka)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer func() { _ = p.Close() }()
		publisher = p
	}

	g, err := gateway.Build(cfg, gateway.Deps{
		Limiter:   limiter,
		Audit:     recorder,
		Publisher: publisher,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}
	busCtx, stopBus := context.WithCancel(context.Background())
	go g.Bus.Run(busCtx)
	defer func() {
		stopBus()
		g.Bus.Wait()
	}()

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           g.Server.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	logger.Info("gateway listening",
		zap.String("addr", cfg.ListenAddr),
		zap.Int("routes", len(cfg.Routes)),
		zap.Int("destinations", len(cfg.Destinations)),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- listen(server) }()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

// buildLimiter prefers the shared Redis store. A TLS problem refuses to
// start. A store that only fails its startup ping still backs the limiter,
// with local counting as fallback: decisions report Degraded until Redis
// answers again.
func buildLimiter(ctx context.Context, cfg *config.Config, openRedis gatewayOpenRedisFunc, logger *zap.Logger) (ratelimit.Limiter, func(), error) {
	noop := func() {}
	memory := ratelimit.NewInMemory()
	if cfg.RateLimit.Disabled {
		return memory, noop, nil
	}
	if cfg.Redis.Addr == "" {
		logger.Warn("REDIS_ADDR not set, rate limits are per instance")
		return memory, noop, nil
	}
	client, err := openRedis(ctx, cfg.Redis)
	unreachable := false
	switch {
	case err == nil:
	case errors.Is(err, store.ErrUnreachable) && client != nil:
		logger.Warn("redis unreachable at startup, rate limits degraded to per instance until it recovers", zap.Error(err))
		unreachable = true
	default:
		if client != nil {
			_ = client.Close()
		}
		return nil, noop, fmt.Errorf("redis: %w", err)
	}
	rl := ratelimit.NewRedis(client, logger)
	if cfg.RateLimit.Timeout > 0 {
		rl.Timeout = cfg.RateLimit.Timeout
	}
	if unreachable || cfg.RateLimit.Fallback == config.FallbackMemory {
		rl.Fallback = memory
	}
	return rl, func() { _ = client.Close() }, nil
}
