package main

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"psagate/pkg/audit"
	"psagate/pkg/logging"
	"psagate/pkg/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context, cfg store.PostgresConfig) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx, cfg)
	}
)

func main() {
	if err := runMigrator(); err != nil {
		logFatalf("migrator: %v", err)
	}
}

func runMigrator() error {
	_ = godotenv.Load(envOr("GATEWAY_ENV_FILE", ".env"))
	logger, err := logging.New(logging.ConfigFromEnv())
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	cfg := store.PostgresConfig{
		URL:        os.Getenv("DATABASE_URL"),
		RequireTLS: strings.EqualFold(os.Getenv("DATABASE_REQUIRE_TLS"), "true"),
	}
	pool, err := openDBFn(ctx, cfg)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	var fsys fs.FS = audit.Migrations
	dir := "migrations"
	if custom := strings.TrimSpace(os.Getenv("MIGRATIONS_DIR")); custom != "" {
		fsys, dir = os.DirFS(custom), "."
	}
	logf := func(format string, args ...any) { logger.Info(fmt.Sprintf(format, args...)) }
	if err := runMigrations(ctx, pool, fsys, dir, logf); err != nil {
		logger.Error("migration failed", zap.Error(err))
		return fmt.Errorf("migration: %w", err)
	}
	return nil
}

// validateMigrationPath accepts only flat *.sql names directly under dir.
func validateMigrationPath(dir, file string) (string, error) {
	if !fs.ValidPath(file) {
		return "", fmt.Errorf("path %q is not a valid migration path", file)
	}
	if path.Dir(file) != path.Clean(dir) || path.Ext(file) != ".sql" {
		return "", fmt.Errorf("path %q is outside migrations dir %q", file, dir)
	}
	return file, nil
}

func runMigrations(
	ctx context.Context,
	db migrationDB,
	fsys fs.FS,
	dir string,
	logf func(format string, args ...any),
) error {
	if db == nil {
		return fmt.Errorf("db required")
	}
	if fsys == nil {
		return fmt.Errorf("migrations fs required")
	}
	if logf == nil {
		logf = log.Printf
	}

	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := fs.Glob(fsys, path.Join(path.Clean(dir), "*.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	applied := 0
	for _, file := range files {
		clean, err := validateMigrationPath(dir, file)
		if err != nil {
			return fmt.Errorf("invalid migration path: %s", file)
		}
		name := path.Base(clean)
		var exists bool
		if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, name).Scan(&exists); err != nil {
			return fmt.Errorf("migration lookup: %w", err)
		}
		if exists {
			continue
		}
		sqlBytes, err := fs.ReadFile(fsys, clean)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		tx, err := db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin migration tx: %w", err)
		}
		if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename) VALUES($1)`, name); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("mark migration %s: %w", name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
		applied++
		logf("applied migration %s", name)
	}

	logf("migrations up to date: %d applied, %d total", applied, len(files))
	return nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
