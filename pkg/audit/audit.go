// Package audit records administrative gateway actions in Postgres.
package audit

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Actions written by the gateway.
const (
	ActionCircuitReset    = "circuit.reset"
	ActionCircuitResetAll = "circuit.reset_all"
)

var ErrNotFound = errors.New("audit record not found")

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Recorder is what the gateway needs from an audit sink.
type Recorder interface {
	Append(ctx context.Context, rec Record) error
}

type Writer struct {
	DB       auditDB
	HashSalt []byte
	// Redact stores a salted hash of the actor id instead of the id itself.
	Redact bool
	now    func() time.Time
}

type Record struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	Target    string          `json:"target"`
	ActorID   string          `json:"actor_id"`
	ActorRole string          `json:"actor_role"`
	Tenant    string          `json:"tenant,omitempty"`
	RequestID string          `json:"request_id"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Migrations holds the audit schema as ordered, idempotent SQL files.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// Migrate applies every embedded migration in order. Each file is safe to
// run again; cmd/migrator additionally records what it has applied.
func (w *Writer) Migrate(ctx context.Context) error {
	names, err := fs.Glob(Migrations, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list audit migrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		sql, err := fs.ReadFile(Migrations, name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if _, err := w.DB.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply %s: %w", path.Base(name), err)
		}
	}
	return nil
}

// Append stores rec, filling in the id and timestamp when missing.
func (w *Writer) Append(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = w.clock().UTC()
	}
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	var detail any
	if len(rec.Detail) > 0 {
		detail = rec.Detail
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO gateway_admin_audit
		(id, action, target, actor_id, actor_role, tenant, request_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, rec.ID, rec.Action, rec.Target, rec.ActorID, rec.ActorRole, rec.Tenant, rec.RequestID, detail, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

func (w *Writer) Get(ctx context.Context, id string) (Record, error) {
	var rec Record
	var detail []byte
	row := w.DB.QueryRow(ctx, `
		SELECT id::text, action, target, actor_id, actor_role, tenant, request_id, detail, created_at
		FROM gateway_admin_audit WHERE id=$1
	`, id)
	if err := row.Scan(&rec.ID, &rec.Action, &rec.Target, &rec.ActorID, &rec.ActorRole, &rec.Tenant, &rec.RequestID, &detail, &rec.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rec, ErrNotFound
		}
		return rec, err
	}
	if len(detail) > 0 {
		rec.Detail = json.RawMessage(detail)
	}
	return rec, nil
}

func (w *Writer) clock() time.Time {
	if w.now == nil {
		return time.Now()
	}
	return w.now()
}

// Nop discards records; used when no database is configured.
type Nop struct{}

func (Nop) Append(context.Context, Record) error { return nil }
