// Package audit implements the optional, best-effort process audit sink:
// one row per terminal ProcessRecord written to Postgres when configured,
// grounded on the teacher's internal/common/database pgxpool usage pattern
// (plain SQL, no ORM). A write failure is logged, never surfaced to the
// caller — auditing never fails the operation it records.
package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kandev/sandboxd/internal/common/config"
	"github.com/kandev/sandboxd/internal/common/logger"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS process_audit (
	process_id TEXT PRIMARY KEY,
	command    TEXT NOT NULL,
	status     TEXT NOT NULL,
	exit_code  INTEGER NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at   TIMESTAMPTZ NOT NULL
)`

const insertSQL = `
INSERT INTO process_audit (process_id, command, status, exit_code, started_at, ended_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (process_id) DO NOTHING`

// Sink records terminal ProcessRecords to Postgres. A nil *Sink is valid
// and turns every Record call into a no-op, so callers never need a
// presence check.
type Sink struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// Provide builds a Sink from cfg. When cfg.DatabaseURL is empty, auditing
// is disabled and Provide returns a nil Sink with a no-op cleanup.
func Provide(cfg config.AuditConfig, log *logger.Logger) (*Sink, func()) {
	if cfg.DatabaseURL == "" {
		return nil, func() {}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Warn("audit sink disabled: failed to connect", zap.Error(err))
		return nil, func() {}
	}
	if err := pool.Ping(ctx); err != nil {
		log.Warn("audit sink disabled: failed to ping", zap.Error(err))
		pool.Close()
		return nil, func() {}
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		log.Warn("audit sink disabled: failed to create table", zap.Error(err))
		pool.Close()
		return nil, func() {}
	}

	sink := &Sink{pool: pool, log: log.WithFields(zap.String("component", "audit-sink"))}
	return sink, pool.Close
}

// Record inserts one row for a terminal process, swallowing any failure
// into the log (spec.md §7: "destroy never fails" extended to "audit never
// fails the operation it records").
func (s *Sink) Record(ctx context.Context, processID, command, status string, exitCode int, startTime, endTime time.Time) {
	if s == nil {
		return
	}
	if _, err := s.pool.Exec(ctx, insertSQL, processID, command, status, exitCode, startTime, endTime); err != nil {
		s.log.Warn("failed to write audit record", zap.String("process_id", processID), zap.Error(err))
	}
}
