// Package postgres provides a PostgreSQL-backed [store.SessionStore].
//
// Sessions live in drill_sessions, one row per session, upserted on
// registration and again on completion. Step-back audit records are
// appended to drill_stepbacks as they happen; on completion the audit log is
// replaced by the session's authoritative ordered list so that audit writes
// lost to transient failures are reconciled.
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS drill_sessions (
    id             TEXT         PRIMARY KEY,
    user_id        TEXT         NOT NULL DEFAULT '',
    task_type      TEXT         NOT NULL,
    difficulty     TEXT         NOT NULL DEFAULT '',
    scenario       TEXT         NOT NULL DEFAULT '',
    group_size     INTEGER      NOT NULL DEFAULT 0,
    duration_sec   INTEGER      NOT NULL,
    status         TEXT         NOT NULL DEFAULT 'active',
    started_at     TIMESTAMPTZ  NOT NULL,
    ended_at       TIMESTAMPTZ,
    end_reason     TEXT         NOT NULL DEFAULT '',
    end_detail     TEXT         NOT NULL DEFAULT '',
    transcript     TEXT         NOT NULL DEFAULT '',
    interruptions  JSONB        NOT NULL DEFAULT '[]',
    final_pressure JSONB,
    summary        JSONB,
    report         TEXT         NOT NULL DEFAULT ''
);

ALTER TABLE drill_sessions ADD COLUMN IF NOT EXISTS end_detail TEXT NOT NULL DEFAULT '';

CREATE INDEX IF NOT EXISTS idx_drill_sessions_user_id
    ON drill_sessions (user_id);

CREATE INDEX IF NOT EXISTS idx_drill_sessions_status
    ON drill_sessions (status);
`

const ddlStepBacks = `
CREATE TABLE IF NOT EXISTS drill_stepbacks (
    id                BIGSERIAL    PRIMARY KEY,
    session_id        TEXT         NOT NULL,
    seq               INTEGER      NOT NULL DEFAULT 0,
    timestamp_ms      BIGINT       NOT NULL,
    kind              TEXT         NOT NULL,
    severity          TEXT         NOT NULL,
    confidence_before DOUBLE PRECISION NOT NULL,
    confidence_after  DOUBLE PRECISION NOT NULL,
    transcript        TEXT         NOT NULL DEFAULT '',
    triggered_by      TEXT         NOT NULL DEFAULT '',
    recorded_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_drill_stepbacks_session
    ON drill_stepbacks (session_id, timestamp_ms);
`

// Migrate creates the drill tables and indexes if they do not exist. It is
// idempotent and safe to run on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []struct {
		name string
		sql  string
	}{
		{"sessions", ddlSessions},
		{"stepbacks", ddlStepBacks},
	} {
		if _, err := pool.Exec(ctx, ddl.sql); err != nil {
			return fmt.Errorf("postgres migrate: %s: %w", ddl.name, err)
		}
	}
	return nil
}
