package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/gtodrill/pkg/store"
	"github.com/MrWong99/gtodrill/pkg/types"
)

var _ store.SessionStore = (*Store)(nil)

// Store is a [store.SessionStore] on a [pgxpool.Pool].
//
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping checks connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Register implements [store.SessionStore].
func (s *Store) Register(ctx context.Context, reg store.Registration) error {
	const q = `
		INSERT INTO drill_sessions
		    (id, user_id, task_type, difficulty, scenario, group_size, duration_sec, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'active', $8)
		ON CONFLICT (id) DO UPDATE SET
		    user_id      = EXCLUDED.user_id,
		    task_type    = EXCLUDED.task_type,
		    difficulty   = EXCLUDED.difficulty,
		    scenario     = EXCLUDED.scenario,
		    group_size   = EXCLUDED.group_size,
		    duration_sec = EXCLUDED.duration_sec,
		    started_at   = EXCLUDED.started_at`

	_, err := s.pool.Exec(ctx, q,
		reg.SessionID,
		reg.UserID,
		string(reg.TaskType),
		string(reg.Difficulty),
		reg.Scenario,
		reg.GroupSize,
		reg.DurationSec,
		reg.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: register: %w", err)
	}
	return nil
}

// AppendStepBack implements [store.SessionStore].
func (s *Store) AppendStepBack(ctx context.Context, sessionID string, ev types.StepBackEvent) error {
	const q = `
		INSERT INTO drill_stepbacks
		    (session_id, seq, timestamp_ms, kind, severity, confidence_before, confidence_after, transcript, triggered_by)
		VALUES ($1,
		        (SELECT COALESCE(MAX(seq), 0) + 1 FROM drill_stepbacks WHERE session_id = $1),
		        $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.pool.Exec(ctx, q,
		sessionID,
		ev.TimestampMs,
		string(ev.Kind),
		string(ev.Severity),
		ev.ConfidenceBefore,
		ev.ConfidenceAfter,
		ev.Transcript,
		ev.TriggeredBy,
	)
	if err != nil {
		return fmt.Errorf("postgres store: append step-back: %w", err)
	}
	return nil
}

// Complete implements [store.SessionStore]. The session row and its
// step-back log are written in one transaction.
func (s *Store) Complete(ctx context.Context, rec store.Record) error {
	interruptions, err := json.Marshal(nonNil(rec.Interruptions))
	if err != nil {
		return fmt.Errorf("postgres store: complete: encode interruptions: %w", err)
	}
	pressure, err := json.Marshal(rec.FinalPressure)
	if err != nil {
		return fmt.Errorf("postgres store: complete: encode pressure: %w", err)
	}
	summary, err := json.Marshal(rec.Summary)
	if err != nil {
		return fmt.Errorf("postgres store: complete: encode summary: %w", err)
	}

	const upsert = `
		INSERT INTO drill_sessions
		    (id, user_id, task_type, difficulty, scenario, group_size, duration_sec, status,
		     started_at, ended_at, end_reason, end_detail, transcript, interruptions, final_pressure, summary)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'ended', $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
		    status         = 'ended',
		    ended_at       = EXCLUDED.ended_at,
		    end_reason     = EXCLUDED.end_reason,
		    end_detail     = EXCLUDED.end_detail,
		    transcript     = EXCLUDED.transcript,
		    interruptions  = EXCLUDED.interruptions,
		    final_pressure = EXCLUDED.final_pressure,
		    summary        = EXCLUDED.summary`

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsert,
			rec.SessionID,
			rec.UserID,
			string(rec.TaskType),
			string(rec.Difficulty),
			rec.Scenario,
			rec.GroupSize,
			rec.DurationSec,
			rec.StartedAt,
			rec.EndedAt,
			string(rec.EndReason),
			rec.EndDetail,
			rec.Transcript,
			interruptions,
			pressure,
			summary,
		); err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM drill_stepbacks WHERE session_id = $1`, rec.SessionID); err != nil {
			return fmt.Errorf("reset step-backs: %w", err)
		}

		if len(rec.StepBacks) == 0 {
			return nil
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"drill_stepbacks"},
			[]string{"session_id", "seq", "timestamp_ms", "kind", "severity",
				"confidence_before", "confidence_after", "transcript", "triggered_by"},
			pgx.CopyFromSlice(len(rec.StepBacks), func(i int) ([]any, error) {
				ev := rec.StepBacks[i]
				return []any{
					rec.SessionID, i + 1, ev.TimestampMs, string(ev.Kind), string(ev.Severity),
					ev.ConfidenceBefore, ev.ConfidenceAfter, ev.Transcript, ev.TriggeredBy,
				}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("copy step-backs: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres store: complete %s: %w", rec.SessionID, err)
	}
	return nil
}

// SaveReport implements [store.SessionStore].
func (s *Store) SaveReport(ctx context.Context, sessionID, report string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE drill_sessions SET report = $2 WHERE id = $1`, sessionID, report)
	if err != nil {
		return fmt.Errorf("postgres store: save report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: save report %s: %w", sessionID, store.ErrNotFound)
	}
	return nil
}

// StepBacks returns the audit log for sessionID in recorded order.
func (s *Store) StepBacks(ctx context.Context, sessionID string) ([]types.StepBackEvent, error) {
	const q = `
		SELECT timestamp_ms, kind, severity, confidence_before, confidence_after, transcript, triggered_by
		FROM   drill_stepbacks
		WHERE  session_id = $1
		ORDER  BY seq, id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: step-backs: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.StepBackEvent, error) {
		var (
			ev       types.StepBackEvent
			kind     string
			severity string
		)
		err := row.Scan(&ev.TimestampMs, &kind, &severity, &ev.ConfidenceBefore, &ev.ConfidenceAfter, &ev.Transcript, &ev.TriggeredBy)
		ev.Kind = types.StepBackKind(kind)
		ev.Severity = types.Severity(severity)
		return ev, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: step-backs: %w", err)
	}
	return events, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
