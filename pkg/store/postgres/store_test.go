package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/gtodrill/pkg/store"
	"github.com/MrWong99/gtodrill/pkg/store/postgres"
	"github.com/MrWong99/gtodrill/pkg/types"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if GTODRILL_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("GTODRILL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("GTODRILL_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] on a clean schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	for _, tbl := range []string{"drill_stepbacks", "drill_sessions"} {
		if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS "+tbl+" CASCADE"); err != nil {
			t.Fatalf("drop %s: %v", tbl, err)
		}
	}

	st, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(st.Close)
	return st
}

func TestMigrate_Idempotent(t *testing.T) {
	newTestStore(t)

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, testDSN(t))
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()

	for range 2 {
		if err := postgres.Migrate(ctx, pool); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
	}
}

func TestStore_Lifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	start := time.Now().UTC().Truncate(time.Millisecond)
	reg := store.Registration{
		SessionID:   "pg-1",
		UserID:      "cadet-7",
		TaskType:    types.TaskProgressiveGroup,
		Difficulty:  types.DifficultyMedium,
		DurationSec: 600,
		StartedAt:   start,
	}
	if err := st.Register(ctx, reg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	first := types.StepBackEvent{TimestampMs: 20000, Kind: types.StepBackTremor, Severity: types.SeverityModerate, ConfidenceBefore: 70, ConfidenceAfter: 60}
	if err := st.AppendStepBack(ctx, "pg-1", first); err != nil {
		t.Fatalf("AppendStepBack: %v", err)
	}

	second := types.StepBackEvent{TimestampMs: 45000, Kind: types.StepBackVolumeDrop, Severity: types.SeverityMild, ConfidenceBefore: 60, ConfidenceAfter: 55}
	rec := store.Record{
		Registration: reg,
		Transcript:   "we use the drum as a float",
		StepBacks:    []types.StepBackEvent{first, second},
		Interruptions: []types.InterruptionRecord{
			{ElapsedMs: 22000, Category: types.CategoryProbe, Text: "Why?", PressureLevel: 1, Delivered: true},
		},
		FinalPressure: types.PressureState{Level: 2, MaxLevel: 2, InterruptionCount: 3},
		EndReason:     types.EndTimeout,
		EndedAt:       start.Add(10 * time.Minute),
	}
	if err := st.Complete(ctx, rec); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, err := st.StepBacks(ctx, "pg-1")
	if err != nil {
		t.Fatalf("StepBacks: %v", err)
	}
	if len(got) != 2 || got[0].Kind != types.StepBackTremor || got[1].Kind != types.StepBackVolumeDrop {
		t.Errorf("StepBacks = %+v", got)
	}

	if err := st.SaveReport(ctx, "pg-1", "Composed until the final minute."); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}
	if err := st.SaveReport(ctx, "missing", "x"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("SaveReport(missing) err = %v, want ErrNotFound", err)
	}
}

func TestStore_CompleteKeepsEndDetail(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	reg := store.Registration{SessionID: "pg-2", TaskType: types.TaskLecturette, DurationSec: 180, StartedAt: start}
	if err := st.Register(ctx, reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	rec := store.Record{
		Registration: reg,
		EndReason:    types.EndClient,
		EndDetail:    "candidate withdrew",
		EndedAt:      start.Add(time.Minute),
	}
	if err := st.Complete(ctx, rec); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	pool, err := pgxpool.New(ctx, testDSN(t))
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()

	var reason, detail string
	if err := pool.QueryRow(ctx,
		`SELECT end_reason, end_detail FROM drill_sessions WHERE id = $1`, "pg-2",
	).Scan(&reason, &detail); err != nil {
		t.Fatalf("select: %v", err)
	}
	if reason != string(types.EndClient) || detail != "candidate withdrew" {
		t.Errorf("end_reason=%q end_detail=%q", reason, detail)
	}
}
