package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/gtodrill/pkg/store"
	storemock "github.com/MrWong99/gtodrill/pkg/store/mock"
	"github.com/MrWong99/gtodrill/pkg/types"
)

func testRecord(id string) store.Record {
	return store.Record{
		Registration: store.Registration{SessionID: id, TaskType: types.TaskLecturette},
		EndReason:    types.EndClient,
	}
}

func TestResilientStore_PrimaryServes(t *testing.T) {
	primary := &storemock.SessionStore{}
	fallback := store.NewMemory()
	s := NewResilientStore(primary, "postgres", StoreConfig{Fallback: fallback})

	ctx := context.Background()
	if err := s.Register(ctx, store.Registration{SessionID: "s1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.AppendStepBack(ctx, "s1", types.StepBackEvent{Kind: types.StepBackTremor}); err != nil {
		t.Fatalf("AppendStepBack: %v", err)
	}
	if err := s.Complete(ctx, testRecord("s1")); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := s.SaveReport(ctx, "s1", "fine"); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}

	for _, m := range []string{"Register", "AppendStepBack", "Complete", "SaveReport"} {
		if n := primary.CallCount(m); n != 1 {
			t.Errorf("primary %s calls = %d, want 1", m, n)
		}
	}
	if _, ok := fallback.Get("s1"); ok {
		t.Error("fallback should be untouched while the primary is healthy")
	}
}

func TestResilientStore_FailsOverToMemory(t *testing.T) {
	primary := &storemock.SessionStore{
		RegisterErr: errTest,
		CompleteErr: errTest,
	}
	fallback := store.NewMemory()
	s := NewResilientStore(primary, "postgres", StoreConfig{
		Fallback:     fallback,
		Breaker:      CircuitBreakerConfig{MaxFailures: 5},
		RetryBackoff: time.Millisecond,
	})

	ctx := context.Background()
	if err := s.Register(ctx, store.Registration{SessionID: "s1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Complete(ctx, testRecord("s1")); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	e, ok := fallback.Get("s1")
	if !ok || e.Record == nil {
		t.Fatalf("fallback entry = %+v, %v; want completed record", e, ok)
	}
	if e.Record.EndReason != types.EndClient {
		t.Errorf("end reason = %q", e.Record.EndReason)
	}
	if n := primary.CallCount("Complete"); n != 1 {
		t.Errorf("primary Complete calls = %d, want 1 (fallback succeeded first time)", n)
	}
}

func TestResilientStore_CompleteRetriesWithoutFallback(t *testing.T) {
	primary := &storemock.SessionStore{CompleteErr: errTest}
	s := NewResilientStore(primary, "postgres", StoreConfig{
		Breaker:       CircuitBreakerConfig{MaxFailures: 10},
		RetryAttempts: 3,
		RetryBackoff:  time.Millisecond,
	})

	err := s.Complete(context.Background(), testRecord("s1"))
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping errTest", err)
	}
	if n := primary.CallCount("Complete"); n != 3 {
		t.Errorf("Complete attempts = %d, want 3", n)
	}
}

func TestResilientStore_OpenBreakerStopsRetrying(t *testing.T) {
	primary := &storemock.SessionStore{CompleteErr: errTest}
	s := NewResilientStore(primary, "postgres", StoreConfig{
		Breaker:       CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
		RetryAttempts: 5,
		RetryBackoff:  time.Millisecond,
	})

	err := s.Complete(context.Background(), testRecord("s1"))
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if n := primary.CallCount("Complete"); n != 1 {
		t.Errorf("Complete attempts = %d, want 1", n)
	}
	if s.States()["postgres"] != StateOpen {
		t.Errorf("states = %v", s.States())
	}
}

type pingStore struct {
	storemock.SessionStore
	err error
}

func (p *pingStore) Ping(context.Context) error { return p.err }

func TestResilientStore_Ping(t *testing.T) {
	if err := NewResilientStore(&storemock.SessionStore{}, "mock", StoreConfig{}).Ping(context.Background()); err != nil {
		t.Errorf("store without Ping: %v", err)
	}
	down := &pingStore{err: errTest}
	if err := NewResilientStore(down, "postgres", StoreConfig{}).Ping(context.Background()); !errors.Is(err, errTest) {
		t.Errorf("Ping = %v, want errTest", err)
	}
}

func TestRetry_StopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, 5, time.Hour, func(context.Context) error {
		calls++
		cancel()
		return errTest
	})
	if !errors.Is(err, errTest) && !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_SucceedsEventually(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return errTest
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("err = %v, calls = %d; want nil, 3", err, calls)
	}
}
