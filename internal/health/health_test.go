package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func pass(context.Context) error { return nil }

func failWith(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

// get serves path through a chi router carrying h and decodes the body.
func get(ctx context.Context, t *testing.T, h *Handler, path string) (int, result) {
	t.Helper()
	r := chi.NewRouter()
	h.Register(r)

	req := httptest.NewRequest(http.MethodGet, path, nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return rec.Code, body
}

// ─── Liveness ────────────────────────────────────────────────────────────────

func TestHealthz(t *testing.T) {
	h := New(Checker{Name: "store", Check: failWith("down")})
	h.SetDraining(true)

	code, body := get(context.Background(), t, h, "/healthz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("healthz = %d %q, want 200 ok even with failing checks", code, body.Status)
	}
}

// ─── Readiness ───────────────────────────────────────────────────────────────

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		checkers   []Checker
		draining   bool
		wantCode   int
		wantChecks map[string]string
	}{
		{
			name:     "no checkers",
			wantCode: http.StatusOK,
		},
		{
			name:       "all pass",
			checkers:   []Checker{{Name: "store", Check: pass}, {Name: "bus", Check: pass}},
			wantCode:   http.StatusOK,
			wantChecks: map[string]string{"store": "ok", "bus": "ok"},
		},
		{
			name:       "store down",
			checkers:   []Checker{{Name: "store", Check: failWith("connection refused")}, {Name: "bus", Check: pass}},
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"store": "fail: connection refused", "bus": "ok"},
		},
		{
			name:       "everything down",
			checkers:   []Checker{{Name: "store", Check: failWith("timeout")}, {Name: "bus", Check: failWith("not connected")}},
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"store": "fail: timeout", "bus": "fail: not connected"},
		},
		{
			name:       "draining",
			checkers:   []Checker{{Name: "store", Check: pass}},
			draining:   true,
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"store": "ok", "drain": "fail: server is shutting down"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(tt.checkers...)
			h.SetDraining(tt.draining)

			code, body := get(context.Background(), t, h, "/readyz")
			if code != tt.wantCode {
				t.Errorf("status = %d, want %d", code, tt.wantCode)
			}
			wantStatus := "ok"
			if tt.wantCode != http.StatusOK {
				wantStatus = "fail"
			}
			if body.Status != wantStatus {
				t.Errorf("body status = %q, want %q", body.Status, wantStatus)
			}
			for name, want := range tt.wantChecks {
				if got := body.Checks[name]; got != want {
					t.Errorf("check %q = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	slow := func(ctx context.Context) error {
		started <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New(Checker{Name: "store", Check: slow}, Checker{Name: "bus", Check: slow})

	go func() {
		// Both checks must be in flight before either is released.
		for range 2 {
			select {
			case <-started:
			case <-time.After(2 * time.Second):
				return
			}
		}
		close(release)
	}()

	code, body := get(context.Background(), t, h, "/readyz")
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200 (checks: %v)", code, body.Checks)
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if code, _ := get(ctx, t, h, "/readyz"); code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
}

// ─── Checker constructors ────────────────────────────────────────────────────

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestPingChecker(t *testing.T) {
	ok := PingChecker("store", fakePinger{})
	if err := ok.Check(context.Background()); err != nil || ok.Name != "store" {
		t.Errorf("healthy pinger: name=%q err=%v", ok.Name, err)
	}
	down := PingChecker("store", fakePinger{err: errors.New("connection refused")})
	if err := down.Check(context.Background()); err == nil {
		t.Error("failing pinger reported healthy")
	}
}

func TestConnChecker(t *testing.T) {
	connected := false
	c := ConnChecker("bus", func() bool { return connected })
	if err := c.Check(context.Background()); !errors.Is(err, errDisconnected) {
		t.Errorf("disconnected bus: err = %v, want errDisconnected", err)
	}
	connected = true
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("connected bus: %v", err)
	}
}
