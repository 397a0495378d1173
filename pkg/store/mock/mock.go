// Package mock provides a call-recording test double for [store.SessionStore].
//
// Typical usage:
//
//	st := &mock.SessionStore{}
//	st.CompleteErr = errors.New("db down")
//
//	// inject st into the system under test …
//
//	if got := st.CallCount("Complete"); got != 1 {
//	    t.Errorf("expected 1 Complete call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/gtodrill/pkg/store"
	"github.com/MrWong99/gtodrill/pkg/types"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// SessionStore is a configurable test double for [store.SessionStore].
// All exported *Err fields default to nil (success).
type SessionStore struct {
	mu    sync.Mutex
	calls []Call

	// RegisterErr is returned by [SessionStore.Register] when non-nil.
	RegisterErr error

	// AppendStepBackErr is returned by [SessionStore.AppendStepBack] when non-nil.
	AppendStepBackErr error

	// CompleteErr is returned by [SessionStore.Complete] when non-nil.
	CompleteErr error

	// SaveReportErr is returned by [SessionStore.SaveReport] when non-nil.
	SaveReportErr error
}

var _ store.SessionStore = (*SessionStore)(nil)

// Calls returns a copy of all recorded method invocations.
func (m *SessionStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *SessionStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Completed returns every record passed to Complete, in call order.
func (m *SessionStore) Completed() []store.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Record
	for _, c := range m.calls {
		if c.Method == "Complete" {
			out = append(out, c.Args[0].(store.Record))
		}
	}
	return out
}

// Reset clears all recorded calls without altering response configuration.
func (m *SessionStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Register implements [store.SessionStore].
func (m *SessionStore) Register(_ context.Context, reg store.Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Register", Args: []any{reg}})
	return m.RegisterErr
}

// AppendStepBack implements [store.SessionStore].
func (m *SessionStore) AppendStepBack(_ context.Context, sessionID string, ev types.StepBackEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "AppendStepBack", Args: []any{sessionID, ev}})
	return m.AppendStepBackErr
}

// Complete implements [store.SessionStore].
func (m *SessionStore) Complete(_ context.Context, rec store.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Complete", Args: []any{rec}})
	return m.CompleteErr
}

// SaveReport implements [store.SessionStore].
func (m *SessionStore) SaveReport(_ context.Context, sessionID, report string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "SaveReport", Args: []any{sessionID, report}})
	return m.SaveReportErr
}
