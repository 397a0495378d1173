package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/gtodrill/pkg/types"
)

var _ SessionStore = (*Memory)(nil)

// Entry is what [Memory] holds for one session.
type Entry struct {
	Registration Registration
	StepBacks    []types.StepBackEvent
	Record       *Record
	Report       string
}

// Memory is an in-process [SessionStore]. It backs development setups
// without a database and serves as the failover target when the primary
// store is unavailable.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]*Entry
}

// NewMemory returns an empty [Memory] store.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]*Entry)}
}

func (m *Memory) entry(id string) *Entry {
	e, ok := m.sessions[id]
	if !ok {
		e = &Entry{Registration: Registration{SessionID: id}}
		m.sessions[id] = e
	}
	return e
}

// Register implements [SessionStore].
func (m *Memory) Register(_ context.Context, reg Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry(reg.SessionID).Registration = reg
	return nil
}

// AppendStepBack implements [SessionStore]. Step-backs for sessions the
// store has not seen yet create a placeholder entry, since a failover store
// may pick a session up mid-way.
func (m *Memory) AppendStepBack(_ context.Context, sessionID string, ev types.StepBackEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(sessionID)
	e.StepBacks = append(e.StepBacks, ev)
	return nil
}

// Complete implements [SessionStore].
func (m *Memory) Complete(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(rec.SessionID)
	e.Registration = rec.Registration
	r := rec
	r.StepBacks = slices.Clone(rec.StepBacks)
	r.Interruptions = slices.Clone(rec.Interruptions)
	r.FinalPressure = rec.FinalPressure.Clone()
	e.Record = &r
	return nil
}

// SaveReport implements [SessionStore].
func (m *Memory) SaveReport(_ context.Context, sessionID, report string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("memory store: save report %s: %w", sessionID, ErrNotFound)
	}
	e.Report = report
	return nil
}

// Get returns a copy of what the store holds for sessionID.
func (m *Memory) Get(sessionID string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return Entry{}, false
	}
	out := *e
	out.StepBacks = slices.Clone(e.StepBacks)
	return out, true
}

// Len returns the number of sessions held.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
