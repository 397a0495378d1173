// Package store defines the durable session store that drill sessions are
// handed to when they start and end.
//
// The real-time engine only ever writes: a registration when a session
// starts, an audit record per step-back, the completed record at the end,
// and later an optional narrative report. Reads are the business of
// whatever sits on the other side of the store.
//
// Every implementation must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/gtodrill/pkg/types"
)

// ErrNotFound is returned when a session id has no record.
var ErrNotFound = errors.New("store: session not found")

// Registration marks a session as active in the store.
type Registration struct {
	SessionID   string
	UserID      string
	TaskType    types.TaskType
	Difficulty  types.Difficulty
	Scenario    string
	GroupSize   int
	DurationSec int
	StartedAt   time.Time
}

// Record is the durable snapshot of a finished session.
type Record struct {
	Registration

	// Transcript is the concatenated transcript of all accepted frames.
	Transcript string

	// StepBacks is the ordered step-back event log.
	StepBacks []types.StepBackEvent

	// Interruptions is the ordered interruption log.
	Interruptions []types.InterruptionRecord

	// FinalPressure is the pressure state captured at session end.
	FinalPressure types.PressureState

	// Summary aggregates the session's confidence history.
	Summary types.SessionSummary

	EndReason types.EndReason

	// EndDetail is the free-form reason a client gave when it ended the
	// session itself. Empty for every other end reason.
	EndDetail string

	EndedAt time.Time
}

// SessionStore persists drill sessions.
type SessionStore interface {
	// Register records a newly started session as active.
	Register(ctx context.Context, reg Registration) error

	// AppendStepBack appends one audit record to the session's step-back log.
	AppendStepBack(ctx context.Context, sessionID string, ev types.StepBackEvent) error

	// Complete stores the final record and marks the session ended.
	// Completing the same session twice overwrites the first record.
	Complete(ctx context.Context, rec Record) error

	// SaveReport attaches a narrative report to a completed session.
	// Returns [ErrNotFound] if the session was never registered.
	SaveReport(ctx context.Context, sessionID, report string) error
}
