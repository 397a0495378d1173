// Package drill is the session coordinator of the pressure interview engine.
//
// A [Coordinator] owns the registry of live sessions. Each [Session] is an
// actor: one goroutine exclusively owns its frame pipeline state, countdown
// ticker and pending delayed interruptions, and every request (a voice frame,
// an end request, a delayed interruption falling due) reaches it as a command
// on its inbox. Outbound events leave on a single channel in the order the
// actor produced them.
//
// Ending is idempotent. Client requests, countdown expiry, disconnects and
// server shutdown all funnel into one finalisation guarded by a
// compare-and-set on the session status, so a session is finalised,
// persisted and announced exactly once.
//
// Store writes and bus publishes never run on the actor. They are queued on a
// per-session persister goroutine which preserves their order.
package drill

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/gtodrill/internal/analyzer"
	"github.com/MrWong99/gtodrill/internal/bus"
	"github.com/MrWong99/gtodrill/internal/observe"
	"github.com/MrWong99/gtodrill/internal/pressure"
	"github.com/MrWong99/gtodrill/internal/protocol"
	"github.com/MrWong99/gtodrill/pkg/store"
	"github.com/MrWong99/gtodrill/pkg/types"
)

var (
	// ErrSessionNotFound is returned by [Coordinator.Get] for unknown ids.
	ErrSessionNotFound = errors.New("drill: session not found")

	// ErrSessionEnded is returned when a command reaches a finished session.
	ErrSessionEnded = errors.New("drill: session ended")

	// ErrInvalidStart is returned for start requests that cannot be honoured.
	ErrInvalidStart = errors.New("drill: invalid start request")

	// ErrShuttingDown is returned by [Coordinator.Start] after
	// [Coordinator.Shutdown] has begun.
	ErrShuttingDown = errors.New("drill: coordinator shutting down")
)

// Tuning holds the coordinator's limits. Zero fields fall back to
// [DefaultTuning].
type Tuning struct {
	// DefaultDurationSec applies when a start request names no duration.
	DefaultDurationSec int

	// MaxDurationSec bounds the requested duration.
	MaxDurationSec int

	// BroadcastEvery is the number of one-second ticks between countdown
	// broadcasts.
	BroadcastEvery int

	// InboxSize and OutboxSize are the per-session channel buffers.
	InboxSize  int
	OutboxSize int

	// PersistTimeout bounds each store write and bus publish.
	PersistTimeout time.Duration
}

// DefaultTuning returns the stock limits.
func DefaultTuning() Tuning {
	return Tuning{
		DefaultDurationSec: 600,
		MaxDurationSec:     3600,
		BroadcastEvery:     5,
		InboxSize:          64,
		OutboxSize:         256,
		PersistTimeout:     10 * time.Second,
	}
}

func (t Tuning) withDefaults() Tuning {
	d := DefaultTuning()
	if t.DefaultDurationSec <= 0 {
		t.DefaultDurationSec = d.DefaultDurationSec
	}
	if t.MaxDurationSec <= 0 {
		t.MaxDurationSec = d.MaxDurationSec
	}
	if t.BroadcastEvery <= 0 {
		t.BroadcastEvery = d.BroadcastEvery
	}
	if t.InboxSize <= 0 {
		t.InboxSize = d.InboxSize
	}
	// Start queues two events before the client starts reading.
	if t.OutboxSize < 2 {
		t.OutboxSize = d.OutboxSize
	}
	if t.PersistTimeout <= 0 {
		t.PersistTimeout = d.PersistTimeout
	}
	return t
}

// Config holds the coordinator's collaborators.
type Config struct {
	// Analyzer and Pressure are required.
	Analyzer *analyzer.Analyzer
	Pressure *pressure.Machine

	// Store receives registrations, step-back audit records and final
	// records. Defaults to an in-memory store.
	Store store.SessionStore

	// Publisher fans lifecycle events out. Defaults to [bus.NopPublisher].
	Publisher bus.Publisher

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Clock defaults to [RealClock].
	Clock Clock

	Tuning Tuning

	// AfterComplete, if set, runs on the session's persister after the final
	// record was stored successfully. It receives a context that is only
	// cancelled when shutdown gives up waiting. The report synthesizer hooks
	// in here.
	AfterComplete func(ctx context.Context, rec store.Record)
}

// Coordinator is the registry of live drill sessions. All methods are safe
// for concurrent use.
type Coordinator struct {
	analyzer      *analyzer.Analyzer
	pressure      *pressure.Machine
	store         store.SessionStore
	publisher     bus.Publisher
	metrics       *observe.Metrics
	clock         Clock
	afterComplete func(context.Context, store.Record)

	// base parents every persistence context. Cancelled when shutdown times
	// out.
	base       context.Context
	cancelBase context.CancelFunc
	io         sync.WaitGroup

	mu       sync.Mutex
	tuning   Tuning
	sessions map[string]*Session
	closing  bool
}

// New creates a [Coordinator].
func New(cfg Config) (*Coordinator, error) {
	if cfg.Analyzer == nil || cfg.Pressure == nil {
		return nil, errors.New("drill: analyzer and pressure machine are required")
	}
	c := &Coordinator{
		analyzer:      cfg.Analyzer,
		pressure:      cfg.Pressure,
		store:         cfg.Store,
		publisher:     cfg.Publisher,
		metrics:       cfg.Metrics,
		clock:         cfg.Clock,
		afterComplete: cfg.AfterComplete,
		tuning:        cfg.Tuning.withDefaults(),
		sessions:      make(map[string]*Session),
	}
	if c.store == nil {
		c.store = store.NewMemory()
	}
	if c.publisher == nil {
		c.publisher = bus.NopPublisher{}
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.clock == nil {
		c.clock = RealClock()
	}
	c.base, c.cancelBase = context.WithCancel(context.Background())
	return c, nil
}

// Tuning returns the limits applied to new sessions.
func (c *Coordinator) Tuning() Tuning {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tuning
}

// UpdateTuning replaces the limits for sessions started afterwards.
func (c *Coordinator) UpdateTuning(t Tuning) {
	c.mu.Lock()
	c.tuning = t.withDefaults()
	c.mu.Unlock()
}

// Start creates a session for req, initialises the analyzer window and the
// pressure state, starts the countdown and queues the started and opening
// events on the session's outbound channel.
func (c *Coordinator) Start(ctx context.Context, req protocol.StartRequest) (*Session, error) {
	if req.TaskType == "" {
		return nil, fmt.Errorf("%w: taskType is required", ErrInvalidStart)
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil, ErrShuttingDown
	}
	tuning := c.tuning
	c.mu.Unlock()

	duration := req.DurationSec
	switch {
	case duration < 0:
		return nil, fmt.Errorf("%w: durationSec %d is negative", ErrInvalidStart, duration)
	case duration == 0:
		duration = tuning.DefaultDurationSec
	case duration > tuning.MaxDurationSec:
		return nil, fmt.Errorf("%w: durationSec %d exceeds %d", ErrInvalidStart, duration, tuning.MaxDurationSec)
	}

	id := uuid.NewString()
	s := newSession(c, id, req, duration, tuning)

	c.analyzer.InitSession(id)
	c.pressure.InitSession(id, pressure.WithStartLevel(req.Difficulty.StartLevel()))
	level := req.Difficulty.StartLevel()

	// Queue the greeting before the actor exists so it is always first.
	s.out <- protocol.NewStarted(protocol.Started{
		SessionID:     id,
		TaskType:      req.TaskType,
		DurationSec:   duration,
		PressureLevel: level,
	})
	s.out <- protocol.NewSpeak(openingFor(req.TaskType), protocol.SpeakOpening, level)

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		c.analyzer.EndSession(id)
		c.pressure.EndSession(id)
		return nil, ErrShuttingDown
	}
	c.sessions[id] = s
	c.io.Add(1)
	c.mu.Unlock()

	reg := s.registration()
	s.persist.enqueue("register", func(ctx context.Context) error {
		return c.store.Register(ctx, reg)
	})
	s.persist.enqueue("publish", func(ctx context.Context) error {
		return c.publisher.Publish(ctx, bus.SubjectStarted, startedEvent{
			SessionID:   id,
			UserID:      req.UserID,
			TaskType:    req.TaskType,
			Difficulty:  req.Difficulty,
			DurationSec: duration,
			StartedAt:   s.startedAt,
		})
	})

	c.metrics.ActiveSessions.Add(ctx, 1)
	observe.SessionLogger(ctx, id).Info("drill session started",
		"task_type", req.TaskType,
		"duration_sec", duration,
		"difficulty", req.Difficulty,
		"pressure_level", level,
	)

	go func() {
		defer c.io.Done()
		s.persist.run(c.base)
	}()
	s.ticker = c.clock.NewTicker(time.Second)
	go s.run()
	return s, nil
}

// Get returns the live session with the given id.
func (c *Coordinator) Get(id string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Active lists the live sessions, oldest first.
func (c *Coordinator) Active() []Info {
	c.mu.Lock()
	list := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		list = append(list, s)
	}
	c.mu.Unlock()

	infos := make([]Info, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.Info())
	}
	slices.SortFunc(infos, func(a, b Info) int {
		return cmp.Or(a.StartedAt.Compare(b.StartedAt), cmp.Compare(a.SessionID, b.SessionID))
	})
	return infos
}

// Len returns the number of live sessions.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// remove drops a finished session from the registry.
func (c *Coordinator) remove(id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

// Shutdown ends every live session with reason server-shutdown and waits
// for their final records to be written. If ctx expires first, pending
// writes are cancelled and ctx's error is returned.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	live := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		live = append(live, s)
	}
	c.mu.Unlock()

	slog.Info("drill: shutting down", "sessions", len(live))
	// A session whose client stopped reading can hold End on a full inbox
	// until it is detached, so End must not run on this goroutine.
	for _, s := range live {
		go s.End(types.EndShutdown)
	}

	done := make(chan struct{})
	go func() {
		for _, s := range live {
			<-s.Done()
		}
		c.io.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancelBase()
		return nil
	case <-ctx.Done():
		// Unblock actors stuck on clients that stopped reading and abort
		// pending writes.
		for _, s := range live {
			s.Detach()
		}
		c.cancelBase()
		return fmt.Errorf("drill: shutdown: %w", ctx.Err())
	}
}

// storeError is the persister error hook shared by all sessions.
func (c *Coordinator) storeError(sessionID string) func(context.Context, string, error) {
	return func(ctx context.Context, op string, err error) {
		c.metrics.RecordStoreError(ctx, op)
		slog.Warn("drill: session write failed", "session_id", sessionID, "op", op, "err", err)
	}
}

// Events published on the bus.
type (
	startedEvent struct {
		SessionID   string           `json:"sessionId"`
		UserID      string           `json:"userId,omitempty"`
		TaskType    types.TaskType   `json:"taskType"`
		Difficulty  types.Difficulty `json:"difficulty,omitempty"`
		DurationSec int              `json:"durationSec"`
		StartedAt   time.Time        `json:"startedAt"`
	}

	stepBackEvent struct {
		SessionID string              `json:"sessionId"`
		Event     types.StepBackEvent `json:"event"`
	}

	endedEvent struct {
		SessionID          string               `json:"sessionId"`
		Reason             types.EndReason      `json:"reason"`
		TotalStepBacks     int                  `json:"totalStepBacks"`
		TotalInterruptions int                  `json:"totalInterruptions"`
		MaxPressureLevel   int                  `json:"maxPressureLevel"`
		Summary            types.SessionSummary `json:"summary"`
		EndedAt            time.Time            `json:"endedAt"`
	}
)
