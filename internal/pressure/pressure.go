// Package pressure implements the escalation state machine that decides when
// and how hard to interrupt a candidate.
//
// Each session carries a single mutable [types.PressureState]. The level
// rises through two independent triggers (every third interruption, and
// sustained over-confidence once more than two interruptions have landed)
// and falls through one relief rule: after the third recorded step-back the
// level eases by one, never below 2.
//
// Unknown session ids are not errors. Evaluations for them return a
// deterministic no-op decision.
//
// All methods are safe for concurrent use.
package pressure

import (
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/gtodrill/pkg/types"
)

// Tuning holds the timing thresholds. Zero fields fall back to
// [DefaultTuning].
type Tuning struct {
	// GraceMs is the quiet period at session start.
	GraceMs int64

	// MinGapMs is the floor on the gap between interruptions.
	MinGapMs int64

	// BaseGapMs and GapStepMs give the level-dependent gap:
	// max(MinGapMs, BaseGapMs − level × GapStepMs).
	BaseGapMs int64
	GapStepMs int64

	// MinWords, BaseWords and WordsStep give the words the candidate must
	// speak between interruptions: max(MinWords, BaseWords − level × WordsStep).
	MinWords  int
	BaseWords int
	WordsStep int
}

// DefaultTuning returns the stock thresholds.
func DefaultTuning() Tuning {
	return Tuning{
		GraceMs:   15000,
		MinGapMs:  8000,
		BaseGapMs: 25000,
		GapStepMs: 4000,
		MinWords:  10,
		BaseWords: 40,
		WordsStep: 6,
	}
}

func (t Tuning) withDefaults() Tuning {
	d := DefaultTuning()
	if t.GraceMs <= 0 {
		t.GraceMs = d.GraceMs
	}
	if t.MinGapMs <= 0 {
		t.MinGapMs = d.MinGapMs
	}
	if t.BaseGapMs <= 0 {
		t.BaseGapMs = d.BaseGapMs
	}
	if t.GapStepMs <= 0 {
		t.GapStepMs = d.GapStepMs
	}
	if t.MinWords <= 0 {
		t.MinWords = d.MinWords
	}
	if t.BaseWords <= 0 {
		t.BaseWords = d.BaseWords
	}
	if t.WordsStep <= 0 {
		t.WordsStep = d.WordsStep
	}
	return t
}

// Probability and delay constants.
const (
	baseProbability    = 0.3
	levelProbability   = 0.12
	confidentBonus     = 0.15
	confidentThreshold = 70.0
	cockyThreshold     = 85.0

	escalateEvery      = 3
	overconfidentAbove = 80.0
	overconfidentCount = 2

	reliefAfter = 3
	reliefFloor = 2

	immediateShare = 0.7
	maxDelay       = 2000 * time.Millisecond
)

// session pairs the pressure state with the tuning it was started under.
type session struct {
	state  *types.PressureState
	tuning Tuning
}

// Machine holds one [types.PressureState] per active session.
type Machine struct {
	mu       sync.Mutex
	tuning   Tuning
	rnd      Rand
	sessions map[string]*session
}

// Option configures a [Machine].
type Option func(*Machine)

// WithRand replaces the random source. Calls into r are serialised by the
// machine, so r need not be safe for concurrent use.
func WithRand(r Rand) Option {
	return func(m *Machine) {
		m.rnd = r
	}
}

// New creates a [Machine] with the given tuning.
func New(t Tuning, opts ...Option) *Machine {
	m := &Machine{
		tuning:   t.withDefaults(),
		rnd:      globalRand{},
		sessions: make(map[string]*session),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Tuning returns the thresholds new sessions start with.
func (m *Machine) Tuning() Tuning {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tuning
}

// SetTuning replaces the thresholds for sessions initialised afterwards.
func (m *Machine) SetTuning(t Tuning) {
	m.mu.Lock()
	m.tuning = t.withDefaults()
	m.mu.Unlock()
}

// SessionOption configures one session at [Machine.InitSession].
type SessionOption func(*types.PressureState)

// WithStartLevel sets the initial pressure level, clamped to [1, 5].
func WithStartLevel(level int) SessionOption {
	return func(s *types.PressureState) {
		s.Level = clampLevel(level)
		s.MaxLevel = s.Level
	}
}

// InitSession creates a fresh pressure state for id at level 1, replacing
// any existing state.
func (m *Machine) InitSession(id string, opts ...SessionOption) {
	s := &types.PressureState{
		Level:         types.MinPressureLevel,
		MaxLevel:      types.MinPressureLevel,
		EscalationLog: make([]string, 0, 8),
	}
	for _, o := range opts {
		o(s)
	}
	m.mu.Lock()
	m.sessions[id] = &session{state: s, tuning: m.tuning}
	m.mu.Unlock()
}

// EndSession removes the state for id and returns its final value for
// archival. ok is false when the session is unknown.
func (m *Machine) EndSession(id string) (final types.PressureState, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return types.PressureState{}, false
	}
	delete(m.sessions, id)
	return s.state.Clone(), true
}

// State returns a copy of the current state for id.
func (m *Machine) State(id string) (types.PressureState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return types.PressureState{}, false
	}
	return s.state.Clone(), true
}

// Active returns the number of sessions with live pressure state.
func (m *Machine) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// minGap returns the minimum time between interruptions at level.
func (t Tuning) minGap(level int) int64 {
	return max(t.MinGapMs, t.BaseGapMs-int64(level)*t.GapStepMs)
}

// minWords returns the words the candidate must speak between interruptions
// at level.
func (t Tuning) minWords(level int) int {
	return max(t.MinWords, t.BaseWords-level*t.WordsStep)
}

// EvaluateInterruption decides whether to interrupt the candidate now.
//
// An interruption is only considered once the grace period has passed, the
// level-dependent gap since the previous interruption has elapsed and the
// candidate has spoken enough words. It then fires with probability
// 0.3 + 0.12 × level, raised further for a confident candidate. On fire the
// counters advance, the escalation rules run and a speaking delay is drawn.
// The returned PressureLevel is the level the decision was taken at.
func (m *Machine) EvaluateInterruption(id string, snap types.MetricsSnapshot, elapsedMs int64, wordsSinceLast int) types.InterruptionDecision {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return types.InterruptionDecision{Rationale: "unknown session"}
	}
	s, t := sess.state, sess.tuning

	noop := func(reason string) types.InterruptionDecision {
		return types.InterruptionDecision{PressureLevel: s.Level, Rationale: reason}
	}

	if elapsedMs < t.GraceMs {
		return noop("grace period")
	}
	if gap := t.minGap(s.Level); elapsedMs-s.LastInterruptionAtMs < gap {
		return noop(fmt.Sprintf("gap %dms < %dms", elapsedMs-s.LastInterruptionAtMs, gap))
	}
	if need := t.minWords(s.Level); wordsSinceLast < need {
		return noop(fmt.Sprintf("words %d < %d", wordsSinceLast, need))
	}

	p := baseProbability + float64(s.Level)*levelProbability
	if snap.Confidence > confidentThreshold {
		p += confidentBonus
	}
	if snap.Confidence > cockyThreshold {
		p += confidentBonus
	}
	if draw := m.rnd.Float64(); draw >= p {
		return noop(fmt.Sprintf("draw %.2f >= p %.2f", draw, p))
	}

	level := s.Level
	pools := Pools(level)
	pool := pools[m.rnd.IntN(len(pools))]
	text := pool.Lines[m.rnd.IntN(len(pool.Lines))]

	s.InterruptionCount++
	s.ChallengeCount++
	s.LastInterruptionAtMs = elapsedMs
	m.escalate(s, snap.Confidence)

	var delay time.Duration
	if m.rnd.Float64() >= immediateShare {
		delay = time.Duration(m.rnd.Float64() * float64(maxDelay))
	}

	return types.InterruptionDecision{
		ShouldInterrupt: true,
		Category:        pool.Category,
		Text:            text,
		PressureLevel:   level,
		Rationale: fmt.Sprintf("level %d, confidence %.0f, %d words since last, p=%.2f",
			level, snap.Confidence, wordsSinceLast, p),
		Delay: delay,
	}
}

// escalate applies both escalation triggers after an interruption.
func (m *Machine) escalate(s *types.PressureState, confidence float64) {
	if s.InterruptionCount%escalateEvery == 0 {
		m.raise(s, fmt.Sprintf("interruption #%d", s.InterruptionCount))
	}
	if confidence > overconfidentAbove && s.InterruptionCount > overconfidentCount {
		m.raise(s, fmt.Sprintf("over-confidence %.0f after %d interruptions", confidence, s.InterruptionCount))
	}
}

func (m *Machine) raise(s *types.PressureState, trigger string) {
	if s.Level >= types.MaxPressureLevel {
		return
	}
	s.Level++
	s.MaxLevel = max(s.MaxLevel, s.Level)
	s.EscalationLog = append(s.EscalationLog, fmt.Sprintf("%s: level %d -> %d", trigger, s.Level-1, s.Level))
}

// RecordStepBack counts a candidate step-back. From the third step-back on,
// each call eases the level by one while it is above 2. Returns the updated
// state; ok is false for unknown sessions.
func (m *Machine) RecordStepBack(id string) (types.PressureState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return types.PressureState{}, false
	}
	s := sess.state
	s.StepBackCount++
	if s.StepBackCount >= reliefAfter && s.Level > reliefFloor {
		s.Level--
		s.EscalationLog = append(s.EscalationLog,
			fmt.Sprintf("relief after step-back #%d: level %d -> %d", s.StepBackCount, s.Level+1, s.Level))
	}
	return s.Clone(), true
}
