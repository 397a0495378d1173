// Package types defines the shared domain model used across all gtodrill packages.
//
// These types form the lingua franca between the voice signal analyzer, the
// pressure state machine, the session coordinator, the wire protocol and the
// durable store. They carry JSON tags because several of them travel to the
// remote client verbatim inside outbound protocol envelopes.
package types

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidFrame is returned by [VoiceFrame.Validate] for frames whose
// numeric fields are out of range or not finite.
var ErrInvalidFrame = errors.New("invalid voice frame")

// VoiceFrame is one externally pre-computed audio-analysis sample. Frames
// arrive roughly once per second and are immutable once created.
type VoiceFrame struct {
	// TimestampMs is the capture time in milliseconds since session start.
	TimestampMs int64 `json:"timestamp"`

	// RMSVolume is the normalised loudness in [0, 1].
	RMSVolume float64 `json:"rmsVolume"`

	// PitchHz is the dominant pitch of the slice in Hz.
	PitchHz float64 `json:"pitchHz"`

	// PitchVariance is the pitch jitter of the slice.
	PitchVariance float64 `json:"pitchVariance"`

	// SpeechRate is the speaking rate in words per minute.
	SpeechRate float64 `json:"speechRate"`

	// PauseDurationMs is the silence that preceded this frame.
	PauseDurationMs int64 `json:"pauseDurationMs"`

	// FillerWordCount counts "um", "uh" and similar tokens in this slice.
	FillerWordCount int `json:"fillerWordCount"`

	// WordCount is the number of words spoken in this slice.
	WordCount int `json:"wordCount"`

	// Transcript is the recognised text of this slice. May be empty.
	Transcript string `json:"transcript"`
}

// Validate reports whether f is well-formed. Malformed frames are dropped by
// the coordinator with a logged warning rather than failing the session.
func (f VoiceFrame) Validate() error {
	for name, v := range map[string]float64{
		"rmsVolume":     f.RMSVolume,
		"pitchHz":       f.PitchHz,
		"pitchVariance": f.PitchVariance,
		"speechRate":    f.SpeechRate,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrInvalidFrame, name)
		}
		if v < 0 {
			return fmt.Errorf("%w: %s is negative", ErrInvalidFrame, name)
		}
	}
	if f.RMSVolume > 1 {
		return fmt.Errorf("%w: rmsVolume %.3f exceeds 1", ErrInvalidFrame, f.RMSVolume)
	}
	if f.TimestampMs < 0 {
		return fmt.Errorf("%w: timestamp is negative", ErrInvalidFrame)
	}
	if f.PauseDurationMs < 0 || f.FillerWordCount < 0 || f.WordCount < 0 {
		return fmt.Errorf("%w: negative count", ErrInvalidFrame)
	}
	return nil
}

// MetricsSnapshot is a point-in-time estimate derived from the trailing frame
// window. Only the latest snapshot per session is retained.
type MetricsSnapshot struct {
	TimestampMs     int64   `json:"timestamp"`
	TremorScore     float64 `json:"tremorScore"`
	HesitationScore float64 `json:"hesitationScore"`
	ToneDropScore   float64 `json:"toneDropScore"`
	VolumeDropScore float64 `json:"volumeDropScore"`
	IdeaAbandonment bool    `json:"ideaAbandonment"`

	// Confidence is the composite confidence score in [0, 100].
	Confidence float64 `json:"confidence"`

	// Raw window averages.
	AvgPitchHz      float64 `json:"avgPitchHz"`
	AvgVolume       float64 `json:"avgVolume"`
	AvgSpeechRate   float64 `json:"avgSpeechRate"`
	AvgPitchVar     float64 `json:"avgPitchVariance"`
	FillerCount     int     `json:"fillerCount"`
	LongPauseCount  int     `json:"longPauseCount"`
	BaselineReady   bool    `json:"baselineReady"`
	WindowFrameSize int     `json:"windowFrames"`
}

// StepBackKind enumerates the forms of psychological regression the analyzer
// can detect.
type StepBackKind string

const (
	StepBackTremor             StepBackKind = "tremor"
	StepBackHesitation         StepBackKind = "hesitation"
	StepBackIdeaAbandon        StepBackKind = "idea-abandon"
	StepBackToneDrop           StepBackKind = "tone-drop"
	StepBackVolumeDrop         StepBackKind = "volume-drop"
	StepBackConfidenceCollapse StepBackKind = "confidence-collapse"
)

// IsValid reports whether k is a recognised step-back kind.
func (k StepBackKind) IsValid() bool {
	switch k {
	case StepBackTremor, StepBackHesitation, StepBackIdeaAbandon,
		StepBackToneDrop, StepBackVolumeDrop, StepBackConfidenceCollapse:
		return true
	}
	return false
}

// Severity grades a step-back event.
type Severity string

const (
	SeverityMild     Severity = "mild"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
)

// StepBackEvent records a detected moment of regression. Events are appended
// to a session's ordered log and never mutated afterwards.
type StepBackEvent struct {
	TimestampMs      int64        `json:"timestamp"`
	Kind             StepBackKind `json:"kind"`
	Severity         Severity     `json:"severity"`
	ConfidenceBefore float64      `json:"confidenceBefore"`
	ConfidenceAfter  float64      `json:"confidenceAfter"`

	// Transcript is the transcript slice of the frame that triggered the event.
	Transcript string `json:"transcript"`

	// TriggeredBy is the interruption text that provoked the event. May be empty.
	TriggeredBy string `json:"triggeredBy"`
}

// InterruptCategory classifies an interruption utterance.
type InterruptCategory string

const (
	CategoryProbe      InterruptCategory = "probe"
	CategoryChallenge  InterruptCategory = "challenge"
	CategoryContradict InterruptCategory = "contradict"
	CategoryCutOff     InterruptCategory = "cut-off"
	CategoryDismiss    InterruptCategory = "dismiss"
)

// InterruptionDecision is the pressure machine's verdict for one evaluation.
// It is transient and only stored as an interruption log entry.
type InterruptionDecision struct {
	ShouldInterrupt bool              `json:"shouldInterrupt"`
	Category        InterruptCategory `json:"category,omitempty"`
	Text            string            `json:"text,omitempty"`
	PressureLevel   int               `json:"pressureLevel"`
	Rationale       string            `json:"rationale"`
	Delay           time.Duration     `json:"-"`
}

// DelayMs returns the speaking delay in whole milliseconds.
func (d InterruptionDecision) DelayMs() int64 { return d.Delay.Milliseconds() }

// Pressure level bounds.
const (
	MinPressureLevel = 1
	MaxPressureLevel = 5
)

// PressureState is the escalation record of one active session.
type PressureState struct {
	Level                int      `json:"level"`
	MaxLevel             int      `json:"maxLevel"`
	InterruptionCount    int      `json:"interruptionCount"`
	ChallengeCount       int      `json:"challengeCount"`
	LastInterruptionAtMs int64    `json:"lastInterruptionAt"`
	StepBackCount        int      `json:"stepBackCount"`
	EscalationLog        []string `json:"escalationLog"`
}

// Clone returns a deep copy of s safe to hand to another goroutine.
func (s PressureState) Clone() PressureState {
	c := s
	c.EscalationLog = append([]string(nil), s.EscalationLog...)
	return c
}

// TaskType names the group-task exercise being rehearsed.
type TaskType string

const (
	TaskGroupDiscussion     TaskType = "group-discussion"
	TaskGroupPlanning       TaskType = "group-planning"
	TaskProgressiveGroup    TaskType = "progressive-group-task"
	TaskHalfGroup           TaskType = "half-group-task"
	TaskCommandTask         TaskType = "command-task"
	TaskLecturette          TaskType = "lecturette"
	TaskIndividualObstacles TaskType = "individual-obstacles"
)

// Difficulty selects the starting pressure level of a session.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// StartLevel maps d onto the initial pressure level. Unknown values start at
// the minimum level.
func (d Difficulty) StartLevel() int {
	switch d {
	case DifficultyMedium:
		return 2
	case DifficultyHard:
		return 3
	default:
		return MinPressureLevel
	}
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusActive SessionStatus = "active"
	StatusEnded  SessionStatus = "ended"
)

// EndReason records why a session ended.
type EndReason string

const (
	EndClient     EndReason = "client"
	EndTimeout    EndReason = "timeout"
	EndDisconnect EndReason = "abrupt-disconnect"
	EndShutdown   EndReason = "server-shutdown"

	// EndAdmin marks a session terminated through the admin API.
	EndAdmin EndReason = "admin-terminated"
)

// InterruptionRecord is one entry of a session's interruption log.
type InterruptionRecord struct {
	ElapsedMs     int64             `json:"elapsedMs"`
	Category      InterruptCategory `json:"category"`
	Text          string            `json:"text"`
	PressureLevel int               `json:"pressureLevel"`
	Rationale     string            `json:"rationale"`
	DelayMs       int64             `json:"delayMs"`

	// Delivered is false when the session ended before a delayed
	// interruption was spoken.
	Delivered bool `json:"delivered"`
}

// ConfidenceTrend labels the direction of confidence over a session.
type ConfidenceTrend string

const (
	TrendRising   ConfidenceTrend = "rising"
	TrendFalling  ConfidenceTrend = "falling"
	TrendStable   ConfidenceTrend = "stable"
	TrendVolatile ConfidenceTrend = "volatile"

	// TrendUnknown is reported when too few snapshots were seen.
	TrendUnknown ConfidenceTrend = "insufficient-data"
)

// SessionSummary aggregates a session's confidence history, either while it
// runs or once it has finished.
type SessionSummary struct {
	FrameCount     int                       `json:"frameCount"`
	DurationMs     int64                     `json:"durationMs"`
	ConfidenceAvg  float64                   `json:"confidenceAvg"`
	ConfidenceMin  float64                   `json:"confidenceMin"`
	ConfidenceMax  float64                   `json:"confidenceMax"`
	Trend          ConfidenceTrend           `json:"trend"`
	StepBacks      map[StepBackKind]int      `json:"stepBacks"`
	Interruptions  map[InterruptCategory]int `json:"interruptions"`
	RejectedFrames int                       `json:"rejectedFrames"`
}
