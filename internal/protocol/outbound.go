package protocol

import "github.com/MrWong99/gtodrill/pkg/types"

// Started acknowledges a start request.
type Started struct {
	SessionID     string         `json:"sessionId"`
	TaskType      types.TaskType `json:"taskType"`
	DurationSec   int            `json:"durationSec"`
	PressureLevel int            `json:"pressureLevel"`
}

// Metrics is the live snapshot pushed once per accepted frame.
type Metrics struct {
	types.MetricsSnapshot

	// ConfidenceDelta is the change since the previous snapshot, 0 for the
	// first frame.
	ConfidenceDelta float64 `json:"confidenceDelta"`
}

// Interrupt is an interruption delivered to the candidate.
type Interrupt struct {
	Category      types.InterruptCategory `json:"category"`
	Text          string                  `json:"text"`
	PressureLevel int                     `json:"pressureLevel"`
	Rationale     string                  `json:"rationale"`
	DelayMs       int64                   `json:"delayMs"`
}

// Tick is the coarse countdown update.
type Tick struct {
	Remaining int `json:"remaining"`
	Elapsed   int `json:"elapsed"`
}

// SpeakKind labels scripted statements.
type SpeakKind string

const (
	SpeakOpening  SpeakKind = "opening"
	SpeakHalfway  SpeakKind = "halfway"
	SpeakFinalMin SpeakKind = "final-minute"
	SpeakTimeUp   SpeakKind = "time-up"
)

// Speak is a scripted assessor statement.
type Speak struct {
	Text          string    `json:"text"`
	Type          SpeakKind `json:"type"`
	PressureLevel int       `json:"pressureLevel"`
}

// Ended is the terminal summary event. Exactly one is sent per session.
type Ended struct {
	SessionID          string                `json:"sessionId"`
	TotalStepBacks     int                   `json:"totalStepBacks"`
	TotalInterruptions int                   `json:"totalInterruptions"`
	MaxPressureLevel   int                   `json:"maxPressureLevel"`
	Reason             types.EndReason       `json:"reason"`
	Summary            *types.SessionSummary `json:"summary,omitempty"`
}

// ErrorMessage reports a rejected inbound message.
type ErrorMessage struct {
	Message string `json:"message"`
}

// NewStarted returns a started envelope.
func NewStarted(s Started) Envelope { return Envelope{Type: TypeStarted, Data: s} }

// NewMetrics returns a metrics envelope. prev may be nil.
func NewMetrics(cur types.MetricsSnapshot, prev *types.MetricsSnapshot) Envelope {
	m := Metrics{MetricsSnapshot: cur}
	if prev != nil {
		m.ConfidenceDelta = cur.Confidence - prev.Confidence
	}
	return Envelope{Type: TypeMetrics, Data: m}
}

// NewStepBack returns a stepBack envelope.
func NewStepBack(ev types.StepBackEvent) Envelope { return Envelope{Type: TypeStepBack, Data: ev} }

// NewInterrupt returns an interrupt envelope for d.
func NewInterrupt(d types.InterruptionDecision) Envelope {
	return Envelope{Type: TypeInterrupt, Data: Interrupt{
		Category:      d.Category,
		Text:          d.Text,
		PressureLevel: d.PressureLevel,
		Rationale:     d.Rationale,
		DelayMs:       d.DelayMs(),
	}}
}

// NewTick returns a tick envelope.
func NewTick(remaining, elapsed int) Envelope {
	return Envelope{Type: TypeTick, Data: Tick{Remaining: remaining, Elapsed: elapsed}}
}

// NewSpeak returns a speak envelope.
func NewSpeak(text string, kind SpeakKind, level int) Envelope {
	return Envelope{Type: TypeSpeak, Data: Speak{Text: text, Type: kind, PressureLevel: level}}
}

// NewEnded returns an ended envelope.
func NewEnded(e Ended) Envelope { return Envelope{Type: TypeEnded, Data: e} }

// NewError returns an error envelope.
func NewError(msg string) Envelope {
	return Envelope{Type: TypeError, Data: ErrorMessage{Message: msg}}
}
