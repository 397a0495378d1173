// Package analyzer turns a stream of pre-computed voice frames into
// confidence estimates and step-back events.
//
// Each session owns a trailing window of frames and, once enough speech has
// been heard, a personal baseline of pitch, volume and speech rate. Scores
// are computed relative to that baseline so that a naturally quiet or
// low-pitched candidate is not penalised for their normal voice.
//
// The registry map is safe for concurrent use. The per-session methods
// ([Analyzer.ProcessFrame], [Analyzer.DetectStepBack]) for one session id
// must be called from a single goroutine, which is how the drill coordinator
// drives them: one actor per session.
package analyzer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/gtodrill/pkg/types"
)

// ErrUnknownSession is returned when a frame arrives for a session id that
// was never initialised or has already ended.
var ErrUnknownSession = errors.New("analyzer: unknown session")

// Tuning holds the analyzer's thresholds. Zero fields fall back to the
// values in [DefaultTuning].
type Tuning struct {
	// WindowSize is the number of trailing frames metrics are computed from.
	WindowSize int

	// CalibrationMs is the span of session time the baseline is drawn from.
	CalibrationMs int64

	// MinCalibrationFrames is the minimum history required to calibrate.
	MinCalibrationFrames int

	// PitchVarianceWeight scales average pitch variance into the tremor score.
	PitchVarianceWeight float64

	// LongPauseMs is the pause above which a frame counts as hesitant.
	LongPauseMs int64

	// AbandonmentPauseMs is the pause above which a near-silent frame may
	// indicate an abandoned idea.
	AbandonmentPauseMs int64

	// DeclineMultiplier scales percentage decline versus baseline into the
	// tone-drop and volume-drop scores.
	DeclineMultiplier float64
}

// DefaultTuning returns the stock thresholds.
func DefaultTuning() Tuning {
	return Tuning{
		WindowSize:           10,
		CalibrationMs:        30000,
		MinCalibrationFrames: 10,
		PitchVarianceWeight:  5,
		LongPauseMs:          1500,
		AbandonmentPauseMs:   3000,
		DeclineMultiplier:    3,
	}
}

func (t Tuning) withDefaults() Tuning {
	d := DefaultTuning()
	if t.WindowSize <= 0 {
		t.WindowSize = d.WindowSize
	}
	if t.CalibrationMs <= 0 {
		t.CalibrationMs = d.CalibrationMs
	}
	if t.MinCalibrationFrames <= 0 {
		t.MinCalibrationFrames = d.MinCalibrationFrames
	}
	if t.PitchVarianceWeight <= 0 {
		t.PitchVarianceWeight = d.PitchVarianceWeight
	}
	if t.LongPauseMs <= 0 {
		t.LongPauseMs = d.LongPauseMs
	}
	if t.AbandonmentPauseMs <= 0 {
		t.AbandonmentPauseMs = d.AbandonmentPauseMs
	}
	if t.DeclineMultiplier <= 0 {
		t.DeclineMultiplier = d.DeclineMultiplier
	}
	return t
}

// baseline is a candidate's reference voice, averaged over the calibration
// span.
type baseline struct {
	pitchHz    float64
	volume     float64
	speechRate float64
}

// window is the per-session analyzer state. Its tuning is fixed when the
// session is initialised.
type window struct {
	tuning   Tuning
	frames   []types.VoiceFrame
	total    int
	baseline *baseline
}

// Analyzer is the per-session voice signal analyzer registry.
type Analyzer struct {
	mu       sync.RWMutex
	tuning   Tuning
	sessions map[string]*window
}

// New creates an [Analyzer] with the given tuning.
func New(t Tuning) *Analyzer {
	return &Analyzer{
		tuning:   t.withDefaults(),
		sessions: make(map[string]*window),
	}
}

// Tuning returns the thresholds new sessions start with.
func (a *Analyzer) Tuning() Tuning {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tuning
}

// SetTuning replaces the thresholds for sessions initialised afterwards.
// Running sessions keep the tuning they started with.
func (a *Analyzer) SetTuning(t Tuning) {
	a.mu.Lock()
	a.tuning = t.withDefaults()
	a.mu.Unlock()
}

// InitSession allocates an empty window for id, discarding any previous
// frames and baseline. Calling it twice simply resets the session.
func (a *Analyzer) InitSession(id string) {
	a.mu.Lock()
	a.sessions[id] = &window{
		tuning: a.tuning,
		frames: make([]types.VoiceFrame, 0, a.tuning.WindowSize*4),
	}
	a.mu.Unlock()
}

// EndSession discards the window and baseline for id. Unknown ids are
// ignored.
func (a *Analyzer) EndSession(id string) {
	a.mu.Lock()
	delete(a.sessions, id)
	a.mu.Unlock()
}

// Active returns the number of sessions with a live window.
func (a *Analyzer) Active() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.sessions)
}

func (a *Analyzer) lookup(id string) (*window, bool) {
	a.mu.RLock()
	w, ok := a.sessions[id]
	a.mu.RUnlock()
	return w, ok
}

// ProcessFrame appends f to the session window and returns a fresh metrics
// snapshot computed from the trailing frames.
//
// The baseline is calibrated the first time the latest frame lies beyond the
// calibration span and at least MinCalibrationFrames have been seen. It is
// drawn from frames captured within the calibration span. A client whose
// first frame already lies beyond the span is calibrated on its first
// MinCalibrationFrames frames instead.
func (a *Analyzer) ProcessFrame(id string, f types.VoiceFrame) (types.MetricsSnapshot, error) {
	w, ok := a.lookup(id)
	if !ok {
		return types.MetricsSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}

	w.frames = append(w.frames, f)
	w.total++

	t := w.tuning
	if w.baseline == nil && f.TimestampMs > t.CalibrationMs && w.total >= t.MinCalibrationFrames {
		w.baseline = w.calibrate()
	}

	// Only the calibration span needs full history. Once the baseline is
	// fixed the window can be trimmed to its working size.
	if w.baseline != nil && len(w.frames) > t.WindowSize*2 {
		keep := w.frames[len(w.frames)-t.WindowSize:]
		w.frames = append(w.frames[:0], keep...)
	}

	return w.compute(), nil
}

// calibrate averages pitch, volume and rate over frames inside the
// calibration span, or over the earliest MinCalibrationFrames frames when
// none lies inside it. The window must hold at least that many frames.
func (w *window) calibrate() *baseline {
	var inSpan []types.VoiceFrame
	for _, f := range w.frames {
		if f.TimestampMs <= w.tuning.CalibrationMs {
			inSpan = append(inSpan, f)
		}
	}
	if len(inSpan) == 0 {
		inSpan = w.frames[:min(len(w.frames), w.tuning.MinCalibrationFrames)]
	}

	var b baseline
	for _, f := range inSpan {
		b.pitchHz += f.PitchHz
		b.volume += f.RMSVolume
		b.speechRate += f.SpeechRate
	}
	n := len(inSpan)
	b.pitchHz /= float64(n)
	b.volume /= float64(n)
	b.speechRate /= float64(n)
	return &b
}

func (w *window) compute() types.MetricsSnapshot {
	t := w.tuning
	recent := w.frames
	if len(recent) > t.WindowSize {
		recent = recent[len(recent)-t.WindowSize:]
	}
	latest := recent[len(recent)-1]

	var sumPitch, sumVol, sumRate, sumVar float64
	fillers, longPauses := 0, 0
	for _, f := range recent {
		sumPitch += f.PitchHz
		sumVol += f.RMSVolume
		sumRate += f.SpeechRate
		sumVar += f.PitchVariance
		fillers += f.FillerWordCount
		if f.PauseDurationMs > t.LongPauseMs {
			longPauses++
		}
	}
	n := float64(len(recent))
	s := types.MetricsSnapshot{
		TimestampMs:     latest.TimestampMs,
		AvgPitchHz:      sumPitch / n,
		AvgVolume:       sumVol / n,
		AvgSpeechRate:   sumRate / n,
		AvgPitchVar:     sumVar / n,
		FillerCount:     fillers,
		LongPauseCount:  longPauses,
		BaselineReady:   w.baseline != nil,
		WindowFrameSize: len(recent),
	}

	s.TremorScore = min(100, s.AvgPitchVar*t.PitchVarianceWeight)
	s.HesitationScore = min(100, min(50, float64(fillers)*10)+min(50, float64(longPauses)*15))
	if w.baseline != nil {
		s.ToneDropScore = decline(w.baseline.pitchHz, s.AvgPitchHz, t.DeclineMultiplier)
		s.VolumeDropScore = decline(w.baseline.volume, s.AvgVolume, t.DeclineMultiplier)
	}
	s.IdeaAbandonment = latest.PauseDurationMs > t.AbandonmentPauseMs &&
		latest.WordCount < 3 &&
		s.VolumeDropScore > 40

	conf := 100 -
		0.2*s.TremorScore -
		0.25*s.HesitationScore -
		0.15*s.ToneDropScore -
		0.2*s.VolumeDropScore
	if s.IdeaAbandonment {
		conf -= 20
	}
	s.Confidence = clamp(conf)
	return s
}

// decline scores the percentage drop of cur below ref.
func decline(ref, cur, multiplier float64) float64 {
	if ref <= 0 {
		return 0
	}
	return clamp((ref - cur) / ref * 100 * multiplier)
}

func clamp(v float64) float64 {
	return max(0, min(100, v))
}
