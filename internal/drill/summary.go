package drill

import (
	"math"

	"github.com/MrWong99/gtodrill/pkg/types"
)

const (
	// trendWindow is the number of most recent snapshots the trend is read from.
	trendWindow = 20

	// trendMinSamples is the minimum history for a trend label.
	trendMinSamples = 10

	// trendDelta is the half-window mean difference that counts as movement.
	trendDelta = 8.0

	// volatileStdDev marks a history as volatile regardless of direction.
	volatileStdDev = 15.0
)

// tally accumulates confidence statistics over a session.
type tally struct {
	frames   int
	rejected int
	sum      float64
	min      float64
	max      float64
	recent   []float64
}

func (t *tally) add(confidence float64) {
	if t.frames == 0 {
		t.min, t.max = confidence, confidence
	}
	t.frames++
	t.sum += confidence
	t.min = min(t.min, confidence)
	t.max = max(t.max, confidence)

	t.recent = append(t.recent, confidence)
	if len(t.recent) > trendWindow {
		t.recent = t.recent[len(t.recent)-trendWindow:]
	}
}

// summary builds the session summary from the tally and the event logs.
func (t *tally) summary(durationMs int64, stepBacks []types.StepBackEvent, interruptions []types.InterruptionRecord) types.SessionSummary {
	s := types.SessionSummary{
		FrameCount:     t.frames,
		DurationMs:     durationMs,
		ConfidenceMin:  t.min,
		ConfidenceMax:  t.max,
		Trend:          confidenceTrend(t.recent),
		StepBacks:      make(map[types.StepBackKind]int),
		Interruptions:  make(map[types.InterruptCategory]int),
		RejectedFrames: t.rejected,
	}
	if t.frames > 0 {
		s.ConfidenceAvg = t.sum / float64(t.frames)
	}
	for _, ev := range stepBacks {
		s.StepBacks[ev.Kind]++
	}
	for _, rec := range interruptions {
		s.Interruptions[rec.Category]++
	}
	return s
}

// confidenceTrend labels a confidence history by comparing the mean of its
// second half to its first half.
func confidenceTrend(vals []float64) types.ConfidenceTrend {
	if len(vals) < trendMinSamples {
		return types.TrendUnknown
	}
	if stddev(vals) > volatileStdDev {
		return types.TrendVolatile
	}
	half := len(vals) / 2
	diff := mean(vals[half:]) - mean(vals[:half])
	switch {
	case diff > trendDelta:
		return types.TrendRising
	case diff < -trendDelta:
		return types.TrendFalling
	default:
		return types.TrendStable
	}
}

func mean(vals []float64) float64 {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func stddev(vals []float64) float64 {
	m := mean(vals)
	var sq float64
	for _, v := range vals {
		sq += (v - m) * (v - m)
	}
	return math.Sqrt(sq / float64(len(vals)))
}
