package analyzer

import "github.com/MrWong99/gtodrill/pkg/types"

// Step-back thresholds. Rules are checked top to bottom and the first match
// wins.
const (
	collapseDrop       = 25.0
	collapseSevereDrop = 40.0
	tremorHigh         = 70.0
	tremorSevere       = 85.0
	volumeDropHigh     = 60.0
	volumeDropSevere   = 80.0
	toneDropHigh       = 60.0
)

// DetectStepBack compares current with previous and reports at most one
// regression event. A nil previous snapshot never yields an event.
//
// The event's transcript is taken from the session's most recent frame and
// lastChallenge records the interruption text that preceded it (may be
// empty).
func (a *Analyzer) DetectStepBack(id string, current types.MetricsSnapshot, previous *types.MetricsSnapshot, lastChallenge string) (types.StepBackEvent, bool) {
	if previous == nil {
		return types.StepBackEvent{}, false
	}

	kind, sev, ok := classify(current, *previous)
	if !ok {
		return types.StepBackEvent{}, false
	}

	ev := types.StepBackEvent{
		TimestampMs:      current.TimestampMs,
		Kind:             kind,
		Severity:         sev,
		ConfidenceBefore: previous.Confidence,
		ConfidenceAfter:  current.Confidence,
		TriggeredBy:      lastChallenge,
	}
	if w, found := a.lookup(id); found && len(w.frames) > 0 {
		ev.Transcript = w.frames[len(w.frames)-1].Transcript
	}
	return ev, true
}

func classify(cur, prev types.MetricsSnapshot) (types.StepBackKind, types.Severity, bool) {
	drop := prev.Confidence - cur.Confidence
	switch {
	case drop > collapseDrop:
		if drop > collapseSevereDrop {
			return types.StepBackConfidenceCollapse, types.SeveritySevere, true
		}
		return types.StepBackConfidenceCollapse, types.SeverityModerate, true
	case cur.IdeaAbandonment:
		return types.StepBackIdeaAbandon, types.SeverityModerate, true
	case cur.TremorScore > tremorHigh:
		if cur.TremorScore > tremorSevere {
			return types.StepBackTremor, types.SeveritySevere, true
		}
		return types.StepBackTremor, types.SeverityModerate, true
	case cur.VolumeDropScore > volumeDropHigh:
		if cur.VolumeDropScore > volumeDropSevere {
			return types.StepBackVolumeDrop, types.SeveritySevere, true
		}
		return types.StepBackVolumeDrop, types.SeverityMild, true
	case cur.ToneDropScore > toneDropHigh:
		return types.StepBackToneDrop, types.SeverityMild, true
	}
	return "", "", false
}
