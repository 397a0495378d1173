package drill

import (
	"github.com/MrWong99/gtodrill/internal/protocol"
	"github.com/MrWong99/gtodrill/pkg/types"
)

// openings holds the assessor's first statement per task type.
var openings = map[types.TaskType]string{
	types.TaskGroupDiscussion: "The topic is on the board and the time is yours. " +
		"I want to hear reasoning, not slogans. Begin.",
	types.TaskGroupPlanning: "You have read the situation. The clock is already running " +
		"and the group needs a plan it can execute. Start with the priorities.",
	types.TaskProgressiveGroup: "The first structure is in front of you. Obstacles only get " +
		"harder from here. Tell your group how you cross.",
	types.TaskHalfGroup: "Half the group, twice the scrutiny. Every word you say counts. Go.",
	types.TaskCommandTask: "You are the commander. Your subordinates are waiting for orders. " +
		"Explain the plan and take charge.",
	types.TaskLecturette: "Pick your topic and address the group. You will not be helped " +
		"if you stall.",
	types.TaskIndividualObstacles: "Walk me through each obstacle before you attempt it. " +
		"I will be listening for hesitation.",
}

const defaultOpening = "Your time starts now. Speak clearly and commit to your reasoning."

// openingFor returns the opening statement for a task type.
func openingFor(t types.TaskType) string {
	if s, ok := openings[t]; ok {
		return s
	}
	return defaultOpening
}

// warning is one scripted time-pressure statement. Harsh applies from
// pressure level 4 upwards.
type warning struct {
	Kind  protocol.SpeakKind
	Calm  string
	Harsh string
}

var (
	warnHalfway = warning{
		Kind:  protocol.SpeakHalfway,
		Calm:  "Half your time is gone. Where is the group on the plan?",
		Harsh: "Half the time gone and nothing decided. Is this how you lead?",
	}
	warnFinalMinute = warning{
		Kind:  protocol.SpeakFinalMin,
		Calm:  "One minute remaining. Summarise your solution.",
		Harsh: "One minute. Stop explaining and give me a decision now.",
	}
	warnTimeUp = warning{
		Kind:  protocol.SpeakTimeUp,
		Calm:  "Time is up. Stop there.",
		Harsh: "Time. That is all I needed to see.",
	}
)

func (w warning) text(level int) string {
	if level >= 4 {
		return w.Harsh
	}
	return w.Calm
}

// warningsAt returns the statements due when remaining seconds are left of
// a duration, in the order they are spoken. Marks that fall on the same
// second are all returned: halfway, then the final minute, then time-up.
func warningsAt(remaining, duration int) []warning {
	var out []warning
	if duration >= 2 && remaining == duration/2 {
		out = append(out, warnHalfway)
	}
	if remaining == 60 {
		out = append(out, warnFinalMinute)
	}
	if remaining == 0 {
		out = append(out, warnTimeUp)
	}
	return out
}
