package pressure

import "github.com/MrWong99/gtodrill/pkg/types"

// Pool is the set of interruption lines for one category at one pressure
// level.
type Pool struct {
	Category types.InterruptCategory
	Lines    []string
}

// templates is indexed by pressure level − 1. Level 1 is the gentlest
// assessor, level 5 the most hostile.
var templates = [types.MaxPressureLevel][]Pool{
	{
		{types.CategoryProbe, []string{
			"Can you explain that a little more?",
			"What makes you think that will work?",
			"How would the group carry the load across?",
			"Walk me through the first step again.",
		}},
		{types.CategoryChallenge, []string{
			"Are you sure about that?",
			"Have you considered the time limit?",
			"Is that the best use of your resources?",
		}},
	},
	{
		{types.CategoryProbe, []string{
			"Why that order and not the reverse?",
			"Who in your group does that job, exactly?",
			"What happens if the plank is too short?",
		}},
		{types.CategoryChallenge, []string{
			"That sounds risky. Justify it.",
			"I'm not convinced. Why should the group follow you?",
			"You have not addressed the injured member.",
		}},
		{types.CategoryContradict, []string{
			"A minute ago you said something different.",
			"That contradicts your own first step.",
			"Your plan ignores the rule you just quoted.",
		}},
	},
	{
		{types.CategoryChallenge, []string{
			"That will not work. What else have you got?",
			"You are wasting time. Decide.",
			"Your group would fail with that plan.",
		}},
		{types.CategoryContradict, []string{
			"No. The rope cannot touch the red zone. Start again.",
			"Wrong. You just lost two members to that mistake.",
			"That is the opposite of what you proposed earlier.",
		}},
		{types.CategoryCutOff, []string{
			"Stop. Get to the point.",
			"Enough detail. What is the plan?",
			"Skip that. Next step.",
		}},
	},
	{
		{types.CategoryContradict, []string{
			"Rubbish. That breaks the rules and you know it.",
			"You have changed your answer three times now.",
			"Nobody in a real group would accept that.",
		}},
		{types.CategoryCutOff, []string{
			"Stop talking. Answer the question I asked.",
			"I do not have time for this. One sentence.",
			"Wrong again. Next.",
		}},
		{types.CategoryDismiss, []string{
			"That is a weak answer for an officer.",
			"I expected better from you.",
			"Your group has already stopped listening to you.",
		}},
	},
	{
		{types.CategoryCutOff, []string{
			"Stop. Now. Thirty seconds, final plan.",
			"Enough. You are out of time and out of ideas.",
			"Quiet. Give me the plan or give up.",
		}},
		{types.CategoryDismiss, []string{
			"This is going nowhere. Why should I select you?",
			"You have failed this task. Convince me otherwise.",
			"An officer would have solved this already.",
		}},
		{types.CategoryChallenge, []string{
			"Defend that decision right now or drop it.",
			"Your group is stranded. What are you going to do?",
			"Every second you hesitate your team loses faith.",
		}},
	},
}

// Pools returns the interruption pools for level. Levels outside [1, 5] are
// clamped.
func Pools(level int) []Pool {
	return templates[clampLevel(level)-1]
}

func clampLevel(level int) int {
	return max(types.MinPressureLevel, min(types.MaxPressureLevel, level))
}
