package react

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Step is one decoded oracle reply.
type Step struct {
	Thought          string         `json:"thought"`
	Action           string         `json:"action,omitempty"`
	ActionInput      map[string]any `json:"action_input,omitempty"`
	FinalAnswer      string         `json:"final_answer,omitempty"`
	NextSteps        string         `json:"next_steps,omitempty"`
	ActionCorrection string         `json:"action_correction,omitempty"`
}

// StepFromFields converts a decoded JSON object into a Step. Non-string
// answers and guidance are kept as their JSON text.
func StepFromFields(fields map[string]any) Step {
	step := Step{
		Thought:          text(fields["thought"]),
		Action:           strings.TrimSpace(text(fields["action"])),
		FinalAnswer:      text(fields["final_answer"]),
		NextSteps:        text(fields["next_steps"]),
		ActionCorrection: text(fields["action_correction"]),
	}
	if input, ok := fields["action_input"].(map[string]any); ok && len(input) > 0 {
		step.ActionInput = input
	}
	return step
}

func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}

// HasAction reports whether the step asks for a tool call.
func (s Step) HasAction() bool {
	return s.Action != "" || len(s.ActionInput) > 0
}

// IsFinal reports whether the step claims a final answer.
func (s Step) IsFinal() bool {
	return strings.TrimSpace(s.FinalAnswer) != ""
}

// canonical is the step's JSON with map keys sorted.
func (s Step) canonical() string {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Sprintf("%#v", s)
	}
	return string(data)
}

// SameAs reports whether two steps are structurally identical.
func (s Step) SameAs(other Step) bool {
	return s.canonical() == other.canonical()
}

// repetitionGuard counts consecutive identical steps.
type repetitionGuard struct {
	limit int
	run   int
	last  *Step
}

func newRepetitionGuard(limit int) *repetitionGuard {
	if limit < 2 {
		limit = 2
	}
	return &repetitionGuard{limit: limit}
}

// observe records step. repeated is true when step equals the previous one;
// tripped is true when the run of identical steps reaches the limit, after
// which the guard starts over.
func (g *repetitionGuard) observe(step Step) (repeated, tripped bool) {
	if g.last != nil && step.SameAs(*g.last) {
		g.run++
	} else {
		g.run = 1
	}
	g.last = &step

	if g.run >= g.limit {
		g.reset()
		return true, true
	}
	return g.run > 1, false
}

func (g *repetitionGuard) reset() {
	g.run = 0
	g.last = nil
}
