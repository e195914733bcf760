package react

import (
	"fmt"
	"strings"

	"github.com/aristath/agentcrew/internal/tools"
)

// Entry is one scratchpad line: a step, a tool observation or a note.
type Entry struct {
	Iteration   int
	Step        *Step
	Observation *tools.Envelope
	Note        string
}

// Scratchpad is the ordered history of one task's reasoning. It belongs to a
// single loop run and is never shared.
type Scratchpad struct {
	entries []Entry
}

func (p *Scratchpad) AddStep(iteration int, step Step) {
	p.entries = append(p.entries, Entry{Iteration: iteration, Step: &step})
}

func (p *Scratchpad) AddObservation(iteration int, env tools.Envelope) {
	p.entries = append(p.entries, Entry{Iteration: iteration, Observation: &env})
}

func (p *Scratchpad) AddNote(iteration int, format string, args ...any) {
	p.entries = append(p.entries, Entry{Iteration: iteration, Note: fmt.Sprintf(format, args...)})
}

// Entries returns a copy of the entries.
func (p *Scratchpad) Entries() []Entry {
	return append([]Entry(nil), p.entries...)
}

func (p *Scratchpad) Len() int { return len(p.entries) }

// Reset drops every entry.
func (p *Scratchpad) Reset() { p.entries = nil }

// Render formats the scratchpad for a prompt.
func (p *Scratchpad) Render() string {
	var b strings.Builder
	for _, e := range p.entries {
		switch {
		case e.Step != nil:
			fmt.Fprintf(&b, "[%d] thought: %s\n", e.Iteration, e.Step.Thought)
			if e.Step.Action != "" {
				fmt.Fprintf(&b, "[%d] action: %s %s\n", e.Iteration, e.Step.Action, text(e.Step.ActionInput))
			}
		case e.Observation != nil:
			fmt.Fprintf(&b, "[%d] observation: %s\n", e.Iteration, e.Observation.JSON())
		default:
			fmt.Fprintf(&b, "[%d] note: %s\n", e.Iteration, e.Note)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
