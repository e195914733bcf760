package react

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"
	"text/template"

	"github.com/aristath/agentcrew/internal/scheduler"
	"github.com/aristath/agentcrew/internal/tools"
)

const (
	reactFormat = `Reply with one JSON object and nothing else.
To use a tool: {"thought": "...", "action": "<tool name>", "action_input": {...}}
When the acceptance criteria are met: {"thought": "...", "final_answer": "..."}
Never put final_answer and action in the same reply.`

	thinkFormat = `Reply with one JSON object and nothing else:
{"thought": "...", "action": "<tool name>", "action_input": {...}}`

	reflectFormat = `Reply with one JSON object holding "thought" and exactly one of:
"final_answer" when the acceptance criteria are met,
"next_steps" when more work is needed,
"action_correction" when the tool call failed and must change.`
)

var systemTmpl = template.Must(template.New("system").Parse(`{{with .Instructions}}{{.}}

{{end}}You are the {{.Role}} agent working on one task.

Task {{.Task.ID}}: {{.Task.Name}}
Description: {{.Task.Description}}
Acceptance criteria: {{.Task.AcceptanceCriteria}}
{{- if .Task.ToolToUse}}
Suggested tool: {{.Task.ToolToUse}}
{{- end}}
{{- with .Inputs}}
Provided inputs: {{.}}
{{- end}}

Available tools:
{{- range .Tools}}
- {{.Name}}: {{.Description}}
{{- else}}
(none)
{{- end}}
{{- with .Guidance}}

Guidance from your last reflection: {{.}}
{{- end}}

Progress so far:
{{if .Scratchpad}}{{.Scratchpad}}{{else}}(nothing yet){{end}}

{{.Format}}`))

// promptData feeds systemTmpl.
type promptData struct {
	Instructions string
	Role         string
	Task         *scheduler.Task
	Inputs       string
	Tools        []tools.Descriptor
	Guidance     string
	Scratchpad   string
	Format       string
}

func buildSystem(d promptData) string {
	if len(d.Task.ProvidedInputs) > 0 {
		if data, err := json.Marshal(d.Task.ProvidedInputs); err == nil {
			d.Inputs = string(data)
		}
	}
	var b strings.Builder
	if err := systemTmpl.Execute(&b, d); err != nil {
		// Only reachable with a broken template; fall back to the bare task.
		return d.Role + ": " + d.Task.Name + "\n" + d.Format
	}
	return b.String()
}

func reactUser(task *scheduler.Task, correction string) string {
	msg := "Solve this task: " + task.Name
	if task.Description != "" {
		msg += " (" + task.Description + ")"
	}
	if correction != "" {
		msg += "\n\n" + correction
	}
	return msg
}

func thinkUser(task *scheduler.Task) string {
	return "Decide the next tool call for task " + task.ID + ": " + task.Name
}

func reflectUser(observation string) string {
	return "Reflect on the outcome of your last step:\n" + observation
}

// keyList renders the sorted keys of a reply for diagnostics.
func keyList(fields map[string]any) string {
	keys := slices.Sorted(maps.Keys(fields))
	if len(keys) == 0 {
		return "none"
	}
	return strings.Join(keys, ", ")
}
