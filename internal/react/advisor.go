package react

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aristath/agentcrew/internal/oracle"
	"github.com/aristath/agentcrew/internal/scheduler"
)

// DefaultAdvisorAttempts bounds how often an advisor re-asks for a usable reply.
const DefaultAdvisorAttempts = 3

const advisorFormat = `Reply with one JSON object and nothing else:
{"thought": "...", "final_answer": "..."}`

// AdvisorRecord is the success record of an advisor run.
type AdvisorRecord struct {
	TaskID       string `json:"task_id"`
	FinalThought string `json:"final_thought"`
	FinalAnswer  string `json:"final_answer"`
}

// Advisor answers with a single oracle call and never uses tools. The crew
// uses it for planning, task-list drafting and review; it also runs tasks
// assigned to those roles.
type Advisor struct {
	loop
}

// NewAdvisor creates an advisor. MaxIterations bounds the attempts Run makes.
func NewAdvisor(deps Deps, opts Options) *Advisor {
	return &Advisor{loop: newLoop(deps, opts, DefaultAdvisorAttempts)}
}

// Role returns the role the advisor speaks for.
func (a *Advisor) Role() string { return a.opts.Role }

// Ask sends user under the role's instructions and returns the decoded reply.
// format describes the expected JSON; empty means thought plus final_answer.
func (a *Advisor) Ask(ctx context.Context, user, format string) (oracle.Result, error) {
	if format == "" {
		format = advisorFormat
	}
	system := a.opts.Instructions
	if strings.TrimSpace(system) == "" {
		system = "You are the " + a.opts.Role + " agent."
	}
	system += "\n\n" + format

	callCtx, cancel := a.detached(ctx)
	defer cancel()
	res, err := a.deps.Oracle.Query(callCtx, system, user)
	if err != nil {
		a.logger.Warn("advisor query failed", "error", err)
		return oracle.Result{}, err
	}
	return res, nil
}

// Run answers a task. A reply without final_answer is retried; after the
// last attempt the task fails with the last cause.
func (a *Advisor) Run(ctx context.Context, task *scheduler.Task) Outcome {
	var lastErr error
	for it := 1; it <= a.opts.MaxIterations; it++ {
		if out, stop := a.cancelled(ctx, task, it); stop {
			return out
		}
		a.deps.Metrics.IncIteration(a.opts.Role)

		user := advisorUser(task)
		if lastErr != nil {
			user += fmt.Sprintf("\n\nYour previous reply could not be used (%v).", lastErr)
		}
		res, err := a.Ask(ctx, user, "")
		if err != nil {
			lastErr = err
			continue
		}
		step := StepFromFields(res.Fields)
		a.publishStep(task, it, "advise", step)
		if !step.IsFinal() {
			lastErr = fmt.Errorf("%w: reply has no final_answer (keys: %s)", ErrSchemaValidation, keyList(res.Fields))
			continue
		}
		return Outcome{
			Answer:     step.FinalAnswer,
			Iterations: it,
			Record: AdvisorRecord{
				TaskID:       task.ID,
				FinalThought: step.Thought,
				FinalAnswer:  step.FinalAnswer,
			},
		}
	}
	return a.exhausted(task, a.opts.MaxIterations, 0, lastErr)
}

func advisorUser(task *scheduler.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s\n", task.ID, task.Name)
	if task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", task.Description)
	}
	if task.AcceptanceCriteria != "" {
		fmt.Fprintf(&b, "Acceptance criteria: %s\n", task.AcceptanceCriteria)
	}
	if len(task.ProvidedInputs) > 0 {
		if data, err := json.Marshal(task.ProvidedInputs); err == nil {
			fmt.Fprintf(&b, "Provided inputs: %s\n", data)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
