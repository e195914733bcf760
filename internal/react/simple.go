package react

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/aristath/agentcrew/internal/events"
	"github.com/aristath/agentcrew/internal/scheduler"
	"github.com/aristath/agentcrew/internal/telemetry"
)

// Corrective prompts of the simple loop.
const (
	correctUnusable     = "Your previous reply could not be used (%v). Reply with a single JSON object in the required format."
	correctRepeating    = "You are repeating yourself. Stop repeating; act now: pick a tool from the list and call it with concrete action_input."
	correctFinalAndTool = "A reply may carry final_answer or an action, never both. Either run the tool or give the final answer."
	correctNoToolYet    = "You have not run any tool successfully for this task yet. Call a tool before giving a final answer."
	correctNoAction     = "action_input was given without an action. Name the tool to call."
	correctNoDecision   = "Decide: call a tool or give the final answer."
)

// ReActLoop is the simple thought/action/observation loop.
type ReActLoop struct {
	loop
}

// NewReActLoop creates a simple loop. MaxIterations defaults to 15.
func NewReActLoop(deps Deps, opts Options) *ReActLoop {
	return &ReActLoop{loop: newLoop(deps, opts, DefaultReActIterations)}
}

// reactState is the per-run state of the simple loop.
type reactState struct {
	pad           Scratchpad
	guard         *repetitionGuard
	correction    string
	corrections   int
	toolSucceeded bool
	lastTool      string
	lastResult    string
	lastErr       error
}

// Run iterates until an accepted final answer, the iteration ceiling or
// cancellation.
func (r *ReActLoop) Run(ctx context.Context, task *scheduler.Task) Outcome {
	st := &reactState{guard: newRepetitionGuard(r.opts.RepetitionLimit)}

	for it := 1; it <= r.opts.MaxIterations; it++ {
		if out, stop := r.cancelled(ctx, task, it); stop {
			out.Corrections = st.corrections
			return out
		}
		r.deps.Metrics.IncIteration(r.opts.Role)

		iterCtx, span := telemetry.StartSpan(ctx, "react.iteration",
			attribute.String("task.id", task.ID),
			attribute.String("agent.role", r.opts.Role),
			attribute.Int("iteration", it))
		out, done := r.iterate(iterCtx, task, st, it)
		telemetry.EndSpan(span, out.Err)
		if done {
			out.Iterations = it
			out.Corrections = st.corrections
			return out
		}
	}

	return r.exhausted(task, r.opts.MaxIterations, st.corrections, st.lastErr)
}

// iterate runs one oracle round. done is true when the loop should stop.
func (r *ReActLoop) iterate(ctx context.Context, task *scheduler.Task, st *reactState, it int) (Outcome, bool) {
	system := buildSystem(promptData{
		Instructions: r.opts.Instructions,
		Role:         r.opts.Role,
		Task:         task,
		Tools:        r.descriptors(),
		Scratchpad:   st.pad.Render(),
		Format:       reactFormat,
	})
	user := reactUser(task, st.correction)
	st.correction = ""

	step, err := r.query(ctx, reactShape, system, user)
	if err != nil {
		st.lastErr = err
		r.logger.Warn("unusable oracle reply", "task_id", task.ID, "iteration", it, "error", err)
		st.pad.AddNote(it, "reply rejected: %v", err)
		r.correct(task, st, it, fmt.Sprintf(correctUnusable, err))
		return Outcome{}, false
	}
	r.publishStep(task, it, "react", step)

	repeated, tripped := st.guard.observe(step)
	switch {
	case tripped:
		r.logger.Warn("repetition detected", "task_id", task.ID, "iteration", it, "limit", r.opts.RepetitionLimit)
		r.deps.Metrics.IncRepetition(r.opts.Role)
		r.deps.Bus.Publish(events.TopicLoop, events.RepetitionDetectedEvent{
			ID:        task.ID,
			Iteration: it,
			Repeats:   r.opts.RepetitionLimit,
			Timestamp: time.Now(),
		})
		st.pad.Reset()
		r.correct(task, st, it, correctRepeating)
		return Outcome{}, false
	case repeated:
		r.logger.Debug("repeated step, skipping action", "task_id", task.ID, "iteration", it)
		st.pad.AddNote(it, "same reply as before; nothing was executed")
		return Outcome{}, false
	}

	switch {
	case step.IsFinal() && step.HasAction():
		st.lastErr = fmt.Errorf("%w: final_answer together with action %q", ErrSchemaValidation, step.Action)
		st.pad.AddStep(it, step)
		r.correct(task, st, it, correctFinalAndTool)
		return Outcome{}, false

	case step.IsFinal():
		if r.opts.RequireAction && !st.toolSucceeded {
			st.lastErr = ErrFinalWithoutAction
			r.logger.Info("final answer rejected", "task_id", task.ID, "iteration", it, "error", ErrFinalWithoutAction)
			st.pad.AddStep(it, step)
			r.correct(task, st, it, correctNoToolYet)
			return Outcome{}, false
		}
		r.logger.Info("task solved", "task_id", task.ID, "iteration", it)
		return Outcome{
			Answer: step.FinalAnswer,
			Record: ReActRecord{
				TaskID:        task.ID,
				SuggestedTool: st.lastTool,
				ActionResult:  st.lastResult,
				FinalThought:  step.Thought,
				FinalAnswer:   step.FinalAnswer,
			},
		}, true

	case step.Action == "" && len(step.ActionInput) > 0:
		st.pad.AddStep(it, step)
		r.correct(task, st, it, correctNoAction)
		return Outcome{}, false

	case step.Action == "":
		st.pad.AddStep(it, step)
		st.correction = correctNoDecision
		return Outcome{}, false
	}

	env := r.invoke(ctx, step.Action, step.ActionInput)
	r.publishTool(task, it, env)
	st.pad.AddStep(it, step)
	st.pad.AddObservation(it, env)
	if !env.OK {
		st.lastErr = env.Err()
		r.logger.Warn("tool call failed", "task_id", task.ID, "iteration", it, "tool", step.Action, "error", st.lastErr)
		return Outcome{}, false
	}
	st.toolSucceeded = true
	st.lastTool = step.Action
	st.lastResult = env.Text()
	return Outcome{}, false
}

// correct queues a corrective user prompt for the next iteration.
func (r *ReActLoop) correct(task *scheduler.Task, st *reactState, it int, msg string) {
	st.correction = msg
	st.corrections++
	r.publishCorrection(task, it, msg)
}
