package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aristath/agentcrew/internal/scheduler"
	"github.com/aristath/agentcrew/internal/state"
	"github.com/aristath/agentcrew/internal/tools"
)

// ConsultTool is the default name of the desk's tool.
const ConsultTool = "consult_planner"

const consultDesc = `Ask the planner a question about the plan or request. Input: {"question": "..."}`

// ErrNoAnswerer is returned when the desk has nobody to route questions to.
var ErrNoAnswerer = errors.New("no planner to consult")

// AnswerFunc answers one worker question.
type AnswerFunc func(ctx context.Context, question string) (string, error)

type question struct {
	content string
	reply   chan answer
}

type answer struct {
	content string
	err     error
}

// ConsultDesk queues worker questions and answers them one at a time, so
// concurrent workers never query the planner at once.
type ConsultDesk struct {
	questions chan question
	answer    AnswerFunc
	done      chan struct{}
}

// NewConsultDesk creates a desk. bufferSize should be at least the number of
// workers that may ask at once.
func NewConsultDesk(bufferSize int) *ConsultDesk {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &ConsultDesk{
		questions: make(chan question, bufferSize),
		done:      make(chan struct{}),
	}
}

// AnswerWith sets who answers. It must be called before Start.
func (d *ConsultDesk) AnswerWith(fn AnswerFunc) {
	d.answer = fn
}

// Start launches the handler goroutine. It runs until ctx is cancelled.
func (d *ConsultDesk) Start(ctx context.Context) {
	go d.handle(ctx)
}

func (d *ConsultDesk) handle(ctx context.Context) {
	defer close(d.done)

	for {
		select {
		case <-ctx.Done():
			return
		case q := <-d.questions:
			if d.answer == nil {
				q.reply <- answer{err: ErrNoAnswerer}
				continue
			}
			content, err := d.answer(ctx, q.content)
			if ctx.Err() != nil {
				q.reply <- answer{err: ctx.Err()}
				return
			}
			q.reply <- answer{content: content, err: err}
		}
	}
}

// errDeskClosed is returned to askers once the handler has exited.
var errDeskClosed = fmt.Errorf("%w: consult desk stopped", ErrNoAnswerer)

// Ask queues a question and waits for the answer, ctx, or the desk stopping.
func (d *ConsultDesk) Ask(ctx context.Context, content string) (string, error) {
	reply := make(chan answer, 1)

	select {
	case <-d.done:
		return "", errDeskClosed
	default:
	}

	select {
	case d.questions <- question{content: content, reply: reply}:
	case <-d.done:
		return "", errDeskClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case a := <-reply:
		return a.content, a.err
	case <-d.done:
		// The handler may have answered just before exiting.
		select {
		case a := <-reply:
			return a.content, a.err
		default:
			return "", errDeskClosed
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Stop blocks until the handler goroutine has exited.
func (d *ConsultDesk) Stop() {
	<-d.done
}

// Tool exposes the desk to agents. Empty name and description take the
// defaults.
func (d *ConsultDesk) Tool(name, description string) tools.Tool {
	if name == "" {
		name = ConsultTool
	}
	if description == "" {
		description = consultDesc
	}
	return tools.Func{
		ToolName: name,
		Desc:     description,
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			q, _ := args["question"].(string)
			if strings.TrimSpace(q) == "" {
				return nil, errors.New(`"question" is required`)
			}
			return d.Ask(ctx, q)
		},
	}
}

// PlannerAnswers answers questions with the planner advisor, giving it the
// request plan recorded in conv.
func PlannerAnswers(planner Advisor, conv *state.Conversation) AnswerFunc {
	return func(ctx context.Context, q string) (string, error) {
		if planner == nil {
			return "", ErrNoAnswerer
		}
		var b strings.Builder
		if plan, ok := conv.Last(state.ResponseKey(scheduler.RolePlanner)); ok {
			fmt.Fprintf(&b, "Your plan:\n%s\n\n", plan.Content)
		}
		fmt.Fprintf(&b, "A worker asks: %s", q)

		res, err := planner.Ask(ctx, b.String(), "")
		if err != nil {
			return "", err
		}
		return answerOf(res), nil
	}
}
