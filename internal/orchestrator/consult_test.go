package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/agentcrew/internal/scheduler"
	"github.com/aristath/agentcrew/internal/state"
	"github.com/aristath/agentcrew/internal/tools"
)

func startDesk(t *testing.T, fn AnswerFunc) (*ConsultDesk, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	desk := NewConsultDesk(4)
	desk.AnswerWith(fn)
	desk.Start(ctx)
	t.Cleanup(func() {
		cancel()
		desk.Stop()
	})
	return desk, ctx
}

func TestConsultDeskAnswersConcurrentWorkers(t *testing.T) {
	var mu sync.Mutex
	var inFlight, maxInFlight int
	desk, ctx := startDesk(t, func(ctx context.Context, q string) (string, error) {
		mu.Lock()
		inFlight++
		maxInFlight = max(maxInFlight, inFlight)
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return "re: " + q, nil
	})

	var wg sync.WaitGroup
	answers := make([]string, 6)
	for i := range answers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := desk.Ask(ctx, fmt.Sprintf("q%d", i))
			assert.NoError(t, err)
			answers[i] = a
		}()
	}
	wg.Wait()

	for i, a := range answers {
		assert.Equal(t, fmt.Sprintf("re: q%d", i), a)
	}
	assert.Equal(t, 1, maxInFlight, "questions are answered one at a time")
}

func TestConsultDeskErrors(t *testing.T) {
	desk, ctx := startDesk(t, func(context.Context, string) (string, error) {
		return "", errors.New("planner offline")
	})
	_, err := desk.Ask(ctx, "which cluster?")
	assert.EqualError(t, err, "planner offline")

	idle, idleCtx := startDesk(t, nil)
	_, err = idle.Ask(idleCtx, "anyone?")
	assert.ErrorIs(t, err, ErrNoAnswerer)
}

func TestConsultDeskCancelledAsk(t *testing.T) {
	block := make(chan struct{})
	desk, _ := startDesk(t, func(ctx context.Context, q string) (string, error) {
		<-block
		return "late", nil
	})
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := desk.Ask(ctx, "hello?")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConsultDeskStoppedFailsFast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	desk := NewConsultDesk(4)
	desk.AnswerWith(func(ctx context.Context, q string) (string, error) { return "ok", nil })
	desk.Start(ctx)
	cancel()
	desk.Stop()

	// Workers ask on a detached context; only the desk stopping can end the wait.
	askCtx, askCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer askCancel()
	start := time.Now()
	_, err := desk.Ask(askCtx, "still there?")
	require.ErrorIs(t, err, ErrNoAnswerer)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConsultToolThroughGateway(t *testing.T) {
	conv := state.NewConversation()
	conv.Append(state.ResponseKey(scheduler.RolePlanner), state.Message{Role: scheduler.RolePlanner, Content: "stage 1: inventory"})
	planner := &stubAdvisor{script: []any{`{"thought": "x", "final_answer": "use cluster B"}`}}

	desk, _ := startDesk(t, PlannerAnswers(planner, conv))
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(desk.Tool("", "")))
	gw := tools.NewGateway(reg, tools.GatewayOptions{})

	env := gw.Invoke(context.Background(), ConsultTool, map[string]any{"question": "which cluster?"})
	require.True(t, env.OK, env.Text())
	assert.Equal(t, "use cluster B", env.Value)

	prompts := planner.asked()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "Your plan:\nstage 1: inventory")
	assert.Contains(t, prompts[0], "A worker asks: which cluster?")

	env = gw.Invoke(context.Background(), ConsultTool, map[string]any{})
	assert.False(t, env.OK)
}

func TestPlannerAnswersWithoutPlanner(t *testing.T) {
	_, err := PlannerAnswers(nil, state.NewConversation())(context.Background(), "q")
	assert.ErrorIs(t, err, ErrNoAnswerer)
}
