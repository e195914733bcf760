package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/agentcrew/internal/events"
	"github.com/aristath/agentcrew/internal/oracle"
	"github.com/aristath/agentcrew/internal/react"
	"github.com/aristath/agentcrew/internal/scheduler"
	"github.com/aristath/agentcrew/internal/state"
)

// stubAdvisor replies with its script in order and repeats the last entry.
// Entries are JSON object strings or errors.
type stubAdvisor struct {
	mu      sync.Mutex
	script  []any
	prompts []string
}

func (a *stubAdvisor) Ask(ctx context.Context, user, format string) (oracle.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.prompts)
	a.prompts = append(a.prompts, user)
	if n >= len(a.script) {
		n = len(a.script) - 1
	}
	switch v := a.script[n].(type) {
	case error:
		return oracle.Result{}, v
	case string:
		var fields map[string]any
		if err := json.Unmarshal([]byte(v), &fields); err != nil {
			panic(err)
		}
		return oracle.Result{Text: v, Fields: fields, Attempts: 1}, nil
	default:
		panic("bad script entry")
	}
}

func (a *stubAdvisor) asked() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.prompts...)
}

const twoTaskList = `{"tasks": [
  {"task_id": "T1", "task_name": "Inventory VMs", "agent": "researcher", "depends_on": []},
  {"task_id": "T2", "task_name": "Migrate vm-1", "agent": "engineer", "depends_on": ["T1"]}
]}`

func newCrew(store *scheduler.Store, conv *state.Conversation, runners map[string]react.Runner, planner, manager, reviewer Advisor, rounds int) *Crew {
	orch := New(store, conv, runners, Options{})
	return NewCrew(store, conv, orch, planner, manager, reviewer, CrewOptions{
		MaxRounds:   rounds,
		WorkerRoles: []string{scheduler.RoleResearcher, scheduler.RoleEngineer},
	})
}

func TestCrewRunsToCompletion(t *testing.T) {
	store := scheduler.NewStore(nil)
	conv := state.NewConversation()
	runner := &recordingRunner{}
	planner := &stubAdvisor{script: []any{`{"thought": "two stages", "final_answer": "inventory, then migrate"}`}}
	manager := &stubAdvisor{script: []any{twoTaskList}}
	reviewer := &stubAdvisor{script: []any{`{"thought": "checked", "final_answer": "vm-1 migrated"}`}}

	crew := newCrew(store, conv, map[string]react.Runner{
		scheduler.RoleResearcher: runner,
		scheduler.RoleEngineer:   runner,
	}, planner, manager, reviewer, 3)

	result, err := crew.Run(context.Background(), "migrate vm-1 to cluster B")
	require.NoError(t, err)

	assert.Equal(t, 1, result.Rounds)
	assert.Equal(t, "vm-1 migrated", result.Summary)
	assert.Equal(t, []string{"T1", "T2"}, runner.ran())
	assert.Equal(t, scheduler.Progress{Total: 2, Completed: 2}, result.Progress)
	assert.Len(t, result.Reports, 2)

	assert.Contains(t, manager.asked()[0], "inventory, then migrate", "the plan reaches the project manager")
	assert.Contains(t, reviewer.asked()[0], "T2 Migrate vm-1: done T2")
	for _, role := range []string{scheduler.RolePlanner, scheduler.RoleProjectManager, scheduler.RoleReviewer} {
		assert.Equal(t, 1, conv.Len(state.ResponseKey(role)), role)
	}
}

func TestCrewRetriesFailedTask(t *testing.T) {
	store := scheduler.NewStore(nil)
	conv := state.NewConversation()

	var attempts int
	flaky := runnerFunc(func(ctx context.Context, task *scheduler.Task) react.Outcome {
		attempts++
		if attempts == 1 {
			return react.Outcome{Err: errors.New("cluster unreachable")}
		}
		return react.Outcome{Answer: "ok", Record: map[string]string{"task_id": task.ID}}
	})
	manager := &stubAdvisor{script: []any{
		`{"tasks": [{"task_id": "T1", "task_name": "Inventory", "agent": "researcher"}]}`,
		`{"tasks": [{"task_id": "T1", "task_name": "Inventory", "agent": "researcher", "status": "pending"}]}`,
	}}

	crew := newCrew(store, conv, map[string]react.Runner{scheduler.RoleResearcher: flaky}, nil, manager, nil, 3)
	result, err := crew.Run(context.Background(), "inventory")
	require.NoError(t, err)

	assert.Equal(t, 2, result.Rounds)
	assert.Equal(t, 2, attempts)
	prompts := manager.asked()
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1], "Failed tasks:\n- T1 (researcher): cluster unreachable")

	audit := store.Audit("T1")
	var reset bool
	for _, tr := range audit {
		if tr.From == scheduler.StatusFailed && tr.To == scheduler.StatusPending {
			reset = true
		}
	}
	assert.True(t, reset, "the revised list resets the failed task")
}

func TestCrewMalformedTaskList(t *testing.T) {
	store := scheduler.NewStore(nil)
	conv := state.NewConversation()
	manager := &stubAdvisor{script: []any{
		`{"tasks": "inventory first"}`,
		`{"tasks": [{"task_id": "T1", "task_name": "Inventory", "agent": "wizard"}]}`,
		`{"tasks": [{"task_id": "T1", "task_name": "Inventory", "agent": "Researcher"}]}`,
	}}

	crew := newCrew(store, conv, map[string]react.Runner{scheduler.RoleResearcher: &recordingRunner{}}, nil, manager, nil, 5)
	result, err := crew.Run(context.Background(), "inventory")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Rounds)

	var failures int
	for _, msg := range conv.Entries(state.ResponseKey(scheduler.RoleProjectManager)) {
		var entry failureEntry
		if msg.Decode(&entry) == nil && entry.Status == "failed" {
			failures++
			assert.Contains(t, entry.Reason, "invalid task list")
		}
	}
	assert.Equal(t, 2, failures)
}

func TestCrewRoundsExhausted(t *testing.T) {
	store := scheduler.NewStore(nil)
	conv := state.NewConversation()
	failing := &recordingRunner{fail: map[string]bool{"T1": true}}
	manager := &stubAdvisor{script: []any{twoTaskList}}
	bus := events.NewEventBus()
	defer bus.Close()
	crewCh := bus.Subscribe(events.TopicCrew, 64)

	orch := New(store, conv, map[string]react.Runner{scheduler.RoleResearcher: failing, scheduler.RoleEngineer: failing}, Options{})
	crew := NewCrew(store, conv, orch, nil, manager, nil, CrewOptions{
		MaxRounds:   2,
		WorkerRoles: []string{scheduler.RoleResearcher, scheduler.RoleEngineer},
		Bus:         bus,
	})

	result, err := crew.Run(context.Background(), "migrate")
	require.ErrorIs(t, err, ErrRoundsExhausted)
	assert.Contains(t, err.Error(), "0 of 2 tasks completed, 1 failed")
	assert.Equal(t, 2, result.Rounds)
	assert.Equal(t, []string{"T1"}, failing.ran(), "T2 stays blocked behind the failed T1")

	var rounds []int
	for len(crewCh) > 0 {
		ev := (<-crewCh).(events.CrewRoundEvent)
		if ev.Note == "round started" {
			rounds = append(rounds, ev.Round)
		}
	}
	assert.Equal(t, []int{1, 2}, rounds)
}

func TestCrewSuppliedTasks(t *testing.T) {
	store := scheduler.NewStore(nil)
	require.NoError(t, store.AddTask(&scheduler.Task{ID: "T1", Name: "Inventory", AgentRole: scheduler.RoleResearcher}))
	require.NoError(t, store.AddTask(&scheduler.Task{ID: "T2", Name: "Summarise", AgentRole: scheduler.RoleReviewer, DependsOn: []string{"T1"}}))
	conv := state.NewConversation()
	planner := &stubAdvisor{script: []any{`{"thought": "x", "final_answer": "plan"}`}}
	runner := &recordingRunner{}

	// The reviewer role has a runner but is not a configured worker role; its
	// task still runs after the workers.
	crew := newCrew(store, conv, map[string]react.Runner{
		scheduler.RoleResearcher: runner,
		scheduler.RoleReviewer:   runner,
	}, planner, nil, nil, 1)

	result, err := crew.Run(context.Background(), "inventory")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Rounds)
	assert.Empty(t, planner.asked(), "planning is skipped for a supplied task list")
	assert.Equal(t, []string{"T1", "T2"}, runner.ran())
}

func TestCrewCancelled(t *testing.T) {
	store := scheduler.NewStore(nil)
	conv := state.NewConversation()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	crew := newCrew(store, conv, nil, nil, &stubAdvisor{script: []any{twoTaskList}}, nil, 3)
	_, err := crew.Run(ctx, "migrate")
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, store.Tasks())
}

func TestManagerPromptCarriesSnapshot(t *testing.T) {
	store := scheduler.NewStore(nil)
	require.NoError(t, store.AddTask(&scheduler.Task{ID: "T1", Name: "Inventory", AgentRole: scheduler.RoleResearcher}))
	crew := newCrew(store, state.NewConversation(), nil, nil, nil, nil, 1)

	prompt := crew.managerPrompt("migrate", "stage 1")
	assert.True(t, strings.HasPrefix(prompt, "Request: migrate"))
	assert.Contains(t, prompt, "Plan:\nstage 1")
	assert.Contains(t, prompt, `"task_id": "T1"`)
	assert.Contains(t, prompt, `"status": "pending"`)
	assert.NotContains(t, prompt, "Failed tasks")
}
