package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/aristath/agentcrew/internal/scheduler"
	"github.com/aristath/agentcrew/internal/state"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func beginRun(t *testing.T, store *SQLiteStore, runID string) {
	t.Helper()
	if err := store.BeginRun(context.Background(), runID, "migrate vm-1"); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
}

func TestMemoryStoresAreIsolated(t *testing.T) {
	a := testStore(t)
	b := testStore(t)
	beginRun(t, a, "run-1")

	runs, err := b.ListRuns(context.Background())
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("expected a fresh database, found %d runs", len(runs))
	}
}

func TestRunLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	beginRun(t, store, "run-1")

	run, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != RunRunning || run.Request != "migrate vm-1" || run.StartedAt.IsZero() || !run.FinishedAt.IsZero() {
		t.Errorf("unexpected run: %+v", run)
	}

	if err := store.FinishRun(ctx, "run-1", RunSucceeded, "vm-1 migrated"); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	run, _ = store.GetRun(ctx, "run-1")
	if run.Status != RunSucceeded || run.Summary != "vm-1 migrated" || run.FinishedAt.IsZero() {
		t.Errorf("unexpected finished run: %+v", run)
	}

	if err := store.FinishRun(ctx, "nope", RunFailed, ""); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
	if _, err := store.GetRun(ctx, "nope"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestSaveAndListTasks(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	beginRun(t, store, "run-1")

	// T2 depends on a task that is saved after it.
	tasks := []scheduler.Task{
		{
			ID:                 "T2",
			Name:               "Migrate vm-1",
			Description:        "Live-migrate vm-1 to node-b",
			AcceptanceCriteria: "vm-1 runs on node-b",
			AgentRole:          scheduler.RoleEngineer,
			Status:             scheduler.StatusPending,
			DependsOn:          []string{"T1", "T0"},
			ToolToUse:          "virtctl",
			ProvidedInputs:     map[string]any{"vm": "vm-1", "replicas": float64(2)},
		},
		{ID: "T1", Name: "Inventory", AgentRole: scheduler.RoleResearcher, Status: scheduler.StatusPending},
		{ID: "T0", Name: "Check access", AgentRole: scheduler.RoleToolInvoker, Status: scheduler.StatusPending},
	}
	for _, task := range tasks {
		if err := store.SaveTask(ctx, "run-1", task); err != nil {
			t.Fatalf("SaveTask(%s): %v", task.ID, err)
		}
	}

	// Updating keeps the position.
	updated := tasks[0]
	updated.Name = "Migrate vm-1 (live)"
	updated.DependsOn = []string{"T1"}
	if err := store.SaveTask(ctx, "run-1", updated); err != nil {
		t.Fatalf("SaveTask update: %v", err)
	}

	got, err := store.ListTasks(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(got))
	}
	if got[0].ID != "T2" || got[1].ID != "T1" || got[2].ID != "T0" {
		t.Errorf("order = %s,%s,%s, want T2,T1,T0", got[0].ID, got[1].ID, got[2].ID)
	}
	first := got[0]
	if first.Name != "Migrate vm-1 (live)" || first.ToolToUse != "virtctl" || first.AcceptanceCriteria != "vm-1 runs on node-b" {
		t.Errorf("unexpected task: %+v", first)
	}
	if !reflect.DeepEqual(first.DependsOn, []string{"T1"}) {
		t.Errorf("DependsOn = %v, want [T1]", first.DependsOn)
	}
	if !reflect.DeepEqual(first.ProvidedInputs, map[string]any{"vm": "vm-1", "replicas": float64(2)}) {
		t.Errorf("ProvidedInputs = %v", first.ProvidedInputs)
	}
	if got[1].ProvidedInputs != nil || got[1].DependsOn != nil {
		t.Errorf("empty fields should stay nil: %+v", got[1])
	}

	other, err := store.ListTasks(ctx, "run-2")
	if err != nil {
		t.Fatalf("ListTasks run-2: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("runs must not share tasks")
	}
}

func TestRecordTransition(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	beginRun(t, store, "run-1")

	task := scheduler.Task{ID: "T1", Name: "Inventory", AgentRole: scheduler.RoleResearcher, Status: scheduler.StatusPending}
	if err := store.SaveTask(ctx, "run-1", task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	task.Status = scheduler.StatusInProgress
	if err := store.RecordTransition(ctx, "run-1", scheduler.Transition{TaskID: "T1", From: scheduler.StatusPending, To: scheduler.StatusInProgress, Reason: "claimed"}, task); err != nil {
		t.Fatalf("RecordTransition: %v", err)
	}
	task.Status = scheduler.StatusFailed
	task.Error = "cluster unreachable"
	if err := store.RecordTransition(ctx, "run-1", scheduler.Transition{TaskID: "T1", From: scheduler.StatusInProgress, To: scheduler.StatusFailed, Reason: "cluster unreachable"}, task); err != nil {
		t.Fatalf("RecordTransition: %v", err)
	}

	got, _ := store.ListTasks(ctx, "run-1")
	if got[0].Status != scheduler.StatusFailed || got[0].Error != "cluster unreachable" {
		t.Errorf("task = %s %q", got[0].Status, got[0].Error)
	}

	trs, err := store.Transitions(ctx, "run-1", "T1")
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	if len(trs) != 2 || trs[0].To != scheduler.StatusInProgress || trs[1].Reason != "cluster unreachable" {
		t.Errorf("transitions = %+v", trs)
	}

	err = store.RecordTransition(ctx, "run-1", scheduler.Transition{TaskID: "ghost", To: scheduler.StatusFailed}, scheduler.Task{ID: "ghost"})
	if !errors.Is(err, scheduler.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestHistory(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	beginRun(t, store, "run-1")

	msgs := []state.Message{
		{Key: "engineer_response", Role: "engineer", TaskID: "T1", Content: `{"task_id":"T1"}`},
		{Key: "planner_response", Role: "planner", Content: `{"final_answer":"plan"}`},
		{Key: "engineer_response", Role: "engineer", TaskID: "T2", Content: `{"task_id":"T2"}`},
	}
	for _, msg := range msgs {
		if err := store.SaveMessage(ctx, "run-1", msg); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}

	all, err := store.History(ctx, "run-1", "")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(all) != 3 || all[1].Key != "planner_response" {
		t.Errorf("history = %+v", all)
	}

	eng, _ := store.History(ctx, "run-1", "engineer_response")
	if len(eng) != 2 || eng[0].TaskID != "T1" || eng[1].TaskID != "T2" {
		t.Errorf("engineer history = %+v", eng)
	}

	none, _ := store.History(ctx, "run-1", "reviewer_response")
	if none == nil || len(none) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", none)
	}
}

// TestMirrorAndResume drives a store through a short run with the mirror
// attached, then resumes it into fresh in-memory state.
func TestMirrorAndResume(t *testing.T) {
	db := testStore(t)
	ctx := context.Background()
	beginRun(t, db, "run-1")

	tasks := scheduler.NewStore(nil)
	conv := state.NewConversation()
	mirror := Attach(ctx, db, "run-1", tasks, conv, nil)

	list := scheduler.TaskList{Tasks: []scheduler.TaskSpec{
		{TaskID: "T1", TaskName: "Inventory", Agent: scheduler.RoleResearcher},
		{TaskID: "T2", TaskName: "Migrate", Agent: scheduler.RoleEngineer, DependsOn: []string{"T1"}},
		{TaskID: "T3", TaskName: "Verify", Agent: scheduler.RoleEngineer, DependsOn: []string{"T2"}},
	}}
	if _, err := tasks.Apply(list); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := tasks.ClaimTask("T1"); err != nil {
		t.Fatalf("ClaimTask T1: %v", err)
	}
	if err := tasks.Complete("T1", "3 VMs"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := conv.AppendJSON(state.ResponseKey(scheduler.RoleResearcher), scheduler.RoleResearcher, "T1", map[string]string{"final_answer": "3 VMs"}); err != nil {
		t.Fatalf("AppendJSON: %v", err)
	}
	if _, err := tasks.ClaimTask("T2"); err != nil {
		t.Fatalf("ClaimTask T2: %v", err)
	}
	// The process dies here with T2 in progress.

	if mirror.Errors() != 0 {
		t.Fatalf("mirror reported %d write errors", mirror.Errors())
	}

	restored := scheduler.NewStore(nil)
	restoredConv := state.NewConversation()
	Attach(ctx, db, "run-1", restored, restoredConv, nil)
	run, err := Resume(ctx, db, "run-1", restored, restoredConv)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if run.ID != "run-1" {
		t.Errorf("run = %+v", run)
	}

	t1, _ := restored.Get("T1")
	if t1.Status != scheduler.StatusCompleted || t1.Result != "3 VMs" {
		t.Errorf("T1 = %s %q", t1.Status, t1.Result)
	}
	t2, _ := restored.Get("T2")
	if t2.Status != scheduler.StatusFailed || t2.Error != "interrupted" {
		t.Errorf("T2 = %s %q, want failed interrupted", t2.Status, t2.Error)
	}
	t3, _ := restored.Get("T3")
	if t3.Status != scheduler.StatusPending || !reflect.DeepEqual(t3.DependsOn, []string{"T2"}) {
		t.Errorf("T3 = %+v", t3)
	}

	// Audit: T1 claimed + completed, T2 claimed + interrupted.
	if got := len(restored.Audit("")); got != 4 {
		t.Errorf("audit length = %d, want 4", got)
	}
	if restoredConv.Len(state.ResponseKey(scheduler.RoleResearcher)) != 1 {
		t.Error("conversation not restored")
	}

	// The interruption itself was mirrored.
	saved, _ := db.ListTasks(ctx, "run-1")
	if saved[1].Status != scheduler.StatusFailed {
		t.Errorf("saved T2 = %s, want failed", saved[1].Status)
	}
}

func TestResumeUnknownRun(t *testing.T) {
	db := testStore(t)
	_, err := Resume(context.Background(), db, "missing", scheduler.NewStore(nil), state.NewConversation())
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "runs.db")

	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	beginRun(t, store, "run-1")
	store.Close()

	reopened, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	runs, err := reopened.ListRuns(ctx)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-1" {
		t.Errorf("runs = %+v", runs)
	}
}
