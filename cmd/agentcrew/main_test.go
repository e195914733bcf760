package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/agentcrew/internal/config"
	"github.com/aristath/agentcrew/internal/persistence"
)

func parse(t *testing.T, args ...string) (*CLI, *kong.Context) {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli)
	require.NoError(t, err)
	kctx, err := parser.Parse(args)
	require.NoError(t, err)
	return &cli, kctx
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRunCmdFlags(t *testing.T) {
	tasks := writeFile(t, "tasks.yaml", "tasks: []\n")
	cli, kctx := parse(t, "run", "migrate vm-1", "--max-iterations", "7", "--tasks", tasks, "--db", "crew.db", "--tui", "-v", "--nats-url", "nats://localhost:4222")

	assert.Equal(t, "run <request>", kctx.Command())
	assert.Equal(t, "migrate vm-1", cli.Run.Request)
	assert.Equal(t, 7, cli.Run.MaxIterations)
	assert.Equal(t, tasks, cli.Run.Tasks)
	assert.Equal(t, "crew.db", cli.Run.DB)
	assert.True(t, cli.Run.TUI)
	assert.True(t, cli.Run.Verbose)
	assert.Equal(t, "nats://localhost:4222", cli.Run.NATSURL)
}

func TestRunCmdRejectsMissingTaskFile(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli)
	require.NoError(t, err)
	_, err = parser.Parse([]string{"run", "--tasks", filepath.Join(t.TempDir(), "missing.json")})
	assert.Error(t, err)
}

func TestRunsRequiresDB(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli)
	require.NoError(t, err)
	_, err = parser.Parse([]string{"runs"})
	assert.Error(t, err)
}

func TestRunNeedsSomethingToDo(t *testing.T) {
	err := (&RunCmd{}).Run(context.Background(), &bytes.Buffer{})
	assert.ErrorContains(t, err, "a request, --tasks or --resume is required")
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := writeFile(t, "config.json", `{"run": {"failure_policy": "panic"}}`)
	err := (&RunCmd{Request: "x", Config: cfg}).Run(context.Background(), &bytes.Buffer{})
	assert.ErrorContains(t, err, `unknown policy "panic"`)
}

func TestValidateCmd(t *testing.T) {
	good := writeFile(t, "tasks.json", `{"tasks": [
	  {"task_id": "T1", "task_name": "Inventory VMs", "agent": "researcher"},
	  {"task_id": "T2", "task_name": "Migrate vm-1", "agent": "engineer", "depends_on": ["T1"]}
	]}`)
	var out bytes.Buffer
	require.NoError(t, (&ValidateCmd{File: good}).Run(&out))
	assert.Contains(t, out.String(), "2 tasks OK")
	assert.Contains(t, out.String(), "Migrate vm-1")

	cyclic := writeFile(t, "cycle.yaml", `tasks:
  - {task_id: T1, task_name: a, agent: engineer, depends_on: [T2]}
  - {task_id: T2, task_name: b, agent: engineer, depends_on: [T1]}
`)
	assert.Error(t, (&ValidateCmd{File: cyclic}).Run(&bytes.Buffer{}))
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, (&VersionCmd{}).Run(&out))
	assert.Equal(t, "agentcrew dev (unknown)\n", out.String())
}

// fakeOllama answers every generate call with the same advisor reply.
func fakeOllama(t *testing.T, reply string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"model": "test-model", "response": reply, "done": true})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestRunEndToEnd(t *testing.T) {
	t.Setenv("OLLAMA_HOST", "")
	t.Setenv("AGENTCREW_MODEL", "")
	srv, calls := fakeOllama(t, `{"thought": "nothing to change", "final_answer": "plan reviewed"}`)

	cfg := writeFile(t, "config.json", `{
	  "oracle": {"endpoint": "`+srv.URL+`", "model": "test-model", "max_attempts": 1, "timeout": "5s"},
	  "run": {"max_rounds": 2}
	}`)
	tasks := writeFile(t, "tasks.json", `{"tasks": [{"task_id": "T1", "task_name": "Review the plan", "agent": "planner"}]}`)
	dbPath := filepath.Join(t.TempDir(), "crew.db")

	var out bytes.Buffer
	cmd := &RunCmd{Config: cfg, Tasks: tasks, DB: dbPath}
	require.NoError(t, cmd.Run(context.Background(), &out))

	text := out.String()
	assert.Contains(t, text, "-> T1 [planner] Review the plan")
	assert.Contains(t, text, "ok T1 after 1 iterations")
	assert.Contains(t, text, "1/1 tasks completed, 0 failed")
	assert.Contains(t, text, "plan reviewed")
	assert.Equal(t, int32(2), calls.Load(), "one call for the task and one for the review")

	db, err := persistence.NewSQLiteStore(context.Background(), dbPath)
	require.NoError(t, err)
	defer db.Close()
	runs, err := db.ListRuns(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, persistence.RunSucceeded, runs[0].Status)
	assert.Equal(t, "plan reviewed", runs[0].Summary)

	saved, err := db.ListTasks(context.Background(), runs[0].ID)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "completed", string(saved[0].Status))

	var listing bytes.Buffer
	require.NoError(t, (&RunsCmd{DB: dbPath}).Run(context.Background(), &listing))
	assert.Contains(t, listing.String(), runs[0].ID)
	assert.Contains(t, listing.String(), "succeeded")
}

func TestRunResumeNeedsDB(t *testing.T) {
	t.Setenv("OLLAMA_HOST", "")
	srv, _ := fakeOllama(t, `{"final_answer": "x"}`)
	cfg := writeFile(t, "config.json", `{"oracle": {"endpoint": "`+srv.URL+`", "model": "m"}}`)

	err := (&RunCmd{Config: cfg, Resume: "run-1"}).Run(context.Background(), &bytes.Buffer{})
	assert.ErrorContains(t, err, "--resume needs --db")
}

func TestRunsCmdEmpty(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, (&RunsCmd{DB: filepath.Join(t.TempDir(), "empty.db")}).Run(context.Background(), &out))
	assert.Equal(t, "no runs recorded\n", out.String())
}

func TestProgressLineQuietByDefault(t *testing.T) {
	assert.Empty(t, progressLine(nil, false))
	assert.True(t, strings.HasPrefix(truncate(strings.Repeat("a", 80), 10), "aaaaaaa..."))
}

func TestInitCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crew", "config.toml")
	var out bytes.Buffer
	require.NoError(t, (&InitCmd{Path: path}).Run(&out))
	assert.Equal(t, "wrote "+path+"\n", out.String())

	cfg, err := config.Load("", path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, config.DefaultConfig().Oracle.Model, cfg.Oracle.Model)

	err = (&InitCmd{Path: path}).Run(&out)
	assert.ErrorContains(t, err, "already exists")
	assert.NoError(t, (&InitCmd{Path: path, Force: true}).Run(&out))
}
