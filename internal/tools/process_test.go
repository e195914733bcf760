package tools

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRunCommand_BasicExecution verifies basic command execution
func TestRunCommand_BasicExecution(t *testing.T) {
	cmd := newCommand(context.Background(), "echo", "hello")

	out, err := runCommand(cmd, nil, 0)
	require.NoError(t, err)
	assert.Contains(t, out.Stdout, "hello")
	assert.Empty(t, out.Stderr)
	assert.False(t, out.Truncated)
}

// TestRunCommand_LargeOutput verifies no deadlock when output exceeds the pipe buffer
func TestRunCommand_LargeOutput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// ~256KB, well above a 64KB pipe buffer, on both streams.
	cmd := newCommand(ctx, "bash", "-c", "for i in $(seq 1 20000); do echo line-$i-xxxxxx; echo err-$i >&2; done")

	out, err := runCommand(cmd, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 20000, strings.Count(out.Stdout, "\n"))
	assert.Equal(t, 20000, strings.Count(out.Stderr, "\n"))
}

// TestRunCommand_OutputLimit verifies capped streams are drained and flagged
func TestRunCommand_OutputLimit(t *testing.T) {
	cmd := newCommand(context.Background(), "bash", "-c", "seq 1 100000")

	out, err := runCommand(cmd, nil, 1024)
	require.NoError(t, err)
	assert.Len(t, out.Stdout, 1024)
	assert.True(t, out.Truncated)
	assert.True(t, strings.HasPrefix(out.Stdout, "1\n2\n3\n"), "expected the head of the output")
}

// TestRunCommand_ContextCancellation verifies the process group is killed on cancel
func TestRunCommand_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	// The child sleep would keep the pipes open if only the shell were killed.
	cmd := newCommand(ctx, "bash", "-c", "sleep 30 & wait")

	start := time.Now()
	_, err := runCommand(cmd, nil, 0)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

// TestProcessManager_TrackUntrack verifies tracking while running
func TestProcessManager_TrackUntrack(t *testing.T) {
	pm := NewProcessManager()

	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()

	pm.Track(cmd)
	assert.Equal(t, 1, pm.Count())

	pm.Untrack(cmd)
	assert.Equal(t, 0, pm.Count())
}

// TestProcessManager_KillAll verifies tracked process groups are terminated
func TestProcessManager_KillAll(t *testing.T) {
	pm := NewProcessManager()
	tool := NewCommandTool("sleeper", "sleeps", "sleep", nil, pm)

	done := make(chan error, 1)
	go func() {
		_, err := tool.Invoke(context.Background(), map[string]any{"args": []any{"30"}})
		done <- err
	}()

	require.Eventually(t, func() bool { return pm.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, pm.KillAll())

	select {
	case err := <-done:
		assert.Error(t, err, "a killed command reports an error")
	case <-time.After(5 * time.Second):
		t.Fatal("Killed command did not return")
	}
	assert.Equal(t, 0, pm.Count(), "the process is untracked after exit")
}

// TestCommandTool verifies argument handling, output capture and exit codes
func TestCommandTool(t *testing.T) {
	tool := NewCommandTool("sh", "shell", "bash", []string{"-c"}, nil)

	out, err := tool.Invoke(context.Background(), map[string]any{"args": []any{"echo 42"}})
	require.NoError(t, err)
	result := out.(map[string]any)
	assert.Equal(t, "42", strings.TrimSpace(result["stdout"].(string)))
	assert.Equal(t, 0, result["exit_code"])
	assert.Equal(t, false, result["truncated"])

	_, err = tool.Invoke(context.Background(), map[string]any{"args": []any{"echo no such vm >&2; exit 3"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit 3")
	assert.Contains(t, err.Error(), "no such vm")

	out, err = tool.Invoke(context.Background(), map[string]any{"args": []any{"cat"}, "stdin": "from stdin"})
	require.NoError(t, err)
	assert.Equal(t, "from stdin", out.(map[string]any)["stdout"])

	_, err = tool.Invoke(context.Background(), map[string]any{"args": map[string]any{"x": 1}})
	assert.Error(t, err, "non-list args are rejected")
}
