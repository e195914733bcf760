package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// DefaultOutputLimit caps each captured stream of a command tool.
const DefaultOutputLimit = 64 << 10

// waitDelay bounds how long Wait keeps reading pipes held open by
// grandchildren after the command itself has exited.
const waitDelay = 2 * time.Second

// newCommand creates an exec.Cmd in its own process group. Cancelling ctx
// kills the whole group, not just the leader.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return killGroup(cmd) }
	cmd.WaitDelay = waitDelay
	return cmd
}

// commandOutput is what a finished subprocess wrote.
type commandOutput struct {
	Stdout    string
	Stderr    string
	Truncated bool
}

// runCommand runs cmd to completion, tracked by pm while it runs (pm may be
// nil). At most limit bytes of each stream are kept; limit <= 0 keeps all.
func runCommand(cmd *exec.Cmd, pm *ProcessManager, limit int) (commandOutput, error) {
	stdout := &cappedBuffer{limit: limit}
	stderr := &cappedBuffer{limit: limit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return commandOutput{}, fmt.Errorf("starting %s: %w", cmd.Path, err)
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}
	err := cmd.Wait()

	return commandOutput{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.dropped > 0 || stderr.dropped > 0,
	}, err
}

// cappedBuffer keeps the first limit bytes written and counts the rest.
// Writes never fail, so a chatty child is drained rather than blocked.
type cappedBuffer struct {
	buf     bytes.Buffer
	limit   int
	dropped int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.limit <= 0 {
		return b.buf.Write(p)
	}
	room := b.limit - b.buf.Len()
	if room < 0 {
		room = 0
	}
	keep := min(room, len(p))
	b.buf.Write(p[:keep])
	b.dropped += len(p) - keep
	return len(p), nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }

// killGroup sends SIGKILL to the process group of a started command.
func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return errors.New("process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing process group %d: %w", cmd.Process.Pid, err)
	}
	return nil
}

// ProcessManager tracks running tool subprocesses so shutdown can kill
// every one of them.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[*exec.Cmd]struct{}
}

// NewProcessManager creates an empty ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{procs: make(map[*exec.Cmd]struct{})}
}

// Track registers a started subprocess. Unstarted commands are ignored.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	pm.procs[cmd] = struct{}{}
	pm.mu.Unlock()
}

// Untrack forgets a subprocess once it has been waited for.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	pm.mu.Lock()
	delete(pm.procs, cmd)
	pm.mu.Unlock()
}

// KillAll kills the process group of every tracked subprocess. Groups that
// already exited are not errors.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for cmd := range pm.procs {
		if err := killGroup(cmd); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of tracked subprocesses.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
