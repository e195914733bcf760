package tools

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CommandTool runs a fixed binary with base arguments plus per-call arguments.
//
// Input:  {"args": ["get", "vm", "-o", "json"], "stdin": "..."}
// Output: {"stdout": "...", "stderr": "...", "exit_code": 0, "truncated": false}
//
// A non-zero exit status is an invocation error carrying stderr.
type CommandTool struct {
	name        string
	description string
	command     string
	baseArgs    []string
	workDir     string
	maxBytes    int
	pm          *ProcessManager
}

// NewCommandTool creates a command tool. pm may be nil.
func NewCommandTool(name, description, command string, baseArgs []string, pm *ProcessManager) *CommandTool {
	return &CommandTool{
		name:        name,
		description: description,
		command:     command,
		baseArgs:    append([]string(nil), baseArgs...),
		maxBytes:    DefaultOutputLimit,
		pm:          pm,
	}
}

// WithWorkDir sets the directory the command runs in.
func (t *CommandTool) WithWorkDir(dir string) *CommandTool {
	t.workDir = dir
	return t
}

// WithMaxBytes caps each captured stream; n <= 0 keeps the default.
func (t *CommandTool) WithMaxBytes(n int) *CommandTool {
	if n > 0 {
		t.maxBytes = n
	}
	return t
}

func (t *CommandTool) Name() string        { return t.name }
func (t *CommandTool) Description() string { return t.description }

func (t *CommandTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	extra, err := stringList(args["args"])
	if err != nil {
		return nil, fmt.Errorf("args: %w", err)
	}

	all := append(append([]string(nil), t.baseArgs...), extra...)
	cmd := newCommand(ctx, t.command, all...)
	cmd.Dir = t.workDir
	if stdin, ok := args["stdin"].(string); ok && stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	out, runErr := runCommand(cmd, t.pm, t.maxBytes)
	result := map[string]any{
		"stdout":    out.Stdout,
		"stderr":    out.Stderr,
		"exit_code": 0,
		"truncated": out.Truncated,
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result["exit_code"] = exitErr.ExitCode()
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s %s: %w", t.command, strings.Join(all, " "), ctx.Err())
		}
		msg := strings.TrimSpace(out.Stderr)
		if msg == "" {
			msg = runErr.Error()
		}
		return nil, fmt.Errorf("%s %s: exit %v: %s", t.command, strings.Join(all, " "), result["exit_code"], msg)
	}

	return result, nil
}

// stringList accepts nil, a string, []string or []any of scalars.
func stringList(v any) ([]string, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return strings.Fields(val), nil
	case []string:
		return val, nil
	case []any:
		out := make([]string, 0, len(val))
		for i, item := range val {
			switch s := item.(type) {
			case string:
				out = append(out, s)
			case float64, int, bool:
				out = append(out, fmt.Sprint(s))
			default:
				return nil, fmt.Errorf("element %d is %T, want string", i, item)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("got %T, want list of strings", v)
	}
}
