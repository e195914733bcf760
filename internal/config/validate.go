package config

import (
	"errors"
	"fmt"
	"sort"
)

// Validate checks cross references and enumerated values. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Oracle.Endpoint == "" {
		errs = append(errs, errors.New("oracle.endpoint is required"))
	}
	if c.Oracle.Model == "" {
		errs = append(errs, errors.New("oracle.model is required"))
	}
	if c.Oracle.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("oracle.max_attempts must be >= 0, got %d", c.Oracle.MaxAttempts))
	}

	for _, name := range sortedKeys(c.Agents) {
		agent := c.Agents[name]
		switch agent.Loop {
		case LoopReAct, LoopReflect, LoopAdvisor:
		default:
			errs = append(errs, fmt.Errorf("agent %q: unknown loop %q", name, agent.Loop))
		}
		if agent.CallTimeout < 0 {
			errs = append(errs, fmt.Errorf("agent %q: call_timeout must not be negative", name))
		}
		for _, tool := range agent.Tools {
			if _, ok := c.Tools[tool]; !ok {
				errs = append(errs, fmt.Errorf("agent %q: unknown tool %q", name, tool))
			}
		}
	}

	for _, name := range sortedKeys(c.Tools) {
		tool := c.Tools[name]
		switch tool.Type {
		case ToolCommand:
			if tool.Command == "" {
				errs = append(errs, fmt.Errorf("tool %q: command is required", name))
			}
		case ToolHTTPAPI:
			if tool.BaseURL == "" {
				errs = append(errs, fmt.Errorf("tool %q: base_url is required", name))
			}
		case ToolWebCrawl, ToolConsult:
		default:
			errs = append(errs, fmt.Errorf("tool %q: unknown type %q", name, tool.Type))
		}
	}

	switch c.Run.FailurePolicy {
	case "", FailureContinue, FailureAbort:
	default:
		errs = append(errs, fmt.Errorf("run.failure_policy: unknown policy %q", c.Run.FailurePolicy))
	}
	if c.Run.ToolTimeout < 0 {
		errs = append(errs, errors.New("run.tool_timeout must not be negative"))
	}
	for _, role := range c.Run.WorkerRoles {
		if _, ok := c.Agents[role]; !ok {
			errs = append(errs, fmt.Errorf("run.worker_roles: no agent configured for %q", role))
		}
	}

	return errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
