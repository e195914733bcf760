package tools

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/aristath/agentcrew/internal/config"
)

// Build creates a registry holding one tool per config entry, in name order,
// except consult entries.
// pm tracks subprocesses started by command tools; client is shared by the
// HTTP-based tools and may be nil.
func Build(cfgs map[string]config.ToolConfig, pm *ProcessManager, client *http.Client) (*Registry, error) {
	names := make([]string, 0, len(cfgs))
	for name := range cfgs {
		names = append(names, name)
	}
	sort.Strings(names)

	reg := NewRegistry()
	for _, name := range names {
		if cfgs[name].Type == config.ToolConsult {
			// Served by the crew, which registers it itself.
			continue
		}
		tool, err := buildTool(name, cfgs[name], pm, client)
		if err != nil {
			return nil, err
		}
		if d := cfgs[name].Timeout.Std(); d > 0 {
			tool = timedTool{Tool: tool, timeout: d}
		}
		if err := reg.Register(tool); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func buildTool(name string, cfg config.ToolConfig, pm *ProcessManager, client *http.Client) (Tool, error) {
	switch cfg.Type {
	case config.ToolCommand:
		if cfg.Command == "" {
			return nil, fmt.Errorf("tool %q: command is required", name)
		}
		return NewCommandTool(name, cfg.Description, cfg.Command, cfg.Args, pm).
			WithWorkDir(cfg.WorkDir).
			WithMaxBytes(cfg.MaxBytes), nil
	case config.ToolWebCrawl:
		return NewWebCrawlTool(name, cfg.Description, client, cfg.CacheSize, cfg.MaxBytes)
	case config.ToolHTTPAPI:
		return NewHTTPAPITool(name, cfg.Description, cfg.BaseURL, cfg.Headers, cfg.RateLimit, cfg.Burst, client)
	default:
		return nil, fmt.Errorf("tool %q: unknown type %q", name, cfg.Type)
	}
}

// timedTool bounds every call of the wrapped tool.
type timedTool struct {
	Tool
	timeout time.Duration
}

func (t timedTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.Tool.Invoke(ctx, args)
}
