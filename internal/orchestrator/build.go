package orchestrator

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/aristath/agentcrew/internal/config"
	"github.com/aristath/agentcrew/internal/events"
	"github.com/aristath/agentcrew/internal/oracle"
	"github.com/aristath/agentcrew/internal/react"
	"github.com/aristath/agentcrew/internal/scheduler"
	"github.com/aristath/agentcrew/internal/state"
	"github.com/aristath/agentcrew/internal/telemetry"
	"github.com/aristath/agentcrew/internal/tools"
)

// OracleFactory returns the oracle client for a model. An empty model means
// the configured default.
type OracleFactory func(model string) oracle.Client

// Agents holds the loops built for each configured role.
type Agents struct {
	Runners  map[string]react.Runner
	Advisors map[string]*react.Advisor
}

// BuildOptions carries the shared collaborators of every agent.
type BuildOptions struct {
	ToolTimeout time.Duration
	Bus         *events.EventBus
	Metrics     *telemetry.Metrics
	Logger      *slog.Logger
}

// BuildAgents creates one runner and one advisor per configured role. Each
// role sees only the tools its config names.
func BuildAgents(agents map[string]config.AgentConfig, registry *tools.Registry, oracles OracleFactory, opts BuildOptions) (Agents, error) {
	out := Agents{
		Runners:  make(map[string]react.Runner, len(agents)),
		Advisors: make(map[string]*react.Advisor, len(agents)),
	}
	for role, ac := range agents {
		subset, err := registry.Subset(ac.Tools)
		if err != nil {
			return Agents{}, fmt.Errorf("agent %q: %w", role, err)
		}
		deps := react.Deps{
			Oracle: oracles(ac.Model),
			Tools: tools.NewGateway(subset, tools.GatewayOptions{
				Timeout: opts.ToolTimeout,
				Metrics: opts.Metrics,
				Logger:  opts.Logger,
			}),
			Bus:     opts.Bus,
			Metrics: opts.Metrics,
			Logger:  opts.Logger,
		}
		loopOpts := react.Options{
			Role:            role,
			Instructions:    ac.SystemPrompt,
			MaxIterations:   ac.MaxIterations,
			RepetitionLimit: ac.RepetitionLimit,
			RequireAction:   ac.ActionRequired(),
			CallTimeout:     ac.CallTimeout.Std(),
		}

		advisor := react.NewAdvisor(deps, loopOpts)
		out.Advisors[role] = advisor

		switch ac.Loop {
		case config.LoopReAct:
			out.Runners[role] = react.NewReActLoop(deps, loopOpts)
		case config.LoopReflect:
			out.Runners[role] = react.NewReflectLoop(deps, loopOpts)
		case config.LoopAdvisor, "":
			out.Runners[role] = advisor
		default:
			return Agents{}, fmt.Errorf("agent %q: unknown loop %q", role, ac.Loop)
		}
	}
	return out, nil
}

// AdvisorFor returns the named advisor or nil, keeping the Advisor
// interface nil when the role is not configured.
func (a Agents) AdvisorFor(role string) Advisor {
	if adv, ok := a.Advisors[role]; ok {
		return adv
	}
	return nil
}

// NewCrewFromAgents wires a crew from built agents using the planner,
// project manager and reviewer advisors.
func NewCrewFromAgents(store *scheduler.Store, conv *state.Conversation, agents Agents, runOpts Options, crewOpts CrewOptions) *Crew {
	orch := New(store, conv, agents.Runners, runOpts)
	return NewCrew(store, conv, orch,
		agents.AdvisorFor(scheduler.RolePlanner), agents.AdvisorFor(scheduler.RoleProjectManager), agents.AdvisorFor(scheduler.RoleReviewer), crewOpts)
}
