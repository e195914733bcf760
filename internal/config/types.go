package config

import (
	"fmt"
	"time"
)

// Loop shapes an agent can run.
const (
	LoopReAct   = "react"   // Simple thought/action/observation loop
	LoopReflect = "reflect" // Think-act-reflect loop
	LoopAdvisor = "advisor" // Single oracle call, no tools (planner, reviewer)
)

// Failure policies for a batch of tasks.
const (
	FailureContinue = "continue"
	FailureAbort    = "abort"
)

// Tool types understood by the tool registry builder.
const (
	ToolCommand  = "command"
	ToolWebCrawl = "web_crawl"
	ToolHTTPAPI  = "http_api"
	ToolConsult  = "consult" // Question desk served by the planner during a run
)

// Duration is a time.Duration that reads and writes as a string ("30s", "2m").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. JSON, YAML and TOML
// decoders all route string values through it.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// OracleConfig points the oracle client at an Ollama endpoint and sets sampling and retry knobs.
type OracleConfig struct {
	Endpoint        string   `json:"endpoint,omitempty" yaml:"endpoint,omitempty" toml:"endpoint,omitempty"`
	Model           string   `json:"model,omitempty" yaml:"model,omitempty" toml:"model,omitempty"`
	Temperature     float64  `json:"temperature,omitempty" yaml:"temperature,omitempty" toml:"temperature,omitempty"`
	TopP            float64  `json:"top_p,omitempty" yaml:"top_p,omitempty" toml:"top_p,omitempty"`
	TopK            int      `json:"top_k,omitempty" yaml:"top_k,omitempty" toml:"top_k,omitempty"`
	RepeatPenalty   float64  `json:"repeat_penalty,omitempty" yaml:"repeat_penalty,omitempty" toml:"repeat_penalty,omitempty"`
	Timeout         Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" toml:"timeout,omitempty"`               // Per attempt
	MaxAttempts     int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty" toml:"max_attempts,omitempty"` // Including the first
	InitialInterval Duration `json:"initial_interval,omitempty" yaml:"initial_interval,omitempty" toml:"initial_interval,omitempty"`
	MaxInterval     Duration `json:"max_interval,omitempty" yaml:"max_interval,omitempty" toml:"max_interval,omitempty"`
	MaxElapsed      Duration `json:"max_elapsed,omitempty" yaml:"max_elapsed,omitempty" toml:"max_elapsed,omitempty"`
}

// AgentConfig defines how one role reasons: loop shape, prompt, and tool set.
type AgentConfig struct {
	Loop            string   `json:"loop,omitempty" yaml:"loop,omitempty" toml:"loop,omitempty"`
	Model           string   `json:"model,omitempty" yaml:"model,omitempty" toml:"model,omitempty"` // Overrides oracle.model
	SystemPrompt    string   `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty" toml:"system_prompt,omitempty"`
	Tools           []string `json:"tools,omitempty" yaml:"tools,omitempty" toml:"tools,omitempty"` // Keys into Tools map
	MaxIterations   int      `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty" toml:"max_iterations,omitempty"`
	RepetitionLimit int      `json:"repetition_limit,omitempty" yaml:"repetition_limit,omitempty" toml:"repetition_limit,omitempty"`
	RequireAction   *bool    `json:"require_action,omitempty" yaml:"require_action,omitempty" toml:"require_action,omitempty"`
	CallTimeout     Duration `json:"call_timeout,omitempty" yaml:"call_timeout,omitempty" toml:"call_timeout,omitempty"` // Per oracle or tool call of the loop
}

// ActionRequired reports whether a final answer must be preceded by a successful tool call.
func (a AgentConfig) ActionRequired() bool {
	return a.RequireAction == nil || *a.RequireAction
}

// ToolConfig describes one tool instance. Which fields apply depends on Type.
type ToolConfig struct {
	Type        string            `json:"type" yaml:"type" toml:"type"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Command     string            `json:"command,omitempty" yaml:"command,omitempty" toml:"command,omitempty"`
	Args        []string          `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`
	WorkDir     string            `json:"work_dir,omitempty" yaml:"work_dir,omitempty" toml:"work_dir,omitempty"`
	BaseURL     string            `json:"base_url,omitempty" yaml:"base_url,omitempty" toml:"base_url,omitempty"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" toml:"headers,omitempty"`
	RateLimit   float64           `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty" toml:"rate_limit,omitempty"` // Requests per second
	Burst       int               `json:"burst,omitempty" yaml:"burst,omitempty" toml:"burst,omitempty"`
	CacheSize   int               `json:"cache_size,omitempty" yaml:"cache_size,omitempty" toml:"cache_size,omitempty"`
	MaxBytes    int               `json:"max_bytes,omitempty" yaml:"max_bytes,omitempty" toml:"max_bytes,omitempty"`
	Timeout     Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty" toml:"timeout,omitempty"`
}

// RunConfig bounds a whole crew run.
type RunConfig struct {
	MaxRounds     int      `json:"max_rounds,omitempty" yaml:"max_rounds,omitempty" toml:"max_rounds,omitempty"`
	Concurrency   int      `json:"concurrency,omitempty" yaml:"concurrency,omitempty" toml:"concurrency,omitempty"`
	FailurePolicy string   `json:"failure_policy,omitempty" yaml:"failure_policy,omitempty" toml:"failure_policy,omitempty"`
	WorkerRoles   []string `json:"worker_roles,omitempty" yaml:"worker_roles,omitempty" toml:"worker_roles,omitempty"`
	ToolTimeout   Duration `json:"tool_timeout,omitempty" yaml:"tool_timeout,omitempty" toml:"tool_timeout,omitempty"` // Gateway bound for tools without their own
	DBPath        string   `json:"db_path,omitempty" yaml:"db_path,omitempty" toml:"db_path,omitempty"`
	MetricsAddr   string   `json:"metrics_addr,omitempty" yaml:"metrics_addr,omitempty" toml:"metrics_addr,omitempty"`
	NATSURL       string   `json:"nats_url,omitempty" yaml:"nats_url,omitempty" toml:"nats_url,omitempty"`
	NATSSubject   string   `json:"nats_subject,omitempty" yaml:"nats_subject,omitempty" toml:"nats_subject,omitempty"`
}

// Config is the top-level configuration.
type Config struct {
	Oracle OracleConfig           `json:"oracle" yaml:"oracle" toml:"oracle"`
	Agents map[string]AgentConfig `json:"agents" yaml:"agents" toml:"agents"`
	Tools  map[string]ToolConfig  `json:"tools" yaml:"tools" toml:"tools"`
	Run    RunConfig              `json:"run" yaml:"run" toml:"run"`
}
