package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file configuration.
const (
	EnvOllamaHost = "OLLAMA_HOST"
	EnvModel      = "AGENTCREW_MODEL"
)

// configNames are tried in order inside each config directory.
var configNames = []string{"config.json", "config.yaml", "config.yml", "config.toml"}

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed files return an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths and applies environment overrides.
// Global: ~/.agentcrew/config.{json,yaml,yml,toml}
// Project: .agentcrew/config.{json,yaml,yml,toml} (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	cfg, err := Load(findConfig(filepath.Join(homeDir, ".agentcrew")), findConfig(".agentcrew"))
	if err != nil {
		return nil, err
	}
	ApplyEnv(cfg)
	return cfg, nil
}

// ApplyEnv overrides the oracle endpoint and model from the environment.
func ApplyEnv(cfg *Config) {
	if host := os.Getenv(EnvOllamaHost); host != "" {
		if !strings.Contains(host, "://") {
			host = "http://" + host
		}
		cfg.Oracle.Endpoint = host
	}
	if model := os.Getenv(EnvModel); model != "" {
		cfg.Oracle.Model = model
	}
}

// findConfig returns the first existing config file in dir, or "" if none exists.
func findConfig(dir string) string {
	for _, name := range configNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Decode parses data in the format implied by the file extension of path.
func Decode(path string, data []byte, v any) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, v)
	case ".toml":
		return toml.Unmarshal(data, v)
	case ".json", "":
		return json.Unmarshal(data, v)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

// mergeConfigFile reads a config file and merges it into the base config.
// Missing files are silently skipped. Malformed content returns an error.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // Missing file is not an error
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded Config
	if err := Decode(path, data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	mergeOracle(&base.Oracle, loaded.Oracle)
	mergeRun(&base.Run, loaded.Run)

	for key, agent := range loaded.Agents {
		base.Agents[key] = agent
	}
	for key, tool := range loaded.Tools {
		base.Tools[key] = tool
	}

	return nil
}

// mergeOracle copies every non-zero field of src over dst.
func mergeOracle(dst *OracleConfig, src OracleConfig) {
	if src.Endpoint != "" {
		dst.Endpoint = src.Endpoint
	}
	if src.Model != "" {
		dst.Model = src.Model
	}
	if src.Temperature != 0 {
		dst.Temperature = src.Temperature
	}
	if src.TopP != 0 {
		dst.TopP = src.TopP
	}
	if src.TopK != 0 {
		dst.TopK = src.TopK
	}
	if src.RepeatPenalty != 0 {
		dst.RepeatPenalty = src.RepeatPenalty
	}
	if src.Timeout != 0 {
		dst.Timeout = src.Timeout
	}
	if src.MaxAttempts != 0 {
		dst.MaxAttempts = src.MaxAttempts
	}
	if src.InitialInterval != 0 {
		dst.InitialInterval = src.InitialInterval
	}
	if src.MaxInterval != 0 {
		dst.MaxInterval = src.MaxInterval
	}
	if src.MaxElapsed != 0 {
		dst.MaxElapsed = src.MaxElapsed
	}
}

// mergeRun copies every non-zero field of src over dst.
func mergeRun(dst *RunConfig, src RunConfig) {
	if src.MaxRounds != 0 {
		dst.MaxRounds = src.MaxRounds
	}
	if src.Concurrency != 0 {
		dst.Concurrency = src.Concurrency
	}
	if src.FailurePolicy != "" {
		dst.FailurePolicy = src.FailurePolicy
	}
	if len(src.WorkerRoles) > 0 {
		dst.WorkerRoles = src.WorkerRoles
	}
	if src.ToolTimeout != 0 {
		dst.ToolTimeout = src.ToolTimeout
	}
	if src.DBPath != "" {
		dst.DBPath = src.DBPath
	}
	if src.MetricsAddr != "" {
		dst.MetricsAddr = src.MetricsAddr
	}
	if src.NATSURL != "" {
		dst.NATSURL = src.NATSURL
	}
	if src.NATSSubject != "" {
		dst.NATSSubject = src.NATSSubject
	}
}
