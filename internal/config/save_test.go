package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func sampleConfig() *Config {
	no := false
	return &Config{
		Oracle: OracleConfig{Model: "qwen2.5", Timeout: Duration(90 * time.Second)},
		Agents: map[string]AgentConfig{
			"engineer": {
				Loop:          LoopReflect,
				Tools:         []string{"kubectl", "virtctl"},
				MaxIterations: 7,
				RequireAction: &no,
			},
		},
		Tools: map[string]ToolConfig{
			"kubectl": {Type: ToolCommand, Command: "kubectl", Args: []string{"--context", "target"}},
		},
		Run: RunConfig{Concurrency: 2},
	}
}

func TestSaveLoadEachFormat(t *testing.T) {
	for _, name := range []string{"config.json", "config.yaml", "config.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			if err := Save(sampleConfig(), path); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			loaded, err := Load(path, "")
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if loaded.Oracle.Model != "qwen2.5" || loaded.Oracle.Timeout.Std() != 90*time.Second {
				t.Errorf("oracle mismatch: %+v", loaded.Oracle)
			}
			engineer := loaded.Agents["engineer"]
			if engineer.MaxIterations != 7 || len(engineer.Tools) != 2 {
				t.Errorf("engineer mismatch: %+v", engineer)
			}
			if engineer.ActionRequired() {
				t.Error("expected require_action=false to survive the round trip")
			}
			if args := loaded.Tools["kubectl"].Args; len(args) != 2 || args[1] != "target" {
				t.Errorf("kubectl args mismatch: %v", args)
			}
			if loaded.Run.Concurrency != 2 {
				t.Errorf("concurrency = %d, want 2", loaded.Run.Concurrency)
			}
			// Defaults that were not saved are still present.
			if _, ok := loaded.Agents["researcher"]; !ok {
				t.Error("expected default researcher agent after merge")
			}
		})
	}
}

func TestSaveDurationsAsText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := Save(sampleConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "timeout: 1m30s") {
		t.Errorf("expected a readable duration, got:\n%s", data)
	}
}

func TestSaveCreatesParentDirAndOverwrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "deep", "config.json")

	if err := Save(&Config{Oracle: OracleConfig{Model: "first"}}, path); err != nil {
		t.Fatalf("First save failed: %v", err)
	}
	if err := Save(&Config{Oracle: OracleConfig{Model: "second"}}, path); err != nil {
		t.Fatalf("Second save failed: %v", err)
	}

	loaded, err := Load("", path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Oracle.Model != "second" {
		t.Errorf("Expected 'second', got '%s'", loaded.Oracle.Model)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected no temp files left behind, got %d entries", len(entries))
	}
}

func TestSaveRejectsUnknownFormat(t *testing.T) {
	err := Save(&Config{}, filepath.Join(t.TempDir(), "config.ini"))
	if err == nil || !strings.Contains(err.Error(), "unsupported config format") {
		t.Fatalf("expected unsupported format error, got %v", err)
	}
}
