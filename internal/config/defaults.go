package config

import "time"

// DefaultConfig returns the built-in crew: six roles, a crawler, cluster CLIs,
// the cluster API and the planner desk.
func DefaultConfig() *Config {
	return &Config{
		Oracle: OracleConfig{
			Endpoint:        "http://localhost:11434",
			Model:           "llama3.1",
			Temperature:     0.2,
			TopP:            0.9,
			TopK:            40,
			RepeatPenalty:   1.1,
			Timeout:         Duration(2 * time.Minute),
			MaxAttempts:     3,
			InitialInterval: Duration(500 * time.Millisecond),
			MaxInterval:     Duration(5 * time.Second),
			MaxElapsed:      Duration(5 * time.Minute),
		},
		Agents: map[string]AgentConfig{
			"planner": {
				Loop:         LoopAdvisor,
				SystemPrompt: "You are the planner. Break the request into stages and name the risks of each stage.",
			},
			"project_manager": {
				Loop:         LoopAdvisor,
				SystemPrompt: "You are the project manager. Turn the plan into a task list with owners and dependencies.",
			},
			"engineer": {
				Loop:          LoopReflect,
				SystemPrompt:  "You are the migration engineer. Execute each task with the cluster tools and verify the result.",
				Tools:         []string{"kubectl", "virtctl", "cluster_api", "consult_planner"},
				MaxIterations: 5,
			},
			"researcher": {
				Loop:            LoopReAct,
				SystemPrompt:    "You are the researcher. Gather facts from documentation before answering.",
				Tools:           []string{"web_crawl", "consult_planner"},
				MaxIterations:   15,
				RepetitionLimit: 3,
			},
			"reviewer": {
				Loop:         LoopAdvisor,
				SystemPrompt: "You are the reviewer. Summarise what was done and flag anything left unverified.",
			},
			"tool_invoker": {
				Loop:            LoopReAct,
				SystemPrompt:    "You run exactly the tool the task names with the inputs provided and report its output.",
				Tools:           []string{"kubectl", "virtctl", "cluster_api", "web_crawl"},
				MaxIterations:   15,
				RepetitionLimit: 3,
			},
		},
		Tools: map[string]ToolConfig{
			"kubectl": {
				Type:        ToolCommand,
				Description: "Run kubectl against the target cluster. Input: {\"args\": [\"get\", \"vm\"]}",
				Command:     "kubectl",
				Timeout:     Duration(time.Minute),
			},
			"virtctl": {
				Type:        ToolCommand,
				Description: "Run virtctl to manage virtual machines. Input: {\"args\": [\"start\", \"vm-name\"]}",
				Command:     "virtctl",
				Timeout:     Duration(time.Minute),
			},
			"cluster_api": {
				Type:        ToolHTTPAPI,
				Description: "Call the cluster management API. Input: {\"method\": \"GET\", \"path\": \"/api/v1/vms\", \"body\": {}}",
				BaseURL:     "http://localhost:8080",
				RateLimit:   5,
				Burst:       5,
				Timeout:     Duration(30 * time.Second),
			},
			"consult_planner": {
				Type: ToolConsult,
			},
			"web_crawl": {
				Type:        ToolWebCrawl,
				Description: "Fetch a web page and return its title and text. Input: {\"url\": \"https://...\", \"selector\": \"main\"}",
				CacheSize:   128,
				MaxBytes:    8000,
				Timeout:     Duration(30 * time.Second),
			},
		},
		Run: RunConfig{
			MaxRounds:     5,
			Concurrency:   1,
			FailurePolicy: FailureContinue,
			WorkerRoles:   []string{"researcher", "engineer", "tool_invoker"},
			NATSSubject:   "agentcrew.events",
		},
	}
}
