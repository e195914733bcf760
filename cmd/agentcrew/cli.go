package main

// Build-time variables (set via ldflags)
var (
	version = "dev"
	commit  = "unknown"
)

// CLI defines the command-line interface.
type CLI struct {
	Run      RunCmd      `cmd:"" help:"Run the crew on a request"`
	Validate ValidateCmd `cmd:"" help:"Validate a task-list file"`
	Runs     RunsCmd     `cmd:"" help:"List recorded runs"`
	Init     InitCmd     `cmd:"" help:"Write the default configuration to a file"`
	Version  VersionCmd  `cmd:"" help:"Show version information"`
}

// RunCmd runs the crew until every task is completed or rounds run out.
type RunCmd struct {
	Request       string `arg:"" optional:"" help:"What the crew should accomplish"`
	Config        string `short:"c" type:"existingfile" help:"Config file, used instead of ~/.agentcrew and .agentcrew"`
	Tasks         string `short:"t" type:"existingfile" help:"Task list (JSON or YAML) to start from; skips the first planning step"`
	MaxIterations int    `name:"max-iterations" short:"n" help:"Maximum crew rounds (overrides run.max_rounds)"`
	Concurrency   int    `help:"Tasks run at once per role (overrides run.concurrency)"`
	DB            string `name:"db" help:"SQLite database recording the run (overrides run.db_path)"`
	Resume        string `placeholder:"RUN-ID" help:"Resume a recorded run; requires a database"`
	TUI           bool   `name:"tui" help:"Show a live terminal UI"`
	LogFile       string `help:"Write logs here instead of stderr"`
	MetricsAddr   string `help:"Serve Prometheus metrics on this address (overrides run.metrics_addr)"`
	NATSURL       string `name:"nats-url" help:"Forward events to this NATS server (overrides run.nats_url)"`
	Verbose       bool   `short:"v" help:"Log debug output and print every reasoning step"`
}

// ValidateCmd parses a task-list file and checks its graph.
type ValidateCmd struct {
	File string `arg:"" type:"existingfile" help:"Task-list file"`
}

// RunsCmd lists the runs recorded in a database.
type RunsCmd struct {
	DB string `name:"db" required:"" help:"SQLite database path"`
}

// InitCmd writes the built-in defaults so they can be edited.
type InitCmd struct {
	Path  string `arg:"" optional:"" default:".agentcrew/config.yaml" help:"Destination; the extension picks JSON, YAML or TOML"`
	Force bool   `short:"f" help:"Overwrite an existing file"`
}

// VersionCmd shows version information.
type VersionCmd struct{}
