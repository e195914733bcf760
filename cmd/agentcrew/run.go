package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"slices"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/aristath/agentcrew/internal/config"
	"github.com/aristath/agentcrew/internal/events"
	"github.com/aristath/agentcrew/internal/oracle"
	"github.com/aristath/agentcrew/internal/orchestrator"
	"github.com/aristath/agentcrew/internal/persistence"
	"github.com/aristath/agentcrew/internal/scheduler"
	"github.com/aristath/agentcrew/internal/state"
	"github.com/aristath/agentcrew/internal/telemetry"
	"github.com/aristath/agentcrew/internal/tools"
	"github.com/aristath/agentcrew/internal/tui"
)

// Run executes the crew. Any failure, including rounds running out with
// tasks still pending, is returned so main exits with status 1.
func (c *RunCmd) Run(ctx context.Context, out io.Writer) error {
	if c.Request == "" && c.Tasks == "" && c.Resume == "" {
		return errors.New("a request, --tasks or --resume is required")
	}

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	logger, closeLog, err := c.newLogger()
	if err != nil {
		return err
	}
	defer closeLog()

	runID := c.Resume
	if runID == "" {
		runID = uuid.NewString()
	}
	logger = logger.With("run_id", runID)

	bus := events.NewEventBus()
	defer func() {
		bus.Close()
		if n := bus.Dropped(); n > 0 {
			logger.Warn("event subscribers fell behind", "dropped", n)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)
	if cfg.Run.MetricsAddr != "" {
		go func() {
			if err := telemetry.Serve(ctx, cfg.Run.MetricsAddr, reg, logger); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	if cfg.Run.NATSURL != "" {
		conn, err := events.ConnectNATS(cfg.Run.NATSURL, "agentcrew-"+runID, logger)
		if err != nil {
			return err
		}
		defer conn.Close()
		go events.NewForwarder(conn, cfg.Run.NATSSubject, runID, logger).Run(ctx, bus)
	}

	pm := tools.NewProcessManager()
	defer func() {
		if err := pm.KillAll(); err != nil {
			logger.Warn("killing tool subprocesses", "error", err)
		}
	}()
	registry, err := tools.Build(cfg.Tools, pm, &http.Client{Timeout: time.Minute})
	if err != nil {
		return err
	}

	oc := oracle.FromConfig(cfg.Oracle)
	oc.Metrics = metrics
	oc.Logger = logger
	client, err := oracle.NewOllamaClient(oc)
	if err != nil {
		return err
	}

	desk := orchestrator.NewConsultDesk(2 * max(cfg.Run.Concurrency, 1))
	for _, name := range slices.Sorted(maps.Keys(cfg.Tools)) {
		if tc := cfg.Tools[name]; tc.Type == config.ToolConsult {
			if err := registry.Register(desk.Tool(name, tc.Description)); err != nil {
				return err
			}
		}
	}

	agents, err := orchestrator.BuildAgents(cfg.Agents, registry, func(model string) oracle.Client {
		return client.WithModel(model)
	}, orchestrator.BuildOptions{
		ToolTimeout: cfg.Run.ToolTimeout.Std(),
		Bus:         bus,
		Metrics:     metrics,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	store := scheduler.NewStore(logger)
	conv := state.NewConversation()

	desk.AnswerWith(orchestrator.PlannerAnswers(agents.AdvisorFor(scheduler.RolePlanner), conv))
	deskCtx, stopDesk := context.WithCancel(ctx)
	desk.Start(deskCtx)
	defer func() {
		stopDesk()
		desk.Stop()
	}()

	request := c.Request
	var db *persistence.SQLiteStore
	if cfg.Run.DBPath != "" {
		db, err = persistence.NewSQLiteStore(ctx, cfg.Run.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()
	}
	if db != nil {
		mirror := persistence.Attach(ctx, db, runID, store, conv, logger)
		defer func() {
			if n := mirror.Errors(); n > 0 {
				logger.Warn("run history is incomplete", "failed_writes", n)
			}
		}()
	}

	if c.Resume != "" {
		if db == nil {
			return errors.New("--resume needs --db or run.db_path")
		}
		run, err := persistence.Resume(ctx, db, runID, store, conv)
		if err != nil {
			return err
		}
		if request == "" {
			request = run.Request
		}
		logger.Info("resuming run", "tasks", len(store.Tasks()), "status", run.Status)
	}
	if request == "" {
		request = "Complete the tasks in " + c.Tasks
	}
	if db != nil {
		if err := db.BeginRun(ctx, runID, request); err != nil {
			return err
		}
	}

	if c.Tasks != "" {
		list, err := scheduler.LoadTaskList(c.Tasks)
		if err != nil {
			return err
		}
		if _, err := store.Apply(list); err != nil {
			return fmt.Errorf("%s: %w", c.Tasks, err)
		}
	}

	crew := orchestrator.NewCrewFromAgents(store, conv, agents,
		orchestrator.Options{
			Concurrency:   cfg.Run.Concurrency,
			FailurePolicy: cfg.Run.FailurePolicy,
			Bus:           bus,
			Metrics:       metrics,
			Logger:        logger,
		},
		orchestrator.CrewOptions{
			MaxRounds:   cfg.Run.MaxRounds,
			WorkerRoles: cfg.Run.WorkerRoles,
			Bus:         bus,
			Logger:      logger,
		})

	logger.Info("run started", "request", request)
	var result orchestrator.CrewResult
	if c.TUI {
		result, err = runWithTUI(ctx, crew, request, bus)
	} else {
		result, err = runWithProgress(ctx, crew, request, bus, out, c.Verbose)
	}

	if db != nil {
		status, summary := persistence.RunSucceeded, result.Summary
		if err != nil {
			status, summary = persistence.RunFailed, err.Error()
		}
		if ferr := db.FinishRun(context.WithoutCancel(ctx), runID, status, summary); ferr != nil {
			logger.Error("recording run result failed", "error", ferr)
		}
	}

	p := result.Progress
	fmt.Fprintf(out, "\nrun %s: %d rounds, %d/%d tasks completed, %d failed\n", runID, result.Rounds, p.Completed, p.Total, p.Failed)
	if err != nil {
		return err
	}
	if result.Summary != "" {
		fmt.Fprintf(out, "\n%s\n", result.Summary)
	}
	return nil
}

func (c *RunCmd) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if c.Config != "" {
		cfg, err = config.Load("", c.Config)
		if err == nil {
			config.ApplyEnv(cfg)
		}
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}

	if c.MaxIterations > 0 {
		cfg.Run.MaxRounds = c.MaxIterations
	}
	if c.Concurrency > 0 {
		cfg.Run.Concurrency = c.Concurrency
	}
	if c.DB != "" {
		cfg.Run.DBPath = c.DB
	}
	if c.MetricsAddr != "" {
		cfg.Run.MetricsAddr = c.MetricsAddr
	}
	if c.NATSURL != "" {
		cfg.Run.NATSURL = c.NATSURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger writes text logs to stderr, or to --log-file. The TUI owns the
// terminal, so without a log file its logs are dropped.
func (c *RunCmd) newLogger() (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}

	var w io.Writer = os.Stderr
	closeFn := func() {}
	switch {
	case c.LogFile != "":
		f, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		w = f
		closeFn = func() { _ = f.Close() }
	case c.TUI:
		w = io.Discard
	}

	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger, closeFn, nil
}

// runWithProgress runs the crew and prints one line per task and round event.
func runWithProgress(ctx context.Context, crew *orchestrator.Crew, request string, bus *events.EventBus, out io.Writer, verbose bool) (orchestrator.CrewResult, error) {
	sub := bus.SubscribeAll(1024)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub {
			if line := progressLine(ev, verbose); line != "" {
				fmt.Fprintln(out, line)
			}
		}
	}()

	result, err := crew.Run(ctx, request)
	bus.Close()
	<-done
	return result, err
}

func progressLine(ev events.Event, verbose bool) string {
	switch ev := ev.(type) {
	case events.CrewRoundEvent:
		if ev.Note == "" {
			return fmt.Sprintf("== round %d: %s", ev.Round, ev.Role)
		}
		return fmt.Sprintf("== round %d: %s %s", ev.Round, ev.Role, ev.Note)
	case events.TaskStartedEvent:
		return fmt.Sprintf("-> %s [%s] %s", ev.ID, ev.AgentRole, ev.Name)
	case events.TaskCompletedEvent:
		return fmt.Sprintf("ok %s after %d iterations (%s)", ev.ID, ev.Iterations, ev.Duration.Round(time.Millisecond))
	case events.TaskFailedEvent:
		return fmt.Sprintf("!! %s failed: %s", ev.ID, ev.Reason)
	case events.LoopStepEvent:
		if !verbose {
			return ""
		}
		line := fmt.Sprintf("   %s #%d %s: %s", ev.ID, ev.Iteration, ev.Phase, ev.Thought)
		if ev.Action != "" {
			line += " -> " + ev.Action
		}
		return line
	case events.CorrectionEvent:
		if !verbose {
			return ""
		}
		return fmt.Sprintf("   %s correction: %s", ev.ID, ev.Reason)
	}
	return ""
}

// runWithTUI runs the crew behind the terminal UI. Quitting the UI cancels
// the run; the UI stays open after the run until the user quits.
func runWithTUI(ctx context.Context, crew *orchestrator.Crew, request string, bus *events.EventBus) (orchestrator.CrewResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(tui.New(bus), tea.WithAltScreen(), tea.WithContext(ctx))

	var result orchestrator.CrewResult
	var runErr error
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		result, runErr = crew.Run(runCtx, request)
		p.Send(tui.DoneMsg{Summary: result.Summary, Err: runErr})
	}()

	_, uiErr := p.Run()
	cancel()
	<-finished

	if uiErr != nil && !errors.Is(uiErr, tea.ErrProgramKilled) {
		return result, errors.Join(runErr, fmt.Errorf("terminal UI: %w", uiErr))
	}
	return result, runErr
}
