package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"text/tabwriter"
	"time"

	"github.com/aristath/agentcrew/internal/config"
	"github.com/aristath/agentcrew/internal/persistence"
	"github.com/aristath/agentcrew/internal/scheduler"
)

// Run parses the file, checks ids, roles and dependencies, and prints the
// order tasks would become runnable in.
func (c *ValidateCmd) Run(out io.Writer) error {
	list, err := scheduler.LoadTaskList(c.File)
	if err != nil {
		return err
	}
	store := scheduler.NewStore(nil)
	if _, err := store.Apply(list); err != nil {
		return fmt.Errorf("%s: %w", c.File, err)
	}
	order, err := store.Validate()
	if err != nil {
		return fmt.Errorf("%s: %w", c.File, err)
	}

	fmt.Fprintf(out, "%s: %d tasks OK\n", c.File, len(list.Tasks))
	for i, id := range order {
		task, _ := store.Get(id)
		fmt.Fprintf(out, "%3d. %-8s %-16s %s\n", i+1, id, task.AgentRole, task.Name)
	}
	return nil
}

// Run prints every recorded run, newest first.
func (c *RunsCmd) Run(ctx context.Context, out io.Writer) error {
	db, err := persistence.NewSQLiteStore(ctx, c.DB)
	if err != nil {
		return err
	}
	defer db.Close()

	runs, err := db.ListRuns(ctx)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		_, err := fmt.Fprintln(out, "no runs recorded")
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSTARTED\tDURATION\tREQUEST")
	for _, run := range runs {
		dur := "-"
		if !run.FinishedAt.IsZero() {
			dur = run.FinishedAt.Sub(run.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", run.ID, run.Status, run.StartedAt.Local().Format(time.DateTime), dur, truncate(run.Request, 60))
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// Run saves config.DefaultConfig to the destination.
func (c *InitCmd) Run(out io.Writer) error {
	if !c.Force {
		if _, err := os.Stat(c.Path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", c.Path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if err := config.Save(config.DefaultConfig(), c.Path); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s\n", c.Path)
	return nil
}
