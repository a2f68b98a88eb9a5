package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/conveyor/internal/selector"
	"github.com/cloud-shuttle/conveyor/internal/taskdef"
	"github.com/cloud-shuttle/conveyor/internal/workflow"
)

// signalContext is cancelled on SIGINT or SIGTERM. The poller checks it
// between cycles; a stage already running finishes first.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll for tasks and drive them until interrupted",
		Long: `Poll the task repository and drive one task at a time through the pipeline.

Each cycle checks the daily quota, acts on human replies to blocked tasks,
resumes interrupted tasks, then picks the highest priority ready task that
is eligible right now. Ctrl-C stops the loop once the current stage returns.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.buildPipeline(ctx)
			if err != nil {
				return err
			}

			cfg := a.cfg
			if interval <= 0 {
				interval = cfg.PollInterval
			}
			window := selector.NightWindow{
				Start:    cfg.Schedule.NightStart,
				End:      cfg.Schedule.NightEnd,
				Location: cfg.Location(),
			}
			sel := selector.New(window, a.recurrence, a.issues, a.logger)
			quota := a.newQuota()

			poller := workflow.NewPoller(a.issues, a.worktrees, sel, quota, p.runner, p.human, workflow.PollerOptions{
				Interval: interval,
				Parse:    a.parse,
				Lock:     p.lock,
				Logger:   a.logger,
			})

			fmt.Println(titleStyle.Render("🚚 Conveyor " + version))
			fmt.Printf("%s %s  %s %s  %s %d/%d\n",
				dimStyle.Render("tasks:"), cfg.GitHub.TaskRepo,
				dimStyle.Render("every:"), interval,
				dimStyle.Render("quota:"), quota.Count(), cfg.Limits.MaxTasksPerDay)

			if err := poller.Run(ctx); err != nil {
				return err
			}
			fmt.Println(dimStyle.Render("stopped"))
			return nil
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "override poll_interval")
	return cmd
}

func onceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once <issue>",
		Short: "Drive one issue now, ignoring schedule and quota",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := strconv.Atoi(args[0])
			if err != nil || number <= 0 {
				return fmt.Errorf("invalid issue number %q", args[0])
			}

			ctx, stop := signalContext()
			defer stop()

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			issue, err := a.issues.GetIssue(ctx, number)
			if err != nil {
				return fmt.Errorf("reading issue #%d: %w", number, err)
			}
			task, err := taskdef.Parse(*issue, a.parse)
			if err != nil {
				return fmt.Errorf("parsing issue #%d: %w", number, err)
			}
			if task.Stage.IsTerminal() {
				fmt.Printf("#%d is already %s\n", number, outcomeStyle(string(task.Stage)).Render(string(task.Stage)))
				return nil
			}

			p, err := a.buildPipeline(ctx)
			if err != nil {
				return err
			}

			outcome, runErr := p.runner.Run(ctx, task)
			fmt.Printf("#%d %s → %s\n", number, task.Title, outcomeStyle(string(outcome)).Render(string(outcome)))
			return runErr
		},
	}
}

func labelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "labels",
		Short: "Create any missing pipeline labels in the task repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.issues.EnsureLabels(cmd.Context()); err != nil {
				return err
			}
			fmt.Println(successStyle.Render("✓") + " labels are in place on " + a.cfg.GitHub.TaskRepo)
			return nil
		},
	}
}

func recurringCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recurring",
		Short: "List recurring tasks and when they are next due",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			records, err := a.recurrence.Records()
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No recurring tasks have run yet")
				return nil
			}

			loc := a.cfg.Location()
			fmt.Println(cell(headerStyle, "ISSUE", 8) + cell(headerStyle, "SCHEDULE", 10) +
				cell(headerStyle, "LAST RUN", 22) + headerStyle.Render("NEXT DUE"))
			now := time.Now()
			for _, rec := range records {
				next := rec.LastRun.Add(rec.Schedule.Interval())
				due := next.In(loc).Format(time.DateTime)
				if !next.After(now) {
					due = successStyle.Render("due now")
				}
				fmt.Println(cell(dimStyle, fmt.Sprintf("#%d", rec.TaskID), 8) +
					cell(dimStyle, string(rec.Schedule), 10) +
					cell(dimStyle, rec.LastRun.In(loc).Format(time.DateTime), 22) + due)
			}
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent task runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			store, err := a.requireHistory()
			if err != nil {
				return err
			}
			runs, err := store.RecentRuns(limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No runs recorded")
				return nil
			}

			loc := a.cfg.Location()
			fmt.Println(cell(headerStyle, "STARTED", 21) + cell(headerStyle, "ISSUE", 8) +
				cell(headerStyle, "OUTCOME", 10) + cell(headerStyle, "STAGE", 16) + headerStyle.Render("TITLE"))
			for _, run := range runs {
				outcome := string(run.Outcome)
				if run.FinishedAt == nil {
					outcome = "running"
				}
				line := cell(dimStyle, run.StartedAt.In(loc).Format(time.DateTime), 21) +
					cell(dimStyle, fmt.Sprintf("#%d", run.TaskID), 8) +
					cell(outcomeStyle(outcome), outcome, 10) +
					cell(outcomeStyle(string(run.FinalStage)), string(run.FinalStage), 16) +
					truncate(run.Title, 50)
				fmt.Println(line)
				if run.Error != "" {
					fmt.Println(dimStyle.Render("    " + truncate(run.Error, 100)))
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}

func worktreeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worktree",
		Short: "Inspect and remove task worktrees",
	}
	cmd.AddCommand(worktreeListCmd(), worktreeCleanupCmd())
	return cmd
}

func worktreeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List task worktrees on disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			names, err := a.worktrees.ListWorktrees()
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Println("No worktrees found")
				return nil
			}
			fmt.Println(headerStyle.Render("🌳 Worktrees in " + a.cfg.WorktreesDir()))
			for _, name := range names {
				fmt.Println("  " + name)
			}
			return nil
		},
	}
}

func worktreeCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove every task worktree",
		Long: `Remove every task worktree and prune the mirrors' worktree metadata.

Task branches live on the remote, so nothing is lost: the next run
recreates the worktree from the branch.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.worktrees.TeardownAll(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%s removed %d worktree(s)\n", successStyle.Render("✓"), n)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("conveyor " + version)
		},
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
