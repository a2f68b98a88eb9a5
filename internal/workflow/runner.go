package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/cloud-shuttle/conveyor/internal/modes"
	"github.com/cloud-shuttle/conveyor/internal/recurring"
	"github.com/cloud-shuttle/conveyor/pkg/telemetry"
	"github.com/cloud-shuttle/conveyor/pkg/types"
)

// Runner wraps the driver with everything that happens around a run: the
// ready hand-off, run history, completion bookkeeping and worktree teardown
type Runner struct {
	issues     IssueStore
	driver     *Driver
	workspace  Workspace
	recurrence recurring.Store
	history    History
	notifier   Notifier
	logger     *log.Logger
}

// RunnerOptions holds the optional collaborators of a Runner
type RunnerOptions struct {
	History  History
	Notifier Notifier
	Logger   *log.Logger
}

// NewRunner creates a task runner
func NewRunner(issues IssueStore, driver *Driver, workspace Workspace, recurrence recurring.Store, opts RunnerOptions) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{
		issues:     issues,
		driver:     driver,
		workspace:  workspace,
		recurrence: recurrence,
		history:    opts.History,
		notifier:   opts.Notifier,
		logger:     logger.WithPrefix("runner"),
	}
}

// Run drives one selected task. The worktree is removed whatever the outcome.
func (r *Runner) Run(ctx context.Context, task *types.Task) (outcome types.Outcome, err error) {
	ctx = context.WithoutCancel(ctx)
	logger := r.logger.With("issue", task.ID)

	defer func() {
		if terr := r.workspace.Teardown(ctx, task.Repo, task.ID); terr != nil {
			logger.Warn("worktree teardown failed", "error", terr)
		}
	}()

	// A ready task, or one with no stage label, is claimed by moving it to triage
	if types.StageFromLabels(task.Labels) == types.StageTriage && !task.HasLabel(string(types.StageTriage)) {
		if err := r.issues.SetStageLabel(ctx, task.ID, types.StageTriage); err != nil {
			return types.OutcomeFailed, fmt.Errorf("claiming #%d: %w", task.ID, err)
		}
	}

	runID := r.startRun(task)
	ctx, span := telemetry.StartTaskSpan(ctx, task)
	defer func() { telemetry.EndTask(span, outcome, err) }()

	outcome, err = r.drive(ctx, task)
	if outcome == types.OutcomeDone {
		if cerr := r.complete(ctx, task); cerr != nil {
			logger.Error("completion bookkeeping failed", "error", cerr)
			err = errors.Join(err, cerr)
		}
	}

	r.finishRun(runID, task, outcome, err)
	if r.notifier != nil {
		r.notifier.TaskFinished(ctx, task, outcome, err)
	}
	return outcome, err
}

// drive runs the driver, turning a panic into a failed task
func (r *Runner) drive(ctx context.Context, task *types.Task) (outcome types.Outcome, err error) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		err = fmt.Errorf("panic while driving #%d: %v", task.ID, rec)
		r.logger.Error("unhandled error", "issue", task.ID, "error", err)

		note := fmt.Sprintf("❌ **Unhandled Error**\n\n```\n%s\n```", modes.Truncate(err.Error(), 500))
		if perr := r.issues.PostComment(ctx, task.ID, modes.System.Comment(note)); perr != nil {
			r.logger.Warn("posting error note", "error", perr)
		}
		if serr := r.issues.SetStageLabel(ctx, task.ID, types.StageFailed); serr != nil {
			r.logger.Warn("marking task failed", "error", serr)
		}
		task.Stage = types.StageFailed
		outcome = types.OutcomeFailed
	}()

	return r.driver.Run(ctx, task)
}

// complete closes a one-shot task or re-arms a recurring one
func (r *Runner) complete(ctx context.Context, task *types.Task) error {
	return Complete(ctx, r.issues, r.recurrence, task, r.logger)
}

// Complete finishes a task that reached done
func Complete(ctx context.Context, issues IssueStore, recurrence recurring.Store, task *types.Task, logger *log.Logger) error {
	if !task.Schedule.IsRecurring() {
		return issues.CloseIssue(ctx, task.ID)
	}

	if err := recurrence.RecordRun(task.ID, task.Schedule); err != nil {
		return fmt.Errorf("recording run of #%d: %w", task.ID, err)
	}
	if !task.HasLabel(types.LabelRecurring) {
		if err := issues.AddLabel(ctx, task.ID, types.LabelRecurring); err != nil {
			return err
		}
	}
	if err := issues.SetStageLabel(ctx, task.ID, types.StageReady); err != nil {
		return err
	}
	logger.Info("recurring task re-armed", "issue", task.ID, "schedule", task.Schedule)
	return nil
}

func (r *Runner) startRun(task *types.Task) string {
	if r.history == nil {
		return ""
	}
	id, err := r.history.StartRun(task.ID, task.Title)
	if err != nil {
		r.logger.Warn("recording run start", "issue", task.ID, "error", err)
		return ""
	}
	return id
}

func (r *Runner) finishRun(runID string, task *types.Task, outcome types.Outcome, runErr error) {
	if r.history == nil || runID == "" {
		return
	}
	if err := r.history.FinishRun(runID, outcome, task.Stage, runErr); err != nil {
		r.logger.Warn("recording run finish", "issue", task.ID, "error", err)
	}
}
