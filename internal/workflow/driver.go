// Package workflow drives tasks through the stage pipeline
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cloud-shuttle/conveyor/internal/modes"
	"github.com/cloud-shuttle/conveyor/pkg/telemetry"
	"github.com/cloud-shuttle/conveyor/pkg/types"
)

// ErrIterationCeiling is returned when a run makes too many stage
// transitions without reaching a terminal stage
var ErrIterationCeiling = errors.New("iteration ceiling exceeded")

// DriverOptions configures a Driver
type DriverOptions struct {
	MaxIterations   int
	MaxReviewCycles int
	MaxQACycles     int

	QAEnabled bool
	AutoMerge bool

	// ScratchDir is the working directory for stages that need no checkout
	ScratchDir string
	// TreeDepth bounds the directory listing given to the architect
	TreeDepth int
	// FallbackBranch is used when the default branch cannot be read
	FallbackBranch string

	Logger *log.Logger
}

// Driver runs one task at a time through the pipeline
type Driver struct {
	issues    IssueStore
	worker    Worker
	workspace Workspace
	tests     TestRunner
	opts      DriverOptions
	logger    *log.Logger
}

// NewDriver creates a stage driver. tests may be nil when QA is disabled.
func NewDriver(issues IssueStore, worker Worker, workspace Workspace, tests TestRunner, opts DriverOptions) *Driver {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 20
	}
	if opts.MaxReviewCycles <= 0 {
		opts.MaxReviewCycles = 3
	}
	if opts.MaxQACycles <= 0 {
		opts.MaxQACycles = 2
	}
	if opts.TreeDepth <= 0 {
		opts.TreeDepth = 3
	}
	if opts.FallbackBranch == "" {
		opts.FallbackBranch = "main"
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Driver{
		issues:    issues,
		worker:    worker,
		workspace: workspace,
		tests:     tests,
		opts:      opts,
		logger:    opts.Logger.WithPrefix("driver"),
	}
}

// stageFailure is a handler failure with a note for the issue
type stageFailure struct {
	persona modes.Persona
	reason  string
}

func (f *stageFailure) Error() string { return f.reason }

func failf(persona modes.Persona, format string, args ...any) error {
	return &stageFailure{persona: persona, reason: fmt.Sprintf(format, args...)}
}

// run is the state of one drive of one task
type run struct {
	d        *Driver
	task     *types.Task
	worktree string
	logger   *log.Logger
}

type handler func(ctx context.Context) (types.Stage, error)

func (r *run) handler(stage types.Stage) handler {
	switch stage {
	case types.StageTriage:
		return r.triage
	case types.StageDesign:
		return r.design
	case types.StageDevelopment:
		return r.development
	case types.StageCodeReview:
		return r.codeReview
	case types.StageQA:
		return r.qa
	}
	return nil
}

// Run drives task from the stage its labels record to a terminal or
// blocked stage. Cancelling ctx does not interrupt a run; each external
// call is bounded by its own timeout instead.
func (d *Driver) Run(ctx context.Context, task *types.Task) (types.Outcome, error) {
	ctx = context.WithoutCancel(ctx)
	logger := d.logger.With("issue", task.ID)

	issue, err := d.issues.GetIssue(ctx, task.ID)
	if err != nil {
		return types.OutcomeFailed, fmt.Errorf("reading labels of #%d: %w", task.ID, err)
	}
	task.Labels = issue.Labels
	task.Stage = types.StageFromLabels(issue.Labels)

	r := &run{d: d, task: task, logger: logger}
	logger.Info("driving task", "title", task.Title, "stage", task.Stage)

	for i := 0; ; i++ {
		if task.Stage.IsTerminal() {
			outcome := types.OutcomeForStage(task.Stage)
			logger.Info("run finished", "stage", task.Stage, "outcome", outcome, "iterations", i)
			return outcome, nil
		}

		if i >= d.opts.MaxIterations {
			return r.ceiling(ctx)
		}

		h := r.handler(task.Stage)
		if h == nil {
			return r.fail(ctx, fmt.Errorf("no handler for stage %q", task.Stage))
		}

		logger.Info("running stage", "stage", task.Stage, "iteration", i+1, "max", d.opts.MaxIterations)
		start := time.Now()
		stageCtx, span := telemetry.StartStageSpan(ctx, task.ID, task.Stage, i+1)
		next, err := h(stageCtx)
		if err != nil {
			telemetry.RecordError(span, err, telemetry.ErrorCategoryStage)
			span.End()
			return r.fail(ctx, err)
		}
		span.SetAttributes(attribute.String(telemetry.KeyNextStage, string(next)))
		span.End()
		logger.Debug("stage complete", "stage", task.Stage, "next", next, "duration", time.Since(start))

		if err := r.transition(ctx, next); err != nil {
			return types.OutcomeFailed, err
		}
	}
}

func (r *run) transition(ctx context.Context, next types.Stage) error {
	if next == r.task.Stage {
		return nil
	}
	if err := r.d.issues.SetStageLabel(ctx, r.task.ID, next); err != nil {
		return fmt.Errorf("setting stage %s on #%d: %w", next, r.task.ID, err)
	}
	r.logger.Info("stage transition", "from", r.task.Stage, "to", next)
	r.task.Stage = next
	return nil
}

// fail posts a note then marks the task failed
func (r *run) fail(ctx context.Context, cause error) (types.Outcome, error) {
	persona := modes.System
	note := fmt.Sprintf("**Unhandled error during %s**\n\n```\n%s\n```", r.task.Stage, modes.Truncate(cause.Error(), 500))
	var sf *stageFailure
	if errors.As(cause, &sf) {
		persona, note = sf.persona, sf.reason
	}

	r.logger.Error("stage failed", "stage", r.task.Stage, "error", modes.Truncate(cause.Error(), 500))
	if err := r.d.issues.PostComment(ctx, r.task.ID, persona.Comment(modes.FailureNote(note))); err != nil {
		r.logger.Warn("posting failure note", "error", err)
	}
	if err := r.transition(ctx, types.StageFailed); err != nil {
		return types.OutcomeFailed, errors.Join(cause, err)
	}
	return types.OutcomeFailed, cause
}

func (r *run) ceiling(ctx context.Context) (types.Outcome, error) {
	limit := r.d.opts.MaxIterations
	r.logger.Error("iteration ceiling reached", "stage", r.task.Stage, "max", limit)

	note := fmt.Sprintf("⚠️ **Iteration ceiling reached**\n\n"+
		"The task made %d stage transitions without finishing (last stage: %s). "+
		"This usually means two stages keep handing the task back to each other. Marking as failed.",
		limit, r.task.Stage)
	if err := r.d.issues.PostComment(ctx, r.task.ID, modes.System.Comment(note)); err != nil {
		r.logger.Warn("posting ceiling note", "error", err)
	}

	cause := fmt.Errorf("#%d after %d iterations: %w", r.task.ID, limit, ErrIterationCeiling)
	if err := r.transition(ctx, types.StageFailed); err != nil {
		return types.OutcomeFailed, errors.Join(cause, err)
	}
	return types.OutcomeFailed, cause
}

// comment posts body as persona
func (r *run) comment(ctx context.Context, persona modes.Persona, body string) error {
	if err := r.d.issues.PostComment(ctx, r.task.ID, persona.Comment(body)); err != nil {
		return fmt.Errorf("posting comment on #%d: %w", r.task.ID, err)
	}
	return nil
}

// escalate mentions the human and blocks the task
func (r *run) escalate(ctx context.Context, persona modes.Persona, reason string) (types.Stage, error) {
	r.logger.Info("escalating to human", "persona", persona)
	if err := r.d.issues.TagHuman(ctx, r.task.ID, persona.Header(), reason); err != nil {
		return r.task.Stage, fmt.Errorf("tagging human on #%d: %w", r.task.ID, err)
	}
	return types.StageAwaitingHuman, nil
}

func (r *run) discussion(ctx context.Context) (string, error) {
	comments, err := r.d.issues.GetComments(ctx, r.task.ID)
	if err != nil {
		return "", fmt.Errorf("reading comments of #%d: %w", r.task.ID, err)
	}
	return modes.Discussion(comments), nil
}
