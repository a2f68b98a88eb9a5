package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cloud-shuttle/conveyor/internal/modes"
	"github.com/cloud-shuttle/conveyor/internal/selector"
	"github.com/cloud-shuttle/conveyor/internal/taskdef"
	"github.com/cloud-shuttle/conveyor/pkg/types"
)

// activeStages are the labels of a task that was interrupted mid-run
var activeStages = []types.Stage{
	types.StageTriage,
	types.StageDesign,
	types.StageDevelopment,
	types.StageCodeReview,
	types.StageQA,
}

// PollerOptions configures a Poller
type PollerOptions struct {
	Interval time.Duration
	// Cooldown is the pause after a cycle that ran a task
	Cooldown time.Duration
	Parse    taskdef.Options
	// Lock is shared with a DurableRunner when one is in use
	Lock   *RunLock
	Logger *log.Logger
}

// Poller is the single-task polling loop
type Poller struct {
	issues    IssueStore
	workspace Workspace
	selector  *selector.Selector
	quota     *selector.DailyQuota
	runner    TaskRunner
	human     *HumanResponder
	opts      PollerOptions
	logger    *log.Logger
}

// NewPoller creates a poller. human may be nil.
func NewPoller(issues IssueStore, workspace Workspace, sel *selector.Selector, quota *selector.DailyQuota,
	runner TaskRunner, human *HumanResponder, opts PollerOptions) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Lock == nil {
		opts.Lock = NewRunLock()
	}
	return &Poller{
		issues:    issues,
		workspace: workspace,
		selector:  sel,
		quota:     quota,
		runner:    runner,
		human:     human,
		opts:      opts,
		logger:    opts.Logger.WithPrefix("poller"),
	}
}

// Start prepares the workspace and label vocabulary. It waits for any run
// already holding the run lock, such as a recovered durable workflow.
func (p *Poller) Start(ctx context.Context) error {
	if err := p.opts.Lock.Acquire(ctx); err != nil {
		return err
	}
	defer p.opts.Lock.Release()

	n, err := p.workspace.TeardownAll(ctx)
	if err != nil {
		p.logger.Warn("removing leftover worktrees", "error", err)
	} else if n > 0 {
		p.logger.Info("removed leftover worktrees", "count", n)
	}
	if err := p.issues.EnsureLabels(ctx); err != nil {
		return fmt.Errorf("ensuring labels: %w", err)
	}
	return nil
}

// Run polls until ctx is cancelled. A task that is running when ctx is
// cancelled finishes before Run returns.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	p.logger.Info("polling", "interval", p.opts.Interval)

	for {
		ran, err := p.Cycle(ctx)
		if err != nil {
			p.logger.Error("poll cycle failed", "error", err)
		}

		wait := p.opts.Interval
		if ran {
			wait = p.opts.Cooldown
		}
		if !sleep(ctx, wait) {
			p.logger.Info("shutting down")
			return nil
		}
	}
}

// Cycle runs one polling pass and reports whether a task was driven
func (p *Poller) Cycle(ctx context.Context) (bool, error) {
	if err := p.opts.Lock.Acquire(ctx); err != nil {
		return false, nil
	}
	task, err := p.next(ctx)
	p.opts.Lock.Release()
	if err != nil || task == nil {
		return false, err
	}

	p.logger.Info("selected task", "issue", task.ID, "title", task.Title, "stage", task.Stage, "priority", task.Priority)
	outcome, err := p.runner.Run(ctx, task)
	if p.quota != nil {
		p.quota.Record(outcome)
	}
	if err != nil {
		p.logger.Warn("task run ended with error", "issue", task.ID, "outcome", outcome, "error", err)
	} else {
		p.logger.Info("task run ended", "issue", task.ID, "outcome", outcome)
	}

	// The sweep still happens when shutdown interrupted the wait
	if err := p.opts.Lock.Acquire(context.WithoutCancel(ctx)); err != nil {
		return true, nil
	}
	defer p.opts.Lock.Release()
	if _, err := p.workspace.TeardownAll(ctx); err != nil {
		p.logger.Warn("removing worktrees", "error", err)
	}
	return true, nil
}

// next handles human replies and picks the task to run, or nil. The caller
// holds the run lock.
func (p *Poller) next(ctx context.Context) (*types.Task, error) {
	if p.quota != nil && p.quota.Exhausted() {
		p.logger.Info("daily quota reached", "count", p.quota.Count())
		return nil, nil
	}

	if p.human != nil {
		if n, err := p.human.Check(ctx); err != nil {
			p.logger.Warn("checking human replies", "error", err)
		} else if n > 0 {
			p.logger.Info("handled human replies", "count", n)
		}
	}

	candidates, err := p.candidates(ctx)
	if err != nil {
		return nil, err
	}

	task := p.selector.Select(ctx, candidates)
	if task == nil {
		p.logger.Debug("nothing to do", "candidates", len(candidates))
	}
	return task, nil
}

// candidates lists interrupted tasks first, then ready ones, each group
// oldest first
func (p *Poller) candidates(ctx context.Context) ([]*types.Task, error) {
	var refs []types.IssueRef
	seen := make(map[int]bool)
	add := func(issues []types.IssueRef) {
		for _, issue := range issues {
			if !seen[issue.Number] {
				seen[issue.Number] = true
				refs = append(refs, issue)
			}
		}
	}

	for _, stage := range activeStages {
		issues, err := p.issues.ListCandidates(ctx, types.LabelClaude, string(stage))
		if err != nil {
			return nil, fmt.Errorf("listing %s tasks: %w", stage, err)
		}
		add(issues)
	}
	ready, err := p.issues.ListCandidates(ctx, types.LabelClaude, string(types.StageReady))
	if err != nil {
		return nil, fmt.Errorf("listing ready tasks: %w", err)
	}
	add(ready)

	tasks := make([]*types.Task, 0, len(refs))
	for _, issue := range refs {
		task, err := p.parse(ctx, issue)
		if err != nil {
			p.logger.Warn("rejecting task", "issue", issue.Number, "error", err)
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// parse reads a task definition, failing the issue when it cannot be used
func (p *Poller) parse(ctx context.Context, issue types.IssueRef) (*types.Task, error) {
	task, err := taskdef.Parse(issue, p.opts.Parse)
	if err == nil && task.Repo == "" {
		err = fmt.Errorf("issue #%d: no target repository; add `repo: owner/name` to the header block", issue.Number)
	}
	if err == nil {
		return task, nil
	}

	note := modes.FailureNote(fmt.Sprintf("Could not read the task definition:\n```\n%s\n```", modes.Truncate(err.Error(), 500)))
	if perr := p.issues.PostComment(ctx, issue.Number, modes.System.Comment(note)); perr != nil {
		p.logger.Warn("posting parse failure", "issue", issue.Number, "error", perr)
	}
	if serr := p.issues.SetStageLabel(ctx, issue.Number, types.StageFailed); serr != nil {
		p.logger.Warn("marking task failed", "issue", issue.Number, "error", serr)
	}
	return nil, err
}

// sleep waits for d and reports false if ctx was cancelled first
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
