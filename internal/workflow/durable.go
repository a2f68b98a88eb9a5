package workflow

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"github.com/cloud-shuttle/conveyor/internal/taskdef"
	"github.com/cloud-shuttle/conveyor/pkg/types"
)

// TaskInput is the checkpointed input of a durable task run. The task itself
// is re-read from the issue so a recovered run sees current labels.
type TaskInput struct {
	IssueNumber int
}

// RunResult is the checkpointed result of a durable task run
type RunResult struct {
	Outcome types.Outcome
	Stage   types.Stage
	Error   string
}

// DurableRunner records each task run as a DBOS workflow with the drive as a
// single step. DBOS retries are disabled: the label state machine and the
// next poll are the retry mechanism.
type DurableRunner struct {
	dbosCtx dbos.DBOSContext
	issues  IssueStore
	runner  TaskRunner
	parse   taskdef.Options
	lock    *RunLock
	logger  *log.Logger
}

// NewDurableRunner registers the task workflow. It must be called before
// dbos.Launch. lock should be the one the poller uses; nil gets a private
// lock.
func NewDurableRunner(dbosCtx dbos.DBOSContext, issues IssueStore, runner TaskRunner, parse taskdef.Options, lock *RunLock, logger *log.Logger) *DurableRunner {
	if logger == nil {
		logger = log.Default()
	}
	if lock == nil {
		lock = NewRunLock()
	}
	dr := &DurableRunner{
		dbosCtx: dbosCtx,
		issues:  issues,
		runner:  runner,
		parse:   parse,
		lock:    lock,
		logger:  logger.WithPrefix("durable"),
	}
	dbos.RegisterWorkflow(dbosCtx, dr.TaskWorkflow)
	return dr
}

// Run starts the workflow for task and waits for its result
func (dr *DurableRunner) Run(ctx context.Context, task *types.Task) (types.Outcome, error) {
	handle, err := dbos.RunWorkflow(dr.dbosCtx, dr.TaskWorkflow, TaskInput{IssueNumber: task.ID})
	if err != nil {
		return types.OutcomeFailed, fmt.Errorf("starting workflow for #%d: %w", task.ID, err)
	}

	res, err := handle.GetResult()
	if err != nil {
		return types.OutcomeFailed, fmt.Errorf("workflow for #%d: %w", task.ID, err)
	}
	task.Stage = res.Stage
	if res.Error != "" {
		return res.Outcome, fmt.Errorf("#%d: %s", task.ID, res.Error)
	}
	return res.Outcome, nil
}

// TaskWorkflow drives one issue under the run lock. Workflows recovered by
// dbos.Launch start on their own goroutines, so the lock is what keeps them
// from overlapping the poller.
func (dr *DurableRunner) TaskWorkflow(ctx dbos.DBOSContext, input TaskInput) (RunResult, error) {
	if err := dr.lock.Acquire(ctx); err != nil {
		return RunResult{Outcome: types.OutcomeFailed, Error: err.Error()}, fmt.Errorf("waiting to run #%d: %w", input.IssueNumber, err)
	}
	defer dr.lock.Release()

	return dbos.RunAsStep(ctx, func(stepCtx context.Context) (RunResult, error) {
		return dr.drive(stepCtx, input.IssueNumber), nil
	})
}

func (dr *DurableRunner) drive(ctx context.Context, number int) RunResult {
	issue, err := dr.issues.GetIssue(ctx, number)
	if err != nil {
		return RunResult{Outcome: types.OutcomeFailed, Error: fmt.Sprintf("reading issue: %v", err)}
	}
	task, err := taskdef.Parse(*issue, dr.parse)
	if err != nil {
		return RunResult{Outcome: types.OutcomeFailed, Error: err.Error()}
	}

	dr.logger.Info("durable run", "issue", number, "stage", task.Stage)
	outcome, err := dr.runner.Run(ctx, task)
	res := RunResult{Outcome: outcome, Stage: task.Stage}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}
