package workflow

import (
	"context"

	"github.com/cloud-shuttle/conveyor/internal/executor"
	"github.com/cloud-shuttle/conveyor/pkg/types"
)

// IssueStore is the issue tracker holding tasks, their labels and the
// repositories they target. Label state is authoritative: the driver
// re-reads it at the start of every run.
type IssueStore interface {
	// ListCandidates returns open issues carrying every label, oldest first
	ListCandidates(ctx context.Context, labels ...string) ([]types.IssueRef, error)
	GetIssue(ctx context.Context, number int) (*types.IssueRef, error)
	GetComments(ctx context.Context, number int) ([]types.Comment, error)
	PostComment(ctx context.Context, number int, body string) error
	// SetStageLabel removes every other stage label and adds stage.
	// Non-stage labels are left untouched.
	SetStageLabel(ctx context.Context, number int, stage types.Stage) error
	AddLabel(ctx context.Context, number int, label string) error
	RemoveLabel(ctx context.Context, number int, label string) error
	CloseIssue(ctx context.Context, number int) error
	// TagHuman posts a comment mentioning the configured human. It does not
	// change labels.
	TagHuman(ctx context.Context, number int, header, reason string) error
	EnsureLabels(ctx context.Context) error

	OpenChangeRequest(ctx context.Context, repo, head, base, title, body string) (*types.ChangeRequest, error)
	// FindChangeRequest returns the open change request for head, or nil
	FindChangeRequest(ctx context.Context, repo, head string) (*types.ChangeRequest, error)
	MergeChangeRequest(ctx context.Context, repo string, number int) error
	GetChangeRequestDiff(ctx context.Context, repo string, number int) (string, error)
	GetChangeRequestFiles(ctx context.Context, repo string, number int) ([]types.ChangedFile, error)

	GetDefaultBranch(ctx context.Context, repo string) (string, error)
	RepoExists(ctx context.Context, repo string) (bool, error)
	CreateRepo(ctx context.Context, repo, description string, private bool) error
}

// Worker performs a stage's work. Output is opaque text; only the verdict
// parsers in the modes package look inside it.
type Worker interface {
	Invoke(ctx context.Context, req executor.Request) executor.Result
}

// Workspace provisions per-task checkouts
type Workspace interface {
	EnsureWorktree(ctx context.Context, repo, branch, baseBranch string, taskID int) (string, error)
	CommitAndPush(ctx context.Context, path, message string) (bool, error)
	Teardown(ctx context.Context, repo string, taskID int) error
	TeardownAll(ctx context.Context) (int, error)
}

// TestRunner runs a checkout's test suites and summarises the results
type TestRunner interface {
	Run(ctx context.Context, dir string) string
}

// History records task runs
type History interface {
	StartRun(taskID int, title string) (string, error)
	FinishRun(runID string, outcome types.Outcome, stage types.Stage, runErr error) error
}

// Notifier is told about every finished run
type Notifier interface {
	TaskFinished(ctx context.Context, task *types.Task, outcome types.Outcome, runErr error)
}

// TaskRunner runs one selected task to a terminal or blocked outcome
type TaskRunner interface {
	Run(ctx context.Context, task *types.Task) (types.Outcome, error)
}
