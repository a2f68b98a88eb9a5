package telemetry

import (
	"go.opentelemetry.io/otel/attribute"

	"github.com/cloud-shuttle/conveyor/pkg/types"
)

// Attribute keys for conveyor spans
const (
	KeyTaskID       = "conveyor.task.id"
	KeyTaskTitle    = "conveyor.task.title"
	KeyTaskRepo     = "conveyor.task.repo"
	KeyTaskBranch   = "conveyor.task.branch"
	KeyTaskPriority = "conveyor.task.priority"
	KeyTaskOutcome  = "conveyor.task.outcome"

	KeyStage     = "conveyor.stage"
	KeyNextStage = "conveyor.stage.next"
	KeyIteration = "conveyor.stage.iteration"

	KeyPersona       = "conveyor.worker.persona"
	KeyWorkerModel   = "conveyor.worker.model"
	KeyWorkerTurns   = "conveyor.worker.turns"
	KeyWorkerCostUSD = "conveyor.worker.cost_usd"

	KeyErrorCategory = "conveyor.error.category"
)

// Error categories
const (
	ErrorCategoryTimeout = "timeout"
	ErrorCategoryWorker  = "worker"
	ErrorCategoryStage   = "stage"
	ErrorCategoryPanic   = "panic"
)

// TaskAttrs describes a task on a span
func TaskAttrs(task *types.Task) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(KeyTaskID, task.ID),
		attribute.String(KeyTaskTitle, task.Title),
		attribute.String(KeyTaskRepo, task.Repo),
		attribute.String(KeyTaskBranch, task.Branch),
		attribute.String(KeyTaskPriority, string(task.Priority)),
	}
}
