package refinement

import (
	"context"

	"github.com/Dan9191/loans-finder/internal/models"
	"github.com/Dan9191/loans-finder/internal/workflow"
)

// ExecutionSaver persists workflow execution records.
type ExecutionSaver interface {
	SaveWorkflowExecution(ctx context.Context, rec models.WorkflowExecutionRecord) error
}

// StoreHistory records executions as items of the keyed store.
type StoreHistory struct {
	saver ExecutionSaver
}

func NewStoreHistory(saver ExecutionSaver) *StoreHistory {
	return &StoreHistory{saver: saver}
}

func (h *StoreHistory) Save(ctx context.Context, exec *workflow.Execution) error {
	return h.saver.SaveWorkflowExecution(ctx, Record(exec))
}

// Record converts an execution into its stored form.
func Record(exec *workflow.Execution) models.WorkflowExecutionRecord {
	rec := models.WorkflowExecutionRecord{
		ID:        exec.ID,
		Machine:   exec.Machine,
		Status:    string(exec.Status),
		Input:     string(exec.Input),
		Output:    string(exec.Output),
		Error:     exec.Error,
		Steps:     append([]string{}, exec.Steps...),
		StartedAt: exec.StartedAt,
	}
	if !exec.StoppedAt.IsZero() {
		stopped := exec.StoppedAt
		rec.StoppedAt = &stopped
	}
	return rec
}
