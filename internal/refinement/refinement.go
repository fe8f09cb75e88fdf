// Package refinement defines the workflow that compacts raw objects into a
// fresh refined table and repoints the public view at it.
package refinement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Dan9191/loans-finder/internal/analytics"
	"github.com/Dan9191/loans-finder/internal/models"
	"github.com/Dan9191/loans-finder/internal/utils"
	"github.com/Dan9191/loans-finder/internal/workflow"
)

// State names.
const (
	StateGenerateTableName  = "GenerateTableName"
	StateCreateRefinedTable = "CreateRefinedTable"
	StateReplaceView        = "ReplaceView"
	StateOldTableExists     = "OldTableExists"
	StateDropOldTable       = "DropOldTable"
	StateIgnoreTableDrop    = "IgnoreTableDrop"
)

// Table describes one refined table identity.
type Table struct {
	// Code identifies the table in config pointers, queue groups and locks.
	Code        string
	ViewName    string
	TablePrefix string
	// TransformSQL selects the refined rows from the external tables.
	TransformSQL string
}

// MachineName is the workflow name of the table's refinement.
func (t Table) MachineName() string {
	return "refine-" + t.Code
}

// TableNamer swaps the config pointer of a table code.
type TableNamer interface {
	SwapRefinedTableName(ctx context.Context, ptr models.RefinedTablePointer) (*models.TableSwap, error)
}

// QueryRunner is the part of the analytics engine used by refinement jobs.
type QueryRunner interface {
	StartQueryExecution(ctx context.Context, in analytics.QueryInput) (string, error)
	GetQueryExecution(ctx context.Context, id string) (*analytics.Execution, error)
}

// queryJob submits a statement built from the workflow document.
type queryJob struct {
	runner       QueryRunner
	template     string
	paths        []string
	loadExternal bool
}

func (j queryJob) Start(ctx context.Context, input []byte) (string, error) {
	query, err := workflow.Format(j.template, input, j.paths...)
	if err != nil {
		return "", err
	}
	return j.runner.StartQueryExecution(ctx, analytics.QueryInput{Query: query, LoadExternalTables: j.loadExternal})
}

func (j queryJob) Status(ctx context.Context, id string) (workflow.JobStatus, error) {
	exec, err := j.runner.GetQueryExecution(ctx, id)
	if err != nil {
		return workflow.JobStatus{}, err
	}
	switch exec.State {
	case analytics.StateSucceeded:
		return workflow.JobStatus{Done: true, Output: []byte(fmt.Sprintf(`{"queryExecutionId":%q}`, exec.ID))}, nil
	case analytics.StateFailed:
		return workflow.JobStatus{Done: true, Failed: true, Error: exec.StateReason}, nil
	}
	return workflow.JobStatus{}, nil
}

// generateTableName mints the next table name and swaps the pointer,
// reporting the table it replaced.
func generateTableName(t Table, namer TableNamer) workflow.TaskFunc {
	return func(ctx context.Context, input []byte) ([]byte, error) {
		tableID := utils.NewTableID()
		swap, err := namer.SwapRefinedTableName(ctx, models.RefinedTablePointer{
			Code:    t.Code,
			Value:   t.TablePrefix + tableID,
			Details: models.RefinedTableDetails{TableID: tableID, TableCode: t.Code},
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(swap)
	}
}

// NewDefinition builds the refinement workflow of t.
func NewDefinition(t Table, namer TableNamer, runner QueryRunner, jobPoll, timeout time.Duration) workflow.Definition {
	job := func(template, path string, loadExternal bool) workflow.State {
		return workflow.State{
			Type:       workflow.TypeTask,
			Task:       workflow.RunJob(queryJob{runner: runner, template: template, paths: []string{path}, loadExternal: loadExternal}, jobPoll),
			ResultPath: workflow.ResultDiscard,
		}
	}

	create := job(`CREATE TABLE "{}" AS `+t.TransformSQL, "$.newTableName", true)
	create.Next = StateReplaceView
	view := job(fmt.Sprintf(`CREATE OR REPLACE VIEW "%s" AS SELECT * FROM "{}"`, t.ViewName), "$.newTableName", false)
	view.Next = StateOldTableExists
	drop := job(`DROP TABLE IF EXISTS "{}"`, "$.oldTableName", false)
	drop.End = true

	return workflow.Definition{
		Name:    t.MachineName(),
		StartAt: StateGenerateTableName,
		Timeout: timeout,
		States: map[string]workflow.State{
			StateGenerateTableName: {
				Type: workflow.TypeTask,
				Task: generateTableName(t, namer),
				Next: StateCreateRefinedTable,
			},
			StateCreateRefinedTable: create,
			StateReplaceView:        view,
			StateOldTableExists: {
				Type: workflow.TypeChoice,
				Choices: []workflow.ChoiceRule{
					{Variable: "$.oldTableExists", BooleanEquals: true, Next: StateDropOldTable},
				},
				Default: StateIgnoreTableDrop,
			},
			StateDropOldTable:    drop,
			StateIgnoreTableDrop: {Type: workflow.TypePass, End: true},
		},
	}
}
