package models

import "time"

// RefinedTableDetails identifies a refined table generation
type RefinedTableDetails struct {
	TableID   string `json:"tableId"`
	TableCode string `json:"tableCode"`
}

// RefinedTablePointer is the config item naming the current refined table
type RefinedTablePointer struct {
	Code    string              `json:"-"`
	Value   string              `json:"value"`
	Details RefinedTableDetails `json:"details"`
}

// TableSwap is the outcome of pointing a table code at a new table
type TableSwap struct {
	NewTableName   string `json:"newTableName"`
	OldTableName   string `json:"oldTableName,omitempty"`
	OldTableExists bool   `json:"oldTableExists"`
}

// WorkflowExecutionRecord is the stored history of one workflow execution
type WorkflowExecutionRecord struct {
	ID        string     `json:"id"`
	Machine   string     `json:"machine"`
	Status    string     `json:"status"`
	Input     string     `json:"input"`
	Output    string     `json:"output,omitempty"`
	Error     string     `json:"error,omitempty"`
	Steps     []string   `json:"steps"`
	StartedAt time.Time  `json:"startedAt"`
	StoppedAt *time.Time `json:"stoppedAt,omitempty"`
}
