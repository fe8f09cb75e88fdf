package models

import "time"

// QueryParams echoes the derived matching parameters back to the client
type QueryParams struct {
	LoanType string  `json:"loanType"`
	Duration int     `json:"duration"`
	LTVRatio float64 `json:"ltvRatio"`
}

// StartQueryResponse is returned by POST /queries
type StartQueryResponse struct {
	ExecutionID string      `json:"executionId"`
	Query       QueryParams `json:"query"`
}

// QueryResults is the part of a query status only present once the
// execution succeeded. Results is always serialized, empty when nothing matched.
type QueryResults struct {
	CompletedAt   *time.Time          `json:"completedAt,omitempty"`
	ExecutionTime *float64            `json:"executionTime,omitempty"`
	Results       []map[string]string `json:"results"`
	NextToken     string              `json:"nextToken,omitempty"`
}

// QueryStatusResponse is returned by GET /queries/{id}
type QueryStatusResponse struct {
	QueryStatus string    `json:"queryStatus"`
	StartedAt   time.Time `json:"startedAt"`
	*QueryResults
}
