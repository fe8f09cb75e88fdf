package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/Dan9191/loans-finder/internal/analytics"
	"github.com/Dan9191/loans-finder/internal/apperrors"
	"github.com/Dan9191/loans-finder/internal/models"
	"github.com/Dan9191/loans-finder/internal/refinement"
	"github.com/Dan9191/loans-finder/internal/utils"
	"github.com/sirupsen/logrus"
)

// Page sizes of a query poll. The first page carries the header row.
const (
	firstPageSize = 26
	nextPageSize  = 25
)

// StartQuery submits the loan matching statement for the requested loan
func (s *Service) StartQuery(ctx context.Context, req models.StartQueryRequest) (*models.StartQueryResponse, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	duration := *req.Duration
	ltv := utils.Round2(float64(*req.LoanValue) / float64(*req.PropertyValue))
	id, err := s.queries.StartQueryExecution(ctx, analytics.QueryInput{
		StatementName: refinement.FindLoansStatement,
		Params:        []any{duration, duration, ltv, ltv, req.LoanType},
	})
	if err != nil {
		return nil, infraError(fmt.Errorf("failed to start query: %w", err))
	}
	s.log.WithFields(logrus.Fields{"executionId": id, "ltv": ltv, "duration": duration}).Info("Query started")
	return &models.StartQueryResponse{
		ExecutionID: id,
		Query: models.QueryParams{
			LoanType: req.LoanType,
			Duration: duration,
			LTVRatio: ltv,
		},
	}, nil
}

// ShowQuery reports the state of a query and, once it succeeded, one page of results
func (s *Service) ShowQuery(ctx context.Context, id, token string) (*models.QueryStatusResponse, error) {
	exec, err := s.queries.GetQueryExecution(ctx, id)
	if errors.Is(err, analytics.ErrExecutionNotFound) {
		return nil, apperrors.NotFound("Query not found")
	}
	if err != nil {
		return nil, infraError(err)
	}
	resp := &models.QueryStatusResponse{
		QueryStatus: string(exec.State),
		StartedAt:   exec.SubmittedAt,
	}
	if exec.State != analytics.StateSucceeded {
		return resp, nil
	}

	max := firstPageSize
	if token != "" {
		max = nextPageSize
	}
	page, err := s.queries.GetQueryResults(ctx, id, token, max)
	if errors.Is(err, analytics.ErrInvalidToken) {
		return nil, apperrors.Validation("Invalid token", err)
	}
	if err != nil {
		return nil, infraError(err)
	}

	rows := page.Rows
	if token == "" && len(rows) > 0 {
		rows = rows[1:]
	}
	results := make([]map[string]string, 0, len(rows))
	for _, row := range rows {
		record := make(map[string]string, len(page.Columns))
		for i, name := range page.Columns {
			if i < len(row) {
				record[name] = row[i]
			}
		}
		results = append(results, record)
	}

	resp.QueryResults = &models.QueryResults{Results: results, NextToken: page.NextToken}
	if exec.CompletedAt != nil {
		completed := *exec.CompletedAt
		elapsed := utils.Round2(elapsedSeconds(exec.SubmittedAt, completed))
		resp.CompletedAt = &completed
		resp.ExecutionTime = &elapsed
	}
	return resp, nil
}
