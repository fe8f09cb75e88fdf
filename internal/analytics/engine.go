// Package analytics runs asynchronous SQL query executions on DuckDB.
// Raw JSON objects from the bucket can be attached as temporary tables, and
// results are kept in the bucket and read back page by page with signed
// continuation tokens.
package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/Dan9191/loans-finder/internal/metrics"
	"github.com/Dan9191/loans-finder/internal/objectstore"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MaxPageSize caps GetQueryResults.
const MaxPageSize = 1000

var (
	// ErrUnknownStatement is returned for unregistered statement names.
	ErrUnknownStatement = errors.New("unknown prepared statement")
	// ErrNotReady is returned when results are requested before success.
	ErrNotReady = errors.New("query execution has not succeeded")
)

// QueryInput is either raw SQL or a registered statement with positional
// parameters.
type QueryInput struct {
	Query              string
	StatementName      string
	Params             []any
	LoadExternalTables bool
}

// ResultPage is one page of results. The first page starts with a header
// row holding the column names.
type ResultPage struct {
	Columns   []string
	Rows      [][]string
	NextToken string
}

type storedResult struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// Options configure an Engine.
type Options struct {
	ResultsPrefix string
	TokenSecret   []byte
	QueryTimeout  time.Duration
	ResultTTL     time.Duration
}

type Engine struct {
	db         *sql.DB
	bucket     objectstore.Bucket
	executions ExecutionStore
	opts       Options
	log        *logrus.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu         sync.RWMutex
	tables     []ExternalTable
	statements map[string]string

	wg sync.WaitGroup
}

func NewEngine(db *sql.DB, bucket objectstore.Bucket, executions ExecutionStore, opts Options, log *logrus.Logger, m *metrics.Metrics) *Engine {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 2 * time.Minute
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = 24 * time.Hour
	}
	return &Engine{
		db:         db,
		bucket:     bucket,
		executions: executions,
		opts:       opts,
		log:        log,
		metrics:    m,
		now:        time.Now,
		statements: make(map[string]string),
	}
}

// RegisterExternalTable makes t available to queries that load external tables.
func (e *Engine) RegisterExternalTable(t ExternalTable) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tables = append(e.tables, t)
}

// RegisterStatement stores a named statement with "?" placeholders.
func (e *Engine) RegisterStatement(name, query string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statements[name] = query
}

func (e *Engine) resolve(in QueryInput) (string, error) {
	if in.StatementName == "" {
		if in.Query == "" {
			return "", errors.New("query is empty")
		}
		return in.Query, nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	q, ok := e.statements[in.StatementName]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownStatement, in.StatementName)
	}
	return q, nil
}

// StartQueryExecution records a QUEUED execution and runs it in the
// background. It returns the execution id.
func (e *Engine) StartQueryExecution(ctx context.Context, in QueryInput) (string, error) {
	query, err := e.resolve(in)
	if err != nil {
		return "", err
	}
	exec := &Execution{
		ID:            uuid.NewString(),
		Query:         query,
		StatementName: in.StatementName,
		Params:        in.Params,
		State:         StateQueued,
		SubmittedAt:   e.now().UTC(),
	}
	if err := e.executions.Save(ctx, exec); err != nil {
		return "", err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.QueryTimeout)
		defer cancel()
		e.run(runCtx, exec, in)
	}()
	return exec.ID, nil
}

// Wait blocks until every started execution finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context, exec *Execution, in QueryInput) {
	log := e.log.WithField("queryExecution", exec.ID)
	exec.State = StateRunning
	if err := e.executions.Save(ctx, exec); err != nil {
		log.WithError(err).Warn("Failed to mark query execution running")
	}

	result, err := e.execute(ctx, exec, in)
	if err == nil {
		key := e.opts.ResultsPrefix + exec.ID + ".json"
		var body []byte
		body, err = json.Marshal(result)
		if err == nil {
			err = e.bucket.Put(ctx, key, body)
		}
		exec.ResultKey = key
		exec.RowCount = len(result.Rows)
	}

	completed := e.now().UTC()
	exec.CompletedAt = &completed
	if err != nil {
		exec.State = StateFailed
		exec.StateReason = err.Error()
		exec.ResultKey = ""
		log.WithError(err).Warn("Query execution failed")
	} else {
		exec.State = StateSucceeded
		log.WithField("rows", exec.RowCount).Debug("Query execution succeeded")
	}
	e.metrics.QueryExecutionsTotal.WithLabelValues(string(exec.State)).Inc()
	e.metrics.QueryExecutionDuration.Observe(completed.Sub(exec.SubmittedAt).Seconds())

	if err := e.executions.Save(context.WithoutCancel(ctx), exec); err != nil {
		log.WithError(err).Error("Failed to save query execution")
	}
}

func (e *Engine) execute(ctx context.Context, exec *Execution, in QueryInput) (*storedResult, error) {
	// Temporary tables live on one connection.
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if in.LoadExternalTables {
		e.mu.RLock()
		tables := append([]ExternalTable(nil), e.tables...)
		e.mu.RUnlock()
		defer func() {
			for _, t := range tables {
				if err := t.drop(context.WithoutCancel(ctx), conn); err != nil {
					e.log.WithError(err).WithField("table", t.Name).Warn("Failed to drop external table")
				}
			}
		}()
		for _, t := range tables {
			n, err := t.load(ctx, conn, e.bucket)
			if err != nil {
				return nil, err
			}
			e.log.WithFields(logrus.Fields{"queryExecution": exec.ID, "table": t.Name, "rows": n}).Debug("External table loaded")
		}
	}

	rows, err := conn.QueryContext(ctx, exec.Query, in.Params...)
	if err != nil {
		return nil, fmt.Errorf("failed to run query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	result := &storedResult{Columns: cols, Rows: [][]string{}}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make([]string, len(cols))
		for i, v := range values {
			row[i] = stringify(v)
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	return result, nil
}

// stringify renders a value the way results are delivered: as text, with
// NULL as the empty string.
func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case *big.Int:
		return x.String()
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// GetQueryExecution returns the execution record.
func (e *Engine) GetQueryExecution(ctx context.Context, id string) (*Execution, error) {
	return e.executions.Get(ctx, id)
}

// GetQueryResults returns up to max rows. Without a token the page starts
// with the header row, which counts towards max.
func (e *Engine) GetQueryResults(ctx context.Context, id, token string, max int) (*ResultPage, error) {
	if max <= 0 || max > MaxPageSize {
		max = MaxPageSize
	}
	exec, err := e.executions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.State != StateSucceeded {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, exec.State)
	}

	offset := 0
	if token != "" {
		if offset, err = e.parseToken(id, token); err != nil {
			return nil, err
		}
	}

	body, err := e.bucket.Get(ctx, exec.ResultKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read results: %w", err)
	}
	var stored storedResult
	if err := json.Unmarshal(body, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode results: %w", err)
	}

	page := &ResultPage{Columns: stored.Columns, Rows: [][]string{}}
	dataRows := max
	if token == "" {
		page.Rows = append(page.Rows, stored.Columns)
		dataRows = max - 1
	}
	end := min(offset+dataRows, len(stored.Rows))
	if offset < end {
		page.Rows = append(page.Rows, stored.Rows[offset:end]...)
	}
	if end < len(stored.Rows) {
		if page.NextToken, err = e.signToken(id, end); err != nil {
			return nil, err
		}
	}
	return page, nil
}
