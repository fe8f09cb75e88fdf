package analytics

import (
	"context"
	"database/sql"
	"io"
	"strconv"
	"testing"

	"github.com/Dan9191/loans-finder/internal/metrics"
	"github.com/Dan9191/loans-finder/internal/objectstore"
	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *objectstore.FSBucket) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	m := metrics.NewNop()

	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bucket, err := objectstore.NewFSBucket(t.TempDir(), log, m)
	require.NoError(t, err)

	e := NewEngine(db, bucket, NewMemoryExecutions(), Options{
		ResultsPrefix: "queries/",
		TokenSecret:   []byte("test-secret"),
	}, log, m)
	return e, bucket
}

func runToCompletion(t *testing.T, e *Engine, in QueryInput) *Execution {
	t.Helper()
	ctx := context.Background()
	id, err := e.StartQueryExecution(ctx, in)
	require.NoError(t, err)
	e.Wait()
	exec, err := e.GetQueryExecution(ctx, id)
	require.NoError(t, err)
	return exec
}

func TestEngine_RawQuery(t *testing.T) {
	e, bucket := newTestEngine(t)
	exec := runToCompletion(t, e, QueryInput{Query: "SELECT 1 AS a, 'x' AS b, NULL AS c, CAST(0.5 AS DOUBLE) + CAST(0.25 AS DOUBLE) AS d"})
	require.Equal(t, StateSucceeded, exec.State, exec.StateReason)
	require.NotNil(t, exec.CompletedAt)
	assert.Equal(t, "queries/"+exec.ID+".json", exec.ResultKey)

	_, err := bucket.Get(context.Background(), exec.ResultKey)
	require.NoError(t, err)

	page, err := e.GetQueryResults(context.Background(), exec.ID, "", 26)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b", "c", "d"}, {"1", "x", "", "0.75"}}, page.Rows)
	assert.Empty(t, page.NextToken)
}

func TestEngine_Pagination(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	exec := runToCompletion(t, e, QueryInput{Query: "SELECT range AS n FROM range(60) ORDER BY n"})
	require.Equal(t, StateSucceeded, exec.State, exec.StateReason)
	assert.Equal(t, 60, exec.RowCount)

	first, err := e.GetQueryResults(ctx, exec.ID, "", 26)
	require.NoError(t, err)
	require.Len(t, first.Rows, 26)
	assert.Equal(t, []string{"n"}, first.Rows[0])
	assert.Equal(t, []string{"0"}, first.Rows[1])
	require.NotEmpty(t, first.NextToken)

	second, err := e.GetQueryResults(ctx, exec.ID, first.NextToken, 25)
	require.NoError(t, err)
	require.Len(t, second.Rows, 25)
	assert.Equal(t, []string{"25"}, second.Rows[0])

	third, err := e.GetQueryResults(ctx, exec.ID, second.NextToken, 25)
	require.NoError(t, err)
	require.Len(t, third.Rows, 10)
	assert.Equal(t, []string{"59"}, third.Rows[9])
	assert.Empty(t, third.NextToken)

	other := runToCompletion(t, e, QueryInput{Query: "SELECT range FROM range(60)"})
	_, err = e.GetQueryResults(ctx, other.ID, first.NextToken, 25)
	assert.ErrorIs(t, err, ErrInvalidToken, "tokens are bound to their execution")
	_, err = e.GetQueryResults(ctx, exec.ID, "garbage", 25)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestEngine_Failures(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	exec := runToCompletion(t, e, QueryInput{Query: "SELECT * FROM products"})
	assert.Equal(t, StateFailed, exec.State)
	assert.NotEmpty(t, exec.StateReason)
	_, err := e.GetQueryResults(ctx, exec.ID, "", 26)
	assert.ErrorIs(t, err, ErrNotReady)

	_, err = e.StartQueryExecution(ctx, QueryInput{StatementName: "nope"})
	assert.ErrorIs(t, err, ErrUnknownStatement)

	_, err = e.GetQueryExecution(ctx, "missing")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestEngine_ExternalTablesAndStatements(t *testing.T) {
	ctx := context.Background()
	e, bucket := newTestEngine(t)

	e.RegisterExternalTable(ExternalTable{
		Name:   "raw_items",
		Prefix: "raw/item/",
		Columns: []Column{
			{Name: "id", Type: TypeVarchar, Path: "id"},
			{Name: "size_min", Type: TypeInteger, Path: "size.min"},
			{Name: "price", Type: TypeDouble, Path: "price"},
		},
	})
	e.RegisterStatement("cheap_items", "SELECT id, size_min FROM raw_items WHERE price <= ? ORDER BY id")

	for i, price := range []float64{1.5, 3, 0.5} {
		body := `{"id":"i` + strconv.Itoa(i) + `","size":{"min":` + strconv.Itoa(i*10) + `},"price":` + strconv.FormatFloat(price, 'f', -1, 64) + `}`
		require.NoError(t, bucket.Put(ctx, "raw/item/"+strconv.Itoa(i)+".json", []byte(body)))
	}
	require.NoError(t, bucket.Put(ctx, "raw/item/3.json", []byte(`{"id":"i3"}`)))

	exec := runToCompletion(t, e, QueryInput{StatementName: "cheap_items", Params: []any{2.0}, LoadExternalTables: true})
	require.Equal(t, StateSucceeded, exec.State, exec.StateReason)

	page, err := e.GetQueryResults(ctx, exec.ID, "", 26)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"id", "size_min"}, {"i0", "0"}, {"i2", "20"}}, page.Rows)

	// temporary tables do not outlive the execution
	exec = runToCompletion(t, e, QueryInput{Query: "SELECT * FROM raw_items"})
	assert.Equal(t, StateFailed, exec.State)
}
