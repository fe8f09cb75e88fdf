package refinement

import (
	"context"
	"database/sql"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/Dan9191/loans-finder/internal/analytics"
	"github.com/Dan9191/loans-finder/internal/metrics"
	"github.com/Dan9191/loans-finder/internal/objectstore"
	"github.com/Dan9191/loans-finder/internal/repository"
	"github.com/Dan9191/loans-finder/internal/store"
	"github.com/Dan9191/loans-finder/internal/workflow"
	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	db     *sql.DB
	bucket *objectstore.FSBucket
	repo   *repository.Repository
	engine *analytics.Engine
	wf     *workflow.Engine
	table  Table
	def    workflow.Definition
}

func newFixture(t *testing.T, table Table) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	m := metrics.NewNop()

	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	bucket, err := objectstore.NewFSBucket(t.TempDir(), log, m)
	require.NoError(t, err)

	engine := analytics.NewEngine(db, bucket, analytics.NewMemoryExecutions(), analytics.Options{
		ResultsPrefix: "queries/",
		TokenSecret:   []byte("secret"),
	}, log, m)
	Register(engine, "raw/", table)

	repo := repository.NewRepository(store.NewMemoryStore())
	return &fixture{
		db:     db,
		bucket: bucket,
		repo:   repo,
		engine: engine,
		wf:     workflow.NewEngine(NewStoreHistory(repo), log, m),
		table:  table,
		def:    NewDefinition(table, repo, engine, 5*time.Millisecond, 30*time.Second),
	}
}

func (f *fixture) put(t *testing.T, key, body string) {
	t.Helper()
	require.NoError(t, f.bucket.Put(context.Background(), key, []byte(body)))
}

func (f *fixture) refinedTables(t *testing.T) []string {
	t.Helper()
	rows, err := f.db.Query(`SELECT table_name FROM information_schema.tables
		WHERE table_type = 'BASE TABLE' AND starts_with(table_name, ?) ORDER BY table_name`, f.table.TablePrefix)
	require.NoError(t, err)
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names = append(names, name)
	}
	return names
}

func TestRefinement_TwoRunsSwapAndDrop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Products)

	f.put(t, "raw/rate/IRS_10Y.json", `{"id":"IRS_10Y","value":1.5}`)
	f.put(t, "raw/loan/L1.json", `{"id":"L1","name":"Smart Home","type":"FIXED","rate":"IRS_10Y"}`)
	f.put(t, "raw/loan_variant/V1.json", `{"id":"V1","loanId":"L1","spread":0.25,"ltv":{"min":0,"max":0.8},"duration":{"min":10,"max":25}}`)
	f.put(t, "raw/loan_variant/V2.json", `{"id":"V2","loanId":"L1","spread":0.5,"ltv":{"min":0,"max":0.9},"duration":{"min":10,"max":25}}`)

	first, err := f.wf.Run(ctx, f.def, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{StateGenerateTableName, StateCreateRefinedTable, StateReplaceView, StateOldTableExists, StateIgnoreTableDrop}, first.Steps)
	firstTable, err := f.repo.GetRefinedTableName(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, []string{firstTable}, f.refinedTables(t))

	second, err := f.wf.Run(ctx, f.def, nil)
	require.NoError(t, err)
	assert.Equal(t, StateDropOldTable, second.Steps[len(second.Steps)-1])
	secondTable, err := f.repo.GetRefinedTableName(ctx, "products")
	require.NoError(t, err)
	assert.NotEqual(t, firstTable, secondTable)
	assert.Equal(t, []string{secondTable}, f.refinedTables(t), "previous table is dropped")

	var viewRows int
	require.NoError(t, f.db.QueryRow(`SELECT count(*) FROM products`).Scan(&viewRows))
	assert.Equal(t, 2, viewRows)

	history, err := f.repo.ListWorkflowExecutions(ctx, Products.MachineName())
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "SUCCEEDED", history[1].Status)

	id, err := f.engine.StartQueryExecution(ctx, analytics.QueryInput{
		StatementName: FindLoansStatement,
		Params:        []any{20, 20, 0.75, 0.75, "FIXED"},
	})
	require.NoError(t, err)
	f.engine.Wait()
	page, err := f.engine.GetQueryResults(ctx, id, "", 26)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"id", "name", "rate"}, {"L1", "Smart Home", "1.75"}}, page.Rows)
}

func TestRefinement_FailedTransformKeepsView(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Products)
	f.put(t, "raw/rate/IRS_1Y.json", `{"id":"IRS_1Y","value":0.5}`)

	_, err := f.wf.Run(ctx, f.def, nil)
	require.NoError(t, err)

	broken := Products
	broken.TransformSQL = "SELECT * FROM no_such_table"
	def := NewDefinition(broken, f.repo, f.engine, 5*time.Millisecond, 30*time.Second)
	exec, err := f.wf.Run(ctx, def, nil)
	require.Error(t, err)
	assert.Equal(t, workflow.StatusFailed, exec.Status)
	assert.Equal(t, StateCreateRefinedTable, exec.FailedState)

	// the view still answers from the last good table
	var n int
	require.NoError(t, f.db.QueryRow(`SELECT count(*) FROM products`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestRefinement_ConfiguredCode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ProductsTable("catalogue"))

	f.put(t, "raw/rate/EURIBOR_3M.json", `{"id":"EURIBOR_3M","value":-0.25}`)
	f.put(t, "raw/loan/L2.json", `{"id":"L2","name":"Casa Nero Dinamico","type":"VARIABLE","rate":"EURIBOR_3M"}`)
	f.put(t, "raw/loan_variant/V3.json", `{"id":"V3","loanId":"L2","spread":1,"ltv":{"min":0.2,"max":0.9},"duration":{"min":5,"max":30}}`)

	exec, err := f.wf.Run(ctx, f.def, nil)
	require.NoError(t, err)
	assert.Equal(t, "refine-catalogue", exec.Machine)

	name, err := f.repo.GetRefinedTableName(ctx, "catalogue")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(name, "catalogue_"))
	assert.Equal(t, []string{name}, f.refinedTables(t))

	var n int
	require.NoError(t, f.db.QueryRow(`SELECT count(*) FROM catalogue`).Scan(&n))
	assert.Equal(t, 1, n)

	id, err := f.engine.StartQueryExecution(ctx, analytics.QueryInput{
		StatementName: FindLoansStatement,
		Params:        []any{10, 10, 0.5, 0.5, "VARIABLE"},
	})
	require.NoError(t, err)
	f.engine.Wait()
	page, err := f.engine.GetQueryResults(ctx, id, "", 26)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"id", "name", "rate"}, {"L2", "Casa Nero Dinamico", "0.75"}}, page.Rows)
}
