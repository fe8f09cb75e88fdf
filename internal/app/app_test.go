package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Dan9191/loans-finder/internal/config"
	"github.com/Dan9191/loans-finder/internal/queue"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemoryApp(t *testing.T) *App {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	cfg := &config.Config{
		StoreDriver:            config.DriverMemory,
		QueueDriver:            config.DriverMemory,
		ObjectStoreDir:         t.TempDir(),
		RawPrefix:              "raw/",
		QueryResultsPrefix:     "queries/",
		ChangeLogShards:        2,
		ChangeLogBatchSize:     10,
		ChangeLogPoll:          "@every 1h",
		QueueDeliveryDelay:     5 * time.Minute,
		QueueDedupWindow:       5 * time.Minute,
		QueueVisibilityTimeout: 6 * time.Minute,
		QueuePoll:              "@every 1h",
		WorkflowTimeout:        30 * time.Second,
		JobPollInterval:        5 * time.Millisecond,
		QueryTimeout:           30 * time.Second,
		TokenSecret:            "test-secret",
		RefinedTableCode:       "products",
	}
	require.NoError(t, cfg.Validate())
	a, err := New(context.Background(), cfg, log)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func call(t *testing.T, a *App, method, path, body string) map[string]any {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, httptest.NewRequest(method, path, rdr))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var out map[string]any
	if strings.HasPrefix(rr.Body.String(), "{") {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	}
	return out
}

func TestApp_PipelineEndToEnd(t *testing.T) {
	ctx := context.Background()
	a := newMemoryApp(t)
	q := a.queue.(*queue.MemoryQueue)
	now := time.Now()
	q.Now = func() time.Time { return now }

	call(t, a, "POST", "/rates", `{"code":"IRS_10Y","value":1.5}`)
	loan := call(t, a, "POST", "/loans", `{"name":"Domus Verde Fisso","type":"FIXED","rate":"IRS_10Y"}`)["loan"].(map[string]any)
	loanID := loan["id"].(string)
	call(t, a, "POST", "/loans/"+loanID, `{"ltv":{"min":0.1,"max":0.8},"duration":{"min":10,"max":25},"spread":0.25}`)

	// change log -> raw objects -> one deduplicated trigger
	require.NoError(t, a.reader.Poll(ctx, a.exporter.Consumer(10)))
	require.NoError(t, a.reader.Poll(ctx, a.cleanup.Consumer(10)))
	keys, err := a.bucket.List(ctx, "raw/")
	require.NoError(t, err)
	assert.Len(t, keys, 3)
	assert.Equal(t, 1, q.Len())

	now = now.Add(5 * time.Minute)
	started, err := a.trigger.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, started)
	a.trigger.Wait()

	history, err := a.repo.ListWorkflowExecutions(ctx, "refine-products")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "SUCCEEDED", history[0].Status, history[0].Error)

	start := call(t, a, "POST", "/queries", `{"duration":20,"propertyValue":200000,"loanValue":150000,"loanType":"FIXED"}`)
	execID := start["executionId"].(string)
	a.queries.Wait()

	show := call(t, a, "GET", "/queries/"+execID, "")
	assert.Equal(t, "SUCCEEDED", show["queryStatus"])
	assert.Equal(t, []any{map[string]any{"id": loanID, "name": "Domus Verde Fisso", "rate": "1.75"}}, show["results"])
	assert.NotContains(t, show, "nextToken")
}

func TestApp_LoanDeleteCascades(t *testing.T) {
	ctx := context.Background()
	a := newMemoryApp(t)

	call(t, a, "POST", "/rates", `{"code":"EURIBOR_3M","value":-0.348}`)
	keep := call(t, a, "POST", "/loans", `{"name":"Mutuo Giovane","type":"VARIABLE","rate":"EURIBOR_3M"}`)["loan"].(map[string]any)["id"].(string)
	drop := call(t, a, "POST", "/loans", `{"name":"Casa Dinamico","type":"VARIABLE","rate":"EURIBOR_3M"}`)["loan"].(map[string]any)["id"].(string)
	variant := `{"ltv":{"min":0,"max":0.5},"duration":{"min":5,"max":15},"spread":1}`
	call(t, a, "POST", "/loans/"+keep, variant)
	call(t, a, "POST", "/loans/"+drop, variant)
	call(t, a, "POST", "/loans/"+drop, variant)

	call(t, a, "DELETE", "/loans/"+drop, "")
	require.NoError(t, a.reader.Poll(ctx, a.cleanup.Consumer(10)))

	_, err := a.repo.GetLoan(ctx, drop)
	require.Error(t, err)
	dropped, err := a.repo.DeleteLoanVariants(ctx, "loan#"+drop)
	require.NoError(t, err)
	assert.Equal(t, 0, dropped, "variants of the deleted loan are gone")

	kept, err := a.repo.GetLoan(ctx, keep)
	require.NoError(t, err)
	assert.Len(t, kept.Variants, 1)
}
