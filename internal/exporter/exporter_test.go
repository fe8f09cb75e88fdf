package exporter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/Dan9191/loans-finder/internal/changelog"
	"github.com/Dan9191/loans-finder/internal/metrics"
	"github.com/Dan9191/loans-finder/internal/objectstore"
	"github.com/Dan9191/loans-finder/internal/queue"
	"github.com/Dan9191/loans-finder/internal/store"
	"github.com/Dan9191/loans-finder/internal/trigger"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExporter_RoundTrip(t *testing.T) {
	ctx := context.Background()
	log := logrus.New()
	log.SetOutput(io.Discard)
	m := metrics.NewNop()

	bucket, err := objectstore.NewFSBucket(t.TempDir(), log, m)
	require.NoError(t, err)
	s := store.NewMemoryStore()
	exp := NewExporter(bucket, "raw/", log)
	reader := changelog.NewReader(s, changelog.NewMemoryCheckpoints(), 2, log, m)

	variant := store.Item{
		store.AttrPK: "loan#L1", store.AttrSK: "loan_variant#V1", store.AttrEntity: "loan_variant",
		"id": "V1", "loanId": "L1", "spread": 0.35,
		"ltv":      map[string]any{"min": 0, "max": 0.6},
		"duration": map[string]any{"min": 10, "max": 20},
	}
	loan := store.Item{
		store.AttrPK: "loan#L1", store.AttrSK: "loan#L1", store.AttrEntity: "loan",
		store.AttrGSI1PK: "loans", store.AttrGSI1SK: "loan#L1",
		"id": "L1", "name": "Smart Home", "type": "FIXED", "rate": "IRS_1Y",
	}
	config := store.Item{store.AttrPK: "cfg#refined_name", store.AttrSK: "products", store.AttrEntity: "config", "value": "products_x"}
	for _, item := range []store.Item{loan, variant, config} {
		_, err := s.Put(ctx, item)
		require.NoError(t, err)
	}

	require.NoError(t, reader.Poll(ctx, exp.Consumer(10)))

	body, err := bucket.Get(ctx, "raw/loan_variant/V1.json")
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, map[string]any{
		"id": "V1", "loanId": "L1", "spread": 0.35,
		"ltv":      map[string]any{"min": float64(0), "max": 0.6},
		"duration": map[string]any{"min": float64(10), "max": float64(20)},
	}, got)

	body, err = bucket.Get(ctx, "raw/loan/L1.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"L1","name":"Smart Home","type":"FIXED","rate":"IRS_1Y"}`, string(body))

	keys, err := bucket.List(ctx, "raw/")
	require.NoError(t, err)
	assert.Len(t, keys, 2, "config items are not exported")

	require.NoError(t, s.Delete(ctx, variant.Key()))
	require.NoError(t, reader.Poll(ctx, exp.Consumer(10)))
	_, err = bucket.Get(ctx, "raw/loan_variant/V1.json")
	assert.ErrorIs(t, err, objectstore.ErrNotFound)
}

func TestExporter_ObjectKey(t *testing.T) {
	exp := NewExporter(nil, "raw/", logrus.New())
	assert.Equal(t, "raw/rate/EURIBOR_3M.json", exp.ObjectKey("rate#EURIBOR_3M"))
	assert.Equal(t, "raw/loan_variant/01H.json", exp.ObjectKey("loan_variant#01H"))
}

// flakyQueue rejects sends while failures remain.
type flakyQueue struct {
	*queue.MemoryQueue
	failures int
}

func (q *flakyQueue) Send(ctx context.Context, groupID, body string) (bool, error) {
	if q.failures > 0 {
		q.failures--
		return false, errors.New("queue unavailable")
	}
	return q.MemoryQueue.Send(ctx, groupID, body)
}

func TestExporter_TriggerFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	log := logrus.New()
	log.SetOutput(io.Discard)
	m := metrics.NewNop()

	bucket, err := objectstore.NewFSBucket(t.TempDir(), log, m)
	require.NoError(t, err)
	q := &flakyQueue{MemoryQueue: queue.NewMemoryQueue("refine", queue.DefaultOptions(), m), failures: 1}
	trigger.NewNotifier(q, log).Bind(bucket, "raw/", "products")

	s := store.NewMemoryStore()
	cps := changelog.NewMemoryCheckpoints()
	reader := changelog.NewReader(s, cps, 1, log, m)
	exp := NewExporter(bucket, "raw/", log)

	_, err = s.Put(ctx, store.Item{
		store.AttrPK: "rate#IRS_5Y", store.AttrSK: "rate#IRS_5Y", store.AttrEntity: "rate",
		"id": "IRS_5Y", "value": 1.38,
	})
	require.NoError(t, err)

	require.NoError(t, reader.Poll(ctx, exp.Consumer(10)))
	assert.Equal(t, 0, q.Len())
	poison, err := cps.ListPoison(ctx)
	require.NoError(t, err)
	require.Len(t, poison, 1, "the shard halts instead of dropping the trigger")
	assert.Contains(t, poison[0].Error, "queue unavailable")

	require.NoError(t, reader.Poll(ctx, exp.Consumer(10)))
	assert.Equal(t, 1, q.Len())
	poison, err = cps.ListPoison(ctx)
	require.NoError(t, err)
	assert.Empty(t, poison)

	seq, err := cps.Checkpoint(ctx, ConsumerName, 0)
	require.NoError(t, err)
	assert.Positive(t, seq)
}
