package main

import (
	"bytes"
	"context"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Dan9191/loans-finder/internal/handler"
	"github.com/Dan9191/loans-finder/internal/metrics"
	"github.com/Dan9191/loans-finder/internal/models"
	"github.com/Dan9191/loans-finder/internal/repository"
	"github.com/Dan9191/loans-finder/internal/service"
	"github.com/Dan9191/loans-finder/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSeedServer(t *testing.T) (*httptest.Server, *repository.Repository) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	reg := prometheus.NewRegistry()
	repo := repository.NewRepository(store.NewMemoryStore())
	svc := service.NewService(repo, nil, log)
	srv := httptest.NewServer(handler.NewRouter(handler.NewHandler(svc, log), nil, reg, metrics.New(reg)))
	t.Cleanup(srv.Close)
	return srv, repo
}

func newTestSeeder(endpoint string, seed uint64, out io.Writer) *seeder {
	return &seeder{
		endpoint: endpoint + "/",
		client:   http.DefaultClient,
		rnd:      rand.New(rand.NewPCG(seed, seed>>1)),
		out:      out,
	}
}

func TestSeeder_Run(t *testing.T) {
	srv, repo := newSeedServer(t)
	var out bytes.Buffer
	ctx := context.Background()

	require.NoError(t, newTestSeeder(srv.URL, 42, &out).run(ctx, 3))

	rates, err := repo.ListRates(ctx)
	require.NoError(t, err)
	assert.Len(t, rates, 14)

	loans, err := repo.ListLoans(ctx)
	require.NoError(t, err)
	require.Len(t, loans, 3)

	codes := map[string]bool{}
	for _, r := range rates {
		codes[r.Code] = true
	}
	for _, l := range loans {
		assert.True(t, codes[l.Rate], "loan %s priced from unknown rate %s", l.ID, l.Rate)

		loan, err := repo.GetLoan(ctx, l.ID)
		require.NoError(t, err)
		require.Len(t, loan.Variants, 2*variantsPerDuration)
		for _, v := range loan.Variants {
			assert.LessOrEqual(t, v.LTV.Min, v.LTV.Max)
			assert.LessOrEqual(t, v.Duration.Min, v.Duration.Max)
			assert.LessOrEqual(t, v.LTV.Max, 1.0)
			assert.Greater(t, v.Spread, 0.0)
		}
	}
	assert.Contains(t, out.String(), "-> Generated loan ")
}

func TestSeeder_Deterministic(t *testing.T) {
	a := newTestSeeder("http://unused", 7, io.Discard).generateLoan()
	b := newTestSeeder("http://unused", 7, io.Discard).generateLoan()
	assert.Equal(t, a, b)

	assert.Contains(t, []string{models.LoanTypeFixed, models.LoanTypeVariable}, a.Loan.Type)
	require.Len(t, a.Variants, 10)
	// the second band starts where the first ends
	assert.Equal(t, a.Variants[0].Duration.Max, a.Variants[variantsPerDuration].Duration.Min)
	for i := 1; i < variantsPerDuration; i++ {
		assert.Greater(t, a.Variants[i].Spread, a.Variants[i-1].Spread)
	}
}

func TestSeeder_ReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Internal error"}`))
	}))
	defer srv.Close()

	err := newTestSeeder(srv.URL, 1, io.Discard).run(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Internal error")
	assert.Contains(t, err.Error(), "IRS_1Y")
}
