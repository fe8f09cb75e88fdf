package cleanup

import (
	"context"
	"io"
	"testing"

	"github.com/Dan9191/loans-finder/internal/changelog"
	"github.com/Dan9191/loans-finder/internal/metrics"
	"github.com/Dan9191/loans-finder/internal/models"
	"github.com/Dan9191/loans-finder/internal/repository"
	"github.com/Dan9191/loans-finder/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorker_RemovesOnlyOwnVariantsEventually(t *testing.T) {
	ctx := context.Background()
	log := logrus.New()
	log.SetOutput(io.Discard)

	s := store.NewMemoryStore()
	repo := repository.NewRepository(s)
	reader := changelog.NewReader(s, changelog.NewMemoryCheckpoints(), 4, log, metrics.NewNop())
	consumer := NewWorker(repo, log).Consumer(10)

	require.NoError(t, repo.UpsertRate(ctx, models.Rate{Code: "IRS_1Y", Value: 0.4}))
	for _, loanID := range []string{"L1", "L2"} {
		require.NoError(t, repo.CreateLoan(ctx, &models.Loan{ID: loanID, Name: loanID, Type: models.LoanTypeFixed, Rate: "IRS_1Y"}))
		for _, id := range []string{"a", "b"} {
			require.NoError(t, repo.CreateLoanVariant(ctx, &models.LoanVariant{ID: loanID + id, LoanID: loanID}))
		}
	}
	require.NoError(t, reader.Poll(ctx, consumer))

	require.NoError(t, repo.DeleteLoan(ctx, "L1"))

	// until the worker runs the variants are still there
	orphans, err := s.Query(ctx, "loan#L1", "loan_variant#")
	require.NoError(t, err)
	assert.Len(t, orphans, 2)

	require.NoError(t, reader.Poll(ctx, consumer))

	orphans, err = s.Query(ctx, "loan#L1", "loan_variant#")
	require.NoError(t, err)
	assert.Empty(t, orphans)

	others, err := s.Query(ctx, "loan#L2", "loan_variant#")
	require.NoError(t, err)
	assert.Len(t, others, 2)
}

func TestWorker_NoVariants(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	w := NewWorker(repository.NewRepository(store.NewMemoryStore()), log)

	err := w.Handle(context.Background(), []store.Change{{
		EventName: store.EventRemove,
		Keys:      store.Key{PK: "loan#X", SK: "loan#X"},
		OldImage:  store.Item{store.AttrPK: "loan#X", store.AttrSK: "loan#X", store.AttrEntity: "loan"},
	}})
	assert.NoError(t, err)
}
