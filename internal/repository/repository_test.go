package repository

import (
	"context"
	"testing"
	"time"

	"github.com/Dan9191/loans-finder/internal/models"
	"github.com/Dan9191/loans-finder/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T) (*Repository, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	return NewRepository(s), s
}

func TestRepository_CreateLoanRequiresRate(t *testing.T) {
	ctx := context.Background()
	repo, s := newRepo(t)

	loan := &models.Loan{ID: "L1", Name: "Smart Home", Type: models.LoanTypeFixed, Rate: "IRS_1Y"}
	err := repo.CreateLoan(ctx, loan)
	require.ErrorIs(t, err, store.ErrPreconditionFailed)
	_, err = s.Get(ctx, LoanKey("L1"))
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, repo.UpsertRate(ctx, models.Rate{Code: "IRS_1Y", Value: 0.4}))
	require.NoError(t, repo.CreateLoan(ctx, loan))
	assert.ErrorIs(t, repo.CreateLoan(ctx, loan), store.ErrPreconditionFailed, "same id twice")

	got, err := repo.GetLoan(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, "Smart Home", got.Name)
	assert.Equal(t, "IRS_1Y", got.Rate)
	assert.Empty(t, got.Variants)
}

func TestRepository_Variants(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t)

	v := &models.LoanVariant{ID: "V1", LoanID: "L1", LTV: models.Range{Min: 0, Max: 0.6}, Duration: models.Range{Min: 10, Max: 20}, Spread: 0.35}
	assert.ErrorIs(t, repo.CreateLoanVariant(ctx, v), store.ErrPreconditionFailed)

	require.NoError(t, repo.UpsertRate(ctx, models.Rate{Code: "IRS_1Y", Value: 0.4}))
	require.NoError(t, repo.CreateLoan(ctx, &models.Loan{ID: "L1", Name: "a", Type: models.LoanTypeFixed, Rate: "IRS_1Y"}))
	require.NoError(t, repo.CreateLoanVariant(ctx, v))
	v2 := *v
	v2.ID = "V2"
	require.NoError(t, repo.CreateLoanVariant(ctx, &v2))

	got, err := repo.GetLoan(ctx, "L1")
	require.NoError(t, err)
	require.Len(t, got.Variants, 2)
	assert.Equal(t, *v, got.Variants[0])

	require.NoError(t, repo.DeleteLoanVariant(ctx, "L1", "V2"))
	n, err := repo.DeleteLoanVariants(ctx, "loan#L1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = repo.GetLoan(ctx, "L1")
	require.NoError(t, err)
	assert.Empty(t, got.Variants, "the loan itself stays")
}

func TestRepository_ListAndRates(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t)

	require.NoError(t, repo.UpsertRate(ctx, models.Rate{Code: "EURIBOR_1M", Value: -0.535}))
	require.NoError(t, repo.UpsertRate(ctx, models.Rate{Code: "EURIBOR_1M", Value: -0.5}))
	require.NoError(t, repo.UpsertRate(ctx, models.Rate{Code: "IRS_1Y", Value: 0.4}))

	rates, err := repo.ListRates(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.Rate{{Code: "EURIBOR_1M", Value: -0.5}, {Code: "IRS_1Y", Value: 0.4}}, rates)

	require.NoError(t, repo.CreateLoan(ctx, &models.Loan{ID: "A", Name: "a", Type: models.LoanTypeVariable, Rate: "EURIBOR_1M"}))
	require.NoError(t, repo.CreateLoan(ctx, &models.Loan{ID: "B", Name: "b", Type: models.LoanTypeFixed, Rate: "IRS_1Y"}))
	loans, err := repo.ListLoans(ctx)
	require.NoError(t, err)
	require.Len(t, loans, 2)
	assert.Equal(t, "A", loans[0].ID)

	require.NoError(t, repo.DeleteLoan(ctx, "A"))
	_, err = repo.GetLoan(ctx, "A")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRepository_SwapRefinedTableName(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t)

	ptr := func(name, id string) models.RefinedTablePointer {
		return models.RefinedTablePointer{Code: "products", Value: name, Details: models.RefinedTableDetails{TableID: id, TableCode: "products"}}
	}

	swap, err := repo.SwapRefinedTableName(ctx, ptr("products_a", "a"))
	require.NoError(t, err)
	assert.Equal(t, &models.TableSwap{NewTableName: "products_a"}, swap)

	swap, err = repo.SwapRefinedTableName(ctx, ptr("products_b", "b"))
	require.NoError(t, err)
	assert.Equal(t, &models.TableSwap{NewTableName: "products_b", OldTableName: "products_a", OldTableExists: true}, swap)

	current, err := repo.GetRefinedTableName(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, "products_b", current)
}

func TestRepository_WorkflowExecutions(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t)

	stopped := time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC)
	rec := models.WorkflowExecutionRecord{
		ID: "e1", Machine: "refine-products", Status: "SUCCEEDED", Input: `{}`,
		Steps: []string{"GenerateTableName"}, StartedAt: stopped.Add(-time.Minute), StoppedAt: &stopped,
	}
	require.NoError(t, repo.SaveWorkflowExecution(ctx, rec))

	got, err := repo.ListWorkflowExecutions(ctx, "refine-products")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "SUCCEEDED", got[0].Status)
	assert.True(t, got[0].StoppedAt.Equal(stopped))
}
