package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/Dan9191/loans-finder/internal/models"
	"github.com/Dan9191/loans-finder/internal/store"
)

// Entity discriminators
const (
	EntityLoan              = "loan"
	EntityLoanVariant       = "loan_variant"
	EntityRate              = "rate"
	EntityConfig            = "config"
	EntityWorkflowExecution = "workflow_execution"
)

// GSI1 partitions
const (
	indexLoans = "loans"
	indexRates = "rates"
)

const (
	loanPrefix        = "loan#"
	loanVariantPrefix = "loan_variant#"
	ratePrefix        = "rate#"
	refinedNamePK     = "cfg#refined_name"
	workflowPKPrefix  = "wfexec#"
)

// LoanKey addresses a loan
func LoanKey(id string) store.Key {
	return store.Key{PK: loanPrefix + id, SK: loanPrefix + id}
}

// VariantKey addresses a variant inside its loan's partition
func VariantKey(loanID, id string) store.Key {
	return store.Key{PK: loanPrefix + loanID, SK: loanVariantPrefix + id}
}

// RateKey addresses a rate by code
func RateKey(code string) store.Key {
	return store.Key{PK: ratePrefix + code, SK: ratePrefix + code}
}

// ConfigKey addresses the refined table pointer of a table code
func ConfigKey(code string) store.Key {
	return store.Key{PK: refinedNamePK, SK: code}
}

// Repository maps catalogue entities onto store items
type Repository struct {
	store store.Store
}

// NewRepository initializes a new repository
func NewRepository(s store.Store) *Repository {
	return &Repository{store: s}
}

// CreateLoan stores a loan if its rate exists and the id is unused
func (r *Repository) CreateLoan(ctx context.Context, loan *models.Loan) error {
	key := LoanKey(loan.ID)
	item := store.Item{
		store.AttrPK:     key.PK,
		store.AttrSK:     key.SK,
		store.AttrEntity: EntityLoan,
		store.AttrGSI1PK: indexLoans,
		store.AttrGSI1SK: key.SK,
		"id":             loan.ID,
		"name":           loan.Name,
		"type":           loan.Type,
		"rate":           loan.Rate,
	}
	err := r.store.TransactWrite(ctx, []store.TransactItem{
		{ConditionCheck: &store.ConditionCheck{Key: RateKey(loan.Rate), Condition: store.ConditionExists}},
		{Put: &store.Put{Item: item, Condition: store.ConditionNotExists}},
	})
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

// GetLoan retrieves a loan with its variants
func (r *Repository) GetLoan(ctx context.Context, id string) (*models.Loan, error) {
	items, err := r.store.Query(ctx, loanPrefix+id, "")
	if err != nil {
		return nil, fmt.Errorf("failed to find loan: %w", err)
	}
	var loan *models.Loan
	variants := []models.LoanVariant{}
	for _, item := range items {
		switch item.String(store.AttrEntity) {
		case EntityLoan:
			loan = &models.Loan{}
			if err := item.Decode(loan); err != nil {
				return nil, err
			}
		case EntityLoanVariant:
			var v models.LoanVariant
			if err := item.Decode(&v); err != nil {
				return nil, err
			}
			variants = append(variants, v)
		}
	}
	if loan == nil {
		return nil, fmt.Errorf("loan %s: %w", id, store.ErrNotFound)
	}
	loan.Variants = variants
	return loan, nil
}

// ListLoans retrieves all loans without their variants
func (r *Repository) ListLoans(ctx context.Context) ([]models.Loan, error) {
	items, err := r.store.QueryIndex(ctx, indexLoans)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	loans := make([]models.Loan, 0, len(items))
	for _, item := range items {
		var loan models.Loan
		if err := item.Decode(&loan); err != nil {
			return nil, err
		}
		loans = append(loans, loan)
	}
	return loans, nil
}

// DeleteLoan removes a loan. Its variants are removed asynchronously.
func (r *Repository) DeleteLoan(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, LoanKey(id)); err != nil {
		return fmt.Errorf("failed to delete loan: %w", err)
	}
	return nil
}

// CreateLoanVariant stores a variant if its loan exists and the id is unused
func (r *Repository) CreateLoanVariant(ctx context.Context, v *models.LoanVariant) error {
	key := VariantKey(v.LoanID, v.ID)
	item := store.Item{
		store.AttrPK:     key.PK,
		store.AttrSK:     key.SK,
		store.AttrEntity: EntityLoanVariant,
		"id":             v.ID,
		"loanId":         v.LoanID,
		"ltv":            map[string]any{"min": v.LTV.Min, "max": v.LTV.Max},
		"duration":       map[string]any{"min": v.Duration.Min, "max": v.Duration.Max},
		"spread":         v.Spread,
	}
	err := r.store.TransactWrite(ctx, []store.TransactItem{
		{ConditionCheck: &store.ConditionCheck{Key: LoanKey(v.LoanID), Condition: store.ConditionExists}},
		{Put: &store.Put{Item: item, Condition: store.ConditionNotExists}},
	})
	if err != nil {
		return fmt.Errorf("failed to create loan variant: %w", err)
	}
	return nil
}

// DeleteLoanVariant removes one variant
func (r *Repository) DeleteLoanVariant(ctx context.Context, loanID, id string) error {
	if err := r.store.Delete(ctx, VariantKey(loanID, id)); err != nil {
		return fmt.Errorf("failed to delete loan variant: %w", err)
	}
	return nil
}

// DeleteLoanVariants removes every variant under a loan partition key
func (r *Repository) DeleteLoanVariants(ctx context.Context, loanPK string) (int, error) {
	items, err := r.store.Query(ctx, loanPK, loanVariantPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to find loan variants: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}
	keys := make([]store.Key, 0, len(items))
	for _, item := range items {
		keys = append(keys, item.Key())
	}
	if err := r.store.BatchDelete(ctx, keys); err != nil {
		return 0, fmt.Errorf("failed to delete loan variants: %w", err)
	}
	return len(keys), nil
}

// UpsertRate creates or overwrites a rate
func (r *Repository) UpsertRate(ctx context.Context, rate models.Rate) error {
	key := RateKey(rate.Code)
	_, err := r.store.Put(ctx, store.Item{
		store.AttrPK:     key.PK,
		store.AttrSK:     key.SK,
		store.AttrEntity: EntityRate,
		store.AttrGSI1PK: indexRates,
		store.AttrGSI1SK: key.SK,
		"id":             rate.Code,
		"value":          rate.Value,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert rate: %w", err)
	}
	return nil
}

// ListRates retrieves all rates
func (r *Repository) ListRates(ctx context.Context) ([]models.Rate, error) {
	items, err := r.store.QueryIndex(ctx, indexRates)
	if err != nil {
		return nil, fmt.Errorf("failed to list rates: %w", err)
	}
	rates := make([]models.Rate, 0, len(items))
	for _, item := range items {
		var raw struct {
			ID    string  `json:"id"`
			Value float64 `json:"value"`
		}
		if err := item.Decode(&raw); err != nil {
			return nil, err
		}
		rates = append(rates, models.Rate{Code: raw.ID, Value: raw.Value})
	}
	return rates, nil
}

// SwapRefinedTableName points the table code at a new table name and returns
// the name it replaced
func (r *Repository) SwapRefinedTableName(ctx context.Context, ptr models.RefinedTablePointer) (*models.TableSwap, error) {
	key := ConfigKey(ptr.Code)
	old, err := r.store.Put(ctx, store.Item{
		store.AttrPK:     key.PK,
		store.AttrSK:     key.SK,
		store.AttrEntity: EntityConfig,
		"value":          ptr.Value,
		"details": map[string]any{
			"tableId":   ptr.Details.TableID,
			"tableCode": ptr.Details.TableCode,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to swap refined table name: %w", err)
	}
	swap := &models.TableSwap{NewTableName: ptr.Value}
	if old != nil {
		swap.OldTableName = old.String("value")
		swap.OldTableExists = swap.OldTableName != ""
	}
	return swap, nil
}

// GetRefinedTableName returns the table the code currently points at
func (r *Repository) GetRefinedTableName(ctx context.Context, code string) (string, error) {
	item, err := r.store.Get(ctx, ConfigKey(code))
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get refined table name: %w", err)
	}
	return item.String("value"), nil
}

// SaveWorkflowExecution stores the history record of an execution
func (r *Repository) SaveWorkflowExecution(ctx context.Context, rec models.WorkflowExecutionRecord) error {
	item := store.Item{
		store.AttrPK:     workflowPKPrefix + rec.Machine,
		store.AttrSK:     rec.ID,
		store.AttrEntity: EntityWorkflowExecution,
		"id":             rec.ID,
		"machine":        rec.Machine,
		"status":         rec.Status,
		"input":          rec.Input,
		"steps":          rec.Steps,
		"startedAt":      rec.StartedAt,
	}
	if rec.Output != "" {
		item["output"] = rec.Output
	}
	if rec.Error != "" {
		item["error"] = rec.Error
	}
	if rec.StoppedAt != nil {
		item["stoppedAt"] = *rec.StoppedAt
	}
	if _, err := r.store.Put(ctx, item); err != nil {
		return fmt.Errorf("failed to save workflow execution: %w", err)
	}
	return nil
}

// ListWorkflowExecutions returns the stored executions of a machine, oldest first
func (r *Repository) ListWorkflowExecutions(ctx context.Context, machine string) ([]models.WorkflowExecutionRecord, error) {
	items, err := r.store.Query(ctx, workflowPKPrefix+machine, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow executions: %w", err)
	}
	out := make([]models.WorkflowExecutionRecord, 0, len(items))
	for _, item := range items {
		var rec models.WorkflowExecutionRecord
		if err := item.Decode(&rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
