package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/Dan9191/loans-finder/internal/apperrors"
	"github.com/Dan9191/loans-finder/internal/models"
	"github.com/Dan9191/loans-finder/internal/store"
	"github.com/Dan9191/loans-finder/internal/utils"
)

// CreateLoan creates a loan priced from an existing rate
func (s *Service) CreateLoan(ctx context.Context, req models.CreateLoanRequest) (*models.Loan, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	loan := &models.Loan{
		ID:   utils.NewID(),
		Name: req.Name,
		Type: req.Type,
		Rate: req.Rate,
	}
	if err := s.repo.CreateLoan(ctx, loan); err != nil {
		return nil, writeError(err,
			fmt.Sprintf("Rate %s does not exist", req.Rate),
			fmt.Sprintf("Loan %s already exists", loan.ID))
	}
	s.log.Infof("Loan created: %s (%s)", loan.ID, loan.Rate)
	return loan, nil
}

// GetLoan retrieves a loan with its variants
func (s *Service) GetLoan(ctx context.Context, id string) (*models.Loan, error) {
	loan, err := s.repo.GetLoan(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.NotFound(fmt.Sprintf("Loan %s not found", id))
	}
	if err != nil {
		return nil, infraError(err)
	}
	return loan, nil
}

// ListLoans lists every loan without variants
func (s *Service) ListLoans(ctx context.Context) ([]models.Loan, error) {
	loans, err := s.repo.ListLoans(ctx)
	if err != nil {
		return nil, infraError(err)
	}
	return loans, nil
}

// DeleteLoan removes a loan. Its variants are removed by the cascade worker.
func (s *Service) DeleteLoan(ctx context.Context, id string) error {
	if err := s.repo.DeleteLoan(ctx, id); err != nil {
		return infraError(err)
	}
	s.log.Infof("Loan deleted: %s", id)
	return nil
}

// CreateLoanVariant adds a variant to an existing loan
func (s *Service) CreateLoanVariant(ctx context.Context, loanID string, req models.CreateVariantRequest) (*models.LoanVariant, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	if *req.LTV.Min > *req.LTV.Max {
		return nil, apperrors.Validation("Validation failed: ltv.min must not exceed ltv.max", nil)
	}
	if *req.Duration.Min > *req.Duration.Max {
		return nil, apperrors.Validation("Validation failed: duration.min must not exceed duration.max", nil)
	}
	v := &models.LoanVariant{
		ID:       utils.NewID(),
		LoanID:   loanID,
		LTV:      models.Range{Min: *req.LTV.Min, Max: *req.LTV.Max},
		Duration: models.Range{Min: *req.Duration.Min, Max: *req.Duration.Max},
		Spread:   *req.Spread,
	}
	if err := s.repo.CreateLoanVariant(ctx, v); err != nil {
		return nil, writeError(err,
			fmt.Sprintf("Loan %s does not exist", loanID),
			fmt.Sprintf("Loan variant %s already exists", v.ID))
	}
	s.log.Infof("Loan variant created: %s/%s", loanID, v.ID)
	return v, nil
}

// DeleteLoanVariant removes one variant of a loan
func (s *Service) DeleteLoanVariant(ctx context.Context, loanID, id string) error {
	if err := s.repo.DeleteLoanVariant(ctx, loanID, id); err != nil {
		return infraError(err)
	}
	s.log.Infof("Loan variant deleted: %s/%s", loanID, id)
	return nil
}

// UpsertRate creates a rate or overwrites its value
func (s *Service) UpsertRate(ctx context.Context, req models.UpsertRateRequest) (*models.Rate, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	rate := models.Rate{Code: req.Code, Value: *req.Value}
	if err := s.repo.UpsertRate(ctx, rate); err != nil {
		return nil, infraError(err)
	}
	s.log.Infof("Rate upserted: %s = %v", rate.Code, rate.Value)
	return &rate, nil
}

// ListRates lists every rate
func (s *Service) ListRates(ctx context.Context) ([]models.Rate, error) {
	rates, err := s.repo.ListRates(ctx)
	if err != nil {
		return nil, infraError(err)
	}
	return rates, nil
}
