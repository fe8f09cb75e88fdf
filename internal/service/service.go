package service

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/Dan9191/loans-finder/internal/analytics"
	"github.com/Dan9191/loans-finder/internal/apperrors"
	"github.com/Dan9191/loans-finder/internal/repository"
	"github.com/Dan9191/loans-finder/internal/store"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// QueryEngine runs analytical queries asynchronously
type QueryEngine interface {
	StartQueryExecution(ctx context.Context, in analytics.QueryInput) (string, error)
	GetQueryExecution(ctx context.Context, id string) (*analytics.Execution, error)
	GetQueryResults(ctx context.Context, id, token string, max int) (*analytics.ResultPage, error)
}

// Service handles business logic
type Service struct {
	repo     *repository.Repository
	queries  QueryEngine
	validate *validator.Validate
	log      *logrus.Logger
}

// NewService initializes a new service
func NewService(repo *repository.Repository, queries QueryEngine, log *logrus.Logger) *Service {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Service{repo: repo, queries: queries, validate: v, log: log}
}

func (s *Service) validateRequest(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperrors.Validation("Validation failed", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, validationMessage(fe))
	}
	return apperrors.Validation("Validation failed: "+strings.Join(msgs, "; "), nil)
}

func validationMessage(fe validator.FieldError) string {
	field := fieldPath(fe)
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return field + " must be one of: " + fe.Param()
	case "gt":
		return field + " must be greater than " + fe.Param()
	case "gte":
		return field + " must be at least " + fe.Param()
	default:
		return field + " is invalid"
	}
}

// fieldPath drops the struct name from the namespace, "CreateVariantRequest.ltv.min" becomes "ltv.min"
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

// writeError classifies a failed transactional write. parentMissing and
// duplicate describe the two condition items of the transaction.
func writeError(err error, parentMissing, duplicate string) error {
	var canceled *store.TransactionCanceledError
	if errors.As(err, &canceled) {
		if len(canceled.Reasons) > 1 && canceled.Reasons[1] != "None" {
			return apperrors.Precondition(duplicate, err)
		}
		return apperrors.Precondition(parentMissing, err)
	}
	if errors.Is(err, store.ErrPreconditionFailed) {
		return apperrors.Precondition(parentMissing, err)
	}
	return infraError(err)
}

func infraError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Transient("Store unavailable", err)
	}
	return apperrors.Internal("Internal error", err)
}

func elapsedSeconds(from, to time.Time) float64 {
	return to.Sub(from).Seconds()
}
