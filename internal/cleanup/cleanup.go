// Package cleanup removes loan variants left behind by a deleted loan.
package cleanup

import (
	"context"
	"fmt"

	"github.com/Dan9191/loans-finder/internal/changelog"
	"github.com/Dan9191/loans-finder/internal/store"
	"github.com/sirupsen/logrus"
)

// ConsumerName identifies the cleanup worker's change log subscription.
const ConsumerName = "loan-cascade"

// VariantDeleter deletes every variant stored under a loan partition and
// reports how many were removed.
type VariantDeleter interface {
	DeleteLoanVariants(ctx context.Context, loanPK string) (int, error)
}

type Worker struct {
	variants VariantDeleter
	log      *logrus.Logger
}

func NewWorker(variants VariantDeleter, log *logrus.Logger) *Worker {
	return &Worker{variants: variants, log: log}
}

// Consumer returns the subscription to loan removals.
func (w *Worker) Consumer(batchSize int) changelog.Consumer {
	return changelog.Consumer{
		Name:      ConsumerName,
		Patterns:  changelog.RemovedEntityPatterns("loan"),
		Handler:   w.Handle,
		BatchSize: batchSize,
	}
}

func (w *Worker) Handle(ctx context.Context, changes []store.Change) error {
	for _, ch := range changes {
		loanPK := ch.OldImage.String(store.AttrPK)
		if loanPK == "" {
			loanPK = ch.Keys.PK
		}
		n, err := w.variants.DeleteLoanVariants(ctx, loanPK)
		if err != nil {
			return fmt.Errorf("failed to delete variants of %s: %w", loanPK, err)
		}
		if n == 0 {
			w.log.WithField("loan", loanPK).Info("No variants to delete")
			continue
		}
		w.log.WithFields(logrus.Fields{"loan": loanPK, "variants": n}).Info("Deleted orphaned variants")
	}
	return nil
}
