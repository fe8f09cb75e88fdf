package cbr

import (
	"context"
	"fmt"
	"time"

	"github.com/Dan9191/loans-finder/internal/models"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// KeyRateCode is the rate code the key rate is stored under
const KeyRateCode = "CBR_KEY_RATE"

// RateWriter stores rates
type RateWriter interface {
	UpsertRate(ctx context.Context, rate models.Rate) error
}

// Feed copies the key rate into the rate catalogue
type Feed struct {
	client *Client
	rates  RateWriter
	log    *logrus.Logger
}

// NewFeed initializes a new key rate feed
func NewFeed(client *Client, rates RateWriter, log *logrus.Logger) *Feed {
	return &Feed{client: client, rates: rates, log: log}
}

// Sync fetches the key rate once and upserts it
func (f *Feed) Sync(ctx context.Context) error {
	kr, err := f.client.Latest(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch key rate: %w", err)
	}
	if err := f.rates.UpsertRate(ctx, models.Rate{Code: KeyRateCode, Value: kr.Value}); err != nil {
		return fmt.Errorf("failed to store key rate: %w", err)
	}
	f.log.WithFields(logrus.Fields{
		"rate":      KeyRateCode,
		"value":     kr.Value,
		"published": kr.Date.Format(time.DateOnly),
	}).Info("Key rate synced")
	return nil
}

// Schedule runs Sync on sched
func (f *Feed) Schedule(ctx context.Context, sched *cron.Cron, spec string) (cron.EntryID, error) {
	id, err := sched.AddFunc(spec, func() {
		if err := f.Sync(ctx); err != nil && ctx.Err() == nil {
			f.log.WithError(err).Error("Key rate sync failed")
		}
	})
	if err != nil {
		return 0, fmt.Errorf("failed to schedule key rate feed: %w", err)
	}
	return id, nil
}
