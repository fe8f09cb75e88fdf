// Package exporter mirrors catalogue items into raw JSON objects.
package exporter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Dan9191/loans-finder/internal/changelog"
	"github.com/Dan9191/loans-finder/internal/objectstore"
	"github.com/Dan9191/loans-finder/internal/store"
	"github.com/sirupsen/logrus"
)

// ConsumerName identifies the exporter's change log subscription.
const ConsumerName = "raw-export"

// ExportedEntities are the entity types mirrored into raw objects.
var ExportedEntities = []string{"loan", "loan_variant", "rate"}

// strippedAttrs never reach the raw objects.
var strippedAttrs = []string{store.AttrPK, store.AttrSK, store.AttrEntity, store.AttrGSI1PK, store.AttrGSI1SK}

// Exporter writes one object per item.
type Exporter struct {
	bucket objectstore.Bucket
	prefix string
	log    *logrus.Logger
}

func NewExporter(bucket objectstore.Bucket, prefix string, log *logrus.Logger) *Exporter {
	return &Exporter{bucket: bucket, prefix: prefix, log: log}
}

// ObjectKey maps a sort key onto its raw object key, e.g.
// loan_variant#01H -> raw/loan_variant/01H.json.
func (e *Exporter) ObjectKey(sk string) string {
	return e.prefix + strings.ReplaceAll(sk, "#", "/") + ".json"
}

// Consumer returns the change log subscription that drives the exporter.
func (e *Exporter) Consumer(batchSize int) changelog.Consumer {
	return changelog.Consumer{
		Name:      ConsumerName,
		Patterns:  changelog.EntityPatterns(ExportedEntities...),
		Handler:   e.Handle,
		BatchSize: batchSize,
	}
}

// Handle applies the changes in order and stops at the first failure.
func (e *Exporter) Handle(ctx context.Context, changes []store.Change) error {
	for _, ch := range changes {
		key := e.ObjectKey(ch.Keys.SK)
		switch ch.EventName {
		case store.EventRemove:
			if err := e.bucket.Delete(ctx, key); err != nil {
				return fmt.Errorf("failed to delete raw object: %w", err)
			}
			e.log.WithFields(logrus.Fields{"key": key, "seq": ch.Seq}).Debug("Raw object deleted")
		default:
			body, err := Strip(ch.NewImage)
			if err != nil {
				return err
			}
			if err := e.bucket.Put(ctx, key, body); err != nil {
				return fmt.Errorf("failed to write raw object: %w", err)
			}
			e.log.WithFields(logrus.Fields{"key": key, "seq": ch.Seq}).Debug("Raw object written")
		}
	}
	return nil
}

// Strip serializes item without its addressing attributes.
func Strip(item store.Item) ([]byte, error) {
	out := make(map[string]any, len(item))
	for k, v := range item {
		out[k] = v
	}
	for _, attr := range strippedAttrs {
		delete(out, attr)
	}
	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal raw object: %w", err)
	}
	return body, nil
}
