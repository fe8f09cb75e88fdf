// Package changelog delivers the store's change log to consumers, one shard
// at a time, with per-shard checkpoints and bisect-on-error isolation of
// failing records.
package changelog

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Dan9191/loans-finder/internal/metrics"
	"github.com/Dan9191/loans-finder/internal/store"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultBatchSize is used when a consumer does not set one.
const DefaultBatchSize = 100

// Handler processes a batch of matching changes in log order. Returning an
// error fails the whole batch.
type Handler func(ctx context.Context, changes []store.Change) error

// Consumer is a named subscription to the change log.
type Consumer struct {
	Name      string
	Patterns  []Pattern
	Handler   Handler
	BatchSize int
}

// Reader polls the change log shards on behalf of consumers.
type Reader struct {
	source      store.ChangeSource
	checkpoints CheckpointStore
	shards      int
	log         *logrus.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// NewReader creates a reader over shards shards of source.
func NewReader(source store.ChangeSource, checkpoints CheckpointStore, shards int, log *logrus.Logger, m *metrics.Metrics) *Reader {
	if shards < 1 {
		shards = 1
	}
	return &Reader{
		source:      source,
		checkpoints: checkpoints,
		shards:      shards,
		log:         log,
		metrics:     m,
		now:         time.Now,
	}
}

// Shards returns the configured shard count.
func (r *Reader) Shards() int {
	return r.shards
}

// Poll drains every shard of the consumer up to the current end of the log.
// Shards are processed concurrently; a halted shard does not stop the others.
func (r *Reader) Poll(ctx context.Context, c Consumer) error {
	g, ctx := errgroup.WithContext(ctx)
	for shard := 0; shard < r.shards; shard++ {
		g.Go(func() error {
			return r.pollShard(ctx, c, shard)
		})
	}
	return g.Wait()
}

// Schedule registers a poll of c on sched. Overlapping runs are skipped.
func (r *Reader) Schedule(ctx context.Context, sched *cron.Cron, spec string, c Consumer) (cron.EntryID, error) {
	job := cron.NewChain(cron.SkipIfStillRunning(cron.PrintfLogger(r.log))).Then(cron.FuncJob(func() {
		if err := r.Poll(ctx, c); err != nil && ctx.Err() == nil {
			r.log.WithError(err).WithField("consumer", c.Name).Error("Change log poll failed")
		}
	}))
	id, err := sched.AddJob(spec, job)
	if err != nil {
		return 0, fmt.Errorf("failed to schedule consumer %s: %w", c.Name, err)
	}
	return id, nil
}

func (r *Reader) pollShard(ctx context.Context, c Consumer, shard int) error {
	batchSize := c.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	shardLabel := strconv.Itoa(shard)
	log := r.log.WithFields(logrus.Fields{"consumer": c.Name, "shard": shard})

	afterSeq, err := r.checkpoints.Checkpoint(ctx, c.Name, shard)
	if err != nil {
		return err
	}
	poisoned, err := r.checkpoints.Poison(ctx, c.Name, shard)
	if err != nil {
		return err
	}

	for {
		changes, err := r.source.ReadChanges(ctx, shard, r.shards, afterSeq, batchSize)
		if err != nil {
			return fmt.Errorf("failed to read shard %d: %w", shard, err)
		}
		if len(changes) == 0 {
			return nil
		}

		matched := make([]store.Change, 0, len(changes))
		for _, ch := range changes {
			if MatchAny(c.Patterns, ch) {
				matched = append(matched, ch)
			}
		}
		r.metrics.ChangeLogRecordsTotal.WithLabelValues(c.Name, "filtered").Add(float64(len(changes) - len(matched)))

		failed, handlerErr := r.dispatch(ctx, c, matched)
		if handlerErr == nil {
			r.metrics.ChangeLogRecordsTotal.WithLabelValues(c.Name, "delivered").Add(float64(len(matched)))
			afterSeq = changes[len(changes)-1].Seq
			if err := r.checkpoints.SaveCheckpoint(ctx, c.Name, shard, afterSeq); err != nil {
				return err
			}
			r.metrics.ChangeLogCheckpoint.WithLabelValues(c.Name, shardLabel).Set(float64(afterSeq))
			if poisoned != nil {
				if err := r.checkpoints.ClearPoison(ctx, c.Name, shard); err != nil {
					return err
				}
				log.WithField("seq", poisoned.Seq).Info("Poison record processed, shard resumed")
				r.metrics.ChangeLogPoisonRecords.WithLabelValues(c.Name, shardLabel).Set(0)
				poisoned = nil
			}
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		bad := matched[failed]
		r.metrics.ChangeLogRecordsTotal.WithLabelValues(c.Name, "delivered").Add(float64(failed))

		// Everything before the failing record is done, filtered records included.
		for _, ch := range changes {
			if ch.Seq >= bad.Seq {
				break
			}
			afterSeq = ch.Seq
		}
		if err := r.checkpoints.SaveCheckpoint(ctx, c.Name, shard, afterSeq); err != nil {
			return err
		}
		r.metrics.ChangeLogCheckpoint.WithLabelValues(c.Name, shardLabel).Set(float64(afterSeq))

		rec := PoisonRecord{
			Consumer:     c.Name,
			Shard:        shard,
			Seq:          bad.Seq,
			Keys:         bad.Keys,
			EventName:    bad.EventName,
			Error:        handlerErr.Error(),
			LastFailedAt: r.now().UTC(),
		}
		if err := r.checkpoints.MarkPoison(ctx, rec); err != nil {
			return err
		}
		r.metrics.ChangeLogPoisonRecords.WithLabelValues(c.Name, shardLabel).Set(1)
		log.WithFields(logrus.Fields{
			"seq":   bad.Seq,
			"key":   bad.Keys.String(),
			"event": bad.EventName,
		}).WithError(handlerErr).Warn("Shard halted on poison record")
		return nil
	}
}

// dispatch hands batch to the consumer, bisecting on error. It returns the
// index of the failing record, with every record before it delivered.
func (r *Reader) dispatch(ctx context.Context, c Consumer, batch []store.Change) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	err := c.Handler(ctx, batch)
	if err == nil {
		return 0, nil
	}
	r.metrics.ChangeLogBatchFailuresTotal.WithLabelValues(c.Name).Inc()
	if len(batch) == 1 || ctx.Err() != nil {
		return 0, err
	}

	mid := len(batch) / 2
	if idx, err := r.dispatch(ctx, c, batch[:mid]); err != nil {
		return idx, err
	}
	idx, err := r.dispatch(ctx, c, batch[mid:])
	if err != nil {
		return mid + idx, err
	}
	// Both halves succeeded on their own.
	return 0, nil
}
