// Package trigger turns raw object notifications into refinement runs: the
// notifier enqueues one deduplicated message per table identity and the
// consumer starts at most one workflow execution per table at a time.
package trigger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Dan9191/loans-finder/internal/lock"
	"github.com/Dan9191/loans-finder/internal/metrics"
	"github.com/Dan9191/loans-finder/internal/objectstore"
	"github.com/Dan9191/loans-finder/internal/queue"
	"github.com/Dan9191/loans-finder/internal/workflow"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// ReceiveBatch is the number of messages taken per poll.
const ReceiveBatch = 10

const bodyPrefix = "objects updated: "

// MessageBody is the queue body announcing changes to a table identity.
func MessageBody(code string) string {
	return bodyPrefix + code
}

// Notifier forwards object events to the queue.
type Notifier struct {
	queue queue.Queue
	log   *logrus.Logger
}

func NewNotifier(q queue.Queue, log *logrus.Logger) *Notifier {
	return &Notifier{queue: q, log: log}
}

// Bind subscribes to prefix on bucket and enqueues a message for code on
// every event.
func (n *Notifier) Bind(bucket objectstore.Bucket, prefix, code string) {
	bucket.Subscribe(prefix, func(ctx context.Context, ev objectstore.Event) error {
		return n.Notify(ctx, code)
	})
}

// Notify enqueues the trigger message of code.
func (n *Notifier) Notify(ctx context.Context, code string) error {
	sent, err := n.queue.Send(ctx, code, MessageBody(code))
	if err != nil {
		return fmt.Errorf("failed to enqueue trigger for %s: %w", code, err)
	}
	n.log.WithFields(logrus.Fields{"table": code, "deduplicated": !sent}).Debug("Refinement trigger enqueued")
	return nil
}

// Consumer starts workflow executions for received trigger messages.
type Consumer struct {
	queue       queue.Queue
	locker      lock.Locker
	engine      *workflow.Engine
	definitions map[string]workflow.Definition
	lockTTL     time.Duration
	log         *logrus.Logger
	metrics     *metrics.Metrics

	wg sync.WaitGroup
}

// NewConsumer creates a consumer. definitions maps a table code to its
// workflow; lockTTL must exceed the workflow timeout.
func NewConsumer(q queue.Queue, locker lock.Locker, engine *workflow.Engine, definitions map[string]workflow.Definition, lockTTL time.Duration, log *logrus.Logger, m *metrics.Metrics) *Consumer {
	return &Consumer{
		queue:       q,
		locker:      locker,
		engine:      engine,
		definitions: definitions,
		lockTTL:     lockTTL,
		log:         log,
		metrics:     m,
	}
}

// Poll handles one batch of due messages and returns the number of
// executions started.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	msgs, err := c.queue.Receive(ctx, ReceiveBatch)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, msg := range msgs {
		ok, err := c.handle(ctx, msg)
		if err != nil {
			return started, err
		}
		if ok {
			started++
		}
	}
	return started, nil
}

func (c *Consumer) handle(ctx context.Context, msg queue.Message) (bool, error) {
	log := c.log.WithFields(logrus.Fields{"message": msg.ID, "table": msg.GroupID, "receiveCount": msg.ReceiveCount})

	code := msg.GroupID
	if code == "" {
		code = strings.TrimPrefix(msg.Body, bodyPrefix)
	}
	def, ok := c.definitions[code]
	if !ok {
		log.Warn("No workflow for table, dropping trigger")
		return false, c.queue.Delete(ctx, msg.ID)
	}

	release, acquired, err := c.locker.Acquire(ctx, "refine:"+code, c.lockTTL)
	if err != nil {
		return false, err
	}
	if !acquired {
		// Stays in flight and is redelivered after the visibility timeout.
		c.metrics.WorkflowLockContention.WithLabelValues(code).Inc()
		log.Info("Refinement already running, deferring trigger")
		return false, nil
	}

	if err := c.queue.Delete(ctx, msg.ID); err != nil {
		if rerr := release(ctx); rerr != nil {
			log.WithError(rerr).Warn("Failed to release refinement lock")
		}
		return false, err
	}

	runCtx := context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if err := release(runCtx); err != nil {
				log.WithError(err).Warn("Failed to release refinement lock")
			}
		}()
		input := fmt.Sprintf(`{"trigger":%q,"table":%q}`, msg.ID, code)
		if _, err := c.engine.Run(runCtx, def, []byte(input)); err != nil {
			log.WithError(err).Error("Refinement run did not succeed")
		}
	}()
	return true, nil
}

// Wait blocks until every started execution finished.
func (c *Consumer) Wait() {
	c.wg.Wait()
}

// Schedule polls the queue on sched. Overlapping polls are skipped.
func (c *Consumer) Schedule(ctx context.Context, sched *cron.Cron, spec string) (cron.EntryID, error) {
	job := cron.NewChain(cron.SkipIfStillRunning(cron.PrintfLogger(c.log))).Then(cron.FuncJob(func() {
		if _, err := c.Poll(ctx); err != nil && ctx.Err() == nil {
			c.log.WithError(err).Error("Trigger poll failed")
		}
	}))
	id, err := sched.AddJob(spec, job)
	if err != nil {
		return 0, fmt.Errorf("failed to schedule trigger consumer: %w", err)
	}
	return id, nil
}
