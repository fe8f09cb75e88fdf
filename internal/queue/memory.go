package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Dan9191/loans-finder/internal/metrics"
	"github.com/Dan9191/loans-finder/internal/utils"
)

type memoryEntry struct {
	msg       Message
	visibleAt time.Time
	order     int64
}

// MemoryQueue is an in-process Queue with the same delivery rules as RedisQueue.
type MemoryQueue struct {
	mu       sync.Mutex
	name     string
	opts     Options
	metrics  *metrics.Metrics
	entries  map[string]*memoryEntry
	dedup    map[string]time.Time
	inflight map[string]string
	order    int64

	// Now is the clock, replaceable in tests.
	Now func() time.Time
}

func NewMemoryQueue(name string, opts Options, m *metrics.Metrics) *MemoryQueue {
	return &MemoryQueue{
		name:     name,
		opts:     opts,
		metrics:  m,
		entries:  make(map[string]*memoryEntry),
		dedup:    make(map[string]time.Time),
		inflight: make(map[string]string),
		Now:      time.Now,
	}
}

func (q *MemoryQueue) Send(ctx context.Context, groupID, body string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.Now()
	dedupID := DedupID(body)
	if until, ok := q.dedup[dedupID]; ok && now.Before(until) {
		q.metrics.QueueMessagesSentTotal.WithLabelValues(q.name, "deduplicated").Inc()
		return false, nil
	}
	q.dedup[dedupID] = now.Add(q.opts.DedupWindow)

	q.order++
	msg := Message{ID: utils.NewID(), GroupID: groupID, Body: body, DedupID: dedupID, SentAt: now.UTC()}
	q.entries[msg.ID] = &memoryEntry{msg: msg, visibleAt: now.Add(q.opts.DeliveryDelay), order: q.order}
	q.metrics.QueueMessagesSentTotal.WithLabelValues(q.name, "sent").Inc()
	return true, nil
}

func (q *MemoryQueue) Receive(ctx context.Context, max int) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.Now()
	due := make([]*memoryEntry, 0, len(q.entries))
	for _, e := range q.entries {
		if !e.visibleAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].visibleAt.Equal(due[j].visibleAt) {
			return due[i].visibleAt.Before(due[j].visibleAt)
		}
		return due[i].order < due[j].order
	})

	var out []Message
	taken := make(map[string]bool)
	for _, e := range due {
		if len(out) >= max {
			break
		}
		g := e.msg.GroupID
		if holder, ok := q.inflight[g]; taken[g] || (ok && holder != e.msg.ID) {
			continue
		}
		taken[g] = true
		e.msg.ReceiveCount++
		e.visibleAt = now.Add(q.opts.VisibilityTimeout)
		q.inflight[g] = e.msg.ID
		out = append(out, e.msg)
	}
	q.metrics.QueueMessagesReceivedTotal.WithLabelValues(q.name).Add(float64(len(out)))
	return out, nil
}

func (q *MemoryQueue) Delete(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return nil
	}
	if q.inflight[e.msg.GroupID] == id {
		delete(q.inflight, e.msg.GroupID)
	}
	delete(q.entries, id)
	return nil
}

// Len returns the number of undeleted messages.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
