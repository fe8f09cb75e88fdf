package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrExecutionNotFound is returned for unknown or expired execution ids.
var ErrExecutionNotFound = errors.New("query execution not found")

// State of a query execution.
type State string

const (
	StateQueued    State = "QUEUED"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Execution describes one submitted query.
type Execution struct {
	ID            string     `json:"id"`
	Query         string     `json:"query"`
	StatementName string     `json:"statementName,omitempty"`
	Params        []any      `json:"params,omitempty"`
	State         State      `json:"state"`
	StateReason   string     `json:"stateReason,omitempty"`
	SubmittedAt   time.Time  `json:"submittedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	RowCount      int        `json:"rowCount"`
	ResultKey     string     `json:"resultKey,omitempty"`
}

// ExecutionStore persists execution records.
type ExecutionStore interface {
	Save(ctx context.Context, exec *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
}

// RedisExecutions keeps execution records as JSON strings with a TTL.
type RedisExecutions struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisExecutions(client *redis.Client, ttl time.Duration) *RedisExecutions {
	return &RedisExecutions{client: client, ttl: ttl}
}

func (r *RedisExecutions) key(id string) string {
	return "loansfinder:query:" + id
}

func (r *RedisExecutions) Save(ctx context.Context, exec *Execution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}
	if err := r.client.Set(ctx, r.key(exec.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

func (r *RedisExecutions) Get(ctx context.Context, id string) (*Execution, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	exec := &Execution{}
	if err := json.Unmarshal(data, exec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}
	return exec, nil
}

// MemoryExecutions keeps execution records in process memory.
type MemoryExecutions struct {
	mu    sync.RWMutex
	execs map[string]Execution
}

func NewMemoryExecutions() *MemoryExecutions {
	return &MemoryExecutions{execs: make(map[string]Execution)}
}

func (m *MemoryExecutions) Save(ctx context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs[exec.ID] = *exec
	return nil
}

func (m *MemoryExecutions) Get(ctx context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.execs[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return &exec, nil
}
