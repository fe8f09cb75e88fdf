package changelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Dan9191/loans-finder/internal/store"
)

// PoisonRecord is a change that failed its handler on its own. The shard it
// belongs to does not advance past it until it succeeds or is skipped.
type PoisonRecord struct {
	Consumer      string
	Shard         int
	Seq           int64
	Keys          store.Key
	EventName     store.EventName
	Error         string
	Attempts      int
	FirstFailedAt time.Time
	LastFailedAt  time.Time
}

// CheckpointStore persists per-(consumer, shard) progress and poison records.
type CheckpointStore interface {
	Checkpoint(ctx context.Context, consumer string, shard int) (int64, error)
	SaveCheckpoint(ctx context.Context, consumer string, shard int, seq int64) error
	// Poison returns the shard's poison record or nil.
	Poison(ctx context.Context, consumer string, shard int) (*PoisonRecord, error)
	// MarkPoison stores rec, incrementing Attempts when the same seq is already recorded.
	MarkPoison(ctx context.Context, rec PoisonRecord) error
	ClearPoison(ctx context.Context, consumer string, shard int) error
	ListPoison(ctx context.Context) ([]PoisonRecord, error)
}

// SkipPoison moves the shard's checkpoint onto its poison record and clears
// it, so the next poll resumes after it. It returns the skipped record.
func SkipPoison(ctx context.Context, cps CheckpointStore, consumer string, shard int) (*PoisonRecord, error) {
	rec, err := cps.Poison(ctx, consumer, shard)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("no poison record for consumer %s shard %d", consumer, shard)
	}
	if err := cps.SaveCheckpoint(ctx, consumer, shard, rec.Seq); err != nil {
		return nil, err
	}
	if err := cps.ClearPoison(ctx, consumer, shard); err != nil {
		return nil, err
	}
	return rec, nil
}

type shardKey struct {
	consumer string
	shard    int
}

// MemoryCheckpoints keeps checkpoints in process memory.
type MemoryCheckpoints struct {
	mu          sync.Mutex
	checkpoints map[shardKey]int64
	poison      map[shardKey]PoisonRecord
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{
		checkpoints: make(map[shardKey]int64),
		poison:      make(map[shardKey]PoisonRecord),
	}
}

func (m *MemoryCheckpoints) Checkpoint(ctx context.Context, consumer string, shard int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoints[shardKey{consumer, shard}], nil
}

func (m *MemoryCheckpoints) SaveCheckpoint(ctx context.Context, consumer string, shard int, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[shardKey{consumer, shard}] = seq
	return nil
}

func (m *MemoryCheckpoints) Poison(ctx context.Context, consumer string, shard int) (*PoisonRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.poison[shardKey{consumer, shard}]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryCheckpoints) MarkPoison(ctx context.Context, rec PoisonRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := shardKey{rec.Consumer, rec.Shard}
	if prev, ok := m.poison[key]; ok && prev.Seq == rec.Seq {
		rec.Attempts = prev.Attempts + 1
		rec.FirstFailedAt = prev.FirstFailedAt
	} else {
		rec.Attempts = 1
		rec.FirstFailedAt = rec.LastFailedAt
	}
	m.poison[key] = rec
	return nil
}

func (m *MemoryCheckpoints) ClearPoison(ctx context.Context, consumer string, shard int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.poison, shardKey{consumer, shard})
	return nil
}

func (m *MemoryCheckpoints) ListPoison(ctx context.Context) ([]PoisonRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PoisonRecord, 0, len(m.poison))
	for _, rec := range m.poison {
		out = append(out, rec)
	}
	return out, nil
}

// PostgresCheckpoints stores checkpoints in the tables created by store.Migrate.
type PostgresCheckpoints struct {
	db *sql.DB
}

func NewPostgresCheckpoints(db *sql.DB) *PostgresCheckpoints {
	return &PostgresCheckpoints{db: db}
}

func (p *PostgresCheckpoints) Checkpoint(ctx context.Context, consumer string, shard int) (int64, error) {
	var seq int64
	err := p.db.QueryRowContext(ctx, `
		SELECT seq FROM change_log_checkpoints WHERE consumer = $1 AND shard = $2`, consumer, shard).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return seq, nil
}

func (p *PostgresCheckpoints) SaveCheckpoint(ctx context.Context, consumer string, shard int, seq int64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO change_log_checkpoints (consumer, shard, seq, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (consumer, shard) DO UPDATE SET seq = EXCLUDED.seq, updated_at = now()`, consumer, shard, seq)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

const poisonColumns = `consumer, shard, seq, pk, sk, event_name, error, attempts, first_failed_at, last_failed_at`

func scanPoison(scan func(dest ...any) error) (PoisonRecord, error) {
	var (
		rec   PoisonRecord
		event string
	)
	err := scan(&rec.Consumer, &rec.Shard, &rec.Seq, &rec.Keys.PK, &rec.Keys.SK, &event,
		&rec.Error, &rec.Attempts, &rec.FirstFailedAt, &rec.LastFailedAt)
	rec.EventName = store.EventName(event)
	return rec, err
}

func (p *PostgresCheckpoints) Poison(ctx context.Context, consumer string, shard int) (*PoisonRecord, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+poisonColumns+` FROM change_log_poison WHERE consumer = $1 AND shard = $2`, consumer, shard)
	rec, err := scanPoison(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load poison record: %w", err)
	}
	return &rec, nil
}

func (p *PostgresCheckpoints) MarkPoison(ctx context.Context, rec PoisonRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO change_log_poison (`+poisonColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $8)
		ON CONFLICT (consumer, shard) DO UPDATE SET
			attempts = CASE WHEN change_log_poison.seq = EXCLUDED.seq THEN change_log_poison.attempts + 1 ELSE 1 END,
			first_failed_at = CASE WHEN change_log_poison.seq = EXCLUDED.seq THEN change_log_poison.first_failed_at ELSE EXCLUDED.first_failed_at END,
			seq = EXCLUDED.seq,
			pk = EXCLUDED.pk,
			sk = EXCLUDED.sk,
			event_name = EXCLUDED.event_name,
			error = EXCLUDED.error,
			last_failed_at = EXCLUDED.last_failed_at`,
		rec.Consumer, rec.Shard, rec.Seq, rec.Keys.PK, rec.Keys.SK, string(rec.EventName), rec.Error, rec.LastFailedAt)
	if err != nil {
		return fmt.Errorf("failed to mark poison record: %w", err)
	}
	return nil
}

func (p *PostgresCheckpoints) ClearPoison(ctx context.Context, consumer string, shard int) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM change_log_poison WHERE consumer = $1 AND shard = $2`, consumer, shard); err != nil {
		return fmt.Errorf("failed to clear poison record: %w", err)
	}
	return nil
}

func (p *PostgresCheckpoints) ListPoison(ctx context.Context) ([]PoisonRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+poisonColumns+` FROM change_log_poison ORDER BY consumer, shard`)
	if err != nil {
		return nil, fmt.Errorf("failed to list poison records: %w", err)
	}
	defer rows.Close()
	var out []PoisonRecord
	for rows.Next() {
		rec, err := scanPoison(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan poison record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
