package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore keeps items in a single JSONB table. A trigger copies every
// row mutation into item_changes.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore initializes a store over db
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the item, change log and checkpoint tables.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to migrate store schema: %w", err)
	}
	return nil
}

func marshalItem(item Item) ([]byte, error) {
	if err := validateItem(item); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal item: %w", err)
	}
	return raw, nil
}

func unmarshalItem(raw []byte) (Item, error) {
	if raw == nil {
		return nil, nil
	}
	item := Item{}
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal item: %w", err)
	}
	return item, nil
}

// TransactWrite applies all items in one database transaction
func (s *PostgresStore) TransactWrite(ctx context.Context, items []TransactItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i, ti := range items {
		ok, err := s.applyTransactItem(ctx, tx, ti)
		if err != nil {
			return fmt.Errorf("failed to apply transact item %d: %w", i, err)
		}
		if !ok {
			return newCanceled(len(items), i)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) applyTransactItem(ctx context.Context, tx *sql.Tx, ti TransactItem) (bool, error) {
	switch {
	case ti.ConditionCheck != nil:
		return checkCondition(ctx, tx, ti.ConditionCheck.Key, ti.ConditionCheck.Condition)

	case ti.Put != nil:
		raw, err := marshalItem(ti.Put.Item)
		if err != nil {
			return false, err
		}
		key := ti.Put.Item.Key()
		switch ti.Put.Condition {
		case ConditionNotExists:
			res, err := tx.ExecContext(ctx, `
				INSERT INTO items (pk, sk, item) VALUES ($1, $2, $3)
				ON CONFLICT (pk, sk) DO NOTHING`, key.PK, key.SK, raw)
			if err != nil {
				return false, err
			}
			n, err := res.RowsAffected()
			return n == 1, err
		case ConditionExists:
			res, err := tx.ExecContext(ctx, `UPDATE items SET item = $3 WHERE pk = $1 AND sk = $2`, key.PK, key.SK, raw)
			if err != nil {
				return false, err
			}
			n, err := res.RowsAffected()
			return n == 1, err
		default:
			_, err := tx.ExecContext(ctx, `
				INSERT INTO items (pk, sk, item) VALUES ($1, $2, $3)
				ON CONFLICT (pk, sk) DO UPDATE SET item = EXCLUDED.item`, key.PK, key.SK, raw)
			return err == nil, err
		}

	case ti.Delete != nil:
		_, err := tx.ExecContext(ctx, `DELETE FROM items WHERE pk = $1 AND sk = $2`, ti.Delete.Key.PK, ti.Delete.Key.SK)
		return err == nil, err
	}
	return false, errors.New("transact item has no operation")
}

// checkCondition share-locks the row so a checked parent cannot disappear
// before the transaction commits.
func checkCondition(ctx context.Context, tx *sql.Tx, key Key, cond Condition) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM items WHERE pk = $1 AND sk = $2 FOR SHARE`, key.PK, key.SK).Scan(&one)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	switch cond {
	case ConditionExists:
		return exists, nil
	case ConditionNotExists:
		return !exists, nil
	default:
		return true, nil
	}
}

// Put upserts item and returns the row it replaced
func (s *PostgresStore) Put(ctx context.Context, item Item) (Item, error) {
	raw, err := marshalItem(item)
	if err != nil {
		return nil, err
	}
	key := item.Key()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var oldRaw []byte
	err = tx.QueryRowContext(ctx, `SELECT item FROM items WHERE pk = $1 AND sk = $2 FOR UPDATE`, key.PK, key.SK).Scan(&oldRaw)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read previous item: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO items (pk, sk, item) VALUES ($1, $2, $3)
		ON CONFLICT (pk, sk) DO UPDATE SET item = EXCLUDED.item`, key.PK, key.SK, raw); err != nil {
		return nil, fmt.Errorf("failed to put item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit put: %w", err)
	}
	return unmarshalItem(oldRaw)
}

// Get returns the item at key
func (s *PostgresStore) Get(ctx context.Context, key Key) (Item, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT item FROM items WHERE pk = $1 AND sk = $2`, key.PK, key.SK).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return unmarshalItem(raw)
}

// Delete removes the item at key
func (s *PostgresStore) Delete(ctx context.Context, key Key) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE pk = $1 AND sk = $2`, key.PK, key.SK); err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	return nil
}

// BatchDelete removes every key in one statement
func (s *PostgresStore) BatchDelete(ctx context.Context, keys []Key) error {
	if len(keys) == 0 {
		return nil
	}
	pks := make([]string, len(keys))
	sks := make([]string, len(keys))
	for i, k := range keys {
		pks[i], sks[i] = k.PK, k.SK
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM items
		WHERE (pk, sk) IN (SELECT * FROM unnest($1::text[], $2::text[]))`, pq.Array(pks), pq.Array(sks))
	if err != nil {
		return fmt.Errorf("failed to batch delete items: %w", err)
	}
	return nil
}

// Query returns a partition's items by sort key prefix
func (s *PostgresStore) Query(ctx context.Context, pk, skPrefix string) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item FROM items
		WHERE pk = $1 AND left(sk, length($2)) = $2
		ORDER BY sk`, pk, skPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to query partition: %w", err)
	}
	return scanItems(rows)
}

// QueryIndex returns the items projected under gsi1pk
func (s *PostgresStore) QueryIndex(ctx context.Context, gsi1pk string) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item FROM items
		WHERE item ? 'GSI1PK' AND item->>'GSI1PK' = $1
		ORDER BY item->>'GSI1SK'`, gsi1pk)
	if err != nil {
		return nil, fmt.Errorf("failed to query index: %w", err)
	}
	return scanItems(rows)
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	defer rows.Close()
	var out []Item
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		item, err := unmarshalItem(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate items: %w", err)
	}
	return out, nil
}

// ReadChanges returns up to limit changes of shard after afterSeq. The shard
// hash is computed in SQL so it only has to agree with itself.
func (s *PostgresStore) ReadChanges(ctx context.Context, shard, shards int, afterSeq int64, limit int) ([]Change, error) {
	if shards < 1 {
		shards = 1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, pk, sk, event_name, old_image, new_image, created_at
		FROM item_changes
		WHERE seq > $1 AND mod(hashtext(pk)::bigint + 2147483648, $2) = $3
		ORDER BY seq
		LIMIT $4`, afterSeq, shards, shard, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read changes: %w", err)
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var (
			ch              Change
			event           string
			oldRaw, newRaw []byte
		)
		if err := rows.Scan(&ch.Seq, &ch.Keys.PK, &ch.Keys.SK, &event, &oldRaw, &newRaw, &ch.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		ch.EventName = EventName(event)
		if ch.OldImage, err = unmarshalItem(oldRaw); err != nil {
			return nil, err
		}
		if ch.NewImage, err = unmarshalItem(newRaw); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate changes: %w", err)
	}
	return out, nil
}
