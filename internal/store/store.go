// Package store is the keyed transactional store holding every catalogue
// entity in one logical table addressed by (PK, SK). Each mutation is captured
// in an ordered change log that downstream consumers read by shard.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// Addressing attribute names.
const (
	AttrPK     = "PK"
	AttrSK     = "SK"
	AttrEntity = "_et"
	AttrGSI1PK = "GSI1PK"
	AttrGSI1SK = "GSI1SK"
)

var (
	// ErrPreconditionFailed is returned when a condition of a write is not met.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrNotFound is returned by Get for a missing item.
	ErrNotFound = errors.New("item not found")
)

// Key locates an item.
type Key struct {
	PK string
	SK string
}

func (k Key) String() string {
	return k.PK + "|" + k.SK
}

// Item is a schemaless document. Values follow encoding/json decoding rules.
type Item map[string]any

// Key returns the item's address.
func (i Item) Key() Key {
	return Key{PK: i.String(AttrPK), SK: i.String(AttrSK)}
}

// String returns the attribute as a string, or "" when absent or not a string.
func (i Item) String(attr string) string {
	s, _ := i[attr].(string)
	return s
}

// Decode unmarshals the item into v through its JSON form.
func (i Item) Decode(v any) error {
	raw, err := json.Marshal(i)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to unmarshal item: %w", err)
	}
	return nil
}

// normalize returns a deep copy of item with values in their JSON-decoded
// form, which is what every implementation hands back to callers.
func normalize(item Item) (Item, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal item: %w", err)
	}
	out := Item{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal item: %w", err)
	}
	return out, nil
}

func validateItem(item Item) error {
	if item.String(AttrPK) == "" || item.String(AttrSK) == "" {
		return fmt.Errorf("item requires string %s and %s attributes", AttrPK, AttrSK)
	}
	return nil
}

// Condition guards a write or condition check.
type Condition int

const (
	ConditionNone Condition = iota
	// ConditionExists requires an item at the key.
	ConditionExists
	// ConditionNotExists requires the key to be free.
	ConditionNotExists
)

func (c Condition) String() string {
	switch c {
	case ConditionExists:
		return "attribute_exists(PK)"
	case ConditionNotExists:
		return "attribute_not_exists(PK)"
	default:
		return "none"
	}
}

// ConditionCheck asserts a condition without writing.
type ConditionCheck struct {
	Key       Key
	Condition Condition
}

// Put writes a whole item, optionally guarded.
type Put struct {
	Item      Item
	Condition Condition
}

// Delete removes an item unconditionally.
type Delete struct {
	Key Key
}

// TransactItem is one element of TransactWrite. Exactly one field is set.
type TransactItem struct {
	ConditionCheck *ConditionCheck
	Put            *Put
	Delete         *Delete
}

// TransactionCanceledError reports which items of a transaction failed their
// condition. It matches ErrPreconditionFailed with errors.Is.
type TransactionCanceledError struct {
	// Reasons has one entry per transaction item; "None" for items that passed.
	Reasons []string
}

func (e *TransactionCanceledError) Error() string {
	return fmt.Sprintf("transaction cancelled, reasons [%s]", strings.Join(e.Reasons, ", "))
}

func (e *TransactionCanceledError) Is(target error) bool {
	return target == ErrPreconditionFailed
}

func newCanceled(n, failed int) *TransactionCanceledError {
	reasons := make([]string, n)
	for i := range reasons {
		reasons[i] = "None"
	}
	reasons[failed] = "ConditionalCheckFailed"
	return &TransactionCanceledError{Reasons: reasons}
}

// Store is the write and read surface of the keyed store.
type Store interface {
	// TransactWrite applies all items atomically or none of them.
	TransactWrite(ctx context.Context, items []TransactItem) error
	// Put writes item unconditionally and returns the item it replaced, if any.
	Put(ctx context.Context, item Item) (Item, error)
	Get(ctx context.Context, key Key) (Item, error)
	Delete(ctx context.Context, key Key) error
	BatchDelete(ctx context.Context, keys []Key) error
	// Query returns the items of one partition whose sort key starts with
	// skPrefix, ordered by sort key.
	Query(ctx context.Context, pk, skPrefix string) ([]Item, error)
	// QueryIndex returns the items projected under gsi1pk, ordered by GSI1SK.
	QueryIndex(ctx context.Context, gsi1pk string) ([]Item, error)
}

// EventName is the kind of a captured mutation.
type EventName string

const (
	EventInsert EventName = "INSERT"
	EventModify EventName = "MODIFY"
	EventRemove EventName = "REMOVE"
)

// Change is one entry of the change log.
type Change struct {
	Seq       int64
	EventName EventName
	Keys      Key
	OldImage  Item
	NewImage  Item
	CreatedAt time.Time
}

// ChangeSource reads the change log of one shard in commit order.
type ChangeSource interface {
	ReadChanges(ctx context.Context, shard, shards int, afterSeq int64, limit int) ([]Change, error)
}

// ShardOf maps a partition key onto one of shards change log shards.
func ShardOf(pk string, shards int) int {
	if shards <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(pk))
	return int(h.Sum32() % uint32(shards))
}
