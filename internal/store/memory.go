package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps items and the change log in process memory. It backs
// local development (STORE_DRIVER=memory) and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	items   map[Key]Item
	changes []Change
	seq     int64
	now     func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[Key]Item),
		now:   time.Now,
	}
}

func (s *MemoryStore) record(event EventName, key Key, oldImage, newImage Item) {
	s.seq++
	s.changes = append(s.changes, Change{
		Seq:       s.seq,
		EventName: event,
		Keys:      key,
		OldImage:  oldImage,
		NewImage:  newImage,
		CreatedAt: s.now(),
	})
}

func (s *MemoryStore) putLocked(item Item) Item {
	key := item.Key()
	old, existed := s.items[key]
	s.items[key] = item
	if existed {
		s.record(EventModify, key, old, item)
		return old
	}
	s.record(EventInsert, key, nil, item)
	return nil
}

func (s *MemoryStore) deleteLocked(key Key) {
	old, existed := s.items[key]
	if !existed {
		return
	}
	delete(s.items, key)
	s.record(EventRemove, key, old, nil)
}

// TransactWrite applies all items atomically
func (s *MemoryStore) TransactWrite(ctx context.Context, items []TransactItem) error {
	puts := make([]Item, len(items))
	for i, ti := range items {
		if ti.Put != nil {
			if err := validateItem(ti.Put.Item); err != nil {
				return err
			}
			item, err := normalize(ti.Put.Item)
			if err != nil {
				return err
			}
			puts[i] = item
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, ti := range items {
		var key Key
		var cond Condition
		switch {
		case ti.ConditionCheck != nil:
			key, cond = ti.ConditionCheck.Key, ti.ConditionCheck.Condition
		case ti.Put != nil:
			key, cond = puts[i].Key(), ti.Put.Condition
		case ti.Delete != nil:
			continue
		default:
			return fmt.Errorf("transact item %d has no operation", i)
		}
		_, exists := s.items[key]
		if (cond == ConditionExists && !exists) || (cond == ConditionNotExists && exists) {
			return newCanceled(len(items), i)
		}
	}

	for i, ti := range items {
		switch {
		case ti.Put != nil:
			s.putLocked(puts[i])
		case ti.Delete != nil:
			s.deleteLocked(ti.Delete.Key)
		}
	}
	return nil
}

// Put writes item and returns the replaced item
func (s *MemoryStore) Put(ctx context.Context, item Item) (Item, error) {
	if err := validateItem(item); err != nil {
		return nil, err
	}
	normalized, err := normalize(item)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.putLocked(normalized)
	if old == nil {
		return nil, nil
	}
	return normalize(old)
}

// Get returns the item at key
func (s *MemoryStore) Get(ctx context.Context, key Key) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	return normalize(item)
}

// Delete removes the item at key
func (s *MemoryStore) Delete(ctx context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(key)
	return nil
}

// BatchDelete removes every key
func (s *MemoryStore) BatchDelete(ctx context.Context, keys []Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		s.deleteLocked(key)
	}
	return nil
}

// Query returns a partition's items by sort key prefix
func (s *MemoryStore) Query(ctx context.Context, pk, skPrefix string) ([]Item, error) {
	s.mu.RLock()
	var out []Item
	for key, item := range s.items {
		if key.PK == pk && strings.HasPrefix(key.SK, skPrefix) {
			out = append(out, item)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].String(AttrSK) < out[j].String(AttrSK) })
	return normalizeAll(out)
}

// QueryIndex returns the items projected under gsi1pk
func (s *MemoryStore) QueryIndex(ctx context.Context, gsi1pk string) ([]Item, error) {
	s.mu.RLock()
	var out []Item
	for _, item := range s.items {
		if item.String(AttrGSI1PK) == gsi1pk {
			out = append(out, item)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].String(AttrGSI1SK) < out[j].String(AttrGSI1SK) })
	return normalizeAll(out)
}

// ReadChanges returns up to limit changes of shard after afterSeq
func (s *MemoryStore) ReadChanges(ctx context.Context, shard, shards int, afterSeq int64, limit int) ([]Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := sort.Search(len(s.changes), func(i int) bool { return s.changes[i].Seq > afterSeq })
	var out []Change
	for _, ch := range s.changes[start:] {
		if limit > 0 && len(out) >= limit {
			break
		}
		if ShardOf(ch.Keys.PK, shards) != shard {
			continue
		}
		out = append(out, ch)
	}
	return out, nil
}

func normalizeAll(items []Item) ([]Item, error) {
	out := make([]Item, 0, len(items))
	for _, item := range items {
		n, err := normalize(item)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
