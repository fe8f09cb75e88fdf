// Package objectstore is a key/value object bucket with prefix-scoped
// mutation notifications.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Dan9191/loans-finder/internal/metrics"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by Get for a missing object.
var ErrNotFound = errors.New("object not found")

// EventType is the kind of an object mutation.
type EventType string

const (
	ObjectCreated EventType = "ObjectCreated"
	ObjectRemoved EventType = "ObjectRemoved"
)

// Event describes one object mutation.
type Event struct {
	Type EventType
	Key  string
	Time time.Time
}

// Listener receives events for a subscribed prefix.
type Listener func(ctx context.Context, ev Event) error

// Bucket stores immutable objects by key.
type Bucket interface {
	// Put writes the object. A failing listener is reported as an error even
	// though the object is committed.
	Put(ctx context.Context, key string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns the keys starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// Subscribe registers l for mutations of keys starting with prefix.
	Subscribe(prefix string, l Listener)
}

type subscription struct {
	prefix   string
	listener Listener
}

// FSBucket keeps objects as files under a root directory.
type FSBucket struct {
	root    string
	log     *logrus.Logger
	metrics *metrics.Metrics

	mu   sync.RWMutex
	subs []subscription
}

// NewFSBucket creates the root directory if needed.
func NewFSBucket(root string, log *logrus.Logger, m *metrics.Metrics) (*FSBucket, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bucket root: %w", err)
	}
	return &FSBucket{root: root, log: log, metrics: m}, nil
}

func (b *FSBucket) path(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(b.root, clean), nil
}

func (b *FSBucket) Put(ctx context.Context, key string, body []byte) error {
	path, err := b.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp object: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write object %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write object %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to commit object %s: %w", key, err)
	}
	b.metrics.ObjectOperationsTotal.WithLabelValues("put").Inc()
	return b.notify(ctx, Event{Type: ObjectCreated, Key: key, Time: time.Now().UTC()})
}

func (b *FSBucket) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := b.path(key)
	if err != nil {
		return nil, err
	}
	body, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return body, nil
}

func (b *FSBucket) Delete(ctx context.Context, key string) error {
	path, err := b.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	b.metrics.ObjectOperationsTotal.WithLabelValues("delete").Inc()
	return b.notify(ctx, Event{Type: ObjectRemoved, Key: key, Time: time.Now().UTC()})
}

func (b *FSBucket) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *FSBucket) Subscribe(prefix string, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{prefix: prefix, listener: l})
}

// notify runs matching listeners synchronously and returns their joined errors.
func (b *FSBucket) notify(ctx context.Context, ev Event) error {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs...)
	b.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if !strings.HasPrefix(ev.Key, s.prefix) {
			continue
		}
		if err := s.listener(ctx, ev); err != nil {
			b.log.WithFields(logrus.Fields{
				"key":    ev.Key,
				"event":  ev.Type,
				"prefix": s.prefix,
			}).WithError(err).Error("Object notification listener failed")
			errs = append(errs, fmt.Errorf("failed to notify %s of %s: %w", s.prefix, ev.Key, err))
		}
	}
	return errors.Join(errs...)
}
