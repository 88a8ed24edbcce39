package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/NERVsystems/osmadiff/pkg/monitoring"
)

// TTLCache is a durable cache namespace whose entries expire a fixed time
// after their last access. Expiry is lazy: Get serves and refreshes any
// entry that is still present, and only Prune removes stale entries.
type TTLCache[K Key, V any] struct {
	backend   *Backend
	namespace string
	keys      keyspace
	ttl       time.Duration
	now       func() time.Time
}

// Option configures a TTLCache.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now as the source of access times.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// NewTTLCache creates a cache namespace on backend.
func NewTTLCache[K Key, V any](backend *Backend, namespace string, ttl time.Duration, opts ...Option) (*TTLCache[K, V], error) {
	if backend == nil {
		return nil, errors.New("cache backend is required")
	}
	if namespace == "" || strings.ContainsRune(namespace, sep) {
		return nil, fmt.Errorf("invalid cache namespace %q", namespace)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("cache %s: ttl must be positive", namespace)
	}

	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	return &TTLCache[K, V]{
		backend:   backend,
		namespace: namespace,
		keys:      newKeyspace(namespace),
		ttl:       ttl,
		now:       o.now,
	}, nil
}

// Namespace returns the cache's namespace.
func (c *TTLCache[K, V]) Namespace() string {
	return c.namespace
}

// TTL returns the time after the last access at which entries become
// eligible for pruning.
func (c *TTLCache[K, V]) TTL() time.Duration {
	return c.ttl
}

// lastAccessed reads the access time of an existing entry.
func (c *TTLCache[K, V]) lastAccessed(txn *badger.Txn, entryKey []byte) (int64, []byte, bool, error) {
	item, err := txn.Get(entryKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, err
	}

	raw, err := item.ValueCopy(nil)
	if err != nil {
		return 0, nil, false, err
	}
	accessed, value, ok := decodeEntry(raw)
	if !ok {
		return 0, nil, false, fmt.Errorf("cache %s: corrupt entry", c.namespace)
	}
	return accessed, value, true, nil
}

// touch writes value with a fresh access time and moves its index entry.
func (c *TTLCache[K, V]) touch(txn *badger.Txn, encoded []byte, previous int64, hadPrevious bool, value []byte) error {
	now := c.now().UnixMilli()
	if hadPrevious && previous != now {
		if err := txn.Delete(c.keys.index(previous, encoded)); err != nil {
			return err
		}
	}
	if err := txn.Set(c.keys.index(now, encoded), nil); err != nil {
		return err
	}
	return txn.Set(c.keys.entry(encoded), encodeEntry(now, value))
}

// Get returns the value stored under key and refreshes its access time.
// The TTL is not checked here.
func (c *TTLCache[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	var value V
	var found bool
	encoded := encodeKey(key)

	err := c.backend.update(ctx, func(txn *badger.Txn) error {
		var zero V
		value, found = zero, false

		accessed, raw, ok, err := c.lastAccessed(txn, c.keys.entry(encoded))
		if err != nil || !ok {
			return err
		}
		if err := json.Unmarshal(raw, &value); err != nil {
			return fmt.Errorf("cache %s: decode entry: %w", c.namespace, err)
		}
		if err := c.touch(txn, encoded, accessed, true, raw); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		monitoring.RecordError("cache", "get")
		var zero V
		return zero, false, err
	}

	if found {
		monitoring.RecordCacheHit(c.namespace)
	} else {
		monitoring.RecordCacheMiss(c.namespace)
	}
	return value, found, nil
}

// Set stores value under key with the current time as its access time.
func (c *TTLCache[K, V]) Set(ctx context.Context, key K, value V) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache %s: encode entry: %w", c.namespace, err)
	}
	encoded := encodeKey(key)

	err = c.backend.update(ctx, func(txn *badger.Txn) error {
		accessed, _, ok, err := c.lastAccessed(txn, c.keys.entry(encoded))
		if err != nil {
			return err
		}
		return c.touch(txn, encoded, accessed, ok, raw)
	})
	if err != nil {
		monitoring.RecordError("cache", "set")
	}
	return err
}

// Evict removes key. Evicting a missing key is not an error.
func (c *TTLCache[K, V]) Evict(ctx context.Context, key K) error {
	encoded := encodeKey(key)

	return c.backend.update(ctx, func(txn *badger.Txn) error {
		accessed, _, ok, err := c.lastAccessed(txn, c.keys.entry(encoded))
		if err != nil || !ok {
			return err
		}
		if err := txn.Delete(c.keys.index(accessed, encoded)); err != nil {
			return err
		}
		return txn.Delete(c.keys.entry(encoded))
	})
}

// Prune deletes every entry last accessed more than the TTL ago and returns
// how many were removed. Index keys are scanned oldest first and the scan
// stops at the first one inside the TTL.
func (c *TTLCache[K, V]) Prune(ctx context.Context) (int, error) {
	db, err := c.backend.DB(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := c.now().Add(-c.ttl).UnixMilli()

	var pruned int
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return pruned, err
		}

		var n int
		n, err = c.prune(db, cutoff)
		pruned += n
		if !errors.Is(err, badger.ErrConflict) || attempt >= maxConflictAttempts {
			break
		}
	}

	if pruned > 0 {
		monitoring.RecordCachePruned(c.namespace, pruned)
	}
	if err != nil {
		monitoring.RecordError("cache", "prune")
		return pruned, fmt.Errorf("cache %s: prune: %w", c.namespace, err)
	}
	return pruned, nil
}

// prune runs one pass. Deletions that overflow a transaction are committed
// and continued in a new one, so a pass is atomic per committed batch.
func (c *TTLCache[K, V]) prune(db *badger.DB, cutoff int64) (int, error) {
	txn := db.NewTransaction(true)
	defer func() { txn.Discard() }()

	var stale [][]byte
	it := txn.NewIterator(badger.IteratorOptions{Prefix: c.keys.indexPrefix})
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().KeyCopy(nil)
		accessed, _, ok := c.keys.splitIndex(key)
		if !ok {
			continue
		}
		if accessed >= cutoff {
			break
		}
		stale = append(stale, key)
	}
	it.Close()

	var committed, pending int
	remove := func(key []byte) error {
		err := txn.Delete(key)
		if !errors.Is(err, badger.ErrTxnTooBig) {
			return err
		}
		if err := txn.Commit(); err != nil {
			return err
		}
		committed += pending
		pending = 0
		txn = db.NewTransaction(true)
		return txn.Delete(key)
	}

	for _, indexKey := range stale {
		accessed, encoded, _ := c.keys.splitIndex(indexKey)
		entryKey := c.keys.entry(encoded)

		current, _, ok, err := c.lastAccessed(txn, entryKey)
		if err != nil {
			return committed, err
		}
		if err := remove(indexKey); err != nil {
			return committed, err
		}
		// A refreshed entry has a newer index key of its own.
		if !ok || current != accessed {
			continue
		}
		if err := remove(entryKey); err != nil {
			return committed, err
		}
		pending++
	}

	if err := txn.Commit(); err != nil {
		return committed, err
	}
	return committed + pending, nil
}

// Len counts the entries in the namespace.
func (c *TTLCache[K, V]) Len(ctx context.Context) (int, error) {
	var n int
	err := c.backend.view(ctx, func(txn *badger.Txn) error {
		n = 0
		it := txn.NewIterator(badger.IteratorOptions{Prefix: c.keys.entryPrefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}
