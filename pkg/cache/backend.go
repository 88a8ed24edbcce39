// Package cache provides the durable, TTL-pruned cache used for change
// bundles and augmented diffs. Entries live in an embedded BadgerDB.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/singleflight"
)

// ErrClosed is returned by operations on a closed Backend.
var ErrClosed = errors.New("cache backend closed")

// maxConflictAttempts bounds transaction retries after write conflicts.
const maxConflictAttempts = 5

// Backend owns the database shared by every cache namespace. The database is
// opened on first use; concurrent first callers share one open, and a failed
// open is attempted again by the next caller.
type Backend struct {
	cfg    Config
	logger *slog.Logger
	group  singleflight.Group

	mu     sync.Mutex
	db     *badger.DB
	gc     *gcRunner
	closed bool
}

// NewBackend creates a backend. Nothing is opened until the first operation.
func NewBackend(cfg Config, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		cfg:    cfg,
		logger: logger.With("component", "cache"),
	}
}

// DB returns the open database, opening it if needed.
func (b *Backend) DB(ctx context.Context) (*badger.DB, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if b.db != nil {
		db := b.db
		b.mu.Unlock()
		return db, nil
	}
	b.mu.Unlock()

	ch := b.group.DoChan("open", func() (interface{}, error) {
		return b.open()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*badger.DB), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Backend) open() (*badger.DB, error) {
	b.mu.Lock()
	if b.db != nil {
		db := b.db
		b.mu.Unlock()
		return db, nil
	}
	b.mu.Unlock()

	db, err := openBadger(b.cfg)
	if err != nil {
		b.logger.Error("failed to open cache database", "error", err)
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		db.Close()
		return nil, ErrClosed
	}
	b.db = db
	if b.cfg.GCInterval > 0 && !b.cfg.InMemory {
		b.gc = startGC(db, b.cfg.GCInterval, b.cfg.GCDiscardRatio, b.logger)
	}

	b.logger.Info("cache database opened", "dir", b.cfg.Dir, "in_memory", b.cfg.InMemory)
	return db, nil
}

// Close stops garbage collection and closes the database. Later operations
// fail with ErrClosed.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	db, gc := b.db, b.gc
	b.db, b.gc = nil, nil
	b.mu.Unlock()

	if gc != nil {
		gc.stop()
	}
	if db == nil {
		return nil
	}
	return db.Close()
}

// update runs fn in one read-write transaction, retrying on write
// conflicts. fn must reset any state it captures because it may run more
// than once.
func (b *Backend) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	db, err := b.DB(ctx)
	if err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) || attempt >= maxConflictAttempts {
			return err
		}
		b.logger.Debug("cache transaction conflict, retrying", "attempt", attempt)
	}
}

// Ping opens the database if needed and runs an empty read transaction.
func (b *Backend) Ping(ctx context.Context) error {
	return b.view(ctx, func(*badger.Txn) error { return nil })
}

// view runs fn in a read-only transaction.
func (b *Backend) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	db, err := b.DB(ctx)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return db.View(fn)
}
