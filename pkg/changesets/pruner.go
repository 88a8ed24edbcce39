package changesets

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// pruneTarget is what a Pruner maintains.
type pruneTarget interface {
	PruneCaches(ctx context.Context) PruneStats
}

// Pruner prunes the caches in the background: once after a random delay of
// up to jitter, then every interval plus a fresh random delay. A
// non-positive interval runs only the first prune.
type Pruner struct {
	target   pruneTarget
	interval time.Duration
	jitter   time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	doneCh  chan struct{}
	started bool
}

// NewPruner creates a stopped Pruner for m.
func NewPruner(m *Manager, interval, jitter time.Duration, logger *slog.Logger) *Pruner {
	return newPruner(m, interval, jitter, logger)
}

func newPruner(target pruneTarget, interval, jitter time.Duration, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		target:   target,
		interval: interval,
		jitter:   jitter,
		logger:   logger.With("component", "cache_pruner"),
	}
}

// Start launches the background loop. It stops when ctx is done or Stop is
// called. Starting twice has no effect.
func (p *Pruner) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	p.doneCh = make(chan struct{})
	go p.run(ctx)
}

// Stop ends the loop and waits for a running prune to finish.
func (p *Pruner) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.doneCh
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Pruner) delay(base time.Duration) time.Duration {
	if p.jitter <= 0 {
		return base
	}
	return base + rand.N(p.jitter)
}

func (p *Pruner) run(ctx context.Context) {
	defer close(p.doneCh)

	timer := time.NewTimer(p.delay(0))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		start := time.Now()
		stats := p.target.PruneCaches(ctx)
		p.logger.Info("cache prune completed",
			"changes_pruned", stats.Changes,
			"diffs_pruned", stats.Diffs,
			"duration", time.Since(start),
		)

		if p.interval <= 0 {
			return
		}
		timer.Reset(p.delay(p.interval))
	}
}
