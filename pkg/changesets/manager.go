// Package changesets decides per changeset whether change bundles and
// augmented diffs come from the durable cache or from the workspace API,
// and keeps both caches pruned.
package changesets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/NERVsystems/osmadiff/pkg/adiff"
	"github.com/NERVsystems/osmadiff/pkg/cache"
	"github.com/NERVsystems/osmadiff/pkg/monitoring"
	"github.com/NERVsystems/osmadiff/pkg/osm"
	"github.com/NERVsystems/osmadiff/pkg/tracing"
)

// DefaultFetchConcurrency bounds GetAllChangeData when no limit is set.
const DefaultFetchConcurrency = 8

// Source is the workspace API as seen by the Manager.
type Source interface {
	adiff.DataSource
	ListChangesets(ctx context.Context, ws osm.WorkspaceID) ([]*osm.Changeset, error)
	GetChangeset(ctx context.Context, ws osm.WorkspaceID, id int64) (*osm.Changeset, error)
	GetChange(ctx context.Context, ws osm.WorkspaceID, id int64) (*osm.Change, error)
}

// Caches holds the two durable caches of a Manager.
type Caches struct {
	Changes *cache.TTLCache[cache.ChangesetKey, *osm.Change]
	Diffs   *cache.TTLCache[cache.ChangesetKey, *adiff.AugmentedDiff]
}

// NewCaches creates the change bundle and augmented diff namespaces on backend.
func NewCaches(backend *cache.Backend, changeTTL, diffTTL time.Duration, opts ...cache.Option) (Caches, error) {
	changes, err := cache.NewTTLCache[cache.ChangesetKey, *osm.Change](backend, tracing.CacheTypeChanges, changeTTL, opts...)
	if err != nil {
		return Caches{}, err
	}
	diffs, err := cache.NewTTLCache[cache.ChangesetKey, *adiff.AugmentedDiff](backend, tracing.CacheTypeDiffs, diffTTL, opts...)
	if err != nil {
		return Caches{}, err
	}
	return Caches{Changes: changes, Diffs: diffs}, nil
}

// Options tunes a Manager.
type Options struct {
	Logger *slog.Logger

	// FetchConcurrency bounds concurrent change bundle fetches in
	// GetAllChangeData.
	FetchConcurrency int

	// BuildConcurrency is passed to every diff Builder.
	BuildConcurrency int
}

// Manager serves change bundles and augmented diffs. Closed changesets are
// cached; open ones can still receive edits and always come from the source.
// Concurrent misses on one key each build and write; the last write wins.
type Manager struct {
	source           Source
	caches           Caches
	logger           *slog.Logger
	buildLogger      *slog.Logger
	fetchConcurrency int
	buildConcurrency int
}

// NewManager creates a Manager.
func NewManager(source Source, caches Caches, opts Options) (*Manager, error) {
	if source == nil {
		return nil, errors.New("changesets: source is required")
	}
	if caches.Changes == nil || caches.Diffs == nil {
		return nil, errors.New("changesets: both caches are required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fetch := opts.FetchConcurrency
	if fetch <= 0 {
		fetch = DefaultFetchConcurrency
	}

	return &Manager{
		source:           source,
		caches:           caches,
		logger:           logger.With("component", "changesets"),
		buildLogger:      logger,
		fetchConcurrency: fetch,
		buildConcurrency: opts.BuildConcurrency,
	}, nil
}

// ChangesetData pairs a changeset with its change bundle.
type ChangesetData struct {
	Changeset *osm.Changeset `json:"changeset"`
	Change    *osm.Change    `json:"change"`
}

// ListChangesets returns the workspace's changesets.
func (m *Manager) ListChangesets(ctx context.Context, ws osm.WorkspaceID) ([]*osm.Changeset, error) {
	return m.source.ListChangesets(ctx, ws)
}

// GetChangeset returns one changeset descriptor.
func (m *Manager) GetChangeset(ctx context.Context, ws osm.WorkspaceID, id int64) (*osm.Changeset, error) {
	return m.source.GetChangeset(ctx, ws, id)
}

// GetElements looks up nodes or ways by ref in one batch. Bare refs return
// the current version, versioned refs that exact version.
func (m *Manager) GetElements(ctx context.Context, ws osm.WorkspaceID, t osm.ElementType, refs []osm.Ref) (osm.Elements, error) {
	if len(refs) == 0 {
		return osm.Elements{}, nil
	}

	out := make(osm.Elements, 0, len(refs))
	switch t {
	case osm.TypeNode:
		nodes, err := m.source.GetNodes(ctx, ws, refs)
		if err != nil {
			return nil, err
		}
		for _, n := range nodes {
			out = append(out, n)
		}
	case osm.TypeWay:
		ways, err := m.source.GetWays(ctx, ws, refs)
		if err != nil {
			return nil, err
		}
		for _, w := range ways {
			out = append(out, w)
		}
	default:
		return nil, fmt.Errorf("changesets: no batch lookup for %s elements", t)
	}
	return out, nil
}

// GetChangeData returns the change bundle of cs.
func (m *Manager) GetChangeData(ctx context.Context, ws osm.WorkspaceID, cs *osm.Changeset) (*osm.Change, error) {
	if cs == nil {
		return nil, errors.New("changesets: changeset is required")
	}
	ctx, span := tracing.StartSpan(ctx, "changesets.get_change_data",
		trace.WithAttributes(tracing.ChangesetAttributes(int64(ws), cs.ID)...),
		trace.WithAttributes(attribute.Bool("osm.changeset.open", cs.Open)),
	)
	defer span.End()

	if cs.Open {
		change, err := m.fetchChange(ctx, ws, cs.ID)
		return change, finish(span, err)
	}

	key := cache.ChangesetKey{Workspace: ws, Changeset: cs.ID}
	if change, ok := m.cachedChange(ctx, key); ok {
		span.SetAttributes(attribute.Bool(tracing.AttrCacheHit, true))
		span.SetStatus(codes.Ok, "")
		return change, nil
	}
	span.SetAttributes(attribute.Bool(tracing.AttrCacheHit, false))

	change, err := m.fetchChange(ctx, ws, cs.ID)
	if err != nil {
		return nil, finish(span, err)
	}
	if err := m.caches.Changes.Set(ctx, key, change); err != nil {
		m.logger.Warn("failed to cache change bundle", "key", key.String(), "error", err)
	}
	return change, finish(span, nil)
}

// GetAugmentedDiff returns the augmented diff of cs, building it from the
// change bundle when it is not cached.
func (m *Manager) GetAugmentedDiff(ctx context.Context, ws osm.WorkspaceID, cs *osm.Changeset) (*adiff.AugmentedDiff, error) {
	if cs == nil {
		return nil, errors.New("changesets: changeset is required")
	}
	ctx, span := tracing.StartSpan(ctx, "changesets.get_augmented_diff",
		trace.WithAttributes(tracing.ChangesetAttributes(int64(ws), cs.ID)...),
		trace.WithAttributes(attribute.Bool("osm.changeset.open", cs.Open)),
	)
	defer span.End()

	key := cache.ChangesetKey{Workspace: ws, Changeset: cs.ID}
	if !cs.Open {
		if diff, ok := m.cachedDiff(ctx, key); ok {
			span.SetAttributes(attribute.Bool(tracing.AttrCacheHit, true))
			span.SetStatus(codes.Ok, "")
			return diff, nil
		}
		span.SetAttributes(attribute.Bool(tracing.AttrCacheHit, false))
	}

	change, err := m.GetChangeData(ctx, ws, cs)
	if err != nil {
		return nil, finish(span, err)
	}
	diff, err := m.build(ctx, ws, change)
	if err != nil {
		return nil, finish(span, err)
	}

	if !cs.Open {
		if err := m.caches.Diffs.Set(ctx, key, diff); err != nil {
			m.logger.Warn("failed to cache augmented diff", "key", key.String(), "error", err)
		}
	}
	return diff, finish(span, nil)
}

// GetAllChangeData fetches every changeset of the workspace together with
// its change bundle, in listing order.
func (m *Manager) GetAllChangeData(ctx context.Context, ws osm.WorkspaceID) ([]ChangesetData, error) {
	changesets, err := m.source.ListChangesets(ctx, ws)
	if err != nil {
		return nil, err
	}

	out := make([]ChangesetData, len(changesets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.fetchConcurrency)
	for i, cs := range changesets {
		g.Go(func() error {
			change, err := m.GetChangeData(gctx, ws, cs)
			if err != nil {
				return fmt.Errorf("changeset %d: %w", cs.ID, err)
			}
			out[i] = ChangesetData{Changeset: cs, Change: change}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// PruneStats reports the entries removed by one PruneCaches call.
type PruneStats struct {
	Changes int `json:"changes"`
	Diffs   int `json:"diffs"`
}

// PruneCaches prunes both caches. Failures are logged and not returned.
func (m *Manager) PruneCaches(ctx context.Context) PruneStats {
	ctx, span := tracing.StartSpan(ctx, "changesets.prune_caches")
	defer span.End()

	var stats PruneStats
	stats.Changes = pruneOne(ctx, m.logger, m.caches.Changes)
	stats.Diffs = pruneOne(ctx, m.logger, m.caches.Diffs)

	span.SetAttributes(
		attribute.Int("cache.pruned.changes", stats.Changes),
		attribute.Int("cache.pruned.diffs", stats.Diffs),
	)
	return stats
}

type prunable interface {
	Namespace() string
	Prune(ctx context.Context) (int, error)
	Len(ctx context.Context) (int, error)
}

func pruneOne(ctx context.Context, logger *slog.Logger, c prunable) int {
	start := time.Now()
	n, err := c.Prune(ctx)
	if err != nil {
		logger.Warn("cache prune failed", "cache", c.Namespace(), "pruned", n, "error", err)
		return n
	}

	if size, err := c.Len(ctx); err == nil {
		monitoring.UpdateCacheSize(c.Namespace(), size)
	}
	logger.Debug("cache pruned", "cache", c.Namespace(), "pruned", n, "duration", time.Since(start))
	return n
}

func (m *Manager) fetchChange(ctx context.Context, ws osm.WorkspaceID, id int64) (*osm.Change, error) {
	change, err := m.source.GetChange(ctx, ws, id)
	if err != nil {
		return nil, fmt.Errorf("fetch change bundle: %w", err)
	}
	if change == nil {
		change = &osm.Change{}
	}
	return change, nil
}

// cachedChange reads the change cache. Read errors count as a miss.
func (m *Manager) cachedChange(ctx context.Context, key cache.ChangesetKey) (*osm.Change, bool) {
	change, ok, err := m.caches.Changes.Get(ctx, key)
	if err != nil {
		m.logger.Warn("change cache read failed", "key", key.String(), "error", err)
		return nil, false
	}
	return change, ok && change != nil
}

// cachedDiff reads the diff cache. Read errors count as a miss.
func (m *Manager) cachedDiff(ctx context.Context, key cache.ChangesetKey) (*adiff.AugmentedDiff, bool) {
	diff, ok, err := m.caches.Diffs.Get(ctx, key)
	if err != nil {
		m.logger.Warn("diff cache read failed", "key", key.String(), "error", err)
		return nil, false
	}
	return diff, ok && diff != nil
}

func (m *Manager) build(ctx context.Context, ws osm.WorkspaceID, change *osm.Change) (*adiff.AugmentedDiff, error) {
	builder := adiff.NewBuilder(m.source, ws, adiff.Options{
		Logger:      m.buildLogger,
		Concurrency: m.buildConcurrency,
	})

	start := time.Now()
	diff, err := builder.Build(ctx, change)
	if err != nil {
		monitoring.RecordDiffBuild(time.Since(start), 0, 0, false)
		return nil, fmt.Errorf("build augmented diff: %w", err)
	}
	monitoring.RecordDiffBuild(time.Since(start), change.Len(), len(diff.Actions)-change.Len(), true)
	return diff, nil
}

func finish(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}
