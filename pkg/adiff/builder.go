package adiff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/NERVsystems/osmadiff/pkg/osm"
	"github.com/NERVsystems/osmadiff/pkg/tracing"
)

var (
	// ErrNotFoundAsOf is returned when an element has no version old enough
	// for the requested cutoff.
	ErrNotFoundAsOf = errors.New("no element version as of changeset")

	// ErrMissingElement is returned when the data source omits an element
	// that was asked for.
	ErrMissingElement = errors.New("element missing from data source response")
)

// DataSource provides element history for one workspace.
type DataSource interface {
	GetElement(ctx context.Context, ws osm.WorkspaceID, t osm.ElementType, id int64, version int) (osm.Element, error)
	GetNodes(ctx context.Context, ws osm.WorkspaceID, refs []osm.Ref) ([]*osm.Node, error)
	GetWays(ctx context.Context, ws osm.WorkspaceID, refs []osm.Ref) ([]*osm.Way, error)
	GetWaysForNode(ctx context.Context, ws osm.WorkspaceID, nodeID int64) ([]*osm.Way, error)
}

// Options tunes a Builder.
type Options struct {
	Logger *slog.Logger
	// Concurrency caps the per-action tasks of one build. Zero or less
	// means no cap.
	Concurrency int
}

// Builder builds augmented diffs for one workspace. Each Build call uses its
// own Store, so a Builder may serve concurrent builds.
type Builder struct {
	source      DataSource
	workspace   osm.WorkspaceID
	logger      *slog.Logger
	concurrency int
}

// NewBuilder creates a Builder reading history from source.
func NewBuilder(source DataSource, workspace osm.WorkspaceID, opts Options) *Builder {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		source:      source,
		workspace:   workspace,
		logger:      logger.With("component", "adiff_builder", "workspace", workspace),
		concurrency: opts.Concurrency,
	}
}

// build is the state of one Build call.
type build struct {
	*Builder
	store *Store

	mu          sync.Mutex
	synthesized []Action
	claimed     map[int64]struct{}

	rounds atomic.Int64
}

// Build produces the augmented diff of change. Any data source error aborts
// the build; no partial diff is returned.
func (b *Builder) Build(ctx context.Context, change *osm.Change) (*AugmentedDiff, error) {
	if change == nil {
		change = &osm.Change{}
	}

	ctx, span := tracing.StartSpan(ctx, "adiff.build",
		trace.WithAttributes(
			attribute.Int64(tracing.AttrWorkspace, int64(b.workspace)),
			attribute.Int(tracing.AttrChangeCount, change.Len()),
		),
	)
	defer span.End()

	start := time.Now()
	st := &build{
		Builder: b,
		store:   NewStore(),
		claimed: make(map[int64]struct{}),
	}

	actions := make([]Action, 0, change.Len())
	raws := make([]osm.Element, 0, change.Len())
	for _, actionType := range osm.ActionTypes {
		for _, e := range change.Elements(actionType) {
			actions = append(actions, Action{Type: actionType, New: resolve(e)})
			raws = append(raws, e)
			st.store.Remember(e, true)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if b.concurrency > 0 {
		g.SetLimit(b.concurrency)
	}
	for i := range actions {
		g.Go(func() error {
			return st.process(gctx, &actions[i], raws[i])
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build failed")
		return nil, err
	}

	diff := &AugmentedDiff{Actions: append(actions, st.synthesized...)}

	span.SetAttributes(
		attribute.Int(tracing.AttrDiffActions, len(diff.Actions)),
		attribute.Int(tracing.AttrDiffSynthesized, len(st.synthesized)),
		attribute.Int64(tracing.AttrDiffRounds, st.rounds.Load()),
	)
	span.SetStatus(codes.Ok, "")

	b.logger.Debug("augmented diff built",
		"actions", len(diff.Actions),
		"synthesized", len(st.synthesized),
		"versions", st.store.Len(),
		"rounds", st.rounds.Load(),
		"duration", time.Since(start),
	)
	return diff, nil
}

// process resolves the old state of one seeded action and expands its
// references. It only writes to its own action.
func (st *build) process(ctx context.Context, action *Action, raw osm.Element) error {
	if action.Type != osm.ActionCreate {
		old, err := st.resolvePrevious(ctx, raw)
		if err != nil {
			return err
		}
		action.Old = old
	}

	switch e := raw.(type) {
	case *osm.Node:
		return st.expandNodeReferences(ctx, e)
	case *osm.Way:
		nodes, err := st.resolveWayNodes(ctx, e, e.Changeset)
		if err != nil {
			return err
		}
		action.New.(*Way).Nodes = nodes
	case *osm.Relation:
	}
	return nil
}

// previous returns version v-1 of e, from the store when possible.
func (st *build) previous(ctx context.Context, e osm.Element) (osm.Element, error) {
	m := e.Base()
	version := m.Version - 1
	if version < 1 {
		return nil, fmt.Errorf("%w: %s %d has no version before %d", ErrNotFoundAsOf, e.Type(), m.ID, m.Version)
	}

	if prev, ok := st.store.Version(e.Type(), m.ID, version); ok {
		return prev, nil
	}

	prev, err := st.source.GetElement(ctx, st.workspace, e.Type(), m.ID, version)
	if err != nil {
		return nil, fmt.Errorf("fetch %s %d version %d: %w", e.Type(), m.ID, version, err)
	}
	if prev.Type() != e.Type() || prev.Base().ID != m.ID || prev.Base().Version != version {
		return nil, fmt.Errorf("%w: %s %d version %d", ErrMissingElement, e.Type(), m.ID, version)
	}

	st.store.Remember(prev, false)
	return prev, nil
}

// resolvePrevious returns the resolved version before e. A way's nodes are
// resolved as of the changeset just before e's.
func (st *build) resolvePrevious(ctx context.Context, e osm.Element) (Element, error) {
	prev, err := st.previous(ctx, e)
	if err != nil {
		return nil, err
	}

	resolved := resolve(prev)
	if way, ok := prev.(*osm.Way); ok {
		nodes, err := st.resolveWayNodes(ctx, way, e.Base().Changeset-1)
		if err != nil {
			return nil, err
		}
		resolved.(*Way).Nodes = nodes
	}
	return resolved, nil
}

// claim reports whether the caller is the first to synthesize way id.
func (st *build) claim(id int64) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.claimed[id]; ok {
		return false
	}
	st.claimed[id] = struct{}{}
	return true
}

func (st *build) appendSynthesized(a Action) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.synthesized = append(st.synthesized, a)
}

// wayStep tracks one way while it is stepped back to its state at a node
// edit. cutoff is the changeset its old nodes are resolved as of.
type wayStep struct {
	current *osm.Way
	old     *osm.Way
	cutoff  int64
}

// expandNodeReferences synthesizes a modify action for every way that
// references node and is not itself part of the changeset.
func (st *build) expandNodeReferences(ctx context.Context, node *osm.Node) error {
	ways, err := st.source.GetWaysForNode(ctx, st.workspace, node.ID)
	if err != nil {
		return fmt.Errorf("fetch ways for node %d: %w", node.ID, err)
	}

	var steps []*wayStep
	for _, way := range ways {
		if st.store.InChangeset(osm.TypeWay, way.ID) || !st.claim(way.ID) {
			continue
		}
		st.store.Remember(way, false)
		steps = append(steps, &wayStep{current: way, old: way, cutoff: way.Changeset})
	}

	steps, err = st.stepBackWays(ctx, node, steps)
	if err != nil {
		return err
	}

	for _, s := range steps {
		action, err := st.synthesizeWay(ctx, node, s)
		if err != nil {
			return err
		}
		st.appendSynthesized(action)
	}
	return nil
}

// stepBackWays walks every way back along its versions until its changeset
// is not after the node's. Each round fetches the next older version of all
// ways still too new in one batch. Ways created after the node's edit did
// not exist at that time and are dropped.
func (st *build) stepBackWays(ctx context.Context, node *osm.Node, steps []*wayStep) ([]*wayStep, error) {
	done := make([]*wayStep, 0, len(steps))
	pending := steps

	for len(pending) > 0 {
		var refs []osm.Ref
		var next []*wayStep
		for _, s := range pending {
			switch {
			case s.old.Changeset <= node.Changeset:
				done = append(done, s)
			case s.old.Version <= 1:
				st.logger.Debug("way postdates node edit",
					"way", s.current.ID,
					"node", node.ID,
					"node_changeset", node.Changeset,
				)
			default:
				refs = append(refs, osm.VersionRef(s.old.ID, s.old.Version-1))
				next = append(next, s)
			}
		}
		if len(next) == 0 {
			break
		}

		st.rounds.Add(1)
		slices.SortFunc(refs, compareRefs)
		prevs, err := st.fetchWays(ctx, refs)
		if err != nil {
			return nil, err
		}

		for _, s := range next {
			ref := osm.VersionRef(s.old.ID, s.old.Version-1)
			prev, ok := prevs[ref]
			if !ok {
				return nil, fmt.Errorf("%w: way %s", ErrMissingElement, ref)
			}
			s.cutoff = s.old.Changeset - 1
			s.old = prev
		}
		pending = next
	}
	return done, nil
}

// synthesizeWay pairs the current way with its stepped-back state.
func (st *build) synthesizeWay(ctx context.Context, node *osm.Node, s *wayStep) (Action, error) {
	oldResolved := resolve(s.old).(*Way)
	nodes, err := st.resolveWayNodes(ctx, s.old, s.cutoff)
	if err != nil {
		return Action{}, err
	}
	oldResolved.Nodes = nodes

	newResolved := resolve(s.current).(*Way)
	nodes, err = st.resolveWayNodes(ctx, s.current, max(node.Changeset, s.current.Changeset))
	if err != nil {
		return Action{}, err
	}
	newResolved.Nodes = nodes

	return Action{Type: osm.ActionModify, Old: oldResolved, New: newResolved}, nil
}

// resolveWayNodes returns way's nodes with the coordinates of the newest
// node versions whose changeset is at most cutoff. Rounds run one after the
// other; every retried ref asks for an older version than the last.
func (st *build) resolveWayNodes(ctx context.Context, way *osm.Way, cutoff int64) ([]WayNode, error) {
	resolved := make([]WayNode, len(way.Nodes))

	pending := make(map[osm.Ref][]int)
	for i, id := range way.Nodes {
		ref := osm.CurrentRef(id)
		pending[ref] = append(pending[ref], i)
	}

	for len(pending) > 0 {
		st.rounds.Add(1)

		refs := make([]osm.Ref, 0, len(pending))
		for ref := range pending {
			refs = append(refs, ref)
		}
		slices.SortFunc(refs, compareRefs)

		nodes, err := st.fetchNodes(ctx, refs)
		if err != nil {
			return nil, err
		}

		next := make(map[osm.Ref][]int)
		for _, ref := range refs {
			n, ok := nodes[ref]
			if !ok {
				return nil, fmt.Errorf("%w: node %s of way %d", ErrMissingElement, ref, way.ID)
			}

			if n.Changeset <= cutoff {
				for _, i := range pending[ref] {
					resolved[i] = WayNode{Ref: n.ID, Lat: n.Lat, Lon: n.Lon}
				}
				continue
			}

			if n.Version <= 1 {
				return nil, fmt.Errorf("%w %d: node %d of way %d", ErrNotFoundAsOf, cutoff, n.ID, way.ID)
			}
			older := osm.VersionRef(n.ID, n.Version-1)
			next[older] = append(next[older], pending[ref]...)
		}
		pending = next
	}

	return resolved, nil
}

// fetchNodes resolves node refs from the store and fetches the misses in
// one batch.
func (st *build) fetchNodes(ctx context.Context, refs []osm.Ref) (map[osm.Ref]*osm.Node, error) {
	return fetchRefs(ctx, st, osm.TypeNode, refs, st.source.GetNodes)
}

// fetchWays resolves way refs from the store and fetches the misses in one
// batch.
func (st *build) fetchWays(ctx context.Context, refs []osm.Ref) (map[osm.Ref]*osm.Way, error) {
	return fetchRefs(ctx, st, osm.TypeWay, refs, st.source.GetWays)
}

// fetchRefs resolves refs of type t from the store and fetches the misses
// with one call to get. Bare refs resolve to the newest version the store
// has seen. Fetched elements are remembered.
func fetchRefs[E osm.Element](
	ctx context.Context,
	st *build,
	t osm.ElementType,
	refs []osm.Ref,
	get func(context.Context, osm.WorkspaceID, []osm.Ref) ([]E, error),
) (map[osm.Ref]E, error) {
	out := make(map[osm.Ref]E, len(refs))
	var missing []osm.Ref

	for _, ref := range refs {
		var e osm.Element
		var ok bool
		if ref.IsCurrent() {
			e, ok = st.store.Latest(t, ref.ID)
		} else {
			e, ok = st.store.Version(t, ref.ID, ref.Version)
		}
		if typed, isType := e.(E); ok && isType {
			out[ref] = typed
			continue
		}
		missing = append(missing, ref)
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := get(ctx, st.workspace, missing)
	if err != nil {
		return nil, fmt.Errorf("fetch %d %ss: %w", len(missing), t, err)
	}

	wanted := make(map[osm.Ref]struct{}, len(missing))
	for _, ref := range missing {
		wanted[ref] = struct{}{}
	}
	for _, e := range fetched {
		st.store.Remember(e, false)

		m := e.Base()
		exact := osm.VersionRef(m.ID, m.Version)
		if _, ok := wanted[exact]; ok {
			out[exact] = e
		}
		current := osm.CurrentRef(m.ID)
		if _, ok := wanted[current]; ok {
			if prev, seen := out[current]; !seen || m.Version > prev.Base().Version {
				out[current] = e
			}
		}
	}
	return out, nil
}

func compareRefs(a, b osm.Ref) int {
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return a.Version - b.Version
}
