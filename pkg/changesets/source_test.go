package changesets

import (
	"context"
	"fmt"
	"sync"

	"github.com/NERVsystems/osmadiff/pkg/osm"
)

// fakeSource is an in-memory workspace with call counters.
type fakeSource struct {
	mu         sync.Mutex
	changesets []*osm.Changeset
	changes    map[int64]*osm.Change
	history    map[osm.ElementType]map[int64][]osm.Element
	calls      map[string]int
	failOn     map[string]bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		changes: map[int64]*osm.Change{},
		history: map[osm.ElementType]map[int64][]osm.Element{
			osm.TypeNode: {},
			osm.TypeWay:  {},
		},
		calls:  map[string]int{},
		failOn: map[string]bool{},
	}
}

func (s *fakeSource) addChangeset(id int64, open bool, change *osm.Change) {
	s.changesets = append(s.changesets, &osm.Changeset{ID: id, Open: open})
	s.changes[id] = change
}

// addHistory appends element versions, which must arrive in version order.
func (s *fakeSource) addHistory(elements ...osm.Element) {
	for _, e := range elements {
		s.history[e.Type()][e.Base().ID] = append(s.history[e.Type()][e.Base().ID], e)
	}
}

func (s *fakeSource) record(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	if s.failOn[op] {
		return fmt.Errorf("%s: upstream unavailable", op)
	}
	return nil
}

func (s *fakeSource) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *fakeSource) fail(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOn[op] = true
}

func (s *fakeSource) lookup(t osm.ElementType, ref osm.Ref) (osm.Element, bool) {
	versions := s.history[t][ref.ID]
	if len(versions) == 0 {
		return nil, false
	}
	if ref.IsCurrent() {
		return versions[len(versions)-1], true
	}
	if ref.Version < 1 || ref.Version > len(versions) {
		return nil, false
	}
	return versions[ref.Version-1], true
}

func (s *fakeSource) ListChangesets(ctx context.Context, ws osm.WorkspaceID) ([]*osm.Changeset, error) {
	if err := s.record("list"); err != nil {
		return nil, err
	}
	return s.changesets, nil
}

func (s *fakeSource) GetChangeset(ctx context.Context, ws osm.WorkspaceID, id int64) (*osm.Changeset, error) {
	if err := s.record("changeset"); err != nil {
		return nil, err
	}
	for _, cs := range s.changesets {
		if cs.ID == id {
			return cs, nil
		}
	}
	return nil, fmt.Errorf("changeset %d not found", id)
}

func (s *fakeSource) GetChange(ctx context.Context, ws osm.WorkspaceID, id int64) (*osm.Change, error) {
	if err := s.record("change"); err != nil {
		return nil, err
	}
	change, ok := s.changes[id]
	if !ok {
		return nil, fmt.Errorf("change %d not found", id)
	}
	return change, nil
}

func (s *fakeSource) GetElement(ctx context.Context, ws osm.WorkspaceID, t osm.ElementType, id int64, version int) (osm.Element, error) {
	if err := s.record("element"); err != nil {
		return nil, err
	}
	e, ok := s.lookup(t, osm.VersionRef(id, version))
	if !ok {
		return nil, fmt.Errorf("%s %d version %d not found", t, id, version)
	}
	return e, nil
}

func (s *fakeSource) GetNodes(ctx context.Context, ws osm.WorkspaceID, refs []osm.Ref) ([]*osm.Node, error) {
	if err := s.record("nodes"); err != nil {
		return nil, err
	}
	var out []*osm.Node
	for _, ref := range refs {
		if e, ok := s.lookup(osm.TypeNode, ref); ok {
			out = append(out, e.(*osm.Node))
		}
	}
	return out, nil
}

func (s *fakeSource) GetWays(ctx context.Context, ws osm.WorkspaceID, refs []osm.Ref) ([]*osm.Way, error) {
	if err := s.record("ways"); err != nil {
		return nil, err
	}
	var out []*osm.Way
	for _, ref := range refs {
		if e, ok := s.lookup(osm.TypeWay, ref); ok {
			out = append(out, e.(*osm.Way))
		}
	}
	return out, nil
}

func (s *fakeSource) GetWaysForNode(ctx context.Context, ws osm.WorkspaceID, nodeID int64) ([]*osm.Way, error) {
	if err := s.record("ways_for_node"); err != nil {
		return nil, err
	}
	var out []*osm.Way
	for _, versions := range s.history[osm.TypeWay] {
		current := versions[len(versions)-1].(*osm.Way)
		for _, id := range current.Nodes {
			if id == nodeID {
				out = append(out, current)
				break
			}
		}
	}
	return out, nil
}

func node(id int64, version int, changeset int64, lat, lon float64) *osm.Node {
	return &osm.Node{
		Meta: osm.Meta{ID: id, Version: version, Changeset: changeset, Tags: map[string]string{}},
		Lat:  lat,
		Lon:  lon,
	}
}

func way(id int64, version int, changeset int64, nodes ...int64) *osm.Way {
	return &osm.Way{
		Meta:  osm.Meta{ID: id, Version: version, Changeset: changeset, Tags: map[string]string{"highway": "service"}},
		Nodes: nodes,
	}
}
