package adiff

import (
	"context"
	"fmt"
	"sync"

	"github.com/NERVsystems/osmadiff/pkg/osm"
)

// fakeSource serves element histories from memory and counts calls.
type fakeSource struct {
	mu          sync.Mutex
	history     map[osm.ElementType]map[int64][]osm.Element
	waysForNode map[int64][]int64
	calls       map[string]int
	batches     [][]osm.Ref
	wayBatches  [][]osm.Ref
	failOn      string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		history: map[osm.ElementType]map[int64][]osm.Element{
			osm.TypeNode:     {},
			osm.TypeWay:      {},
			osm.TypeRelation: {},
		},
		waysForNode: map[int64][]int64{},
		calls:       map[string]int{},
	}
}

// add appends versions; they must be added in version order.
func (s *fakeSource) add(elements ...osm.Element) *fakeSource {
	for _, e := range elements {
		m := e.Base()
		versions := s.history[e.Type()][m.ID]
		if len(versions) != m.Version-1 {
			panic(fmt.Sprintf("%s %d: version %d added out of order", e.Type(), m.ID, m.Version))
		}
		s.history[e.Type()][m.ID] = append(versions, e)

		if w, ok := e.(*osm.Way); ok {
			for _, n := range w.Nodes {
				if !containsID(s.waysForNode[n], w.ID) {
					s.waysForNode[n] = append(s.waysForNode[n], w.ID)
				}
			}
		}
	}
	return s
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func (s *fakeSource) record(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	if s.failOn == op {
		return fmt.Errorf("%s: upstream unavailable", op)
	}
	return nil
}

func (s *fakeSource) callCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
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
	s.mu.Lock()
	s.batches = append(s.batches, refs)
	s.mu.Unlock()

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
	s.mu.Lock()
	s.wayBatches = append(s.wayBatches, refs)
	s.mu.Unlock()

	var out []*osm.Way
	for _, ref := range refs {
		e, _ := s.lookup(osm.TypeWay, ref)
		if w, ok := e.(*osm.Way); ok {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *fakeSource) GetWaysForNode(ctx context.Context, ws osm.WorkspaceID, nodeID int64) ([]*osm.Way, error) {
	if err := s.record("ways_for_node"); err != nil {
		return nil, err
	}
	var out []*osm.Way
	for _, id := range s.waysForNode[nodeID] {
		e, _ := s.lookup(osm.TypeWay, osm.CurrentRef(id))
		w := e.(*osm.Way)
		if containsID(w.Nodes, nodeID) {
			out = append(out, w)
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
		Meta:  osm.Meta{ID: id, Version: version, Changeset: changeset, Tags: map[string]string{"highway": "footway"}},
		Nodes: nodes,
	}
}
