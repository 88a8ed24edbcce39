package adiff

import (
	"sync"

	"github.com/NERVsystems/osmadiff/pkg/osm"
)

type storeKey struct {
	t  osm.ElementType
	id int64
}

// Store holds every element version seen during one build. Inserted
// elements are never replaced or mutated, so lookups may share them freely.
type Store struct {
	mu        sync.RWMutex
	versions  map[storeKey]map[int]osm.Element
	latest    map[storeKey]int
	changeset map[storeKey]struct{}
	size      int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		versions:  make(map[storeKey]map[int]osm.Element),
		latest:    make(map[storeKey]int),
		changeset: make(map[storeKey]struct{}),
	}
}

// Remember records e at its version. The first element remembered for a
// version wins. fromChangeset marks the id as part of the changeset being
// built.
func (s *Store) Remember(e osm.Element, fromChangeset bool) {
	m := e.Base()
	key := storeKey{e.Type(), m.ID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if fromChangeset {
		s.changeset[key] = struct{}{}
	}

	versions, ok := s.versions[key]
	if !ok {
		versions = make(map[int]osm.Element)
		s.versions[key] = versions
	}
	if _, exists := versions[m.Version]; exists {
		return
	}

	versions[m.Version] = e
	s.size++
	if m.Version > s.latest[key] {
		s.latest[key] = m.Version
	}
}

// Version returns one exact version.
func (s *Store) Version(t osm.ElementType, id int64, version int) (osm.Element, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.versions[storeKey{t, id}][version]
	return e, ok
}

// Latest returns the highest version this store has seen, which need not be
// the current upstream version.
func (s *Store) Latest(t osm.ElementType, id int64) (osm.Element, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := storeKey{t, id}
	v, ok := s.latest[key]
	if !ok {
		return nil, false
	}
	return s.versions[key][v], true
}

// InChangeset reports whether the element was remembered as part of the
// changeset.
func (s *Store) InChangeset(t osm.ElementType, id int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.changeset[storeKey{t, id}]
	return ok
}

// Len returns the number of stored versions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}
