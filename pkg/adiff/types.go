// Package adiff builds augmented diffs: changeset contents with every
// element's prior state resolved at the moment of the edit and with ways that
// were changed indirectly, through their nodes, added as synthesized actions.
package adiff

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/NERVsystems/osmadiff/pkg/osm"
)

// Meta is the resolved form of osm.Meta: visibility is always known and the
// tags are owned by the element.
type Meta struct {
	ID        int64             `json:"id"`
	Version   int               `json:"version"`
	Changeset int64             `json:"changeset"`
	Timestamp time.Time         `json:"timestamp"`
	User      string            `json:"user,omitempty"`
	UID       int64             `json:"uid,omitempty"`
	Visible   bool              `json:"visible"`
	Tags      map[string]string `json:"tags"`
}

// Element is a resolved node, way or relation.
type Element interface {
	Type() osm.ElementType
	Base() *Meta
	isElement()
}

// Node is a resolved node.
type Node struct {
	Meta
	Lat float64
	Lon float64
}

// WayNode is a way's node reference with coordinates as of the way's
// resolution cutoff.
type WayNode struct {
	Ref int64   `json:"ref"`
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Way is a resolved way.
type Way struct {
	Meta
	Nodes []WayNode
}

// Relation is a resolved relation. Members are not expanded.
type Relation struct {
	Meta
	Members []osm.Member
}

func (n *Node) Type() osm.ElementType     { return osm.TypeNode }
func (w *Way) Type() osm.ElementType      { return osm.TypeWay }
func (r *Relation) Type() osm.ElementType { return osm.TypeRelation }

func (n *Node) Base() *Meta     { return &n.Meta }
func (w *Way) Base() *Meta      { return &w.Meta }
func (r *Relation) Base() *Meta { return &r.Meta }

func (*Node) isElement()     {}
func (*Way) isElement()      {}
func (*Relation) isElement() {}

// Action is one augmented diff entry. Old is nil only for creations.
type Action struct {
	Type osm.ActionType
	Old  Element
	New  Element
}

// AugmentedDiff is the ordered action list of one changeset. The leading
// actions match the change bundle one to one; synthesized actions follow.
type AugmentedDiff struct {
	Actions []Action `json:"actions"`
}

// resolve converts a raw element into its resolved form. Way nodes are
// placeholders with zero coordinates until resolveWayNodes fills them in.
func resolve(e osm.Element) Element {
	m := e.Base()
	meta := Meta{
		ID:        m.ID,
		Version:   m.Version,
		Changeset: m.Changeset,
		Timestamp: m.Timestamp,
		User:      m.User,
		UID:       m.UID,
		Visible:   m.IsVisible(),
		Tags:      osm.CopyTags(m.Tags),
	}

	switch el := e.(type) {
	case *osm.Node:
		return &Node{Meta: meta, Lat: el.Lat, Lon: el.Lon}
	case *osm.Way:
		nodes := make([]WayNode, len(el.Nodes))
		for i, ref := range el.Nodes {
			nodes[i] = WayNode{Ref: ref}
		}
		return &Way{Meta: meta, Nodes: nodes}
	case *osm.Relation:
		members := make([]osm.Member, len(el.Members))
		copy(members, el.Members)
		return &Relation{Meta: meta, Members: members}
	}
	panic(fmt.Sprintf("adiff: unexpected element type %T", e))
}

// wireElement is the JSON form of a resolved element.
type wireElement struct {
	Type osm.ElementType `json:"type"`
	Meta
	Lat     *float64     `json:"lat,omitempty"`
	Lon     *float64     `json:"lon,omitempty"`
	Nodes   []WayNode    `json:"nodes,omitempty"`
	Members []osm.Member `json:"members,omitempty"`
}

func toWire(e Element) *wireElement {
	if e == nil {
		return nil
	}
	w := &wireElement{Type: e.Type(), Meta: *e.Base()}
	switch el := e.(type) {
	case *Node:
		lat, lon := el.Lat, el.Lon
		w.Lat, w.Lon = &lat, &lon
	case *Way:
		w.Nodes = el.Nodes
		if w.Nodes == nil {
			w.Nodes = []WayNode{}
		}
	case *Relation:
		w.Members = el.Members
	}
	return w
}

func (w *wireElement) element() (Element, error) {
	if w == nil {
		return nil, nil
	}
	meta := w.Meta
	if meta.Tags == nil {
		meta.Tags = map[string]string{}
	}

	switch w.Type {
	case osm.TypeNode:
		n := &Node{Meta: meta}
		if w.Lat != nil {
			n.Lat = *w.Lat
		}
		if w.Lon != nil {
			n.Lon = *w.Lon
		}
		return n, nil
	case osm.TypeWay:
		return &Way{Meta: meta, Nodes: w.Nodes}, nil
	case osm.TypeRelation:
		return &Relation{Meta: meta, Members: w.Members}, nil
	}
	return nil, fmt.Errorf("unknown element type %q for id %d", w.Type, w.ID)
}

func (n *Node) MarshalJSON() ([]byte, error)     { return json.Marshal(toWire(n)) }
func (w *Way) MarshalJSON() ([]byte, error)      { return json.Marshal(toWire(w)) }
func (r *Relation) MarshalJSON() ([]byte, error) { return json.Marshal(toWire(r)) }

type wireAction struct {
	Type osm.ActionType `json:"type"`
	Old  *wireElement   `json:"old,omitempty"`
	New  *wireElement   `json:"new"`
}

// MarshalJSON encodes the action with type-discriminated elements.
func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireAction{Type: a.Type, Old: toWire(a.Old), New: toWire(a.New)})
}

// UnmarshalJSON decodes an action produced by MarshalJSON.
func (a *Action) UnmarshalJSON(data []byte) error {
	var w wireAction
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	newElement, err := w.New.element()
	if err != nil {
		return err
	}
	if newElement == nil {
		return fmt.Errorf("%s action without new element", w.Type)
	}
	oldElement, err := w.Old.element()
	if err != nil {
		return err
	}

	*a = Action{Type: w.Type, Old: oldElement, New: newElement}
	return nil
}
