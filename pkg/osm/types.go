// Package osm provides the OpenStreetMap data model and the workspace API client.
package osm

import (
	"encoding/json"
	"fmt"
	"time"
)

// ElementType discriminates the three OSM element kinds.
type ElementType string

// Possible values are node, way and relation.
const (
	TypeNode     ElementType = "node"
	TypeWay      ElementType = "way"
	TypeRelation ElementType = "relation"
)

// ElementTypes lists every element type in a stable order.
var ElementTypes = [...]ElementType{TypeNode, TypeWay, TypeRelation}

// Valid reports whether t names a known element type.
func (t ElementType) Valid() bool {
	switch t {
	case TypeNode, TypeWay, TypeRelation:
		return true
	}
	return false
}

// WorkspaceID identifies an isolated editing workspace on the API server.
type WorkspaceID int64

// Meta contains the fields common to every element version.
type Meta struct {
	ID        int64
	Version   int
	Changeset int64
	Timestamp time.Time
	User      string
	UID       int64
	// Visible is nil when the source omitted the attribute.
	Visible *bool
	Tags    map[string]string
}

// IsVisible returns the visibility with an absent attribute treated as true.
func (m *Meta) IsVisible() bool {
	return m.Visible == nil || *m.Visible
}

// Element is a single version of a node, way or relation.
// The concrete types are *Node, *Way and *Relation.
type Element interface {
	Type() ElementType
	Base() *Meta
	isElement()
}

// Node is a point with coordinates.
type Node struct {
	Meta
	Lat float64
	Lon float64
}

// Way is an ordered list of node references.
type Way struct {
	Meta
	Nodes []int64
}

// Member is a typed, role-qualified reference held by a relation.
type Member struct {
	Type ElementType `json:"type"`
	Ref  int64       `json:"ref"`
	Role string      `json:"role"`
}

// Relation groups other elements through ordered members.
type Relation struct {
	Meta
	Members []Member
}

func (n *Node) Type() ElementType     { return TypeNode }
func (w *Way) Type() ElementType      { return TypeWay }
func (r *Relation) Type() ElementType { return TypeRelation }

func (n *Node) Base() *Meta     { return &n.Meta }
func (w *Way) Base() *Meta      { return &w.Meta }
func (r *Relation) Base() *Meta { return &r.Meta }

func (*Node) isElement()     {}
func (*Way) isElement()      {}
func (*Relation) isElement() {}

// CopyTags returns an independent copy of tags, never nil.
func CopyTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

// RawElement is the JSON wire form used by the OSM API 0.6 and by the
// durable cache.
type RawElement struct {
	Type      ElementType       `json:"type"`
	ID        int64             `json:"id"`
	Version   int               `json:"version"`
	Changeset int64             `json:"changeset"`
	Timestamp time.Time         `json:"timestamp"`
	User      string            `json:"user,omitempty"`
	UID       int64             `json:"uid,omitempty"`
	Visible   *bool             `json:"visible,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Lat       *float64          `json:"lat,omitempty"`
	Lon       *float64          `json:"lon,omitempty"`
	Nodes     []int64           `json:"nodes,omitempty"`
	Members   []Member          `json:"members,omitempty"`
}

// NewRawElement converts an element into its wire form.
func NewRawElement(e Element) RawElement {
	m := e.Base()
	raw := RawElement{
		Type:      e.Type(),
		ID:        m.ID,
		Version:   m.Version,
		Changeset: m.Changeset,
		Timestamp: m.Timestamp,
		User:      m.User,
		UID:       m.UID,
		Visible:   m.Visible,
		Tags:      m.Tags,
	}

	switch el := e.(type) {
	case *Node:
		lat, lon := el.Lat, el.Lon
		raw.Lat = &lat
		raw.Lon = &lon
	case *Way:
		raw.Nodes = el.Nodes
	case *Relation:
		raw.Members = el.Members
	}

	return raw
}

// Element converts the wire form into a typed element. Missing tags become
// an empty map.
func (r RawElement) Element() (Element, error) {
	meta := Meta{
		ID:        r.ID,
		Version:   r.Version,
		Changeset: r.Changeset,
		Timestamp: r.Timestamp,
		User:      r.User,
		UID:       r.UID,
		Visible:   r.Visible,
		Tags:      r.Tags,
	}
	if meta.Tags == nil {
		meta.Tags = map[string]string{}
	}

	switch r.Type {
	case TypeNode:
		n := &Node{Meta: meta}
		if r.Lat != nil {
			n.Lat = *r.Lat
		}
		if r.Lon != nil {
			n.Lon = *r.Lon
		}
		return n, nil
	case TypeWay:
		return &Way{Meta: meta, Nodes: r.Nodes}, nil
	case TypeRelation:
		return &Relation{Meta: meta, Members: r.Members}, nil
	default:
		return nil, fmt.Errorf("unknown element type %q for id %d", r.Type, r.ID)
	}
}

func (n *Node) MarshalJSON() ([]byte, error)     { return json.Marshal(NewRawElement(n)) }
func (w *Way) MarshalJSON() ([]byte, error)      { return json.Marshal(NewRawElement(w)) }
func (r *Relation) MarshalJSON() ([]byte, error) { return json.Marshal(NewRawElement(r)) }

// Elements is a heterogeneous element list with a type-discriminated JSON
// encoding.
type Elements []Element

// UnmarshalJSON decodes a list of raw elements.
func (es *Elements) UnmarshalJSON(data []byte) error {
	var raws []RawElement
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}

	out := make(Elements, 0, len(raws))
	for _, raw := range raws {
		e, err := raw.Element()
		if err != nil {
			return err
		}
		out = append(out, e)
	}
	*es = out
	return nil
}
