package osm

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"time"
)

type xmlTag struct {
	K string `xml:"k,attr"`
	V string `xml:"v,attr"`
}

type xmlMeta struct {
	ID        int64    `xml:"id,attr"`
	Version   int      `xml:"version,attr"`
	Changeset int64    `xml:"changeset,attr"`
	Timestamp string   `xml:"timestamp,attr"`
	User      string   `xml:"user,attr"`
	UID       int64    `xml:"uid,attr"`
	Visible   string   `xml:"visible,attr"`
	Tags      []xmlTag `xml:"tag"`
}

type xmlNode struct {
	xmlMeta
	Lat float64 `xml:"lat,attr"`
	Lon float64 `xml:"lon,attr"`
}

type xmlWay struct {
	xmlMeta
	Nds []struct {
		Ref int64 `xml:"ref,attr"`
	} `xml:"nd"`
}

type xmlRelation struct {
	xmlMeta
	Members []struct {
		Type string `xml:"type,attr"`
		Ref  int64  `xml:"ref,attr"`
		Role string `xml:"role,attr"`
	} `xml:"member"`
}

func (m xmlMeta) meta() (Meta, error) {
	meta := Meta{
		ID:        m.ID,
		Version:   m.Version,
		Changeset: m.Changeset,
		User:      m.User,
		UID:       m.UID,
		Tags:      make(map[string]string, len(m.Tags)),
	}

	if m.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, m.Timestamp)
		if err != nil {
			return Meta{}, fmt.Errorf("element %d: invalid timestamp %q: %w", m.ID, m.Timestamp, err)
		}
		meta.Timestamp = ts
	}

	switch m.Visible {
	case "":
	case "true":
		v := true
		meta.Visible = &v
	case "false":
		v := false
		meta.Visible = &v
	default:
		return Meta{}, fmt.Errorf("element %d: invalid visible attribute %q", m.ID, m.Visible)
	}

	for _, tag := range m.Tags {
		meta.Tags[tag.K] = tag.V
	}
	return meta, nil
}

// ParseChange decodes an osmChange XML document. Elements keep their
// document order inside each action bucket, and repeated action blocks are
// concatenated.
func ParseChange(r io.Reader) (*Change, error) {
	dec := xml.NewDecoder(r)
	change := &Change{}
	var action ActionType

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode osmChange: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "osmChange":
			case string(ActionCreate), string(ActionModify), string(ActionDelete):
				action = ActionType(t.Name.Local)
			case string(TypeNode), string(TypeWay), string(TypeRelation):
				if action == "" {
					return nil, fmt.Errorf("decode osmChange: <%s> outside an action block", t.Name.Local)
				}
				e, err := decodeXMLElement(dec, t)
				if err != nil {
					return nil, fmt.Errorf("decode osmChange: %w", err)
				}
				change.Append(action, e)
			default:
				if err := dec.Skip(); err != nil {
					return nil, fmt.Errorf("decode osmChange: %w", err)
				}
			}
		case xml.EndElement:
			if ActionType(t.Name.Local) == action {
				action = ""
			}
		}
	}

	return change, nil
}

func decodeXMLElement(dec *xml.Decoder, start xml.StartElement) (Element, error) {
	switch ElementType(start.Name.Local) {
	case TypeNode:
		var x xmlNode
		if err := dec.DecodeElement(&x, &start); err != nil {
			return nil, err
		}
		meta, err := x.meta()
		if err != nil {
			return nil, err
		}
		return &Node{Meta: meta, Lat: x.Lat, Lon: x.Lon}, nil
	case TypeWay:
		var x xmlWay
		if err := dec.DecodeElement(&x, &start); err != nil {
			return nil, err
		}
		meta, err := x.meta()
		if err != nil {
			return nil, err
		}
		nodes := make([]int64, len(x.Nds))
		for i, nd := range x.Nds {
			nodes[i] = nd.Ref
		}
		return &Way{Meta: meta, Nodes: nodes}, nil
	case TypeRelation:
		var x xmlRelation
		if err := dec.DecodeElement(&x, &start); err != nil {
			return nil, err
		}
		meta, err := x.meta()
		if err != nil {
			return nil, err
		}
		members := make([]Member, len(x.Members))
		for i, m := range x.Members {
			members[i] = Member{Type: ElementType(m.Type), Ref: m.Ref, Role: m.Role}
		}
		return &Relation{Meta: meta, Members: members}, nil
	}
	return nil, fmt.Errorf("unsupported element <%s>", start.Name.Local)
}
