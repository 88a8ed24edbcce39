package osm

import "time"

// ActionType is one of the osmChange action blocks.
type ActionType string

const (
	ActionCreate ActionType = "create"
	ActionModify ActionType = "modify"
	ActionDelete ActionType = "delete"
)

// ActionTypes lists the action blocks in the order diffs are seeded.
var ActionTypes = [...]ActionType{ActionCreate, ActionModify, ActionDelete}

// Changeset describes one batch of edits. Its id doubles as a logical clock.
type Changeset struct {
	ID            int64             `json:"id"`
	Open          bool              `json:"open"`
	CreatedAt     time.Time         `json:"created_at"`
	ClosedAt      *time.Time        `json:"closed_at,omitempty"`
	User          string            `json:"user,omitempty"`
	UID           int64             `json:"uid,omitempty"`
	MinLat        float64           `json:"min_lat,omitempty"`
	MinLon        float64           `json:"min_lon,omitempty"`
	MaxLat        float64           `json:"max_lat,omitempty"`
	MaxLon        float64           `json:"max_lon,omitempty"`
	CommentsCount int               `json:"comments_count"`
	ChangesCount  int               `json:"changes_count"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// Comment returns the changeset's comment tag.
func (c *Changeset) Comment() string {
	return c.Tags["comment"]
}

// Change is the change bundle of one changeset.
type Change struct {
	Create Elements `json:"create,omitempty"`
	Modify Elements `json:"modify,omitempty"`
	Delete Elements `json:"delete,omitempty"`
}

// Elements returns the bucket for an action type.
func (c *Change) Elements(action ActionType) Elements {
	switch action {
	case ActionCreate:
		return c.Create
	case ActionModify:
		return c.Modify
	case ActionDelete:
		return c.Delete
	}
	return nil
}

// Append adds an element to the bucket for an action type.
func (c *Change) Append(action ActionType, e Element) {
	switch action {
	case ActionCreate:
		c.Create = append(c.Create, e)
	case ActionModify:
		c.Modify = append(c.Modify, e)
	case ActionDelete:
		c.Delete = append(c.Delete, e)
	}
}

// Len returns the number of elements across all buckets.
func (c *Change) Len() int {
	return len(c.Create) + len(c.Modify) + len(c.Delete)
}
