package osm

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidRef is returned when a version token cannot be parsed.
var ErrInvalidRef = errors.New("invalid element ref")

// Ref identifies an element for a batch lookup. A zero Version asks for the
// current version; any other value asks for that exact historical version.
type Ref struct {
	ID      int64
	Version int
}

// CurrentRef refers to the current version of id.
func CurrentRef(id int64) Ref {
	return Ref{ID: id}
}

// VersionRef refers to one exact version of id.
func VersionRef(id int64, version int) Ref {
	return Ref{ID: id, Version: version}
}

// IsCurrent reports whether the ref asks for the current version.
func (r Ref) IsCurrent() bool {
	return r.Version == 0
}

// String renders the token form: "<id>" or "<id>v<version>".
func (r Ref) String() string {
	if r.IsCurrent() {
		return strconv.FormatInt(r.ID, 10)
	}
	return strconv.FormatInt(r.ID, 10) + "v" + strconv.Itoa(r.Version)
}

// ParseRef parses a token produced by Ref.String.
func ParseRef(s string) (Ref, error) {
	idPart, versionPart, versioned := strings.Cut(s, "v")

	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, s)
	}
	if !versioned {
		return CurrentRef(id), nil
	}

	version, err := strconv.Atoi(versionPart)
	if err != nil || version < 1 {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, s)
	}
	return VersionRef(id, version), nil
}

// ParseRefs parses a comma separated token list as accepted by the batch
// endpoints. Blank items are rejected.
func ParseRefs(s string) ([]Ref, error) {
	parts := strings.Split(s, ",")
	refs := make([]Ref, 0, len(parts))
	for _, part := range parts {
		ref, err := ParseRef(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// JoinRefs renders refs as the comma separated list used by batch endpoints.
func JoinRefs(refs []Ref) string {
	parts := make([]string, len(refs))
	for i, r := range refs {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}
