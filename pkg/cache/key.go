package cache

import (
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/NERVsystems/osmadiff/pkg/osm"
)

// Key is an ordered tuple of identifying fields.
type Key interface {
	KeyParts() []string
}

// ChangesetKey identifies one changeset within a workspace.
type ChangesetKey struct {
	Workspace osm.WorkspaceID
	Changeset int64
}

// KeyParts implements Key.
func (k ChangesetKey) KeyParts() []string {
	return []string{
		strconv.FormatInt(int64(k.Workspace), 10),
		strconv.FormatInt(k.Changeset, 10),
	}
}

func (k ChangesetKey) String() string {
	return strings.Join(k.KeyParts(), "/")
}

// encodeKey length-prefixes every part so that distinct tuples never share
// an encoding.
func encodeKey(k Key) []byte {
	var out []byte
	for _, part := range k.KeyParts() {
		out = binary.AppendUvarint(out, uint64(len(part)))
		out = append(out, part...)
	}
	return out
}

const (
	entryTag = 'e'
	indexTag = 'a'
	sep      = 0
)

// keyspace builds the entry and lastAccessed index keys of one namespace.
// Entry keys are  e 0 <namespace> 0 <key>; index keys are
// a 0 <namespace> 0 <8-byte big endian unix millis> <key>, so a prefix scan
// of the index visits entries from least to most recently accessed.
type keyspace struct {
	entryPrefix []byte
	indexPrefix []byte
}

func newKeyspace(namespace string) keyspace {
	prefix := func(tag byte) []byte {
		p := []byte{tag, sep}
		p = append(p, namespace...)
		return append(p, sep)
	}
	return keyspace{
		entryPrefix: prefix(entryTag),
		indexPrefix: prefix(indexTag),
	}
}

func (ks keyspace) entry(encoded []byte) []byte {
	out := make([]byte, 0, len(ks.entryPrefix)+len(encoded))
	out = append(out, ks.entryPrefix...)
	return append(out, encoded...)
}

func (ks keyspace) index(accessed int64, encoded []byte) []byte {
	out := make([]byte, 0, len(ks.indexPrefix)+8+len(encoded))
	out = append(out, ks.indexPrefix...)
	out = binary.BigEndian.AppendUint64(out, uint64(accessed))
	return append(out, encoded...)
}

// splitIndex returns the access time and encoded key of an index key.
func (ks keyspace) splitIndex(key []byte) (int64, []byte, bool) {
	rest := key[len(ks.indexPrefix):]
	if len(rest) < 8 {
		return 0, nil, false
	}
	return int64(binary.BigEndian.Uint64(rest[:8])), rest[8:], true
}

// Entries are stored as an 8-byte big endian access time followed by the
// JSON value.
func encodeEntry(accessed int64, value []byte) []byte {
	out := make([]byte, 0, 8+len(value))
	out = binary.BigEndian.AppendUint64(out, uint64(accessed))
	return append(out, value...)
}

func decodeEntry(raw []byte) (int64, []byte, bool) {
	if len(raw) < 8 {
		return 0, nil, false
	}
	return int64(binary.BigEndian.Uint64(raw[:8])), raw[8:], true
}
