package model

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// IDSize is the size of namespace and author identifiers in bytes.
const IDSize = 32

// NamespaceID is the 32-byte public key identifying a document. It is the
// root of the document's capability scheme and immutable once created.
type NamespaceID [IDSize]byte

// AuthorID is the 32-byte public key identifying a writer identity.
type AuthorID [IDSize]byte

func (n NamespaceID) String() string {
	return hex.EncodeToString(n[:])
}

func (a AuthorID) String() string {
	return hex.EncodeToString(a[:])
}

// NamespaceIDFromString parses the hex form produced by String.
func NamespaceIDFromString(s string) (NamespaceID, error) {
	var id NamespaceID
	if err := idFromString(s, id[:]); err != nil {
		return id, fmt.Errorf("invalid namespace id: %w", err)
	}
	return id, nil
}

// AuthorIDFromString parses the hex form produced by String.
func AuthorIDFromString(s string) (AuthorID, error) {
	var id AuthorID
	if err := idFromString(s, id[:]); err != nil {
		return id, fmt.Errorf("invalid author id: %w", err)
	}
	return id, nil
}

func idFromString(s string, dst []byte) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != IDSize {
		return fmt.Errorf("length %d, expected %d", len(b), IDSize)
	}
	copy(dst, b)
	return nil
}

// RecordID is the composite key of a record. Within one namespace the
// (author, key) pair is unique; a later write replaces the record.
type RecordID struct {
	Namespace NamespaceID
	Author    AuthorID
	Key       []byte
}

// Record is the value side of an entry. The timestamp is chosen by the
// writer at insertion time; the store never invents timestamps.
type Record struct {
	Hash           Hash
	Len            uint64
	TimestampMicro int64
}

// Entry is the unit returned by queries and by sync.
type Entry struct {
	ID     RecordID
	Record Record
}

// IsTombstone reports whether the entry is a deletion marker: zero length
// content with the well-known empty hash.
func (e Entry) IsTombstone() bool {
	return e.Record.Len == 0 && e.Record.Hash == EmptyHash
}

// NewerThan reports whether record r wins over other for the same
// (author, key). Last write wins by timestamp; ties are broken by content
// hash byte order, highest wins, so every peer converges on the same record
// no matter in which order the two writes are compared.
func (r Record) NewerThan(other Record) bool {
	if r.TimestampMicro != other.TimestampMicro {
		return r.TimestampMicro > other.TimestampMicro
	}
	return bytes.Compare(r.Hash[:], other.Hash[:]) > 0
}

// ContentStatus describes whether an entry's content is locally available.
type ContentStatus uint8

const (
	// ContentStatusMissing means no local bytes exist for the hash.
	ContentStatusMissing ContentStatus = iota
	// ContentStatusIncomplete means a partial download exists.
	ContentStatusIncomplete
	// ContentStatusComplete means the content is fully present and verified.
	ContentStatusComplete
)

func (s ContentStatus) String() string {
	switch s {
	case ContentStatusMissing:
		return "Missing"
	case ContentStatusIncomplete:
		return "Incomplete"
	case ContentStatusComplete:
		return "Complete"
	}
	return fmt.Sprintf("Unknown(%d)", uint8(s))
}
