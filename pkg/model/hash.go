// Package model contains the core data types shared by the content store,
// the replica store and the sync engine.
package model

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// HashSize is the size of a content hash in bytes.
const HashSize = 32

// Hash is a 32-byte BLAKE3 digest of content. The content addressing
// invariant is hash == BLAKE3(content), verified on ingest, never on trust.
type Hash [HashSize]byte

// HashBytes computes the content hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// EmptyHash is the hash of the empty byte string. A record whose hash is
// EmptyHash and whose length is zero is a tombstone.
var EmptyHash = HashBytes(nil)

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// HashFromString parses the hex representation produced by String.
func HashFromString(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("invalid hash length %d, expected %d", len(b), HashSize)
	}
	copy(h[:], b)
	return h, nil
}

// IsZero reports whether the hash is the all-zero value (unset), which is
// distinct from EmptyHash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Less compares two hashes byte-wise.
func (h Hash) Less(other Hash) bool {
	return bytes.Compare(h[:], other[:]) < 0
}

// Hasher incrementally computes a content hash while bytes arrive, so a
// download can be verified on completion without re-reading the blob.
type Hasher struct {
	inner *blake3.Hasher
}

func NewHasher() *Hasher {
	return &Hasher{inner: blake3.New(HashSize, nil)}
}

func (h *Hasher) Write(p []byte) (int, error) {
	return h.inner.Write(p)
}

// Sum returns the hash of all bytes written so far.
func (h *Hasher) Sum() Hash {
	var out Hash
	copy(out[:], h.inner.Sum(nil))
	return out
}
