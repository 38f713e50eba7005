package model

import (
	"encoding/binary"
	"fmt"
)

// BlobFormat distinguishes raw content blobs from hash sequence blobs.
type BlobFormat uint8

const (
	// BlobFormatRaw is opaque content.
	BlobFormatRaw BlobFormat = iota
	// BlobFormatHashSeq is a serialized sequence of child hashes. Garbage
	// collection follows these children when computing reachability.
	BlobFormatHashSeq
)

func (f BlobFormat) String() string {
	switch f {
	case BlobFormatRaw:
		return "Raw"
	case BlobFormatHashSeq:
		return "HashSeq"
	}
	return fmt.Sprintf("Unknown(%d)", uint8(f))
}

// HashSeq is an ordered sequence of hashes, stored as a blob of
// concatenated 32-byte digests.
type HashSeq []Hash

// Encode serializes the sequence to its blob representation.
func (s HashSeq) Encode() []byte {
	out := make([]byte, 0, len(s)*HashSize)
	for _, h := range s {
		out = append(out, h[:]...)
	}
	return out
}

// DecodeHashSeq parses a blob of concatenated hashes.
func DecodeHashSeq(data []byte) (HashSeq, error) {
	if len(data)%HashSize != 0 {
		return nil, fmt.Errorf("hash seq blob length %d is not a multiple of %d", len(data), HashSize)
	}
	seq := make(HashSeq, 0, len(data)/HashSize)
	for off := 0; off < len(data); off += HashSize {
		var h Hash
		copy(h[:], data[off:off+HashSize])
		seq = append(seq, h)
	}
	return seq, nil
}

// CollectionEntry is one named child of a collection.
type CollectionEntry struct {
	Name string
	Hash Hash
}

// Collection is an ordered sequence of (name, hash) pairs. It is itself
// serialized and stored as a HashSeq-format blob, addressed by the hash of
// its serialized bytes, so a collection can be shared and fetched like any
// other blob.
type Collection []CollectionEntry

// Encode serializes the collection. The layout is, per entry, a varint
// length-prefixed name followed by the 32-byte hash. The encoding is
// deterministic so identical collections produce identical hashes.
func (c Collection) Encode() []byte {
	var out []byte
	var buf [binary.MaxVarintLen64]byte
	for _, e := range c {
		n := binary.PutUvarint(buf[:], uint64(len(e.Name)))
		out = append(out, buf[:n]...)
		out = append(out, e.Name...)
		out = append(out, e.Hash[:]...)
	}
	return out
}

// DecodeCollection parses the blob representation produced by Encode.
func DecodeCollection(data []byte) (Collection, error) {
	var c Collection
	for len(data) > 0 {
		nameLen, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, fmt.Errorf("collection blob: bad name length prefix")
		}
		data = data[n:]
		// Compared without addition; nameLen+HashSize could wrap uint64.
		if uint64(len(data)) < HashSize || nameLen > uint64(len(data))-HashSize {
			return nil, fmt.Errorf("collection blob: truncated entry")
		}
		name := string(data[:nameLen])
		data = data[nameLen:]
		var h Hash
		copy(h[:], data[:HashSize])
		data = data[HashSize:]
		c = append(c, CollectionEntry{Name: name, Hash: h})
	}
	return c, nil
}

// Hashes returns the child hashes of the collection in order.
func (c Collection) Hashes() HashSeq {
	seq := make(HashSeq, len(c))
	for i, e := range c {
		seq[i] = e.Hash
	}
	return seq
}
