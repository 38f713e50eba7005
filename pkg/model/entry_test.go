package model

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewerThanPrefersTimestamp(t *testing.T) {
	older := Record{Hash: HashBytes([]byte("a")), TimestampMicro: 100}
	newer := Record{Hash: HashBytes([]byte("b")), TimestampMicro: 200}

	require.True(t, newer.NewerThan(older))
	require.False(t, older.NewerThan(newer))
}

func TestNewerThanBreaksTiesByHash(t *testing.T) {
	a := Record{Hash: Hash{0x01}, TimestampMicro: 100}
	b := Record{Hash: Hash{0x02}, TimestampMicro: 100}

	require.True(t, b.NewerThan(a))
	require.False(t, a.NewerThan(b))

	// The rule is deterministic: both replicas agree on the winner no
	// matter which record they saw first.
	require.False(t, a.NewerThan(a))
}

func TestIsTombstone(t *testing.T) {
	tombstone := Entry{Record: Record{Hash: EmptyHash, Len: 0}}
	require.True(t, tombstone.IsTombstone())

	live := Entry{Record: Record{Hash: HashBytes([]byte("data")), Len: 4}}
	require.False(t, live.IsTombstone())

	// Empty hash with a nonzero length is not a tombstone.
	odd := Entry{Record: Record{Hash: EmptyHash, Len: 7}}
	require.False(t, odd.IsTombstone())
}

func TestHashRoundTrip(t *testing.T) {
	h := HashBytes([]byte("content"))
	parsed, err := HashFromString(h.String())
	require.NoError(t, err)
	require.Equal(t, h, parsed)

	_, err = HashFromString("not-hex")
	require.Error(t, err)
}

func TestHashSeqRoundTrip(t *testing.T) {
	seq := HashSeq{HashBytes([]byte("a")), HashBytes([]byte("b")), HashBytes([]byte("c"))}
	decoded, err := DecodeHashSeq(seq.Encode())
	require.NoError(t, err)
	require.Equal(t, seq, decoded)

	_, err = DecodeHashSeq([]byte{0x01, 0x02})
	require.Error(t, err)
}

func TestCollectionRoundTrip(t *testing.T) {
	c := Collection{
		{Name: "readme.md", Hash: HashBytes([]byte("readme"))},
		{Name: "img/logo.png", Hash: HashBytes([]byte("logo"))},
	}
	decoded, err := DecodeCollection(c.Encode())
	require.NoError(t, err)
	require.Equal(t, c, decoded)
	require.Len(t, c.Hashes(), 2)
}

func TestDecodeCollectionRejectsMalformedBlobs(t *testing.T) {
	// Truncated: name length prefix promises more bytes than remain.
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], 100)
	_, err := DecodeCollection(append(buf[:n:n], []byte("short")...))
	require.Error(t, err)

	// A name length near the uint64 maximum must not wrap the bounds
	// check into passing.
	n = binary.PutUvarint(buf[:], math.MaxUint64)
	huge := append(buf[:n:n], make([]byte, 31)...)
	_, err = DecodeCollection(huge)
	require.Error(t, err)
}
