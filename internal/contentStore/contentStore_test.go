package contentStore

import (
	"context"
	"math"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-sync/internal/keyValStore"
	"github.com/i5heu/ouroboros-sync/pkg/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		InMemory: true,
		Logger:   logrus.New(),
	})
	require.NoError(t, err)
	t.Cleanup(kv.Close)

	store, err := New(kv, logrus.New())
	require.NoError(t, err)
	return store
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	data := []byte("some document content")

	h, err := s.Put(data)
	require.NoError(t, err)
	require.Equal(t, model.HashBytes(data), h)

	got, err := s.Get(h)
	require.NoError(t, err)
	require.Equal(t, data, got)

	// Idempotent: same bytes, same hash, no error.
	h2, err := s.Put(data)
	require.NoError(t, err)
	require.Equal(t, h, h2)
}

func TestGetUnknownHash(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(model.HashBytes([]byte("never stored")))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEmptyHashIsAlwaysPresent(t *testing.T) {
	s := newTestStore(t)

	got, err := s.Get(model.EmptyHash)
	require.NoError(t, err)
	require.Empty(t, got)

	require.Equal(t, model.ContentStatusComplete, s.ContentStatus(model.EmptyHash))
}

func TestGetRange(t *testing.T) {
	s := newTestStore(t)
	h, err := s.Put([]byte("0123456789"))
	require.NoError(t, err)

	part, err := s.GetRange(h, 2, 3)
	require.NoError(t, err)
	require.Equal(t, []byte("234"), part)

	rest, err := s.GetRange(h, 4, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("456789"), rest)

	_, err = s.GetRange(h, 11, 1)
	require.ErrorIs(t, err, ErrRangeOutOfBounds)

	// A length near the uint64 maximum must not wrap the end offset.
	tail, err := s.GetRange(h, 6, math.MaxUint64)
	require.NoError(t, err)
	require.Equal(t, []byte("6789"), tail)
}

func TestFetchSessionVerifiesContent(t *testing.T) {
	s := newTestStore(t)
	data := []byte("downloaded bytes")
	h := model.HashBytes(data)

	sess, err := s.StartFetch(h, uint64(len(data)), model.BlobFormatRaw)
	require.NoError(t, err)
	require.Zero(t, sess.Offset())

	_, err = sess.Write(data[:7])
	require.NoError(t, err)
	require.Equal(t, model.ContentStatusIncomplete, s.ContentStatus(h))

	// Incomplete blobs are invisible to reads.
	_, err = s.Get(h)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = sess.Write(data[7:])
	require.NoError(t, err)
	require.NoError(t, sess.Complete())

	got, err := s.Get(h)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestFetchSessionRejectsCorruptContent(t *testing.T) {
	s := newTestStore(t)
	h := model.HashBytes([]byte("expected bytes"))

	sess, err := s.StartFetch(h, 14, model.BlobFormatRaw)
	require.NoError(t, err)
	_, err = sess.Write([]byte("tampered bytes"))
	require.NoError(t, err)

	require.ErrorIs(t, sess.Complete(), ErrVerificationFailed)
	// The corrupt partial is gone entirely.
	require.Equal(t, model.ContentStatusMissing, s.ContentStatus(h))
}

func TestFetchSessionResumesPartial(t *testing.T) {
	s := newTestStore(t)
	data := []byte("resumable download data")
	h := model.HashBytes(data)

	sess, err := s.StartFetch(h, uint64(len(data)), model.BlobFormatRaw)
	require.NoError(t, err)
	_, err = sess.Write(data[:10])
	require.NoError(t, err)
	sess.Abort()

	// Aborted partial data stays; the next session resumes behind it.
	require.Equal(t, model.ContentStatusIncomplete, s.ContentStatus(h))

	resumed, err := s.StartFetch(h, uint64(len(data)), model.BlobFormatRaw)
	require.NoError(t, err)
	require.Equal(t, uint64(10), resumed.Offset())
	_, err = resumed.Write(data[10:])
	require.NoError(t, err)
	require.NoError(t, resumed.Complete())

	got, err := s.Get(h)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestConcurrentFetchForSameHashRejected(t *testing.T) {
	s := newTestStore(t)
	h := model.HashBytes([]byte("x"))

	sess, err := s.StartFetch(h, 1, model.BlobFormatRaw)
	require.NoError(t, err)
	defer sess.Abort()

	_, err = s.StartFetch(h, 1, model.BlobFormatRaw)
	require.ErrorIs(t, err, ErrFetchInProgress)
}

func TestGarbageCollectKeepsTaggedAndReachable(t *testing.T) {
	s := newTestStore(t)

	childA, err := s.Put([]byte("child a"))
	require.NoError(t, err)
	childB, err := s.Put([]byte("child b"))
	require.NoError(t, err)
	orphan, err := s.Put([]byte("orphan"))
	require.NoError(t, err)

	seq := model.HashSeq{childA, childB}
	root, err := s.PutFormat(seq.Encode(), model.BlobFormatHashSeq)
	require.NoError(t, err)
	require.NoError(t, s.SetTag([]byte("pinned"), root, model.BlobFormatHashSeq))

	stats, err := s.GarbageCollect(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Deleted)

	// Tag root and its children survive, the orphan is gone.
	for _, h := range []model.Hash{root, childA, childB} {
		_, err := s.Get(h)
		require.NoError(t, err)
	}
	_, err = s.Get(orphan)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGarbageCollectKeepsExplicitRoots(t *testing.T) {
	s := newTestStore(t)

	kept, err := s.Put([]byte("referenced by a record"))
	require.NoError(t, err)
	orphan, err := s.Put([]byte("referenced by nothing"))
	require.NoError(t, err)

	stats, err := s.GarbageCollect(context.Background(), kept)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Deleted)

	_, err = s.Get(kept)
	require.NoError(t, err)
	_, err = s.Get(orphan)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGarbageCollectSparesInFlightFetch(t *testing.T) {
	s := newTestStore(t)
	data := []byte("mid-flight content")
	h := model.HashBytes(data)

	sess, err := s.StartFetch(h, uint64(len(data)), model.BlobFormatRaw)
	require.NoError(t, err)
	_, err = sess.Write(data[:5])
	require.NoError(t, err)

	_, err = s.GarbageCollect(context.Background())
	require.NoError(t, err)

	// The partial survived the collection and can complete.
	_, err = sess.Write(data[5:])
	require.NoError(t, err)
	require.NoError(t, sess.Complete())
}

func TestDeleteRespectsTags(t *testing.T) {
	s := newTestStore(t)
	h, err := s.Put([]byte("pinned data"))
	require.NoError(t, err)
	require.NoError(t, s.SetTag([]byte("keep"), h, model.BlobFormatRaw))

	require.NoError(t, s.Delete(h))
	_, err = s.Get(h)
	require.NoError(t, err)

	require.NoError(t, s.DeleteTag([]byte("keep")))
	require.NoError(t, s.Delete(h))
	_, err = s.Get(h)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTags(t *testing.T) {
	s := newTestStore(t)
	h, err := s.Put([]byte("tagged"))
	require.NoError(t, err)

	tag, err := s.AutoTag(h, model.BlobFormatRaw)
	require.NoError(t, err)
	require.NotEmpty(t, tag.Name)

	tags, err := s.ListTags()
	require.NoError(t, err)
	require.Len(t, tags, 1)
	require.Equal(t, h, tags[0].Hash)
}

func TestCollectionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	hA, err := s.Put([]byte("file a"))
	require.NoError(t, err)
	hB, err := s.Put([]byte("file b"))
	require.NoError(t, err)

	c := model.Collection{
		{Name: "a.txt", Hash: hA},
		{Name: "b.txt", Hash: hB},
	}
	root, err := s.CreateCollection(c)
	require.NoError(t, err)

	got, err := s.GetCollection(root)
	require.NoError(t, err)
	require.Equal(t, c, got)

	// A collection root is a hash sequence; GC must traverse it.
	require.NoError(t, s.SetTag([]byte("col"), root, model.BlobFormatHashSeq))
	_, err = s.GarbageCollect(context.Background())
	require.NoError(t, err)
	_, err = s.Get(hA)
	require.NoError(t, err)
}
