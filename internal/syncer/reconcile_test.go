package syncer

import (
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-sync/pkg/model"
)

// pipeStream is an in-process bidirectional stream for protocol tests.
type pipeStream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newPipePair() (*pipeStream, *pipeStream) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	return &pipeStream{r: r1, w: w2}, &pipeStream{r: r2, w: w1}
}

func (s *pipeStream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *pipeStream) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *pipeStream) CloseWrite() error           { return s.w.Close() }
func (s *pipeStream) Close() error {
	_ = s.w.Close()
	return s.r.Close()
}

func testEntry(ns model.NamespaceID, author byte, key string, ts int64) model.Entry {
	var a model.AuthorID
	a[0] = author
	return model.Entry{
		ID: model.RecordID{Namespace: ns, Author: a, Key: []byte(key)},
		Record: model.Record{
			Hash:           model.HashBytes([]byte(key)),
			Len:            uint64(len(key)),
			TimestampMicro: ts,
		},
	}
}

// collector gathers applied entries thread-safely.
type collector struct {
	mu      sync.Mutex
	entries []model.Entry
}

func (c *collector) apply(e model.Entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	return true
}

func runReconcile(t *testing.T, ns model.NamespaceID, a, b []model.Entry) (gotA, gotB []model.Entry) {
	t.Helper()
	streamA, streamB := newPipePair()

	setA := newEntrySet(a)
	setB := newEntrySet(b)
	var colA, colB collector

	done := make(chan error, 1)
	go func() {
		done <- reconcileResponder(streamB, setB, colB.apply)
	}()

	require.NoError(t, reconcileInitiator(streamA, ns, setA, colA.apply))
	require.NoError(t, <-done)
	return colA.entries, colB.entries
}

func TestReconcileIdenticalSetsTransfersNothing(t *testing.T) {
	var ns model.NamespaceID
	entries := make([]model.Entry, 0, 50)
	for i := 0; i < 50; i++ {
		entries = append(entries, testEntry(ns, 1, fmt.Sprintf("key-%03d", i), int64(i)))
	}

	gotA, gotB := runReconcile(t, ns, entries, entries)
	// Both sides exchange entries of small ranges, but the replace rule
	// upstream drops duplicates. With sets large enough to fingerprint,
	// matching ranges must not be transferred at all.
	require.LessOrEqual(t, len(gotA), splitThreshold*2)
	require.LessOrEqual(t, len(gotB), splitThreshold*2)
}

func TestReconcileDisjointSmallSets(t *testing.T) {
	var ns model.NamespaceID
	a := []model.Entry{
		testEntry(ns, 1, "alpha", 1),
		testEntry(ns, 1, "beta", 2),
	}
	b := []model.Entry{
		testEntry(ns, 2, "gamma", 3),
	}

	gotA, gotB := runReconcile(t, ns, a, b)
	require.Len(t, gotA, 1)
	require.Equal(t, []byte("gamma"), gotA[0].ID.Key)
	require.Len(t, gotB, 2)
}

func TestReconcileConvergesLargeSetsWithSmallDiff(t *testing.T) {
	var ns model.NamespaceID

	var shared []model.Entry
	for i := 0; i < 200; i++ {
		shared = append(shared, testEntry(ns, 1, fmt.Sprintf("shared-%04d", i), int64(i)))
	}
	onlyA := []model.Entry{
		testEntry(ns, 2, "a-extra-1", 1000),
		testEntry(ns, 2, "a-extra-2", 1001),
	}
	onlyB := []model.Entry{
		testEntry(ns, 3, "b-extra-1", 2000),
	}

	a := append(append([]model.Entry{}, shared...), onlyA...)
	b := append(append([]model.Entry{}, shared...), onlyB...)

	gotA, gotB := runReconcile(t, ns, a, b)

	haveA := keysOf(gotA)
	require.Contains(t, haveA, "b-extra-1")
	haveB := keysOf(gotB)
	require.Contains(t, haveB, "a-extra-1")
	require.Contains(t, haveB, "a-extra-2")

	// Transfer stays proportional to the difference, not the set size.
	require.Less(t, len(gotA), 100)
	require.Less(t, len(gotB), 100)
}

func TestReconcileEmptyInitiator(t *testing.T) {
	var ns model.NamespaceID
	var b []model.Entry
	for i := 0; i < 40; i++ {
		b = append(b, testEntry(ns, 1, fmt.Sprintf("key-%03d", i), int64(i)))
	}

	gotA, _ := runReconcile(t, ns, nil, b)
	require.Len(t, gotA, 40)
}

func keysOf(entries []model.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = string(e.ID.Key)
	}
	return out
}

func TestEntrySetFingerprints(t *testing.T) {
	var ns model.NamespaceID
	e1 := testEntry(ns, 1, "a", 1)
	e2 := testEntry(ns, 1, "b", 2)
	e3 := testEntry(ns, 2, "a", 3)

	// Order independence: same entries, same fingerprint.
	s1 := newEntrySet([]model.Entry{e1, e2, e3})
	s2 := newEntrySet([]model.Entry{e3, e1, e2})
	full := rangeSpec{}
	require.Equal(t, s1.fingerprint(full), s2.fingerprint(full))

	// Different content, different fingerprint.
	s3 := newEntrySet([]model.Entry{e1, e2})
	require.NotEqual(t, s1.fingerprint(full), s3.fingerprint(full))

	// An empty range has the zero fingerprint.
	require.Equal(t, model.Hash{}, s1.fingerprint(rangeSpec{Start: []byte{0xff}}))
}

func TestEntrySetSplitCoversRange(t *testing.T) {
	var ns model.NamespaceID
	var entries []model.Entry
	for i := 0; i < 64; i++ {
		entries = append(entries, testEntry(ns, 1, fmt.Sprintf("key-%03d", i), int64(i)))
	}
	s := newEntrySet(entries)

	subs := s.split(rangeSpec{})
	require.Len(t, subs, splitFanout)

	var total uint32
	for _, sub := range subs {
		total += sub.Count
	}
	require.Equal(t, uint32(64), total)

	// Subranges are contiguous: each ends where the next begins.
	require.Nil(t, subs[0].Range.Start)
	require.Equal(t, subs[0].Range.End, subs[1].Range.Start)
	require.Nil(t, subs[len(subs)-1].Range.End)
}
