package replicaStore

import (
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-sync/internal/contentStore"
	"github.com/i5heu/ouroboros-sync/internal/keyValStore"
	"github.com/i5heu/ouroboros-sync/pkg/keys"
	"github.com/i5heu/ouroboros-sync/pkg/model"
	"github.com/i5heu/ouroboros-sync/pkg/policy"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		InMemory: true,
		Logger:   logrus.New(),
	})
	require.NoError(t, err)
	t.Cleanup(kv.Close)

	content, err := contentStore.New(kv, logrus.New())
	require.NoError(t, err)
	return New(kv, content, logrus.New())
}

func newWritableNamespace(t *testing.T, s *Store) model.NamespaceID {
	t.Helper()
	ns, err := keys.NewNamespace()
	require.NoError(t, err)
	require.NoError(t, s.CreateNamespace(keys.WriteCapability(ns)))
	return ns.ID()
}

func newAuthor(t *testing.T) *keys.Author {
	t.Helper()
	author, err := keys.NewAuthor()
	require.NoError(t, err)
	return author
}

func TestSetAndGetExact(t *testing.T) {
	s := newTestStore(t)
	ns := newWritableNamespace(t, s)
	author := newAuthor(t)

	h, err := s.Set(ns, author, []byte("config"), []byte("value-1"))
	require.NoError(t, err)
	require.Equal(t, model.HashBytes([]byte("value-1")), h)

	entry, err := s.GetExact(ns, author.ID(), []byte("config"), false)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, h, entry.Record.Hash)
	require.Equal(t, uint64(7), entry.Record.Len)
}

func TestSetReplacesNotAppends(t *testing.T) {
	s := newTestStore(t)
	ns := newWritableNamespace(t, s)
	author := newAuthor(t)

	_, err := s.Set(ns, author, []byte("k"), []byte("old"))
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	h2, err := s.Set(ns, author, []byte("k"), []byte("new"))
	require.NoError(t, err)

	entries, err := s.GetMany(ns, Query{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, h2, entries[0].Record.Hash)
}

func TestWritesRequireWriteCapability(t *testing.T) {
	s := newTestStore(t)
	nsKey, err := keys.NewNamespace()
	require.NoError(t, err)
	require.NoError(t, s.CreateNamespace(keys.ReadCapability(nsKey.ID())))

	_, err = s.Set(nsKey.ID(), newAuthor(t), []byte("k"), []byte("v"))
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestWriteValidation(t *testing.T) {
	s := newTestStore(t)
	ns := newWritableNamespace(t, s)
	author := newAuthor(t)

	_, err := s.Set(ns, author, nil, []byte("v"))
	require.Error(t, err)

	_, err = s.Set(ns, author, make([]byte, MaxKeySize+1), []byte("v"))
	require.ErrorIs(t, err, ErrKeyTooLarge)

	var unknown model.NamespaceID
	_, err = s.Set(unknown, author, []byte("k"), []byte("v"))
	require.ErrorIs(t, err, ErrUnknownNamespace)
}

func TestCapabilityUpgrade(t *testing.T) {
	s := newTestStore(t)
	nsKey, err := keys.NewNamespace()
	require.NoError(t, err)

	require.NoError(t, s.CreateNamespace(keys.ReadCapability(nsKey.ID())))
	require.NoError(t, s.CreateNamespace(keys.WriteCapability(nsKey)))

	cap, err := s.Capability(nsKey.ID())
	require.NoError(t, err)
	require.True(t, cap.CanWrite())

	// A later read import does not downgrade.
	require.NoError(t, s.CreateNamespace(keys.ReadCapability(nsKey.ID())))
	cap, err = s.Capability(nsKey.ID())
	require.NoError(t, err)
	require.True(t, cap.CanWrite())
}

func TestDeletePrefixWritesTombstones(t *testing.T) {
	s := newTestStore(t)
	ns := newWritableNamespace(t, s)
	author := newAuthor(t)

	for _, key := range []string{"logs/a", "logs/b", "data/c"} {
		_, err := s.Set(ns, author, []byte(key), []byte("v"))
		require.NoError(t, err)
	}
	time.Sleep(time.Millisecond)

	count, err := s.DeletePrefix(ns, author, []byte("logs/"))
	require.NoError(t, err)
	require.Equal(t, 2, count)

	// Deleted keys are invisible to plain reads but the tombstones remain.
	entries, err := s.GetMany(ns, Query{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, []byte("data/c"), entries[0].ID.Key)

	all, err := s.GetMany(ns, Query{IncludeTombstones: true})
	require.NoError(t, err)
	require.Len(t, all, 3)

	// Deleting again finds nothing live.
	count, err = s.DeletePrefix(ns, author, []byte("logs/"))
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestInsertRemoteReplaceRule(t *testing.T) {
	s := newTestStore(t)
	ns := newWritableNamespace(t, s)
	author := newAuthor(t)

	base := model.RecordID{Namespace: ns, Author: author.ID(), Key: []byte("k")}
	older := model.Entry{ID: base, Record: model.Record{
		Hash: model.HashBytes([]byte("old")), Len: 3, TimestampMicro: 100,
	}}
	newer := model.Entry{ID: base, Record: model.Record{
		Hash: model.HashBytes([]byte("new")), Len: 3, TimestampMicro: 200,
	}}

	applied, err := s.InsertRemote(newer)
	require.NoError(t, err)
	require.True(t, applied)

	// The older entry loses against the stored one and is dropped.
	applied, err = s.InsertRemote(older)
	require.NoError(t, err)
	require.False(t, applied)

	entry, err := s.GetExact(ns, author.ID(), []byte("k"), false)
	require.NoError(t, err)
	require.Equal(t, newer.Record.Hash, entry.Record.Hash)
}

func TestInsertRemoteTieBrokenByHash(t *testing.T) {
	s := newTestStore(t)
	ns := newWritableNamespace(t, s)
	author := newAuthor(t)

	base := model.RecordID{Namespace: ns, Author: author.ID(), Key: []byte("k")}
	low := model.Entry{ID: base, Record: model.Record{Hash: model.Hash{0x01}, Len: 1, TimestampMicro: 100}}
	high := model.Entry{ID: base, Record: model.Record{Hash: model.Hash{0x02}, Len: 1, TimestampMicro: 100}}

	_, err := s.InsertRemote(low)
	require.NoError(t, err)
	applied, err := s.InsertRemote(high)
	require.NoError(t, err)
	require.True(t, applied)

	// Replaying the loser changes nothing: both orders converge on high.
	applied, err = s.InsertRemote(low)
	require.NoError(t, err)
	require.False(t, applied)
}

func TestQueryFilters(t *testing.T) {
	s := newTestStore(t)
	ns := newWritableNamespace(t, s)
	alice := newAuthor(t)
	bob := newAuthor(t)

	_, err := s.Set(ns, alice, []byte("shared"), []byte("from alice"))
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = s.Set(ns, bob, []byte("shared"), []byte("from bob"))
	require.NoError(t, err)
	_, err = s.Set(ns, alice, []byte("alice-only"), []byte("x"))
	require.NoError(t, err)

	aliceID := alice.ID()
	got, err := s.GetMany(ns, Query{Author: &aliceID})
	require.NoError(t, err)
	require.Len(t, got, 2)

	keyFilter := policy.ExactFilter([]byte("shared"))
	got, err = s.GetMany(ns, Query{Key: &keyFilter})
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Latest-per-key collapses the two authors of "shared" to bob's.
	got, err = s.GetMany(ns, Query{Key: &keyFilter, LatestPerKey: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, bob.ID(), got[0].ID.Author)
}

func TestQuerySortAndPagination(t *testing.T) {
	s := newTestStore(t)
	ns := newWritableNamespace(t, s)
	author := newAuthor(t)

	for i := 0; i < 10; i++ {
		_, err := s.Set(ns, author, fmt.Appendf(nil, "key-%02d", i), []byte("v"))
		require.NoError(t, err)
	}

	page, err := s.GetMany(ns, Query{Sort: SortKeyThenAuthor, Offset: 3, Limit: 4})
	require.NoError(t, err)
	require.Len(t, page, 4)
	require.Equal(t, []byte("key-03"), page[0].ID.Key)
	require.Equal(t, []byte("key-06"), page[3].ID.Key)

	// Limit 0 means unlimited.
	all, err := s.GetMany(ns, Query{Offset: 3})
	require.NoError(t, err)
	require.Len(t, all, 7)

	// Offset beyond the result set yields an empty page.
	none, err := s.GetMany(ns, Query{Offset: 100})
	require.NoError(t, err)
	require.Empty(t, none)

	desc, err := s.GetMany(ns, Query{Sort: SortKeyThenAuthor, Descending: true, Limit: 1})
	require.NoError(t, err)
	require.Equal(t, []byte("key-09"), desc[0].ID.Key)
}

func TestDrop(t *testing.T) {
	s := newTestStore(t)
	ns := newWritableNamespace(t, s)
	author := newAuthor(t)

	_, err := s.Set(ns, author, []byte("k"), []byte("v"))
	require.NoError(t, err)

	require.NoError(t, s.Drop(ns))
	_, err = s.Capability(ns)
	require.ErrorIs(t, err, ErrUnknownNamespace)
	_, err = s.GetMany(ns, Query{})
	require.ErrorIs(t, err, ErrUnknownNamespace)
}

func TestPolicyDefaultsAndRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ns := newWritableNamespace(t, s)

	p, err := s.Policy(ns)
	require.NoError(t, err)
	require.True(t, p.Decide([]byte("anything")))

	want := policy.NothingExcept(policy.PrefixFilter([]byte("img/")))
	require.NoError(t, s.SetPolicy(ns, want))

	got, err := s.Policy(ns)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.False(t, got.Decide([]byte("doc.txt")))
	require.True(t, got.Decide([]byte("img/logo.png")))
}
