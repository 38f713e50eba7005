package replicaStore

import (
	"bytes"
	"sort"

	"github.com/i5heu/ouroboros-sync/internal/keyValStore"
	"github.com/i5heu/ouroboros-sync/pkg/model"
	"github.com/i5heu/ouroboros-sync/pkg/policy"
)

// SortBy selects the ordering of query results.
type SortBy uint8

const (
	// SortKeyThenAuthor orders by key first, author second.
	SortKeyThenAuthor SortBy = iota
	// SortAuthorThenKey orders by author first, key second.
	SortAuthorThenKey
)

// Query selects entries of a namespace.
type Query struct {
	// Author restricts results to one author when set.
	Author *model.AuthorID
	// Key restricts results by exact or prefix key match when set.
	Key *policy.Filter
	// LatestPerKey collapses multiple authors' records for the same key
	// to the single newest one, ties broken by the record ordering rule.
	LatestPerKey bool
	// IncludeTombstones also returns deletion markers.
	IncludeTombstones bool

	Sort SortBy
	// Descending reverses the sort order.
	Descending bool

	// Offset skips the first entries of the result.
	Offset uint64
	// Limit caps the number of results; 0 means unlimited.
	Limit uint64
}

// GetMany returns all entries matching the query, sorted and paginated.
func (s *Store) GetMany(ns model.NamespaceID, q Query) ([]model.Entry, error) {
	if _, err := s.Capability(ns); err != nil {
		return nil, err
	}

	scanPrefix := recordPrefix(ns)
	if q.Author != nil {
		scanPrefix = append(scanPrefix, q.Author[:]...)
	}

	var entries []model.Entry
	err := s.kv.IteratePrefix(scanPrefix, func(item keyValStore.IterateItem) error {
		entry, err := decodeStoredEntry(ns, item)
		if err != nil {
			return err
		}
		if q.Key != nil && !q.Key.Matches(entry.ID.Key) {
			return nil
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if q.LatestPerKey {
		entries = collapseLatestPerKey(entries)
	}
	if !q.IncludeTombstones {
		kept := entries[:0]
		for _, e := range entries {
			if !e.IsTombstone() {
				kept = append(kept, e)
			}
		}
		entries = kept
	}

	sortEntries(entries, q.Sort, q.Descending)
	return paginate(entries, q.Offset, q.Limit), nil
}

// GetOne returns the first match of the query or nil.
func (s *Store) GetOne(ns model.NamespaceID, q Query) (*model.Entry, error) {
	q.Offset = 0
	q.Limit = 1
	entries, err := s.GetMany(ns, q)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// GetExact returns the current record for (author, key) or nil. Tombstones
// are only returned when includeEmpty is set.
func (s *Store) GetExact(ns model.NamespaceID, author model.AuthorID, key []byte, includeEmpty bool) (*model.Entry, error) {
	if _, err := s.Capability(ns); err != nil {
		return nil, err
	}
	raw, err := s.kv.Read(recordKey(model.RecordID{Namespace: ns, Author: author, Key: key}))
	if err != nil {
		if err == keyValStore.ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}
	var rec model.Record
	if err := decodeGob(raw, &rec); err != nil {
		return nil, err
	}
	entry := model.Entry{
		ID:     model.RecordID{Namespace: ns, Author: author, Key: bytes.Clone(key)},
		Record: rec,
	}
	if entry.IsTombstone() && !includeEmpty {
		return nil, nil
	}
	return &entry, nil
}

// All returns every entry of the namespace including tombstones, ordered
// by (author, key). This is the record set reconciliation runs against.
func (s *Store) All(ns model.NamespaceID) ([]model.Entry, error) {
	return s.GetMany(ns, Query{Sort: SortAuthorThenKey, IncludeTombstones: true})
}

func decodeStoredEntry(ns model.NamespaceID, item keyValStore.IterateItem) (model.Entry, error) {
	var rec model.Record
	if err := decodeGob(item.Value, &rec); err != nil {
		return model.Entry{}, err
	}
	var author model.AuthorID
	base := len(prefixRecord) + len(ns)
	copy(author[:], item.Key[base:base+model.IDSize])
	return model.Entry{
		ID: model.RecordID{
			Namespace: ns,
			Author:    author,
			Key:       bytes.Clone(item.Key[base+model.IDSize:]),
		},
		Record: rec,
	}, nil
}

func collapseLatestPerKey(entries []model.Entry) []model.Entry {
	latest := make(map[string]model.Entry, len(entries))
	for _, e := range entries {
		key := string(e.ID.Key)
		cur, ok := latest[key]
		if !ok || e.Record.NewerThan(cur.Record) {
			latest[key] = e
		}
	}
	out := make([]model.Entry, 0, len(latest))
	for _, e := range latest {
		out = append(out, e)
	}
	return out
}

func sortEntries(entries []model.Entry, by SortBy, descending bool) {
	sort.SliceStable(entries, func(i, j int) bool {
		cmp := compareEntries(entries[i], entries[j], by)
		if descending {
			return cmp > 0
		}
		return cmp < 0
	})
}

func compareEntries(a, b model.Entry, by SortBy) int {
	keyCmp := bytes.Compare(a.ID.Key, b.ID.Key)
	authorCmp := bytes.Compare(a.ID.Author[:], b.ID.Author[:])
	if by == SortKeyThenAuthor {
		if keyCmp != 0 {
			return keyCmp
		}
		return authorCmp
	}
	if authorCmp != 0 {
		return authorCmp
	}
	return keyCmp
}

func paginate(entries []model.Entry, offset, limit uint64) []model.Entry {
	if offset >= uint64(len(entries)) {
		return nil
	}
	entries = entries[offset:]
	if limit > 0 && limit < uint64(len(entries)) {
		entries = entries[:limit]
	}
	return entries
}
