// Package replicaStore implements the per-namespace ordered record store:
// (author, key) -> (content hash, length, timestamp), with replace-on-write
// semantics, tombstone deletion, and range/prefix/exact queries.
package replicaStore

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-sync/internal/contentStore"
	"github.com/i5heu/ouroboros-sync/internal/keyValStore"
	"github.com/i5heu/ouroboros-sync/pkg/keys"
	"github.com/i5heu/ouroboros-sync/pkg/model"
	"github.com/i5heu/ouroboros-sync/pkg/policy"
)

// Key layout in the backing store:
//
//	rr:<ns><author><key>  gob model.Record (the record table)
//	rc:<ns>               gob keys.Capability
//	rp:<ns>               gob policy.DownloadPolicy
var (
	prefixRecord     = []byte("rr:")
	prefixCapability = []byte("rc:")
	prefixPolicy     = []byte("rp:")
)

var (
	ErrNotFound = fmt.Errorf("record not found")
	// ErrReadOnly is returned for mutations on a namespace opened with
	// only a read capability.
	ErrReadOnly = fmt.Errorf("namespace capability is read-only")
	// ErrUnknownNamespace is returned when no capability is stored for
	// the namespace.
	ErrUnknownNamespace = fmt.Errorf("unknown namespace")
	// ErrKeyTooLarge rejects oversized keys at the API boundary.
	ErrKeyTooLarge = fmt.Errorf("key exceeds maximum size")
)

// MaxKeySize bounds record keys. Keys are path-like identifiers, not
// payloads.
const MaxKeySize = 4096

// Store is the replica record store. The record table supports concurrent
// readers with a single writer per (namespace, author, key), provided by
// the backing store's transactional writes.
type Store struct {
	kv      *keyValStore.KeyValStore
	content *contentStore.Store
	log     *logrus.Logger
}

func New(kv *keyValStore.KeyValStore, content *contentStore.Store, log *logrus.Logger) *Store {
	if log == nil {
		log = logrus.New()
	}
	return &Store{kv: kv, content: content, log: log}
}

// CreateNamespace persists a capability for a namespace. When one already
// exists the stronger capability wins, so importing a write ticket after a
// read ticket upgrades the replica.
func (s *Store) CreateNamespace(cap keys.Capability) error {
	existing, err := s.Capability(cap.ID)
	if err == nil {
		cap = existing.Merge(cap)
	}
	raw, err := encodeGob(cap)
	if err != nil {
		return err
	}
	return s.kv.Write(capabilityKey(cap.ID), raw)
}

// Capability returns the stored capability for a namespace.
func (s *Store) Capability(ns model.NamespaceID) (keys.Capability, error) {
	var cap keys.Capability
	raw, err := s.kv.Read(capabilityKey(ns))
	if err != nil {
		return cap, ErrUnknownNamespace
	}
	if err := decodeGob(raw, &cap); err != nil {
		return cap, err
	}
	return cap, nil
}

// ListNamespaces returns every namespace with a stored capability.
func (s *Store) ListNamespaces() ([]keys.Capability, error) {
	var out []keys.Capability
	err := s.kv.IteratePrefix(prefixCapability, func(item keyValStore.IterateItem) error {
		var cap keys.Capability
		if err := decodeGob(item.Value, &cap); err != nil {
			return err
		}
		out = append(out, cap)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Drop removes the namespace: its records, capability and download policy.
func (s *Store) Drop(ns model.NamespaceID) error {
	if _, err := s.kv.DeleteWithPrefix(recordPrefix(ns)); err != nil {
		return fmt.Errorf("drop records of %s: %w", ns, err)
	}
	if err := s.kv.Delete(capabilityKey(ns)); err != nil {
		return err
	}
	return s.kv.Delete(policyKey(ns))
}

// SetPolicy stores the download policy for a namespace.
func (s *Store) SetPolicy(ns model.NamespaceID, p policy.DownloadPolicy) error {
	if _, err := s.Capability(ns); err != nil {
		return err
	}
	raw, err := encodeGob(p)
	if err != nil {
		return err
	}
	return s.kv.Write(policyKey(ns), raw)
}

// Policy returns the download policy for a namespace. The default is
// download everything.
func (s *Store) Policy(ns model.NamespaceID) (policy.DownloadPolicy, error) {
	raw, err := s.kv.Read(policyKey(ns))
	if err != nil {
		if err == keyValStore.ErrKeyNotFound {
			return policy.EverythingExcept(), nil
		}
		return policy.DownloadPolicy{}, err
	}
	var p policy.DownloadPolicy
	if err := decodeGob(raw, &p); err != nil {
		return policy.DownloadPolicy{}, err
	}
	return p, nil
}

// Set writes value bytes into the content store and inserts a record for
// (namespace, author, key) with the current timestamp. Returns the content
// hash.
func (s *Store) Set(ns model.NamespaceID, author *keys.Author, key, value []byte) (model.Hash, error) {
	if err := s.checkWrite(ns, key); err != nil {
		return model.Hash{}, err
	}
	h, err := s.content.Put(value)
	if err != nil {
		return model.Hash{}, err
	}
	entry := model.Entry{
		ID: model.RecordID{Namespace: ns, Author: author.ID(), Key: bytes.Clone(key)},
		Record: model.Record{
			Hash:           h,
			Len:            uint64(len(value)),
			TimestampMicro: time.Now().UnixMicro(),
		},
	}
	if _, err := s.insert(entry); err != nil {
		return model.Hash{}, err
	}
	return h, nil
}

// SetHash inserts a record for a caller-supplied hash and length. The
// content does not need to be locally present, which allows announcing
// without transferring.
func (s *Store) SetHash(ns model.NamespaceID, author model.AuthorID, key []byte, h model.Hash, length uint64) error {
	if err := s.checkWrite(ns, key); err != nil {
		return err
	}
	entry := model.Entry{
		ID: model.RecordID{Namespace: ns, Author: author, Key: bytes.Clone(key)},
		Record: model.Record{
			Hash:           h,
			Len:            length,
			TimestampMicro: time.Now().UnixMicro(),
		},
	}
	_, err := s.insert(entry)
	return err
}

// DeletePrefix inserts one tombstone per live key of the author matching
// the prefix and returns how many were written.
func (s *Store) DeletePrefix(ns model.NamespaceID, author *keys.Author, prefix []byte) (int, error) {
	if err := s.checkWrite(ns, prefix); err != nil {
		return 0, err
	}

	var targets [][]byte
	authorID := author.ID()
	scanPrefix := append(recordPrefix(ns), authorID[:]...)
	scanPrefix = append(scanPrefix, prefix...)
	err := s.kv.IteratePrefix(scanPrefix, func(item keyValStore.IterateItem) error {
		var rec model.Record
		if err := decodeGob(item.Value, &rec); err != nil {
			return err
		}
		key := recordKeyBytes(ns, item.Key)
		if rec.Len == 0 && rec.Hash == model.EmptyHash {
			return nil // already a tombstone
		}
		targets = append(targets, bytes.Clone(key))
		return nil
	})
	if err != nil {
		return 0, err
	}

	now := time.Now().UnixMicro()
	for _, key := range targets {
		entry := model.Entry{
			ID: model.RecordID{Namespace: ns, Author: author.ID(), Key: key},
			Record: model.Record{
				Hash:           model.EmptyHash,
				Len:            0,
				TimestampMicro: now,
			},
		}
		if _, err := s.insert(entry); err != nil {
			return 0, err
		}
	}
	return len(targets), nil
}

// InsertRemote applies an entry received through reconciliation. The
// replace rule decides whether it lands: it is dropped when the current
// record for its (author, key) is newer. Returns whether it was applied.
func (s *Store) InsertRemote(entry model.Entry) (bool, error) {
	if _, err := s.Capability(entry.ID.Namespace); err != nil {
		return false, err
	}
	return s.insert(entry)
}

// insert applies the replace rule: exactly one current record exists per
// (namespace, author, key) at any time, history is not retained.
func (s *Store) insert(entry model.Entry) (bool, error) {
	key := recordKey(entry.ID)

	existingRaw, err := s.kv.Read(key)
	if err == nil {
		var existing model.Record
		if err := decodeGob(existingRaw, &existing); err != nil {
			return false, err
		}
		if !entry.Record.NewerThan(existing) {
			return false, nil
		}
	} else if err != keyValStore.ErrKeyNotFound {
		return false, err
	}

	raw, err := encodeGob(entry.Record)
	if err != nil {
		return false, err
	}
	if err := s.kv.Write(key, raw); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) checkWrite(ns model.NamespaceID, key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("key must not be empty")
	}
	if len(key) > MaxKeySize {
		return ErrKeyTooLarge
	}
	cap, err := s.Capability(ns)
	if err != nil {
		return err
	}
	if !cap.CanWrite() {
		return ErrReadOnly
	}
	return nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

func decodeGob(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}

func capabilityKey(ns model.NamespaceID) []byte {
	return append(bytes.Clone(prefixCapability), ns[:]...)
}

func policyKey(ns model.NamespaceID) []byte {
	return append(bytes.Clone(prefixPolicy), ns[:]...)
}

func recordPrefix(ns model.NamespaceID) []byte {
	return append(bytes.Clone(prefixRecord), ns[:]...)
}

func recordKey(id model.RecordID) []byte {
	key := append(recordPrefix(id.Namespace), id.Author[:]...)
	return append(key, id.Key...)
}

// recordKeyBytes extracts the user key from a stored record key.
func recordKeyBytes(ns model.NamespaceID, storedKey []byte) []byte {
	return storedKey[len(prefixRecord)+len(ns)+model.IDSize:]
}
