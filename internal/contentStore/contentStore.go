// Package contentStore implements the content-addressed blob store: bytes
// keyed by their BLAKE3 hash, with partial download state, tags that pin
// content against garbage collection, and file import/export.
package contentStore

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-sync/internal/keyValStore"
	"github.com/i5heu/ouroboros-sync/pkg/model"
)

// Key layout in the backing store:
//
//	cm:<hash>  gob blobMeta
//	cd:<hash>  zstd-compressed blob bytes (complete blobs)
//	cp:<hash>  raw partial bytes of an in-progress download
//	ct:<name>  gob tagValue
var (
	prefixMeta    = []byte("cm:")
	prefixData    = []byte("cd:")
	prefixPartial = []byte("cp:")
	prefixTag     = []byte("ct:")
)

var (
	ErrNotFound = fmt.Errorf("content not found")
	// ErrRangeOutOfBounds is returned by GetRange for offsets past the end
	// of the blob.
	ErrRangeOutOfBounds = fmt.Errorf("range out of bounds")
)

// blobMeta is the stored per-hash bookkeeping record.
type blobMeta struct {
	Complete     bool
	Format       model.BlobFormat
	ReceivedSize uint64
	ExpectedSize uint64
}

// BlobStatus is the queryable state of a hash.
type BlobStatus struct {
	Hash         model.Hash
	Present      bool
	Complete     bool
	Format       model.BlobFormat
	ReceivedSize uint64
	ExpectedSize uint64
}

// Store is the content-addressed blob store. All access to the tag table
// and blob records goes through the store's own locking; garbage
// collection and in-flight downloads are mutually exclusive per store.
type Store struct {
	kv  *keyValStore.KeyValStore
	log *logrus.Logger

	// gcMu serializes garbage collection against fetch completion. GC
	// needs a consistent view of "all live tags" and "all stored hashes";
	// fetches hold the read side while mutating blob records.
	gcMu sync.RWMutex

	// fetchMu guards the in-flight fetch registry. A hash in the registry
	// is never deleted by GC, so a half-written blob cannot be collected
	// out from under its verification.
	fetchMu  sync.Mutex
	fetching map[model.Hash]*FetchSession

	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
}

func New(kv *keyValStore.KeyValStore, log *logrus.Logger) (*Store, error) {
	if log == nil {
		log = logrus.New()
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("contentStore: init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("contentStore: init zstd decoder: %w", err)
	}
	return &Store{
		kv:       kv,
		log:      log,
		fetching: make(map[model.Hash]*FetchSession),
		zstdEnc:  enc,
		zstdDec:  dec,
	}, nil
}

// Put writes content-addressed bytes and returns their hash. Putting
// identical bytes twice returns the same hash without duplicating storage.
func (s *Store) Put(data []byte) (model.Hash, error) {
	return s.PutFormat(data, model.BlobFormatRaw)
}

// PutFormat is Put with an explicit blob format. HashSeq blobs are
// traversed by garbage collection.
func (s *Store) PutFormat(data []byte, format model.BlobFormat) (model.Hash, error) {
	h := model.HashBytes(data)

	s.gcMu.RLock()
	defer s.gcMu.RUnlock()

	meta, err := s.readMeta(h)
	if err == nil && meta.Complete {
		return h, nil
	}

	if err := s.writeComplete(h, data, format); err != nil {
		return model.Hash{}, err
	}
	return h, nil
}

// Get returns the full content for a hash. Incomplete blobs are treated as
// absent: a partial blob is never returned until complete and verified.
func (s *Store) Get(h model.Hash) ([]byte, error) {
	if h == model.EmptyHash {
		return []byte{}, nil
	}
	meta, err := s.readMeta(h)
	if err != nil || !meta.Complete {
		return nil, ErrNotFound
	}
	compressed, err := s.kv.Read(dataKey(h))
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", h, err)
	}
	data, err := s.zstdDec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress blob %s: %w", h, err)
	}
	return data, nil
}

// GetRange returns length bytes of the content starting at offset. A
// length of 0 means to the end of the blob.
func (s *Store) GetRange(h model.Hash, offset, length uint64) ([]byte, error) {
	data, err := s.Get(h)
	if err != nil {
		return nil, err
	}
	if offset > uint64(len(data)) {
		return nil, ErrRangeOutOfBounds
	}
	end := uint64(len(data))
	// Compared without addition; offset+length could wrap uint64.
	if length > 0 && length < end-offset {
		end = offset + length
	}
	return data[offset:end], nil
}

// Status reports the local state of a hash.
func (s *Store) Status(h model.Hash) BlobStatus {
	if h == model.EmptyHash {
		return BlobStatus{Hash: h, Present: true, Complete: true}
	}
	meta, err := s.readMeta(h)
	if err != nil {
		return BlobStatus{Hash: h}
	}
	return BlobStatus{
		Hash:         h,
		Present:      true,
		Complete:     meta.Complete,
		Format:       meta.Format,
		ReceivedSize: meta.ReceivedSize,
		ExpectedSize: meta.ExpectedSize,
	}
}

// ContentStatus maps the blob state onto the replica-facing status enum.
func (s *Store) ContentStatus(h model.Hash) model.ContentStatus {
	st := s.Status(h)
	switch {
	case st.Complete:
		return model.ContentStatusComplete
	case st.Present:
		return model.ContentStatusIncomplete
	default:
		return model.ContentStatusMissing
	}
}

// List returns the status of every stored blob, complete and incomplete.
func (s *Store) List() ([]BlobStatus, error) {
	var out []BlobStatus
	err := s.kv.IteratePrefix(prefixMeta, func(item keyValStore.IterateItem) error {
		h, err := hashFromKey(prefixMeta, item.Key)
		if err != nil {
			return err
		}
		var meta blobMeta
		if err := gob.NewDecoder(bytes.NewReader(item.Value)).Decode(&meta); err != nil {
			return fmt.Errorf("decode meta for %s: %w", h, err)
		}
		out = append(out, BlobStatus{
			Hash:         h,
			Present:      true,
			Complete:     meta.Complete,
			Format:       meta.Format,
			ReceivedSize: meta.ReceivedSize,
			ExpectedSize: meta.ExpectedSize,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a blob. It fails silently when the hash is still tagged
// or a download for it is in flight.
func (s *Store) Delete(h model.Hash) error {
	tagged, err := s.isTagged(h)
	if err != nil {
		return err
	}
	if tagged || s.isFetching(h) {
		return nil
	}
	return s.deleteBlob(h)
}

func (s *Store) deleteBlob(h model.Hash) error {
	if err := s.kv.Delete(metaKey(h)); err != nil {
		return err
	}
	if err := s.kv.Delete(dataKey(h)); err != nil {
		return err
	}
	return s.kv.Delete(partialKey(h))
}

func (s *Store) writeComplete(h model.Hash, data []byte, format model.BlobFormat) error {
	meta := blobMeta{
		Complete:     true,
		Format:       format,
		ReceivedSize: uint64(len(data)),
		ExpectedSize: uint64(len(data)),
	}
	metaBytes, err := encodeMeta(meta)
	if err != nil {
		return err
	}
	compressed := s.zstdEnc.EncodeAll(data, nil)
	batch := [][2][]byte{
		{dataKey(h), compressed},
		{metaKey(h), metaBytes},
	}
	if err := s.kv.WriteBatch(batch); err != nil {
		return fmt.Errorf("write blob %s: %w", h, err)
	}
	// A leftover partial from an earlier aborted fetch is obsolete now.
	_ = s.kv.Delete(partialKey(h))
	return nil
}

func (s *Store) readMeta(h model.Hash) (blobMeta, error) {
	var meta blobMeta
	raw, err := s.kv.Read(metaKey(h))
	if err != nil {
		return meta, ErrNotFound
	}
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&meta); err != nil {
		return meta, fmt.Errorf("decode meta for %s: %w", h, err)
	}
	return meta, nil
}

func encodeMeta(meta blobMeta) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(meta); err != nil {
		return nil, fmt.Errorf("encode blob meta: %w", err)
	}
	return buf.Bytes(), nil
}

func metaKey(h model.Hash) []byte {
	return append(bytes.Clone(prefixMeta), h[:]...)
}

func dataKey(h model.Hash) []byte {
	return append(bytes.Clone(prefixData), h[:]...)
}

func partialKey(h model.Hash) []byte {
	return append(bytes.Clone(prefixPartial), h[:]...)
}

func hashFromKey(prefix, key []byte) (model.Hash, error) {
	var h model.Hash
	if len(key) != len(prefix)+model.HashSize {
		return h, fmt.Errorf("malformed store key %x", key)
	}
	copy(h[:], key[len(prefix):])
	return h, nil
}
