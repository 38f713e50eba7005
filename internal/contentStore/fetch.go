package contentStore

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-sync/pkg/model"
)

// ErrVerificationFailed is the terminal error of a fetch whose bytes do
// not hash to the expected value. The partial data is discarded and the
// fetch is not retried automatically.
var ErrVerificationFailed = fmt.Errorf("content verification failed")

// ErrFetchInProgress is returned when a second fetch session is started
// for a hash that already has one.
var ErrFetchInProgress = fmt.Errorf("fetch already in progress")

// FetchSession is an in-progress download of one blob. Bytes are hashed
// incrementally as they arrive; on Complete the computed hash must equal
// the expected one or the session fails terminally.
//
// A session keeps its hash out of garbage collection's reach until it is
// completed or aborted.
type FetchSession struct {
	store    *Store
	hash     model.Hash
	format   model.BlobFormat
	expected uint64

	hasher   *model.Hasher
	received []byte
	done     bool
}

// StartFetch opens a download session for the given hash. If a partial
// blob from an earlier attempt exists, the session resumes behind it:
// already received bytes are re-hashed and Offset tells the caller where
// to continue.
func (s *Store) StartFetch(h model.Hash, expectedSize uint64, format model.BlobFormat) (*FetchSession, error) {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()
	if _, ok := s.fetching[h]; ok {
		return nil, ErrFetchInProgress
	}

	sess := &FetchSession{
		store:    s,
		hash:     h,
		format:   format,
		expected: expectedSize,
		hasher:   model.NewHasher(),
	}

	if partial, err := s.kv.Read(partialKey(h)); err == nil && len(partial) > 0 {
		if _, err := sess.hasher.Write(partial); err != nil {
			return nil, fmt.Errorf("rehash partial blob %s: %w", h, err)
		}
		sess.received = partial
	}

	s.fetching[h] = sess
	return sess, nil
}

// SetFormat replaces the format the blob will be recorded with. Callers
// that learn the true format mid-download, from the serving peer's
// response, correct an earlier Raw placeholder this way.
func (f *FetchSession) SetFormat(format model.BlobFormat) {
	f.format = format
}

// Offset is the number of bytes already received. Resumed sessions start
// past zero.
func (f *FetchSession) Offset() uint64 {
	return uint64(len(f.received))
}

// Write appends downloaded bytes. The partial state is persisted so the
// download is resumable and visible as incomplete to status queries.
func (f *FetchSession) Write(p []byte) (int, error) {
	if f.done {
		return 0, fmt.Errorf("fetch session for %s is finished", f.hash)
	}
	if _, err := f.hasher.Write(p); err != nil {
		return 0, err
	}
	f.received = append(f.received, p...)

	meta := blobMeta{
		Complete:     false,
		Format:       f.format,
		ReceivedSize: uint64(len(f.received)),
		ExpectedSize: f.expected,
	}
	metaBytes, err := encodeMeta(meta)
	if err != nil {
		return 0, err
	}
	batch := [][2][]byte{
		{partialKey(f.hash), f.received},
		{metaKey(f.hash), metaBytes},
	}
	if err := f.store.kv.WriteBatch(batch); err != nil {
		return 0, fmt.Errorf("persist partial blob %s: %w", f.hash, err)
	}
	return len(p), nil
}

// Complete verifies the received bytes against the expected hash and, on
// success, promotes the blob to complete. A hash mismatch discards the
// partial data and returns ErrVerificationFailed.
func (f *FetchSession) Complete() error {
	if f.done {
		return fmt.Errorf("fetch session for %s is finished", f.hash)
	}
	f.done = true
	defer f.store.unregisterFetch(f.hash)

	got := f.hasher.Sum()
	if got != f.hash {
		f.store.log.WithFields(logrus.Fields{
			"expected": f.hash.String(),
			"got":      got.String(),
			"size":     len(f.received),
		}).Warn("blob verification failed, discarding partial data")
		_ = f.store.kv.Delete(partialKey(f.hash))
		_ = f.store.kv.Delete(metaKey(f.hash))
		return ErrVerificationFailed
	}

	f.store.gcMu.RLock()
	defer f.store.gcMu.RUnlock()
	return f.store.writeComplete(f.hash, f.received, f.format)
}

// Abort ends the session early. The partial bytes stay on disk as an
// incomplete blob so a later fetch can resume; the blob is never marked
// complete.
func (f *FetchSession) Abort() {
	if f.done {
		return
	}
	f.done = true
	f.store.unregisterFetch(f.hash)
}

func (s *Store) unregisterFetch(h model.Hash) {
	s.fetchMu.Lock()
	delete(s.fetching, h)
	s.fetchMu.Unlock()
}

func (s *Store) isFetching(h model.Hash) bool {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()
	_, ok := s.fetching[h]
	return ok
}
