// Package backup streams full node snapshots to and from a writer. A
// snapshot covers everything the key-value store holds: replica records,
// capabilities, policies, blobs, tags, and authors.
package backup

import (
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"

	"github.com/i5heu/ouroboros-sync/internal/keyValStore"
)

const (
	snapshotMagic   = "ouroboros-sync-snapshot"
	snapshotVersion = 1
)

// restoreBatchSize bounds how many pairs are written per badger batch.
const restoreBatchSize = 256

type snapshotHeader struct {
	Magic   string
	Version int
	Created time.Time
}

type snapshotPair struct {
	Key   []byte
	Value []byte
}

// Manager creates and restores xz-compressed snapshots of a node's store.
type Manager struct {
	kv  *keyValStore.KeyValStore
	log *logrus.Logger
}

func NewManager(kv *keyValStore.KeyValStore, log *logrus.Logger) *Manager {
	return &Manager{kv: kv, log: log}
}

// BackupData writes a snapshot of all local data to the writer. Writes
// that happen during the scan may or may not be included.
func (m *Manager) BackupData(ctx context.Context, w io.Writer) error {
	xzw, err := xz.NewWriter(w)
	if err != nil {
		return fmt.Errorf("open xz writer: %w", err)
	}

	enc := gob.NewEncoder(xzw)
	if err := enc.Encode(snapshotHeader{
		Magic:   snapshotMagic,
		Version: snapshotVersion,
		Created: time.Now(),
	}); err != nil {
		return fmt.Errorf("write snapshot header: %w", err)
	}

	count := 0
	err = m.kv.IteratePrefix(nil, func(item keyValStore.IterateItem) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		count++
		return enc.Encode(snapshotPair{Key: item.Key, Value: item.Value})
	})
	if err != nil {
		return fmt.Errorf("scan store: %w", err)
	}

	if err := xzw.Close(); err != nil {
		return fmt.Errorf("finish snapshot: %w", err)
	}
	m.log.WithField("pairs", count).Info("snapshot written")
	return nil
}

// RestoreData loads a snapshot into the store. Existing keys are
// overwritten; keys absent from the snapshot are left alone.
func (m *Manager) RestoreData(ctx context.Context, r io.Reader) error {
	xzr, err := xz.NewReader(r)
	if err != nil {
		return fmt.Errorf("open xz reader: %w", err)
	}

	dec := gob.NewDecoder(xzr)
	var header snapshotHeader
	if err := dec.Decode(&header); err != nil {
		return fmt.Errorf("read snapshot header: %w", err)
	}
	if header.Magic != snapshotMagic {
		return fmt.Errorf("not a snapshot stream")
	}
	if header.Version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", header.Version)
	}

	count := 0
	batch := make([][2][]byte, 0, restoreBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := m.kv.WriteBatch(batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var pair snapshotPair
		if err := dec.Decode(&pair); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("read snapshot pair: %w", err)
		}
		batch = append(batch, [2][]byte{pair.Key, pair.Value})
		count++
		if len(batch) == restoreBatchSize {
			if err := flush(); err != nil {
				return fmt.Errorf("restore batch: %w", err)
			}
		}
	}
	if err := flush(); err != nil {
		return fmt.Errorf("restore batch: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"pairs":   count,
		"created": header.Created,
	}).Info("snapshot restored")
	return nil
}
