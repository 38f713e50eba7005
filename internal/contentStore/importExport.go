package contentStore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	chunker "github.com/ipfs/boxo/chunker"

	"github.com/i5heu/ouroboros-sync/pkg/model"
)

// ExportMode selects how ExportFile materializes a blob on disk.
type ExportMode uint8

const (
	// ExportCopy duplicates the data. Always safe.
	ExportCopy ExportMode = iota
	// ExportTryReference attempts a hard link to an already exported copy
	// and falls back to ExportCopy. The caller must not mutate the target
	// afterwards.
	ExportTryReference
)

// importChunkSize is the split size for file imports, the boxo default.
const importChunkSize = 256 * 1024

// ImportFile reads a file from disk into the store. Files larger than one
// chunk are split and stored as a HashSeq blob over the chunk hashes; the
// returned hash addresses either the single raw blob or that sequence.
func (s *Store) ImportFile(path string) (model.Hash, uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Hash{}, 0, fmt.Errorf("import %s: %w", path, err)
	}
	defer f.Close()

	split := chunker.NewSizeSplitter(f, importChunkSize)

	var seq model.HashSeq
	var total uint64
	for {
		chunk, err := split.NextBytes()
		if err == io.EOF {
			break
		}
		if err != nil {
			return model.Hash{}, 0, fmt.Errorf("chunk %s: %w", path, err)
		}
		h, err := s.Put(chunk)
		if err != nil {
			return model.Hash{}, 0, err
		}
		seq = append(seq, h)
		total += uint64(len(chunk))
	}

	switch len(seq) {
	case 0:
		h, err := s.Put(nil)
		return h, 0, err
	case 1:
		return seq[0], total, nil
	default:
		h, err := s.PutFormat(seq.Encode(), model.BlobFormatHashSeq)
		if err != nil {
			return model.Hash{}, 0, err
		}
		return h, total, nil
	}
}

// ExportFile writes a blob to target. HashSeq blobs are reassembled from
// their chunks in order.
func (s *Store) ExportFile(h model.Hash, target string, mode ExportMode) error {
	if mode == ExportTryReference {
		if err := s.tryReference(h, target); err == nil {
			return nil
		}
		// Reference export is best effort only.
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("export %s: %w", h, err)
	}
	f, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("export %s: %w", h, err)
	}
	defer f.Close()

	if err := s.writeBlobTo(f, h); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	s.rememberExport(h, target)
	return nil
}

func (s *Store) writeBlobTo(w io.Writer, h model.Hash) error {
	st := s.Status(h)
	if !st.Complete {
		return ErrNotFound
	}
	data, err := s.Get(h)
	if err != nil {
		return err
	}
	if st.Format == model.BlobFormatHashSeq {
		seq, err := model.DecodeHashSeq(data)
		if err != nil {
			return fmt.Errorf("export %s: %w", h, err)
		}
		for _, child := range seq {
			if err := s.writeBlobTo(w, child); err != nil {
				return err
			}
		}
		return nil
	}
	_, err = w.Write(data)
	return err
}

// tryReference hard-links target to a previously exported file for the
// same hash, registering the first export as link source.
func (s *Store) tryReference(h model.Hash, target string) error {
	src, err := s.kv.Read(exportPathKey(h))
	if err != nil {
		return err
	}
	if err := os.Link(string(src), target); err != nil {
		return err
	}
	return nil
}

func (s *Store) rememberExport(h model.Hash, target string) {
	_ = s.kv.Write(exportPathKey(h), []byte(target))
}

func exportPathKey(h model.Hash) []byte {
	return append([]byte("ce:"), h[:]...)
}

// CreateCollection stores an ordered (name, hash) collection. The names
// are stored as a raw metadata blob; the returned hash addresses a
// HashSeq blob whose first child is that metadata blob followed by the
// collection's children, so the collection can be shared and fetched like
// any other blob and garbage collection sees all children.
func (s *Store) CreateCollection(c model.Collection) (model.Hash, error) {
	metaHash, err := s.Put(c.Encode())
	if err != nil {
		return model.Hash{}, err
	}
	seq := append(model.HashSeq{metaHash}, c.Hashes()...)
	return s.PutFormat(seq.Encode(), model.BlobFormatHashSeq)
}

// GetCollection loads a collection created by CreateCollection.
func (s *Store) GetCollection(h model.Hash) (model.Collection, error) {
	data, err := s.Get(h)
	if err != nil {
		return nil, err
	}
	seq, err := model.DecodeHashSeq(data)
	if err != nil {
		return nil, fmt.Errorf("collection %s: %w", h, err)
	}
	if len(seq) == 0 {
		return nil, fmt.Errorf("collection %s: empty hash seq", h)
	}
	metaBytes, err := s.Get(seq[0])
	if err != nil {
		return nil, fmt.Errorf("collection %s metadata: %w", h, err)
	}
	return model.DecodeCollection(metaBytes)
}
