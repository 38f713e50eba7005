package contentStore

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/i5heu/ouroboros-sync/internal/keyValStore"
	"github.com/i5heu/ouroboros-sync/pkg/model"
)

// Tag is a named pin keeping a content hash alive against garbage
// collection. Multiple tags may reference one hash; deleting the last tag
// makes the hash collectible.
type Tag struct {
	Name   []byte
	Hash   model.Hash
	Format model.BlobFormat
}

type tagValue struct {
	Hash   model.Hash
	Format model.BlobFormat
}

var autoTagCounter uint64

// SetTag creates or replaces a named tag pointing at a hash.
func (s *Store) SetTag(name []byte, h model.Hash, format model.BlobFormat) error {
	if len(name) == 0 {
		return fmt.Errorf("tag name must not be empty")
	}
	val, err := encodeTagValue(tagValue{Hash: h, Format: format})
	if err != nil {
		return err
	}
	return s.kv.Write(tagKey(name), val)
}

// AutoTag creates a tag with a generated unique name and returns it.
func (s *Store) AutoTag(h model.Hash, format model.BlobFormat) (Tag, error) {
	n := atomic.AddUint64(&autoTagCounter, 1)
	name := fmt.Appendf(nil, "auto-%d-%d", time.Now().UnixMicro(), n)
	if err := s.SetTag(name, h, format); err != nil {
		return Tag{}, err
	}
	return Tag{Name: name, Hash: h, Format: format}, nil
}

// DeleteTag removes a tag. Removing a tag that does not exist is not an
// error.
func (s *Store) DeleteTag(name []byte) error {
	return s.kv.Delete(tagKey(name))
}

// ListTags returns all tags in name order.
func (s *Store) ListTags() ([]Tag, error) {
	var tags []Tag
	err := s.kv.IteratePrefix(prefixTag, func(item keyValStore.IterateItem) error {
		var val tagValue
		if err := gob.NewDecoder(bytes.NewReader(item.Value)).Decode(&val); err != nil {
			return fmt.Errorf("decode tag %q: %w", item.Key, err)
		}
		tags = append(tags, Tag{
			Name:   bytes.Clone(item.Key[len(prefixTag):]),
			Hash:   val.Hash,
			Format: val.Format,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tags, nil
}

func (s *Store) isTagged(h model.Hash) (bool, error) {
	tags, err := s.ListTags()
	if err != nil {
		return false, err
	}
	for _, t := range tags {
		if t.Hash == h {
			return true, nil
		}
	}
	return false, nil
}

func encodeTagValue(v tagValue) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("encode tag value: %w", err)
	}
	return buf.Bytes(), nil
}

func tagKey(name []byte) []byte {
	return append(bytes.Clone(prefixTag), name...)
}
