package ouroborossync

import (
	"fmt"

	"github.com/i5heu/ouroboros-sync/internal/keyValStore"
	"github.com/i5heu/ouroboros-sync/pkg/keys"
	"github.com/i5heu/ouroboros-sync/pkg/model"
)

// Author identities are persisted in the key-value store so they survive
// restarts. The stored value is the author's secret export.
var authorPrefix = []byte("au:")

func authorKey(id model.AuthorID) []byte {
	return append(append([]byte{}, authorPrefix...), id[:]...)
}

// CreateAuthor generates a new author identity and persists it.
func (n *Node) CreateAuthor() (*keys.Author, error) {
	if err := n.guard(); err != nil {
		return nil, err
	}
	author, err := keys.NewAuthor()
	if err != nil {
		return nil, err
	}
	if err := n.kv.Write(authorKey(author.ID()), []byte(author.Export())); err != nil {
		return nil, fmt.Errorf("persist author: %w", err)
	}
	return author, nil
}

// Author loads a persisted author identity.
func (n *Node) Author(id model.AuthorID) (*keys.Author, error) {
	if err := n.guard(); err != nil {
		return nil, err
	}
	raw, err := n.kv.Read(authorKey(id))
	if err == keyValStore.ErrKeyNotFound {
		return nil, fmt.Errorf("unknown author %s", id)
	}
	if err != nil {
		return nil, err
	}
	return keys.ImportAuthor(string(raw))
}

// ListAuthors returns the identifiers of all persisted authors.
func (n *Node) ListAuthors() ([]model.AuthorID, error) {
	if err := n.guard(); err != nil {
		return nil, err
	}
	items, err := n.kv.GetItemsWithPrefix(authorPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]model.AuthorID, 0, len(items))
	for _, item := range items {
		var id model.AuthorID
		if len(item.Key) != len(authorPrefix)+model.IDSize {
			continue
		}
		copy(id[:], item.Key[len(authorPrefix):])
		ids = append(ids, id)
	}
	return ids, nil
}

// DeleteAuthor removes a persisted author identity. Records already
// written under the author are unaffected.
func (n *Node) DeleteAuthor(id model.AuthorID) error {
	if err := n.guard(); err != nil {
		return err
	}
	return n.kv.Delete(authorKey(id))
}

// ExportAuthor serializes an author's secret for explicit transfer.
func (n *Node) ExportAuthor(id model.AuthorID) (string, error) {
	author, err := n.Author(id)
	if err != nil {
		return "", err
	}
	return author.Export(), nil
}

// ImportAuthor persists an author identity from an export string.
func (n *Node) ImportAuthor(s string) (*keys.Author, error) {
	if err := n.guard(); err != nil {
		return nil, err
	}
	author, err := keys.ImportAuthor(s)
	if err != nil {
		return nil, err
	}
	if err := n.kv.Write(authorKey(author.ID()), []byte(author.Export())); err != nil {
		return nil, fmt.Errorf("persist author: %w", err)
	}
	return author, nil
}
