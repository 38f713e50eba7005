package ouroborossync

import (
	"context"
	"fmt"

	"github.com/i5heu/ouroboros-sync/internal/contentStore"
	"github.com/i5heu/ouroboros-sync/pkg/model"
	"github.com/i5heu/ouroboros-sync/pkg/ticket"
)

// AddBlob stores raw content and returns its hash.
func (n *Node) AddBlob(data []byte) (model.Hash, error) {
	if err := n.guard(); err != nil {
		return model.Hash{}, err
	}
	return n.content.Put(data)
}

// GetBlob returns the bytes of a complete blob.
func (n *Node) GetBlob(h model.Hash) ([]byte, error) {
	if err := n.guard(); err != nil {
		return nil, err
	}
	return n.content.Get(h)
}

// GetBlobRange returns length bytes of a blob starting at offset. A
// length of zero reads to the end.
func (n *Node) GetBlobRange(h model.Hash, offset, length uint64) ([]byte, error) {
	if err := n.guard(); err != nil {
		return nil, err
	}
	return n.content.GetRange(h, offset, length)
}

// BlobStatus reports a blob's local availability.
func (n *Node) BlobStatus(h model.Hash) (contentStore.BlobStatus, error) {
	if err := n.guard(); err != nil {
		return contentStore.BlobStatus{}, err
	}
	return n.content.Status(h), nil
}

// ListBlobs returns the status of every locally known blob, complete and
// partial.
func (n *Node) ListBlobs() ([]contentStore.BlobStatus, error) {
	if err := n.guard(); err != nil {
		return nil, err
	}
	return n.content.List()
}

// DeleteBlob removes a blob unless it is tagged or being fetched.
func (n *Node) DeleteBlob(h model.Hash) error {
	if err := n.guard(); err != nil {
		return err
	}
	return n.content.Delete(h)
}

// ImportFile chunks a file into the blob store and returns the root hash
// and total size.
func (n *Node) ImportFile(path string) (model.Hash, uint64, error) {
	if err := n.guard(); err != nil {
		return model.Hash{}, 0, err
	}
	return n.content.ImportFile(path)
}

// ExportFile writes a blob back to the filesystem.
func (n *Node) ExportFile(h model.Hash, target string, mode contentStore.ExportMode) error {
	if err := n.guard(); err != nil {
		return err
	}
	return n.content.ExportFile(h, target, mode)
}

// CreateCollection stores a named set of blobs as one shareable unit.
func (n *Node) CreateCollection(c model.Collection) (model.Hash, error) {
	if err := n.guard(); err != nil {
		return model.Hash{}, err
	}
	return n.content.CreateCollection(c)
}

// GetCollection loads a collection by its root hash.
func (n *Node) GetCollection(h model.Hash) (model.Collection, error) {
	if err := n.guard(); err != nil {
		return nil, err
	}
	return n.content.GetCollection(h)
}

// SetTag pins a blob under a name, protecting it from garbage collection.
func (n *Node) SetTag(name []byte, h model.Hash, format model.BlobFormat) error {
	if err := n.guard(); err != nil {
		return err
	}
	return n.content.SetTag(name, h, format)
}

// AutoTag pins a blob under a generated unique name.
func (n *Node) AutoTag(h model.Hash, format model.BlobFormat) (contentStore.Tag, error) {
	if err := n.guard(); err != nil {
		return contentStore.Tag{}, err
	}
	return n.content.AutoTag(h, format)
}

// DeleteTag removes a pin. The blob becomes collectable once nothing else
// reaches it.
func (n *Node) DeleteTag(name []byte) error {
	if err := n.guard(); err != nil {
		return err
	}
	return n.content.DeleteTag(name)
}

// ListTags returns all pins.
func (n *Node) ListTags() ([]contentStore.Tag, error) {
	if err := n.guard(); err != nil {
		return nil, err
	}
	return n.content.ListTags()
}

// ShareBlob builds a ticket pointing at a locally complete blob.
func (n *Node) ShareBlob(h model.Hash) (string, error) {
	if err := n.guard(); err != nil {
		return "", err
	}
	st := n.content.Status(h)
	if !st.Complete {
		return "", fmt.Errorf("blob %s is not complete locally", h)
	}
	addr := n.ListenAddr()
	if addr == "" {
		return "", fmt.Errorf("node does not listen, cannot share blobs")
	}
	t := ticket.BlobTicket{
		Peer:   ticket.PeerAddr{ID: n.localID, Addr: addr},
		Hash:   h,
		Format: st.Format,
	}
	return t.String(), nil
}

// FetchBlob downloads the blob a ticket points at from its provider. For
// hash sequences the children are fetched as well.
func (n *Node) FetchBlob(ctx context.Context, s string) (model.Hash, error) {
	if err := n.guard(); err != nil {
		return model.Hash{}, err
	}
	t, err := ticket.ParseBlob(s)
	if err != nil {
		return model.Hash{}, err
	}
	conn, err := n.ConnectPeer(ctx, t.Peer.Addr)
	if err != nil {
		return model.Hash{}, err
	}

	if err := n.fetch.Fetch(ctx, conn, t.Hash, 0, t.Format); err != nil {
		return model.Hash{}, err
	}
	if t.Format == model.BlobFormatHashSeq {
		raw, err := n.content.Get(t.Hash)
		if err != nil {
			return model.Hash{}, err
		}
		seq, err := model.DecodeHashSeq(raw)
		if err != nil {
			return model.Hash{}, err
		}
		for _, child := range seq {
			if err := n.fetch.Fetch(ctx, conn, child, 0, model.BlobFormatRaw); err != nil {
				return model.Hash{}, fmt.Errorf("fetch child %s: %w", child, err)
			}
		}
	}
	return t.Hash, nil
}

// GarbageCollect deletes blobs unreachable from tags, replica records, and
// in-flight fetches.
func (n *Node) GarbageCollect(ctx context.Context) (contentStore.GCStats, error) {
	if err := n.guard(); err != nil {
		return contentStore.GCStats{}, err
	}
	roots, err := n.liveContentRoots()
	if err != nil {
		return contentStore.GCStats{}, err
	}
	return n.content.GarbageCollect(ctx, roots...)
}

// liveContentRoots collects the content hashes that replica records still
// reference across all namespaces. Blobs reachable from these must survive
// garbage collection even when no tag pins them.
func (n *Node) liveContentRoots() ([]model.Hash, error) {
	caps, err := n.replicas.ListNamespaces()
	if err != nil {
		return nil, err
	}
	var roots []model.Hash
	for _, c := range caps {
		entries, err := n.replicas.All(c.ID)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsTombstone() {
				continue
			}
			roots = append(roots, e.Record.Hash)
		}
	}
	return roots, nil
}
