package ouroborossync

import (
	"context"
	"fmt"

	"github.com/i5heu/ouroboros-sync/internal/replicaStore"
	"github.com/i5heu/ouroboros-sync/pkg/events"
	"github.com/i5heu/ouroboros-sync/pkg/keys"
	"github.com/i5heu/ouroboros-sync/pkg/model"
	"github.com/i5heu/ouroboros-sync/pkg/policy"
	"github.com/i5heu/ouroboros-sync/pkg/ticket"
)

// Doc is an open handle on a replicated document. Handles are cheap;
// multiple handles on the same namespace share the underlying replica.
type Doc struct {
	node *Node
	ns   model.NamespaceID

	closed bool
}

// OpenState describes an open document: whether sync is active, how many
// event subscribers it has, and how many handles are open.
type OpenState struct {
	Sync        bool
	Subscribers int
	Handles     int
}

// CreateDocument creates a new document with a fresh namespace identity
// and returns an open handle holding the write capability.
func (n *Node) CreateDocument() (*Doc, error) {
	if err := n.guard(); err != nil {
		return nil, err
	}
	ns, err := keys.NewNamespace()
	if err != nil {
		return nil, err
	}
	cap := keys.WriteCapability(ns)
	if err := n.replicas.CreateNamespace(cap); err != nil {
		return nil, err
	}
	return n.openHandle(cap.ID), nil
}

// OpenDocument opens a handle on a document the node already knows.
func (n *Node) OpenDocument(ns model.NamespaceID) (*Doc, error) {
	if err := n.guard(); err != nil {
		return nil, err
	}
	if _, err := n.replicas.Capability(ns); err != nil {
		return nil, err
	}
	return n.openHandle(ns), nil
}

// ImportTicket joins the document a ticket describes: it stores the
// capability, connects to the bootstrap peers, and starts syncing.
func (n *Node) ImportTicket(ctx context.Context, s string) (*Doc, error) {
	if err := n.guard(); err != nil {
		return nil, err
	}
	t, err := ticket.ParseDoc(s)
	if err != nil {
		return nil, err
	}
	if err := n.replicas.CreateNamespace(t.Capability); err != nil {
		return nil, err
	}

	doc := n.openHandle(t.Capability.ID)
	if err := doc.StartSync(ctx, t.Peers); err != nil {
		return nil, err
	}
	return doc, nil
}

// ImportTicketWithPolicy is ImportTicket with a download policy applied
// before the first sync round, so unwanted content is never fetched.
func (n *Node) ImportTicketWithPolicy(ctx context.Context, s string, p policy.DownloadPolicy) (*Doc, error) {
	if err := n.guard(); err != nil {
		return nil, err
	}
	t, err := ticket.ParseDoc(s)
	if err != nil {
		return nil, err
	}
	if err := n.replicas.CreateNamespace(t.Capability); err != nil {
		return nil, err
	}
	if err := n.replicas.SetPolicy(t.Capability.ID, p); err != nil {
		return nil, err
	}

	doc := n.openHandle(t.Capability.ID)
	if err := doc.StartSync(ctx, t.Peers); err != nil {
		return nil, err
	}
	return doc, nil
}

// ListDocuments returns the namespaces this node holds a capability for.
func (n *Node) ListDocuments() ([]model.NamespaceID, error) {
	if err := n.guard(); err != nil {
		return nil, err
	}
	caps, err := n.replicas.ListNamespaces()
	if err != nil {
		return nil, err
	}
	ids := make([]model.NamespaceID, len(caps))
	for i, c := range caps {
		ids[i] = c.ID
	}
	return ids, nil
}

// DropDocument removes a document's records, capability, and policy, and
// closes all its subscriptions. Content blobs survive until garbage
// collection decides about them.
func (n *Node) DropDocument(ns model.NamespaceID) error {
	if err := n.guard(); err != nil {
		return err
	}
	n.mu.Lock()
	if st, ok := n.docs[ns]; ok && st.handles > 0 {
		n.mu.Unlock()
		return fmt.Errorf("document %s has %d open handles", ns, st.handles)
	}
	delete(n.docs, ns)
	n.mu.Unlock()

	if err := n.engine.LeaveNamespace(ns); err != nil {
		n.log.Warn("leave namespace on drop", "namespace", ns.String(), "error", err)
	}
	n.hub.DropNamespace(ns)
	return n.replicas.Drop(ns)
}

func (n *Node) openHandle(ns model.NamespaceID) *Doc {
	n.mu.Lock()
	defer n.mu.Unlock()
	st, ok := n.docs[ns]
	if !ok {
		st = &docState{}
		n.docs[ns] = st
	}
	st.handles++
	return &Doc{node: n, ns: ns}
}

// ID returns the document's namespace identifier.
func (d *Doc) ID() model.NamespaceID {
	return d.ns
}

// Close releases the handle. Other handles on the same document stay
// usable.
func (d *Doc) Close() {
	if d.closed {
		return
	}
	d.closed = true
	d.node.mu.Lock()
	defer d.node.mu.Unlock()
	if st, ok := d.node.docs[d.ns]; ok && st.handles > 0 {
		st.handles--
	}
}

// Set writes a value under (author, key) and returns the content hash.
func (d *Doc) Set(author *keys.Author, key, value []byte) (model.Hash, error) {
	if err := d.guard(); err != nil {
		return model.Hash{}, err
	}
	h, err := d.node.replicas.Set(d.ns, author, key, value)
	if err != nil {
		return model.Hash{}, err
	}
	d.publishLocalInsert(author.ID(), key)
	d.announce()
	return h, nil
}

// SetHash writes a record pointing at content that already exists in the
// blob store, e.g. an imported file.
func (d *Doc) SetHash(author *keys.Author, key []byte, h model.Hash, length uint64) error {
	if err := d.guard(); err != nil {
		return err
	}
	if err := d.node.replicas.SetHash(d.ns, author.ID(), key, h, length); err != nil {
		return err
	}
	d.publishLocalInsert(author.ID(), key)
	d.announce()
	return nil
}

// Del tombstones the author's live entries whose keys start with prefix
// and returns how many were deleted.
func (d *Doc) Del(author *keys.Author, prefix []byte) (int, error) {
	if err := d.guard(); err != nil {
		return 0, err
	}
	count, err := d.node.replicas.DeletePrefix(d.ns, author, prefix)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		authorID := author.ID()
		keyFilter := policy.PrefixFilter(prefix)
		tombstones, err := d.node.replicas.GetMany(d.ns, replicaStore.Query{
			Author:            &authorID,
			Key:               &keyFilter,
			IncludeTombstones: true,
		})
		if err == nil {
			for _, e := range tombstones {
				if !e.IsTombstone() {
					continue
				}
				d.node.hub.Publish(d.ns, events.LiveEvent{
					Kind:  events.EventInsertLocal,
					Entry: e,
				})
			}
		}
		d.announce()
	}
	return count, nil
}

// GetExact returns the entry of one (author, key) pair. With includeEmpty
// set, tombstones are returned instead of being treated as absent.
func (d *Doc) GetExact(author model.AuthorID, key []byte, includeEmpty bool) (*model.Entry, error) {
	if err := d.guard(); err != nil {
		return nil, err
	}
	return d.node.replicas.GetExact(d.ns, author, key, includeEmpty)
}

// GetMany returns all entries matching the query.
func (d *Doc) GetMany(q replicaStore.Query) ([]model.Entry, error) {
	if err := d.guard(); err != nil {
		return nil, err
	}
	return d.node.replicas.GetMany(d.ns, q)
}

// GetOne returns the first entry matching the query, or nil.
func (d *Doc) GetOne(q replicaStore.Query) (*model.Entry, error) {
	if err := d.guard(); err != nil {
		return nil, err
	}
	return d.node.replicas.GetOne(d.ns, q)
}

// Content returns the blob bytes an entry points at.
func (d *Doc) Content(e model.Entry) ([]byte, error) {
	if err := d.guard(); err != nil {
		return nil, err
	}
	return d.node.content.Get(e.Record.Hash)
}

// Share builds a ticket other nodes can import to join this document.
// Sharing write access requires holding the write capability.
func (d *Doc) Share(kind keys.CapabilityKind) (string, error) {
	if err := d.guard(); err != nil {
		return "", err
	}
	cap, err := d.node.replicas.Capability(d.ns)
	if err != nil {
		return "", err
	}
	switch kind {
	case keys.CapRead:
		cap = keys.ReadCapability(d.ns)
	case keys.CapWrite:
		if !cap.CanWrite() {
			return "", replicaStore.ErrReadOnly
		}
	}

	t := ticket.DocTicket{Capability: cap}
	if addr := d.node.ListenAddr(); addr != "" {
		t.Peers = append(t.Peers, ticket.PeerAddr{ID: d.node.localID, Addr: addr})
	}
	return t.String(), nil
}

// StartSync joins the document's gossip topic and starts sync sessions
// with the given peers.
func (d *Doc) StartSync(ctx context.Context, peers []ticket.PeerAddr) error {
	if err := d.guard(); err != nil {
		return err
	}
	if err := d.node.engine.JoinNamespace(ctx, d.ns); err != nil {
		return err
	}
	d.node.mu.Lock()
	if st, ok := d.node.docs[d.ns]; ok {
		st.joined = true
	}
	d.node.mu.Unlock()

	var dialPeers []model.PeerID
	for _, p := range peers {
		if p.ID == d.node.localID {
			continue
		}
		if _, err := d.node.ConnectPeer(ctx, p.Addr); err != nil {
			d.node.log.Warn("bootstrap peer unreachable",
				"peer", string(p.ID), "address", p.Addr, "error", err)
			continue
		}
		dialPeers = append(dialPeers, p.ID)
	}
	d.node.engine.StartSync(d.ns, dialPeers)
	return nil
}

// Leave stops active sync for the document. The local replica keeps its
// data and the handle stays open.
func (d *Doc) Leave() error {
	if err := d.guard(); err != nil {
		return err
	}
	d.node.mu.Lock()
	if st, ok := d.node.docs[d.ns]; ok {
		st.joined = false
	}
	d.node.mu.Unlock()
	return d.node.engine.LeaveNamespace(d.ns)
}

// Capability returns the capability this replica holds for the document.
func (d *Doc) Capability() (keys.Capability, error) {
	if err := d.guard(); err != nil {
		return keys.Capability{}, err
	}
	return d.node.replicas.Capability(d.ns)
}

// Subscribe returns a live event stream for the document.
func (d *Doc) Subscribe() (*events.Subscription, error) {
	if err := d.guard(); err != nil {
		return nil, err
	}
	return d.node.hub.Subscribe(d.ns), nil
}

// Status reports the document's open state.
func (d *Doc) Status() (OpenState, error) {
	if err := d.guard(); err != nil {
		return OpenState{}, err
	}
	d.node.mu.Lock()
	defer d.node.mu.Unlock()
	st := d.node.docs[d.ns]
	if st == nil {
		return OpenState{}, nil
	}
	return OpenState{
		Sync:        st.joined,
		Subscribers: d.node.hub.SubscriberCount(d.ns),
		Handles:     st.handles,
	}, nil
}

// Policy returns the document's download policy.
func (d *Doc) Policy() (policy.DownloadPolicy, error) {
	if err := d.guard(); err != nil {
		return policy.DownloadPolicy{}, err
	}
	return d.node.replicas.Policy(d.ns)
}

// SetPolicy replaces the document's download policy. It affects future
// sync rounds; already downloaded content stays.
func (d *Doc) SetPolicy(p policy.DownloadPolicy) error {
	if err := d.guard(); err != nil {
		return err
	}
	return d.node.replicas.SetPolicy(d.ns, p)
}

func (d *Doc) guard() error {
	if d.closed {
		return fmt.Errorf("document handle is closed")
	}
	return d.node.guard()
}

// publishLocalInsert emits InsertLocal for the entry just written.
func (d *Doc) publishLocalInsert(author model.AuthorID, key []byte) {
	entry, err := d.node.replicas.GetExact(d.ns, author, key, true)
	if err != nil || entry == nil {
		return
	}
	d.node.hub.Publish(d.ns, events.LiveEvent{
		Kind:  events.EventInsertLocal,
		Entry: *entry,
	})
}

// announce tells gossip neighbors to pull the local change when the
// document is actively syncing.
func (d *Doc) announce() {
	d.node.mu.Lock()
	st, ok := d.node.docs[d.ns]
	joined := ok && st.joined
	d.node.mu.Unlock()
	if joined {
		d.node.engine.AnnounceChange(d.ns)
	}
}
