// Package interfaces declares the collaborator contracts the document
// engine consumes: the peer transport and the broadcast overlay. The
// engine is transport-agnostic beyond needing ordered, reliable,
// bidirectional byte streams per logical exchange.
package interfaces

import (
	"context"
	"io"

	"github.com/i5heu/ouroboros-sync/pkg/model"
)

// Transport connects to peers and accepts incoming connections.
type Transport interface {
	// Dial opens a connection to the peer at the given address.
	Dial(ctx context.Context, addr string) (Connection, error)
	// Listen starts accepting incoming connections on addr.
	Listen(ctx context.Context, addr string) (Listener, error)
	// LocalID identifies this node to remote peers.
	LocalID() model.PeerID
	Close() error
}

// Listener accepts incoming peer connections.
type Listener interface {
	Accept(ctx context.Context) (Connection, error)
	Addr() string
	Close() error
}

// Connection is a peer connection able to carry multiple concurrent
// logical exchanges, one stream each.
type Connection interface {
	RemoteID() model.PeerID
	// OpenStream opens a stream for the given protocol id.
	OpenStream(ctx context.Context, proto string) (Stream, error)
	// AcceptStream accepts the next incoming stream and returns its
	// protocol id.
	AcceptStream(ctx context.Context) (Stream, string, error)
	Close() error
}

// Stream is one ordered, reliable, bidirectional byte exchange.
type Stream interface {
	io.ReadWriteCloser
	// CloseWrite half-closes the stream so the remote side sees EOF while
	// the local side keeps reading the response.
	CloseWrite() error
}

// GossipEventKind discriminates overlay notifications.
type GossipEventKind uint8

const (
	GossipNeighborUp GossipEventKind = iota + 1
	GossipNeighborDown
	GossipMessage
)

// GossipEvent is one notification from the broadcast overlay for a topic.
type GossipEvent struct {
	Kind    GossipEventKind
	Peer    model.PeerID
	Payload []byte
}

// Gossip is the broadcast overlay. The sync engine uses the namespace as
// the topic, learns about new neighbors from it and relays sync reports
// over it.
type Gossip interface {
	// Join subscribes to a topic and returns its event stream. Joining an
	// already joined topic returns the existing stream.
	Join(ctx context.Context, topic model.NamespaceID) (<-chan GossipEvent, error)
	// Broadcast sends a payload to all neighbors of the topic.
	Broadcast(ctx context.Context, topic model.NamespaceID, payload []byte) error
	// Leave unsubscribes from the topic and closes its event stream.
	Leave(topic model.NamespaceID) error
}
