// Package gossip is the default broadcast overlay adapter. It relays
// topic-scoped payloads to directly connected neighbors and surfaces
// neighbor membership changes. The sync engine consumes it through the
// interfaces.Gossip contract and treats it as a collaborator.
package gossip

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"sync"

	"github.com/i5heu/ouroboros-sync/pkg/interfaces"
	"github.com/i5heu/ouroboros-sync/pkg/model"
)

// ProtocolID is the stream protocol id of gossip frames.
const ProtocolID = "ouroboros-sync/gossip/1"

const eventBuffer = 64

type frame struct {
	Topic   model.NamespaceID
	Payload []byte
}

// Overlay implements interfaces.Gossip over direct peer connections.
type Overlay struct {
	logger *slog.Logger

	mu        sync.Mutex
	topics    map[model.NamespaceID]chan interfaces.GossipEvent
	neighbors map[model.PeerID]interfaces.Connection
}

func New(logger *slog.Logger) *Overlay {
	return &Overlay{
		logger:    logger,
		topics:    make(map[model.NamespaceID]chan interfaces.GossipEvent),
		neighbors: make(map[model.PeerID]interfaces.Connection),
	}
}

// Join subscribes to a topic. Already connected neighbors are announced
// immediately as NeighborUp.
func (o *Overlay) Join(_ context.Context, topic model.NamespaceID) (<-chan interfaces.GossipEvent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ch, ok := o.topics[topic]; ok {
		return ch, nil
	}
	ch := make(chan interfaces.GossipEvent, eventBuffer)
	o.topics[topic] = ch
	for peer := range o.neighbors {
		sendEvent(ch, interfaces.GossipEvent{Kind: interfaces.GossipNeighborUp, Peer: peer})
	}
	return ch, nil
}

// Leave unsubscribes from a topic and closes its event stream.
func (o *Overlay) Leave(topic model.NamespaceID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ch, ok := o.topics[topic]; ok {
		delete(o.topics, topic)
		close(ch)
	}
	return nil
}

// Broadcast sends a payload to all neighbors of a topic.
func (o *Overlay) Broadcast(ctx context.Context, topic model.NamespaceID, payload []byte) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(frame{Topic: topic, Payload: payload}); err != nil {
		return fmt.Errorf("encode gossip frame: %w", err)
	}

	o.mu.Lock()
	conns := make([]interfaces.Connection, 0, len(o.neighbors))
	for _, c := range o.neighbors {
		conns = append(conns, c)
	}
	o.mu.Unlock()

	for _, conn := range conns {
		if err := o.sendFrame(ctx, conn, buf.Bytes()); err != nil {
			o.logger.Warn("gossip broadcast to neighbor failed",
				"peer", string(conn.RemoteID()), "error", err)
		}
	}
	return nil
}

func (o *Overlay) sendFrame(ctx context.Context, conn interfaces.Connection, payload []byte) error {
	stream, err := conn.OpenStream(ctx, ProtocolID)
	if err != nil {
		return err
	}
	defer stream.Close()
	if _, err := stream.Write(payload); err != nil {
		return err
	}
	return stream.CloseWrite()
}

// AddNeighbor registers a peer connection with the overlay and announces
// it to every joined topic.
func (o *Overlay) AddNeighbor(conn interfaces.Connection) {
	o.mu.Lock()
	defer o.mu.Unlock()
	peer := conn.RemoteID()
	if _, ok := o.neighbors[peer]; ok {
		return
	}
	o.neighbors[peer] = conn
	for _, ch := range o.topics {
		sendEvent(ch, interfaces.GossipEvent{Kind: interfaces.GossipNeighborUp, Peer: peer})
	}
}

// RemoveNeighbor drops a peer and announces NeighborDown.
func (o *Overlay) RemoveNeighbor(peer model.PeerID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.neighbors[peer]; !ok {
		return
	}
	delete(o.neighbors, peer)
	for _, ch := range o.topics {
		sendEvent(ch, interfaces.GossipEvent{Kind: interfaces.GossipNeighborDown, Peer: peer})
	}
}

// HandleStream consumes one incoming gossip stream and dispatches the
// frame to its topic's subscribers.
func (o *Overlay) HandleStream(from model.PeerID, stream interfaces.Stream) error {
	defer stream.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(stream); err != nil {
		return fmt.Errorf("read gossip frame: %w", err)
	}
	var f frame
	if err := gob.NewDecoder(&buf).Decode(&f); err != nil {
		return fmt.Errorf("decode gossip frame: %w", err)
	}

	// The send must stay under the lock: Leave closes the channel while
	// holding it, so an unlocked send could hit a closed channel.
	o.mu.Lock()
	defer o.mu.Unlock()
	ch, ok := o.topics[f.Topic]
	if !ok {
		// Not joined; the frame is simply dropped.
		return nil
	}
	sendEvent(ch, interfaces.GossipEvent{
		Kind:    interfaces.GossipMessage,
		Peer:    from,
		Payload: f.Payload,
	})
	return nil
}

// sendEvent never blocks the overlay on a slow topic consumer.
func sendEvent(ch chan interfaces.GossipEvent, ev interfaces.GossipEvent) {
	select {
	case ch <- ev:
	default:
	}
}
