// Package events defines the live event stream of a replica and the hub
// that fans events out to subscribers.
package events

import (
	"fmt"
	"time"

	"github.com/i5heu/ouroboros-sync/pkg/model"
)

// EventKind discriminates the LiveEvent union. Consumers are expected to
// switch exhaustively over the kind.
type EventKind uint8

const (
	// EventInsertLocal fires for a local mutation.
	EventInsertLocal EventKind = iota + 1
	// EventInsertRemote fires for a record discovered via reconciliation.
	EventInsertRemote
	// EventContentReady fires when an entry's content finished downloading
	// and passed verification.
	EventContentReady
	// EventNeighborUp fires when a peer appears in the broadcast overlay.
	EventNeighborUp
	// EventNeighborDown fires when a peer leaves the broadcast overlay.
	EventNeighborDown
	// EventSyncFinished fires after a reconciliation exchange completes,
	// successfully or not.
	EventSyncFinished
	// EventPendingContentReady fires once every download queued by the
	// last reconciliation round has completed or permanently failed. It is
	// only ever emitted after EventSyncFinished, and its absence does not
	// imply failure: content may simply be excluded by policy.
	EventPendingContentReady
	// EventLagged tells a slow subscriber that events were dropped because
	// its buffer overflowed. The producer never blocks on subscribers.
	EventLagged
)

func (k EventKind) String() string {
	switch k {
	case EventInsertLocal:
		return "InsertLocal"
	case EventInsertRemote:
		return "InsertRemote"
	case EventContentReady:
		return "ContentReady"
	case EventNeighborUp:
		return "NeighborUp"
	case EventNeighborDown:
		return "NeighborDown"
	case EventSyncFinished:
		return "SyncFinished"
	case EventPendingContentReady:
		return "PendingContentReady"
	case EventLagged:
		return "Lagged"
	}
	return fmt.Sprintf("Unknown(%d)", uint8(k))
}

// LiveEvent is one event on a replica's subscription stream. Which fields
// are set depends on Kind.
type LiveEvent struct {
	Kind EventKind

	// Entry is set for InsertLocal and InsertRemote.
	Entry model.Entry
	// From is the sending peer for InsertRemote.
	From model.PeerID
	// ContentStatus is the local availability for InsertRemote.
	ContentStatus model.ContentStatus
	// Hash is the newly available content hash for ContentReady.
	Hash model.Hash
	// Neighbor is set for NeighborUp and NeighborDown.
	Neighbor model.PeerID
	// Sync is set for SyncFinished.
	Sync SyncEvent
}

// SyncReason is why a sync exchange was started.
type SyncReason uint8

const (
	// ReasonDirectJoin is an explicit join call through the API.
	ReasonDirectJoin SyncReason = iota
	// ReasonNewNeighbor means the peer showed up in the broadcast overlay.
	ReasonNewNeighbor
	// ReasonSyncReport means a peer announced it has news for us.
	ReasonSyncReport
	// ReasonResync means a sync report arrived while a sync with that peer
	// was already running, so another run was queued right after it.
	ReasonResync
)

func (r SyncReason) String() string {
	switch r {
	case ReasonDirectJoin:
		return "DirectJoin"
	case ReasonNewNeighbor:
		return "NewNeighbor"
	case ReasonSyncReport:
		return "SyncReport"
	case ReasonResync:
		return "Resync"
	}
	return fmt.Sprintf("Unknown(%d)", uint8(r))
}

// Origin is why a sync exchange happened: we connected for a reason, or a
// peer connected to us and we accepted.
type Origin struct {
	// Accept is true when the remote side initiated the exchange.
	Accept bool
	// Reason is only meaningful when Accept is false.
	Reason SyncReason
}

func (o Origin) String() string {
	if o.Accept {
		return "Accept"
	}
	return "Connect" + o.Reason.String()
}

// SyncEvent is the outcome of one reconciliation exchange with a peer.
type SyncEvent struct {
	Peer     model.PeerID
	Origin   Origin
	Started  time.Time
	Finished time.Time
	// Result is empty on success, otherwise the error string. Transport
	// and peer failures land here; they never crash the engine.
	Result string
}
