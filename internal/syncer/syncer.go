package syncer

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-sync/internal/contentStore"
	"github.com/i5heu/ouroboros-sync/internal/fetcher"
	"github.com/i5heu/ouroboros-sync/internal/replicaStore"
	"github.com/i5heu/ouroboros-sync/pkg/events"
	"github.com/i5heu/ouroboros-sync/pkg/interfaces"
	"github.com/i5heu/ouroboros-sync/pkg/model"
)

// SessionState is where a (peer, namespace) sync session currently is.
type SessionState uint8

const (
	StateIdle SessionState = iota
	StateConnecting
	StateReconciling
	StateContentFetching
	// StateFailed marks the last attempt as failed. The next trigger moves
	// the session back through Connecting.
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateReconciling:
		return "Reconciling"
	case StateContentFetching:
		return "ContentFetching"
	case StateFailed:
		return "Failed"
	}
	return fmt.Sprintf("Unknown(%d)", uint8(s))
}

// Config tunes the sync engine.
type Config struct {
	// SyncTimeout bounds one reconciliation exchange.
	SyncTimeout time.Duration
	// DownloadTimeout bounds the content fetching phase of one round.
	DownloadTimeout time.Duration
}

// Engine coordinates sync sessions. Per (peer, namespace) pair at most
// one exchange runs at a time; triggers arriving during a run queue a
// single follow-up run instead of running concurrently.
type Engine struct {
	replicas *replicaStore.Store
	content  *contentStore.Store
	fetch    *fetcher.Fetcher
	hub      *events.Hub
	gossip   interfaces.Gossip
	logger   *slog.Logger

	syncTimeout     time.Duration
	downloadTimeout time.Duration

	mu       sync.Mutex
	conns    map[model.PeerID]interfaces.Connection
	sessions map[sessionKey]*session
	topics   map[model.NamespaceID]struct{}
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type sessionKey struct {
	peer model.PeerID
	ns   model.NamespaceID
}

type session struct {
	state   SessionState
	running bool
	// queued holds the reason of a resync requested while the session was
	// running. It is never dropped; the session reruns once per queueing.
	queued *events.SyncReason
}

// syncReport is the gossip payload announcing that the sender's replica
// changed and neighbors should sync with it.
type syncReport struct {
	Namespace model.NamespaceID
}

func New(replicas *replicaStore.Store, content *contentStore.Store, fetch *fetcher.Fetcher, hub *events.Hub, gossip interfaces.Gossip, logger *slog.Logger, conf Config) *Engine {
	if conf.SyncTimeout == 0 {
		conf.SyncTimeout = 60 * time.Second
	}
	if conf.DownloadTimeout == 0 {
		conf.DownloadTimeout = 10 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		replicas:        replicas,
		content:         content,
		fetch:           fetch,
		hub:             hub,
		gossip:          gossip,
		logger:          logger,
		syncTimeout:     conf.SyncTimeout,
		downloadTimeout: conf.DownloadTimeout,
		conns:           make(map[model.PeerID]interfaces.Connection),
		sessions:        make(map[sessionKey]*session),
		topics:          make(map[model.NamespaceID]struct{}),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// RegisterConn makes a peer connection available to sync sessions.
func (e *Engine) RegisterConn(conn interfaces.Connection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns[conn.RemoteID()] = conn
}

// DropConn forgets a peer connection. Running sessions using it fail on
// their next stream operation and report the failure as a SyncEvent.
func (e *Engine) DropConn(peer model.PeerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conns, peer)
}

func (e *Engine) conn(peer model.PeerID) interfaces.Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns[peer]
}

// JoinNamespace subscribes the engine to the namespace's gossip topic and
// starts reacting to neighbor changes and sync reports.
func (e *Engine) JoinNamespace(ctx context.Context, ns model.NamespaceID) error {
	e.mu.Lock()
	if _, ok := e.topics[ns]; ok {
		e.mu.Unlock()
		return nil
	}
	e.topics[ns] = struct{}{}
	e.mu.Unlock()

	ch, err := e.gossip.Join(ctx, ns)
	if err != nil {
		e.mu.Lock()
		delete(e.topics, ns)
		e.mu.Unlock()
		return fmt.Errorf("join gossip topic: %w", err)
	}

	e.wg.Add(1)
	go e.gossipLoop(ns, ch)
	return nil
}

// LeaveNamespace stops syncing the namespace. The gossip loop ends when
// the overlay closes the topic channel.
func (e *Engine) LeaveNamespace(ns model.NamespaceID) error {
	e.mu.Lock()
	delete(e.topics, ns)
	for key := range e.sessions {
		if key.ns == ns {
			delete(e.sessions, key)
		}
	}
	e.mu.Unlock()
	return e.gossip.Leave(ns)
}

func (e *Engine) gossipLoop(ns model.NamespaceID, ch <-chan interfaces.GossipEvent) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Kind {
			case interfaces.GossipNeighborUp:
				e.hub.Publish(ns, events.LiveEvent{Kind: events.EventNeighborUp, Neighbor: ev.Peer})
				e.RequestSync(ev.Peer, ns, events.ReasonNewNeighbor)
			case interfaces.GossipNeighborDown:
				e.hub.Publish(ns, events.LiveEvent{Kind: events.EventNeighborDown, Neighbor: ev.Peer})
			case interfaces.GossipMessage:
				var report syncReport
				if err := gob.NewDecoder(bytes.NewReader(ev.Payload)).Decode(&report); err != nil {
					e.logger.Warn("malformed sync report",
						"peer", string(ev.Peer), "error", err)
					continue
				}
				if report.Namespace != ns {
					continue
				}
				e.RequestSync(ev.Peer, ns, events.ReasonSyncReport)
			}
		}
	}
}

// StartSync triggers sync sessions with the given peers, typically after
// importing a ticket that names them.
func (e *Engine) StartSync(ns model.NamespaceID, peers []model.PeerID) {
	for _, peer := range peers {
		e.RequestSync(peer, ns, events.ReasonDirectJoin)
	}
}

// RequestSync triggers a sync session with one peer. If a session for the
// pair is already running, one follow-up run is queued with ReasonResync
// instead of running concurrently; the request is never dropped.
func (e *Engine) RequestSync(peer model.PeerID, ns model.NamespaceID, reason events.SyncReason) {
	key := sessionKey{peer: peer, ns: ns}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	sess, ok := e.sessions[key]
	if !ok {
		sess = &session{}
		e.sessions[key] = sess
	}
	if sess.running {
		queued := events.ReasonResync
		sess.queued = &queued
		e.mu.Unlock()
		return
	}
	sess.running = true
	sess.state = StateConnecting
	e.mu.Unlock()

	e.wg.Add(1)
	go e.runSession(key, sess, reason)
}

func (e *Engine) runSession(key sessionKey, sess *session, reason events.SyncReason) {
	defer e.wg.Done()
	for {
		e.runExchange(key, sess, reason)

		e.mu.Lock()
		if sess.queued != nil && !e.closed {
			reason = *sess.queued
			sess.queued = nil
			sess.state = StateConnecting
			e.mu.Unlock()
			continue
		}
		sess.running = false
		if sess.state != StateFailed {
			sess.state = StateIdle
		}
		e.mu.Unlock()
		return
	}
}

// runExchange performs one full round: reconcile, then fetch the content
// the round made pending.
func (e *Engine) runExchange(key sessionKey, sess *session, reason events.SyncReason) {
	origin := events.Origin{Reason: reason}
	started := time.Now()

	conn := e.conn(key.peer)
	if conn == nil {
		e.finishExchange(key, sess, origin, started, fmt.Errorf("no connection to peer %s", key.peer), nil)
		return
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.syncTimeout)
	defer cancel()

	e.setState(sess, StateReconciling)
	stream, err := conn.OpenStream(ctx, ProtocolID)
	if err != nil {
		e.finishExchange(key, sess, origin, started, fmt.Errorf("open sync stream: %w", err), nil)
		return
	}
	defer stream.Close()

	local, err := e.snapshot(key.ns)
	if err != nil {
		e.finishExchange(key, sess, origin, started, err, nil)
		return
	}

	apply, pending := e.applier(key.ns, key.peer)
	err = reconcileInitiator(stream, key.ns, local, apply)
	e.finishExchange(key, sess, origin, started, err, pending)
}

// finishExchange emits SyncFinished and, on success, runs the content
// fetching phase followed by PendingContentReady.
func (e *Engine) finishExchange(key sessionKey, sess *session, origin events.Origin, started time.Time, err error, pending *pendingContent) {
	ev := events.SyncEvent{
		Peer:     key.peer,
		Origin:   origin,
		Started:  started,
		Finished: time.Now(),
	}
	if err != nil {
		ev.Result = err.Error()
		e.setState(sess, StateFailed)
		e.logger.Warn("sync with peer failed",
			"peer", string(key.peer), "namespace", key.ns.String(), "error", err)
	}
	e.hub.Publish(key.ns, events.LiveEvent{Kind: events.EventSyncFinished, Sync: ev})
	if err != nil {
		return
	}

	e.setState(sess, StateContentFetching)
	e.fetchPending(key.ns, key.peer, pending)

	if pending != nil && pending.applied > 0 {
		e.broadcastReport(key.ns)
	}
}

// fetchPending downloads the content the last reconciliation round left
// pending and emits PendingContentReady once the queue has drained.
func (e *Engine) fetchPending(ns model.NamespaceID, peer model.PeerID, pending *pendingContent) {
	conn := e.conn(peer)
	var items []pendingItem
	if pending != nil {
		items = pending.take()
	}

	if conn == nil && len(items) > 0 {
		e.logger.Debug("dropping pending downloads, peer connection is gone",
			"peer", string(peer), "namespace", ns.String(), "count", len(items))
	}

	if conn != nil && len(items) > 0 {
		ctx, cancel := context.WithTimeout(e.ctx, e.downloadTimeout)
		defer cancel()

		var wg sync.WaitGroup
		for _, item := range items {
			item := item
			wg.Add(1)
			e.fetch.Enqueue(ctx, conn, item.hash, item.size, model.BlobFormatRaw, func(err error) {
				defer wg.Done()
				if errors.Is(err, fetcher.ErrAlreadyFetching) {
					// Another session owns the download and announces
					// readiness if it ever completes.
					e.logger.Debug("content download already owned elsewhere",
						"hash", item.hash.String(), "peer", string(peer))
					return
				}
				if err != nil {
					e.logger.Warn("content download failed",
						"hash", item.hash.String(), "peer", string(peer), "error", err)
					return
				}
				e.hub.Publish(ns, events.LiveEvent{Kind: events.EventContentReady, Hash: item.hash})
			})
		}
		wg.Wait()
	}

	e.hub.Publish(ns, events.LiveEvent{Kind: events.EventPendingContentReady})
}

// HandleStream answers an incoming sync exchange. The accepting side runs
// the same insert, event, and download pipeline as the dialing side.
func (e *Engine) HandleStream(from model.PeerID, stream interfaces.Stream) error {
	defer stream.Close()
	started := time.Now()

	hello, err := readMsg(stream)
	if err != nil {
		return fmt.Errorf("read sync hello: %w", err)
	}
	if hello.Kind != msgHello {
		return fmt.Errorf("unexpected message kind %d, expected hello", hello.Kind)
	}
	ns := hello.Namespace

	if _, err := e.replicas.Capability(ns); err != nil {
		_ = writeMsg(stream, wireMsg{Kind: msgReject, Reason: "unknown namespace"})
		return fmt.Errorf("sync request for unknown namespace %s", ns)
	}
	if err := writeMsg(stream, wireMsg{Kind: msgHello, Namespace: ns}); err != nil {
		return err
	}

	local, err := e.snapshot(ns)
	if err != nil {
		return err
	}

	apply, pending := e.applier(ns, from)
	err = reconcileResponder(stream, local, apply)

	ev := events.SyncEvent{
		Peer:     from,
		Origin:   events.Origin{Accept: true},
		Started:  started,
		Finished: time.Now(),
	}
	if err != nil {
		ev.Result = err.Error()
	}
	e.hub.Publish(ns, events.LiveEvent{Kind: events.EventSyncFinished, Sync: ev})
	if err != nil {
		return err
	}

	e.fetchPending(ns, from, pending)
	if pending.applied > 0 {
		e.broadcastReport(ns)
	}
	return nil
}

// snapshot loads the replica's full record set, tombstones included, as
// the reconciliation input.
func (e *Engine) snapshot(ns model.NamespaceID) (*entrySet, error) {
	entries, err := e.replicas.All(ns)
	if err != nil {
		return nil, fmt.Errorf("load replica snapshot: %w", err)
	}
	return newEntrySet(entries), nil
}

type pendingItem struct {
	hash model.Hash
	size uint64
}

// pendingContent collects the downloads one reconciliation round schedules.
type pendingContent struct {
	mu      sync.Mutex
	applied int
	items   []pendingItem
	seen    map[model.Hash]struct{}
}

func (p *pendingContent) add(h model.Hash, size uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[h]; ok {
		return
	}
	p.seen[h] = struct{}{}
	p.items = append(p.items, pendingItem{hash: h, size: size})
}

func (p *pendingContent) take() []pendingItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	items := p.items
	p.items = nil
	return items
}

// applier builds the per-exchange callback that inserts remote entries,
// emits InsertRemote events, and collects policy-approved downloads.
func (e *Engine) applier(ns model.NamespaceID, from model.PeerID) (func(model.Entry) bool, *pendingContent) {
	pending := &pendingContent{seen: make(map[model.Hash]struct{})}

	pol, err := e.replicas.Policy(ns)
	if err != nil {
		e.logger.Warn("download policy unavailable, using default",
			"namespace", ns.String(), "error", err)
	}

	apply := func(entry model.Entry) bool {
		if entry.ID.Namespace != ns {
			e.logger.Warn("peer sent entry for wrong namespace",
				"peer", string(from), "namespace", entry.ID.Namespace.String())
			return false
		}
		applied, err := e.replicas.InsertRemote(entry)
		if err != nil {
			e.logger.Warn("remote entry rejected",
				"peer", string(from), "error", err)
			return false
		}
		if !applied {
			return false
		}

		pending.mu.Lock()
		pending.applied++
		pending.mu.Unlock()

		status := e.content.ContentStatus(entry.Record.Hash)
		e.hub.Publish(ns, events.LiveEvent{
			Kind:          events.EventInsertRemote,
			Entry:         entry,
			From:          from,
			ContentStatus: status,
		})

		if status != model.ContentStatusComplete && !entry.IsTombstone() && pol.Decide(entry.ID.Key) {
			pending.add(entry.Record.Hash, entry.Record.Len)
		}
		return true
	}
	return apply, pending
}

// AnnounceChange broadcasts a sync report for a locally originated
// mutation so neighbors pull the change.
func (e *Engine) AnnounceChange(ns model.NamespaceID) {
	e.broadcastReport(ns)
}

// broadcastReport tells gossip neighbors that this replica changed so
// they can pull the news from us.
func (e *Engine) broadcastReport(ns model.NamespaceID) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(syncReport{Namespace: ns}); err != nil {
		e.logger.Warn("encode sync report", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
	defer cancel()
	if err := e.gossip.Broadcast(ctx, ns, buf.Bytes()); err != nil {
		e.logger.Warn("broadcast sync report",
			"namespace", ns.String(), "error", err)
	}
}

func (e *Engine) setState(sess *session, state SessionState) {
	e.mu.Lock()
	sess.state = state
	e.mu.Unlock()
}

// State reports where the session with a peer currently is.
func (e *Engine) State(peer model.PeerID, ns model.NamespaceID) SessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sess, ok := e.sessions[sessionKey{peer: peer, ns: ns}]; ok {
		return sess.state
	}
	return StateIdle
}

// ActiveSessions counts sessions of a namespace that are not idle.
func (e *Engine) ActiveSessions(ns model.NamespaceID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for key, sess := range e.sessions {
		if key.ns == ns && sess.running {
			n++
		}
	}
	return n
}

// Close stops all sessions and waits for them to wind down.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}
