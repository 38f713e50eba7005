/*
Package ouroborossync is a peer-to-peer replicated document engine. Each
document is a namespace of (author, key) records pointing at
content-addressed blobs; nodes reconcile record sets with their peers and
download the referenced content subject to a per-document policy.
*/
package ouroborossync

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-sync/internal/backup"
	"github.com/i5heu/ouroboros-sync/internal/contentStore"
	"github.com/i5heu/ouroboros-sync/internal/fetcher"
	"github.com/i5heu/ouroboros-sync/internal/gossip"
	"github.com/i5heu/ouroboros-sync/internal/keyValStore"
	"github.com/i5heu/ouroboros-sync/internal/replicaStore"
	"github.com/i5heu/ouroboros-sync/internal/syncer"
	"github.com/i5heu/ouroboros-sync/internal/transport"
	"github.com/i5heu/ouroboros-sync/pkg/events"
	"github.com/i5heu/ouroboros-sync/pkg/interfaces"
	"github.com/i5heu/ouroboros-sync/pkg/model"
)

var (
	ErrNotStarted = errors.New("ouroboros-sync: node not started")
	ErrClosed     = errors.New("ouroboros-sync: node closed")
)

// Config configures a node. Only Paths[0] is used at the moment; future
// versions may use multiple paths for sharding or tiering.
type Config struct {
	// Paths contains data directories. Currently only Paths[0] is used.
	Paths []string
	// MinimumFreeGB is a free-space threshold for on-disk operations.
	MinimumFreeGB uint
	// InMemory keeps all state in memory. Used by tests and the example
	// command.
	InMemory bool
	// Logger is an optional structured logger. If nil, a stderr logger is
	// used.
	Logger *slog.Logger
	// StoreLogger is the logger of the storage layers. If nil, a default
	// logrus logger is used.
	StoreLogger *logrus.Logger
	// Transport overrides the peer transport. If nil, a QUIC transport is
	// created.
	Transport interfaces.Transport
	// ListenAddr is the address to accept peer connections on. Empty
	// disables listening; the node can still dial out.
	ListenAddr string
	// GCInterval is the period of the background blob garbage collection.
	// Zero disables the background run; GarbageCollect can still be called
	// explicitly.
	GCInterval time.Duration
	// SyncTimeout bounds one reconciliation exchange.
	SyncTimeout time.Duration
	// DownloadTimeout bounds the content fetching phase of a sync round.
	DownloadTimeout time.Duration
	// DownloadWorkers sets the download concurrency. Zero selects a
	// CPU-based default.
	DownloadWorkers int
}

// Node is the main engine handle. It owns the stores, the sync engine,
// and the lifecycle of background components.
type Node struct {
	log    *slog.Logger
	config Config

	kv       *keyValStore.KeyValStore
	content  *contentStore.Store
	replicas *replicaStore.Store
	hub      *events.Hub
	overlay  *gossip.Overlay
	fetch    *fetcher.Fetcher
	engine   *syncer.Engine
	backups  *backup.Manager

	transport interfaces.Transport
	listener  interfaces.Listener
	localID   model.PeerID

	mu   sync.Mutex
	docs map[model.NamespaceID]*docState

	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type docState struct {
	handles int
	joined  bool
}

// defaultLogger returns a logger that writes text logs to stderr at Info
// level. Applications can inject their own slog.Logger for JSON,
// different levels, etc.
func defaultLogger() *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}

// New constructs a node handle. New does not perform heavy I/O or start
// background goroutines. Call Start to initialize subsystems.
func New(conf Config) (*Node, error) {
	if len(conf.Paths) == 0 && !conf.InMemory {
		return nil, fmt.Errorf("at least one path must be provided in config")
	}
	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}
	if conf.StoreLogger == nil {
		conf.StoreLogger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		log:    conf.Logger,
		config: conf,
		docs:   make(map[model.NamespaceID]*docState),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start initializes the stores, the sync engine, and the peer transport,
// and marks the node as ready. Start is safe to call multiple times; only
// the first call has effect.
func (n *Node) Start(ctx context.Context) error {
	var startErr error
	n.startOnce.Do(func() {
		kvConf := keyValStore.StoreConfig{
			MinimumFreeGB: int(n.config.MinimumFreeGB),
			Logger:        n.config.StoreLogger,
			InMemory:      n.config.InMemory,
		}
		if !n.config.InMemory {
			dataRoot := n.config.Paths[0]
			if err := os.MkdirAll(dataRoot, 0o700); err != nil {
				startErr = fmt.Errorf("mkdir %s: %w", dataRoot, err)
				return
			}
			kvConf.Path = filepath.Join(dataRoot, "kv")
		}

		kv, err := keyValStore.NewKeyValStore(kvConf)
		if err != nil {
			startErr = fmt.Errorf("init key-value store: %w", err)
			return
		}
		n.kv = kv

		content, err := contentStore.New(kv, n.config.StoreLogger)
		if err != nil {
			startErr = fmt.Errorf("init content store: %w", err)
			return
		}
		n.content = content
		n.replicas = replicaStore.New(kv, content, n.config.StoreLogger)
		n.hub = events.NewHub()
		n.overlay = gossip.New(n.log)
		n.fetch = fetcher.New(content, n.log, n.config.DownloadWorkers)
		n.backups = backup.NewManager(kv, n.config.StoreLogger)

		if n.config.Transport != nil {
			n.transport = n.config.Transport
		} else {
			id, err := n.loadNodeID()
			if err != nil {
				startErr = err
				return
			}
			qt, err := transport.NewQUICTransport(n.log, id, transport.QUICConfig{})
			if err != nil {
				startErr = fmt.Errorf("init quic transport: %w", err)
				return
			}
			n.transport = qt
		}
		n.localID = n.transport.LocalID()

		n.engine = syncer.New(n.replicas, n.content, n.fetch, n.hub, n.overlay, n.log, syncer.Config{
			SyncTimeout:     n.config.SyncTimeout,
			DownloadTimeout: n.config.DownloadTimeout,
		})

		if n.config.ListenAddr != "" {
			ln, err := n.transport.Listen(ctx, n.config.ListenAddr)
			if err != nil {
				startErr = fmt.Errorf("listen on %s: %w", n.config.ListenAddr, err)
				return
			}
			n.listener = ln
			n.wg.Add(1)
			go n.acceptLoop()
		}

		if n.config.GCInterval > 0 {
			n.wg.Add(1)
			go n.gcLoop()
		}

		n.started.Store(true)
		n.log.Info("node started", "peer", string(n.localID))
	})
	return startErr
}

// Run starts the node, blocks until ctx is canceled, and then performs a
// bounded graceful shutdown. It is a convenience for services.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return n.Close(shutdownCtx)
}

// Close terminates background components and releases resources. Close is
// idempotent and safe to call multiple times.
func (n *Node) Close(_ context.Context) error {
	var closeErr error
	n.closeOnce.Do(func() {
		n.started.Store(false)
		n.cancel()

		if n.listener != nil {
			if err := n.listener.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close listener: %w", err))
			}
		}
		if n.engine != nil {
			n.engine.Close()
		}
		if n.fetch != nil {
			n.fetch.Close()
		}
		if n.transport != nil {
			if err := n.transport.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close transport: %w", err))
			}
		}
		n.wg.Wait()
		if n.kv != nil {
			n.kv.Close()
		}
		n.log.Info("node closed")
	})
	return closeErr
}

// LocalID returns the node's peer identifier.
func (n *Node) LocalID() model.PeerID {
	return n.localID
}

// ListenAddr returns the bound listen address, or empty when the node
// does not listen.
func (n *Node) ListenAddr() string {
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr()
}

var nodeIDKey = []byte("nd:id")

// loadNodeID returns the persisted peer identity, creating one on first
// start.
func (n *Node) loadNodeID() (model.PeerID, error) {
	raw, err := n.kv.Read(nodeIDKey)
	if err == nil {
		return model.PeerID(raw), nil
	}
	if err != keyValStore.ErrKeyNotFound {
		return "", fmt.Errorf("load node identity: %w", err)
	}

	var seed [16]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return "", fmt.Errorf("generate node identity: %w", err)
	}
	id := model.PeerID(hex.EncodeToString(seed[:]))
	if err := n.kv.Write(nodeIDKey, []byte(id)); err != nil {
		return "", fmt.Errorf("persist node identity: %w", err)
	}
	return id, nil
}

// ConnectPeer dials a peer and registers the connection with the sync
// engine and the gossip overlay.
func (n *Node) ConnectPeer(ctx context.Context, addr string) (interfaces.Connection, error) {
	if err := n.guard(); err != nil {
		return nil, err
	}
	conn, err := n.transport.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	n.trackConn(conn)
	return conn, nil
}

func (n *Node) acceptLoop() {
	defer n.wg.Done()
	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			n.log.Warn("accept failed", "error", err)
			return
		}
		n.trackConn(conn)
	}
}

func (n *Node) trackConn(conn interfaces.Connection) {
	n.engine.RegisterConn(conn)
	n.overlay.AddNeighbor(conn)
	n.wg.Add(1)
	go n.streamLoop(conn)
}

// streamLoop demultiplexes the streams of one peer connection onto the
// protocol handlers until the connection dies.
func (n *Node) streamLoop(conn interfaces.Connection) {
	defer n.wg.Done()
	peer := conn.RemoteID()
	defer func() {
		n.overlay.RemoveNeighbor(peer)
		n.engine.DropConn(peer)
		_ = conn.Close()
	}()

	for {
		stream, proto, err := conn.AcceptStream(n.ctx)
		if err != nil {
			if n.ctx.Err() == nil {
				n.log.Debug("peer connection ended",
					"peer", string(peer), "error", err)
			}
			return
		}
		go n.dispatchStream(peer, stream, proto)
	}
}

func (n *Node) dispatchStream(peer model.PeerID, stream interfaces.Stream, proto string) {
	var err error
	switch proto {
	case syncer.ProtocolID:
		err = n.engine.HandleStream(peer, stream)
	case fetcher.ProtocolID:
		err = n.fetch.HandleStream(stream)
	case gossip.ProtocolID:
		err = n.overlay.HandleStream(peer, stream)
	default:
		_ = stream.Close()
		err = fmt.Errorf("unknown protocol %q", proto)
	}
	if err != nil {
		n.log.Debug("stream handler failed",
			"peer", string(peer), "protocol", proto, "error", err)
	}
}

func (n *Node) gcLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.config.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			roots, err := n.liveContentRoots()
			if err != nil {
				n.log.Warn("collecting gc roots failed", "error", err)
				continue
			}
			stats, err := n.content.GarbageCollect(n.ctx, roots...)
			if err != nil {
				n.log.Warn("garbage collection failed", "error", err)
				continue
			}
			n.log.Debug("garbage collection finished",
				"scanned", stats.Scanned, "live", stats.Live, "deleted", stats.Deleted)
		}
	}
}

// guard rejects operations on a node that is not running.
func (n *Node) guard() error {
	if !n.started.Load() {
		if n.ctx.Err() != nil {
			return ErrClosed
		}
		return ErrNotStarted
	}
	return nil
}

// Backup writes an xz-compressed snapshot of all local data.
func (n *Node) Backup(ctx context.Context, w io.Writer) error {
	if err := n.guard(); err != nil {
		return err
	}
	return n.backups.BackupData(ctx, w)
}

// Restore loads a snapshot into the node's store.
func (n *Node) Restore(ctx context.Context, r io.Reader) error {
	if err := n.guard(); err != nil {
		return err
	}
	return n.backups.RestoreData(ctx, r)
}
