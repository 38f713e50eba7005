package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/i5heu/ouroboros-sync/pkg/interfaces"
	"github.com/i5heu/ouroboros-sync/pkg/model"
)

// MemoryNetwork connects MemoryTransport instances in-process. It stands
// in for a real network in tests and the example command; the engine only
// sees the interfaces.
type MemoryNetwork struct {
	mu        sync.Mutex
	listeners map[string]*memoryListener
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{listeners: make(map[string]*memoryListener)}
}

// NewTransport creates a transport attached to the network.
func (n *MemoryNetwork) NewTransport(localID model.PeerID) *MemoryTransport {
	return &MemoryTransport{network: n, localID: localID}
}

// MemoryTransport implements interfaces.Transport over in-process pipes.
type MemoryTransport struct {
	network *MemoryNetwork
	localID model.PeerID
	closed  bool
	mu      sync.Mutex
}

func (t *MemoryTransport) LocalID() model.PeerID {
	return t.localID
}

func (t *MemoryTransport) Dial(ctx context.Context, addr string) (interfaces.Connection, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.New("transport is closed")
	}
	t.mu.Unlock()

	t.network.mu.Lock()
	ln, ok := t.network.listeners[addr]
	t.network.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no listener on %s", addr)
	}

	local, remote := newConnPair(t.localID, ln.localID)
	select {
	case ln.incoming <- remote:
		return local, nil
	case <-ln.done:
		return nil, fmt.Errorf("listener on %s is closed", addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *MemoryTransport) Listen(_ context.Context, addr string) (interfaces.Listener, error) {
	ln := &memoryListener{
		network:  t.network,
		addr:     addr,
		localID:  t.localID,
		incoming: make(chan *memoryConn, 16),
		done:     make(chan struct{}),
	}
	t.network.mu.Lock()
	defer t.network.mu.Unlock()
	if _, exists := t.network.listeners[addr]; exists {
		return nil, fmt.Errorf("address %s already in use", addr)
	}
	t.network.listeners[addr] = ln
	return ln, nil
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

type memoryListener struct {
	network  *MemoryNetwork
	addr     string
	localID  model.PeerID
	incoming chan *memoryConn
	done     chan struct{}
	once     sync.Once
}

func (l *memoryListener) Accept(ctx context.Context) (interfaces.Connection, error) {
	select {
	case conn := <-l.incoming:
		return conn, nil
	case <-l.done:
		return nil, errors.New("listener closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *memoryListener) Addr() string {
	return l.addr
}

func (l *memoryListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.network.mu.Lock()
		delete(l.network.listeners, l.addr)
		l.network.mu.Unlock()
	})
	return nil
}

// memoryConn is one end of an in-process connection. Streams opened on
// one end pop out of AcceptStream on the other.
type memoryConn struct {
	remoteID model.PeerID
	streams  chan *incomingStream
	peer     *memoryConn
	done     chan struct{}
	once     sync.Once
}

type incomingStream struct {
	stream interfaces.Stream
	proto  string
}

func newConnPair(dialerID, listenerID model.PeerID) (*memoryConn, *memoryConn) {
	a := &memoryConn{remoteID: listenerID, streams: make(chan *incomingStream, 16), done: make(chan struct{})}
	b := &memoryConn{remoteID: dialerID, streams: make(chan *incomingStream, 16), done: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

func (c *memoryConn) RemoteID() model.PeerID {
	return c.remoteID
}

func (c *memoryConn) OpenStream(ctx context.Context, proto string) (interfaces.Stream, error) {
	local, remote := newStreamPair()
	select {
	case c.peer.streams <- &incomingStream{stream: remote, proto: proto}:
		return local, nil
	case <-c.done:
		return nil, errors.New("connection closed")
	case <-c.peer.done:
		return nil, errors.New("connection closed by peer")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memoryConn) AcceptStream(ctx context.Context) (interfaces.Stream, string, error) {
	select {
	case in := <-c.streams:
		return in.stream, in.proto, nil
	case <-c.done:
		return nil, "", errors.New("connection closed")
	case <-c.peer.done:
		return nil, "", errors.New("connection closed by peer")
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

func (c *memoryConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// memoryStream is one direction-pair of io.Pipes.
type memoryStream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newStreamPair() (interfaces.Stream, interfaces.Stream) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	return &memoryStream{r: r1, w: w2}, &memoryStream{r: r2, w: w1}
}

func (s *memoryStream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *memoryStream) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *memoryStream) CloseWrite() error {
	return s.w.Close()
}

func (s *memoryStream) Close() error {
	_ = s.w.Close()
	return s.r.Close()
}
