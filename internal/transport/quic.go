// Package transport provides the wired implementations of the peer
// transport contract: QUIC for real networks and an in-process memory
// transport for tests and examples.
package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/i5heu/ouroboros-sync/pkg/interfaces"
	"github.com/i5heu/ouroboros-sync/pkg/model"
)

const alpnProtocol = "ouroboros-sync"

// QUICConfig tunes the QUIC transport.
type QUICConfig struct {
	MaxIdleTimeout     time.Duration
	KeepAlivePeriod    time.Duration
	MaxIncomingStreams int64
}

// QUICTransport implements interfaces.Transport over QUIC. It provides
// reliable, multiplexed, encrypted communication; each logical exchange
// runs on its own stream.
type QUICTransport struct {
	logger   *slog.Logger
	localID  model.PeerID
	tlsConf  *tls.Config
	quicConf *quic.Config

	mu     sync.Mutex
	closed bool
}

// NewQUICTransport creates a QUIC transport identifying itself as localID.
func NewQUICTransport(logger *slog.Logger, localID model.PeerID, conf QUICConfig) (*QUICTransport, error) {
	tlsConf, err := generateTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("generate TLS config: %w", err)
	}

	if conf.MaxIdleTimeout == 0 {
		conf.MaxIdleTimeout = 30 * time.Second
	}
	if conf.KeepAlivePeriod == 0 {
		conf.KeepAlivePeriod = 10 * time.Second
	}
	if conf.MaxIncomingStreams == 0 {
		conf.MaxIncomingStreams = 256
	}

	return &QUICTransport{
		logger:  logger,
		localID: localID,
		tlsConf: tlsConf,
		quicConf: &quic.Config{
			MaxIdleTimeout:     conf.MaxIdleTimeout,
			KeepAlivePeriod:    conf.KeepAlivePeriod,
			MaxIncomingStreams: conf.MaxIncomingStreams,
		},
	}, nil
}

func (t *QUICTransport) LocalID() model.PeerID {
	return t.localID
}

// Dial establishes a connection to a remote node and performs the identity
// handshake on the first stream.
func (t *QUICTransport) Dial(ctx context.Context, addr string) (interfaces.Connection, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.New("transport is closed")
	}
	t.mu.Unlock()

	clientTLS := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
	}

	conn, err := quic.DialAddr(ctx, addr, clientTLS, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}

	qc := &quicConn{conn: conn, localID: t.localID}
	if err := qc.clientHandshake(ctx); err != nil {
		_ = conn.CloseWithError(1, "handshake failed")
		return nil, fmt.Errorf("handshake with %s: %w", addr, err)
	}

	t.logger.Debug("quic connection established",
		"address", addr, "remote", string(qc.remoteID))
	return qc, nil
}

// Listen starts accepting incoming connections on addr.
func (t *QUICTransport) Listen(ctx context.Context, addr string) (interfaces.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("transport is closed")
	}

	ln, err := quic.ListenAddr(addr, t.tlsConf, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	t.logger.Info("quic transport listening", "address", ln.Addr().String())
	return &quicListener{listener: ln, localID: t.localID}, nil
}

func (t *QUICTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

type quicListener struct {
	listener *quic.Listener
	localID  model.PeerID
}

func (l *quicListener) Accept(ctx context.Context) (interfaces.Connection, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	qc := &quicConn{conn: conn, localID: l.localID}
	if err := qc.serverHandshake(ctx); err != nil {
		_ = conn.CloseWithError(1, "handshake failed")
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return qc, nil
}

func (l *quicListener) Addr() string {
	return l.listener.Addr().String()
}

func (l *quicListener) Close() error {
	return l.listener.Close()
}

type quicConn struct {
	conn     quic.Connection
	localID  model.PeerID
	remoteID model.PeerID
}

func (c *quicConn) RemoteID() model.PeerID {
	return c.remoteID
}

// clientHandshake exchanges peer identifiers on a dedicated stream, local
// id first.
func (c *quicConn) clientHandshake(ctx context.Context) error {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	if err := writeFrame(stream, []byte(c.localID)); err != nil {
		return err
	}
	remote, err := readFrame(stream)
	if err != nil {
		return err
	}
	c.remoteID = model.PeerID(remote)
	return nil
}

func (c *quicConn) serverHandshake(ctx context.Context) error {
	stream, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	remote, err := readFrame(stream)
	if err != nil {
		return err
	}
	if err := writeFrame(stream, []byte(c.localID)); err != nil {
		return err
	}
	c.remoteID = model.PeerID(remote)
	return nil
}

// OpenStream opens a stream and announces its protocol id.
func (c *quicConn) OpenStream(ctx context.Context, proto string) (interfaces.Stream, error) {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(stream, []byte(proto)); err != nil {
		stream.CancelRead(0)
		_ = stream.Close()
		return nil, err
	}
	return &quicStream{stream: stream}, nil
}

// AcceptStream accepts the next stream and reads its protocol id.
func (c *quicConn) AcceptStream(ctx context.Context) (interfaces.Stream, string, error) {
	stream, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, "", err
	}
	proto, err := readFrame(stream)
	if err != nil {
		stream.CancelRead(0)
		_ = stream.Close()
		return nil, "", err
	}
	return &quicStream{stream: stream}, string(proto), nil
}

func (c *quicConn) Close() error {
	return c.conn.CloseWithError(0, "closed")
}

type quicStream struct {
	stream quic.Stream
}

func (s *quicStream) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *quicStream) Write(p []byte) (int, error) { return s.stream.Write(p) }

// CloseWrite half-closes the send direction; the peer reads EOF.
func (s *quicStream) CloseWrite() error {
	return s.stream.Close()
}

func (s *quicStream) Close() error {
	s.stream.CancelRead(0)
	return s.stream.Close()
}

// writeFrame writes a length-prefixed frame.
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads a length-prefixed frame, bounded to keep malformed
// peers from forcing large allocations.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

const maxFrameSize = 16 * 1024 * 1024

// generateTLSConfig builds a self-signed certificate for the listener.
// Peer authentication happens at the protocol layer, not via PKI.
func generateTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: alpnProtocol},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
		}},
		NextProtos: []string{alpnProtocol},
	}, nil
}
