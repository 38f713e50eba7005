// Package fetcher moves blob bytes between peers: it serves ranges of
// locally stored content and downloads missing content into the content
// store through verified fetch sessions, with bounded concurrency.
package fetcher

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"

	"github.com/i5heu/ouroboros-sync/internal/contentStore"
	"github.com/i5heu/ouroboros-sync/pkg/interfaces"
	"github.com/i5heu/ouroboros-sync/pkg/model"
)

// ProtocolID is the stream protocol id of blob requests.
const ProtocolID = "ouroboros-sync/blobs/1"

// ErrAlreadyFetching reports that another session owns the download of the
// hash. The blob is not complete yet; the owning session decides whether
// it ever becomes complete.
var ErrAlreadyFetching = errors.New("blob download already in progress")

// copyChunkSize is the unit in which blob bytes are moved; every chunk
// boundary is a cancellation point.
const copyChunkSize = 64 * 1024

// request asks a peer for the bytes of a hash starting at an offset. An
// offset past zero resumes an earlier partial download.
type request struct {
	Hash   model.Hash
	Offset uint64
}

// response precedes the raw bytes on the wire.
type response struct {
	Found  bool
	Size   uint64
	Format model.BlobFormat
}

// Fetcher runs a bounded pool of download workers. Queued jobs are
// dropped when the fetcher shuts down.
type Fetcher struct {
	content *contentStore.Store
	logger  *slog.Logger

	jobs chan job
	wg   sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

type job struct {
	ctx      context.Context
	conn     interfaces.Connection
	hash     model.Hash
	expected uint64
	format   model.BlobFormat
	done     func(err error)
}

// New starts the worker pool. workers <= 0 selects a CPU-based default.
func New(content *contentStore.Store, logger *slog.Logger, workers int) *Fetcher {
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	f := &Fetcher{
		content: content,
		logger:  logger,
		jobs:    make(chan job, 1024),
		closed:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		f.wg.Add(1)
		go f.worker()
	}
	return f
}

func (f *Fetcher) worker() {
	defer f.wg.Done()
	for {
		select {
		case <-f.closed:
			return
		case j := <-f.jobs:
			err := f.fetch(j.ctx, j.conn, j.hash, j.expected, j.format)
			if j.done != nil {
				j.done(err)
			}
		}
	}
}

// Enqueue schedules a download. The done callback fires exactly once with
// the outcome; a fetcher shutdown surfaces as a cancellation error.
func (f *Fetcher) Enqueue(ctx context.Context, conn interfaces.Connection, h model.Hash, expected uint64, format model.BlobFormat, done func(err error)) {
	select {
	case <-f.closed:
		if done != nil {
			done(fmt.Errorf("fetcher is shut down"))
		}
		return
	default:
	}
	select {
	case f.jobs <- job{ctx: ctx, conn: conn, hash: h, expected: expected, format: format, done: done}:
	case <-f.closed:
		if done != nil {
			done(fmt.Errorf("fetcher is shut down"))
		}
	case <-ctx.Done():
		if done != nil {
			done(ctx.Err())
		}
	}
}

// Fetch downloads one blob synchronously, bypassing the queue.
func (f *Fetcher) Fetch(ctx context.Context, conn interfaces.Connection, h model.Hash, expected uint64, format model.BlobFormat) error {
	return f.fetch(ctx, conn, h, expected, format)
}

// Close stops the workers. In-flight downloads finish their current
// chunk and abort through context cancellation by the caller.
func (f *Fetcher) Close() {
	f.closeOnce.Do(func() { close(f.closed) })
	f.wg.Wait()
	// Fail the callbacks of jobs that never reached a worker.
	for {
		select {
		case j := <-f.jobs:
			if j.done != nil {
				j.done(fmt.Errorf("fetcher is shut down"))
			}
		default:
			return
		}
	}
}

func (f *Fetcher) fetch(ctx context.Context, conn interfaces.Connection, h model.Hash, expected uint64, format model.BlobFormat) error {
	if f.content.Status(h).Complete {
		return nil
	}

	sess, err := f.content.StartFetch(h, expected, format)
	if err != nil {
		if errors.Is(err, contentStore.ErrFetchInProgress) {
			return ErrAlreadyFetching
		}
		return err
	}

	stream, err := conn.OpenStream(ctx, ProtocolID)
	if err != nil {
		sess.Abort()
		return fmt.Errorf("open blob stream: %w", err)
	}
	defer stream.Close()

	if err := sendRequest(stream, request{Hash: h, Offset: sess.Offset()}); err != nil {
		sess.Abort()
		return err
	}

	resp, err := readResponse(stream)
	if err != nil {
		sess.Abort()
		return err
	}
	if !resp.Found {
		sess.Abort()
		return fmt.Errorf("peer %s does not have %s", conn.RemoteID(), h)
	}
	// The serving peer knows the stored format. Callers that only hold a
	// record pass Raw; adopt the real format so hash sequence blobs keep
	// their children reachable for garbage collection.
	if format == model.BlobFormatRaw && resp.Format != model.BlobFormatRaw {
		sess.SetFormat(resp.Format)
	}

	buf := make([]byte, copyChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			sess.Abort()
			return err
		}
		n, err := stream.Read(buf)
		if n > 0 {
			if _, werr := sess.Write(buf[:n]); werr != nil {
				sess.Abort()
				return werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			sess.Abort()
			return fmt.Errorf("read blob bytes: %w", err)
		}
	}

	if err := sess.Complete(); err != nil {
		return err
	}
	f.logger.Debug("blob downloaded",
		"hash", h.String(), "peer", string(conn.RemoteID()))
	return nil
}

// HandleStream serves one incoming blob request from local storage.
func (f *Fetcher) HandleStream(stream interfaces.Stream) error {
	defer stream.Close()

	req, err := readRequest(stream)
	if err != nil {
		return err
	}

	st := f.content.Status(req.Hash)
	if !st.Complete {
		if err := sendResponse(stream, response{Found: false}); err != nil {
			return err
		}
		return stream.CloseWrite()
	}

	data, err := f.content.GetRange(req.Hash, req.Offset, 0)
	if err != nil {
		if err := sendResponse(stream, response{Found: false}); err != nil {
			return err
		}
		return stream.CloseWrite()
	}

	if err := sendResponse(stream, response{Found: true, Size: st.ReceivedSize, Format: st.Format}); err != nil {
		return err
	}
	for off := 0; off < len(data); off += copyChunkSize {
		end := off + copyChunkSize
		if end > len(data) {
			end = len(data)
		}
		if _, err := stream.Write(data[off:end]); err != nil {
			return err
		}
	}
	return stream.CloseWrite()
}

func sendRequest(w io.Writer, req request) error {
	return writeGobFrame(w, req)
}

func readRequest(r io.Reader) (request, error) {
	var req request
	err := readGobFrame(r, &req)
	return req, err
}

func sendResponse(w io.Writer, resp response) error {
	return writeGobFrame(w, resp)
}

func readResponse(r io.Reader) (response, error) {
	var resp response
	err := readGobFrame(r, &resp)
	return resp, err
}

func writeGobFrame(w io.Writer, v any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encode %T: %w", v, err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(buf.Len()))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func readGobFrame(r io.Reader, v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > 1<<20 {
		return fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	return gob.NewDecoder(bytes.NewReader(payload)).Decode(v)
}
