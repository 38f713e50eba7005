// Package syncer drives set reconciliation between two replicas of the
// same namespace over a peer connection, schedules content downloads
// through the download policy, and emits the live event stream.
package syncer

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"sort"

	"github.com/i5heu/ouroboros-sync/pkg/interfaces"
	"github.com/i5heu/ouroboros-sync/pkg/model"
)

// ProtocolID is the stream protocol id of reconciliation exchanges.
const ProtocolID = "ouroboros-sync/docs/1"

// splitThreshold is the range size below which peers stop bisecting and
// exchange the entries directly. The number of records on the wire stays
// proportional to the difference between the replicas, at threshold
// granularity.
const splitThreshold = 16

// splitFanout is how many subranges a differing range is divided into.
const splitFanout = 2

type msgKind uint8

const (
	// msgHello opens an exchange and names the namespace.
	msgHello msgKind = iota + 1
	// msgFingerprint probes a range with the sender's fingerprint.
	msgFingerprint
	// msgMatch answers a probe whose fingerprint matched.
	msgMatch
	// msgSplit answers a probe with per-subrange fingerprints.
	msgSplit
	// msgEntries carries all entries of a range.
	msgEntries
	// msgDone ends the exchange.
	msgDone
	// msgReject refuses an exchange, e.g. for an unknown namespace.
	msgReject
)

// rangeSpec is a half-open interval over entry order keys. A nil End
// means unbounded.
type rangeSpec struct {
	Start []byte
	End   []byte
}

type subRange struct {
	Range       rangeSpec
	Fingerprint model.Hash
	Count       uint32
}

type wireMsg struct {
	Kind        msgKind
	Namespace   model.NamespaceID
	Range       rangeSpec
	Fingerprint model.Hash
	Count       uint32
	Subs        []subRange
	Entries     []model.Entry
	Reason      string
}

// orderKey is the reconciliation ordering of entries: author bytes then
// key bytes, matching the replica store's iteration order.
func orderKey(e model.Entry) []byte {
	out := make([]byte, 0, model.IDSize+len(e.ID.Key))
	out = append(out, e.ID.Author[:]...)
	return append(out, e.ID.Key...)
}

// entrySet is a snapshot of one replica's records, sorted by order key.
type entrySet struct {
	entries []model.Entry
	keys    [][]byte
}

func newEntrySet(entries []model.Entry) *entrySet {
	s := &entrySet{entries: entries}
	s.keys = make([][]byte, len(entries))
	for i, e := range entries {
		s.keys[i] = orderKey(e)
	}
	sort.Sort(s)
	return s
}

func (s *entrySet) Len() int           { return len(s.entries) }
func (s *entrySet) Less(i, j int) bool { return bytes.Compare(s.keys[i], s.keys[j]) < 0 }
func (s *entrySet) Swap(i, j int) {
	s.entries[i], s.entries[j] = s.entries[j], s.entries[i]
	s.keys[i], s.keys[j] = s.keys[j], s.keys[i]
}

// slice returns the index interval [lo, hi) of entries inside the range.
func (s *entrySet) slice(r rangeSpec) (int, int) {
	lo := 0
	if len(r.Start) > 0 {
		lo = sort.Search(len(s.keys), func(i int) bool {
			return bytes.Compare(s.keys[i], r.Start) >= 0
		})
	}
	hi := len(s.keys)
	if r.End != nil {
		hi = sort.Search(len(s.keys), func(i int) bool {
			return bytes.Compare(s.keys[i], r.End) >= 0
		})
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

func (s *entrySet) inRange(r rangeSpec) []model.Entry {
	lo, hi := s.slice(r)
	return s.entries[lo:hi]
}

func (s *entrySet) count(r rangeSpec) uint32 {
	lo, hi := s.slice(r)
	return uint32(hi - lo)
}

// fingerprint is an order-independent digest of the entries in a range:
// the XOR of each entry's identity digest. Two replicas holding the same
// records in a range produce the same fingerprint no matter how the
// records arrived.
func (s *entrySet) fingerprint(r rangeSpec) model.Hash {
	var fp model.Hash
	lo, hi := s.slice(r)
	for i := lo; i < hi; i++ {
		d := entryDigest(s.entries[i], s.keys[i])
		for b := range fp {
			fp[b] ^= d[b]
		}
	}
	return fp
}

func entryDigest(e model.Entry, key []byte) model.Hash {
	var buf bytes.Buffer
	buf.Write(key)
	buf.Write(e.Record.Hash[:])
	_ = binary.Write(&buf, binary.BigEndian, e.Record.TimestampMicro)
	_ = binary.Write(&buf, binary.BigEndian, e.Record.Len)
	return model.HashBytes(buf.Bytes())
}

// split divides a range into subranges of roughly equal local population.
func (s *entrySet) split(r rangeSpec) []subRange {
	lo, hi := s.slice(r)
	n := hi - lo
	if n == 0 {
		return []subRange{{Range: r, Fingerprint: s.fingerprint(r), Count: 0}}
	}

	var subs []subRange
	per := (n + splitFanout - 1) / splitFanout
	start := r.Start
	for idx := lo; idx < hi; idx += per {
		endIdx := idx + per
		var end []byte
		if endIdx >= hi {
			end = r.End
		} else {
			end = bytes.Clone(s.keys[endIdx])
		}
		sub := rangeSpec{Start: start, End: end}
		subs = append(subs, subRange{
			Range:       sub,
			Fingerprint: s.fingerprint(sub),
			Count:       s.count(sub),
		})
		start = end
	}
	return subs
}

func writeMsg(w io.Writer, msg wireMsg) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return fmt.Errorf("encode sync message: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(buf.Len()))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

const maxMsgSize = 32 * 1024 * 1024

func readMsg(r io.Reader) (wireMsg, error) {
	var msg wireMsg
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return msg, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > maxMsgSize {
		return msg, fmt.Errorf("sync message of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return msg, err
	}
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&msg); err != nil {
		return msg, fmt.Errorf("decode sync message: %w", err)
	}
	return msg, nil
}

// reconcileInitiator drives the recursive exchange from the dialing side.
// It returns the remote entries that were new to us.
func reconcileInitiator(stream interfaces.Stream, ns model.NamespaceID, local *entrySet, apply func(model.Entry) bool) error {
	hello := wireMsg{Kind: msgHello, Namespace: ns}
	if err := writeMsg(stream, hello); err != nil {
		return err
	}
	resp, err := readMsg(stream)
	if err != nil {
		return err
	}
	if resp.Kind == msgReject {
		return fmt.Errorf("peer rejected sync: %s", resp.Reason)
	}
	if resp.Kind != msgHello {
		return fmt.Errorf("unexpected message kind %d in handshake", resp.Kind)
	}

	// Depth-first worklist of ranges still in question.
	work := []rangeSpec{{}}
	for len(work) > 0 {
		r := work[len(work)-1]
		work = work[:len(work)-1]

		count := local.count(r)
		if count <= splitThreshold {
			// Small range: push our entries, peer answers with its own.
			msg := wireMsg{
				Kind:    msgEntries,
				Range:   r,
				Entries: local.inRange(r),
			}
			if err := writeMsg(stream, msg); err != nil {
				return err
			}
			resp, err := readMsg(stream)
			if err != nil {
				return err
			}
			if resp.Kind != msgEntries {
				return fmt.Errorf("unexpected message kind %d, expected entries", resp.Kind)
			}
			for _, e := range resp.Entries {
				apply(e)
			}
			continue
		}

		probe := wireMsg{
			Kind:        msgFingerprint,
			Range:       r,
			Fingerprint: local.fingerprint(r),
			Count:       count,
		}
		if err := writeMsg(stream, probe); err != nil {
			return err
		}
		resp, err := readMsg(stream)
		if err != nil {
			return err
		}
		switch resp.Kind {
		case msgMatch:
			// Identical range, nothing to do.
		case msgSplit:
			for _, sub := range resp.Subs {
				if local.fingerprint(sub.Range) != sub.Fingerprint {
					work = append(work, sub.Range)
				}
			}
		case msgEntries:
			// Peer short-circuited a small range on its side.
			for _, e := range resp.Entries {
				apply(e)
			}
			reply := wireMsg{
				Kind:    msgEntries,
				Range:   resp.Range,
				Entries: local.inRange(resp.Range),
			}
			if err := writeMsg(stream, reply); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unexpected message kind %d during reconciliation", resp.Kind)
		}
	}

	if err := writeMsg(stream, wireMsg{Kind: msgDone}); err != nil {
		return err
	}
	_ = stream.CloseWrite()
	// Wait for the peer's done so both sides finish before teardown.
	for {
		msg, err := readMsg(stream)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if msg.Kind == msgDone {
			return nil
		}
	}
}

// reconcileResponder answers the initiator's probes on the accepting side.
func reconcileResponder(stream interfaces.Stream, local *entrySet, apply func(model.Entry) bool) error {
	for {
		msg, err := readMsg(stream)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		switch msg.Kind {
		case msgFingerprint:
			if local.fingerprint(msg.Range) == msg.Fingerprint {
				if err := writeMsg(stream, wireMsg{Kind: msgMatch, Range: msg.Range}); err != nil {
					return err
				}
				continue
			}
			if local.count(msg.Range) <= splitThreshold {
				// Not worth bisecting on our side; trade entries directly.
				reply := wireMsg{
					Kind:    msgEntries,
					Range:   msg.Range,
					Entries: local.inRange(msg.Range),
				}
				if err := writeMsg(stream, reply); err != nil {
					return err
				}
				theirs, err := readMsg(stream)
				if err != nil {
					return err
				}
				if theirs.Kind != msgEntries {
					return fmt.Errorf("unexpected message kind %d, expected entries", theirs.Kind)
				}
				for _, e := range theirs.Entries {
					apply(e)
				}
				continue
			}
			if err := writeMsg(stream, wireMsg{Kind: msgSplit, Range: msg.Range, Subs: local.split(msg.Range)}); err != nil {
				return err
			}
		case msgEntries:
			for _, e := range msg.Entries {
				apply(e)
			}
			reply := wireMsg{
				Kind:    msgEntries,
				Range:   msg.Range,
				Entries: local.inRange(msg.Range),
			}
			if err := writeMsg(stream, reply); err != nil {
				return err
			}
		case msgDone:
			if err := writeMsg(stream, wireMsg{Kind: msgDone}); err != nil {
				return err
			}
			_ = stream.CloseWrite()
			return nil
		default:
			return fmt.Errorf("unexpected message kind %d during reconciliation", msg.Kind)
		}
	}
}
