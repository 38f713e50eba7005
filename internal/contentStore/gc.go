package contentStore

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-sync/pkg/model"
)

// GCStats summarizes one garbage collection cycle.
type GCStats struct {
	Scanned int
	Live    int
	Deleted int
}

// GarbageCollect deletes every stored blob that is not reachable from a
// live tag or one of the extra roots. Callers pass the hashes their
// record tables still reference as roots. Reachability follows HashSeq
// blobs into their children, recursively.
//
// The cycle takes the store-wide gc lock, so it cannot race with a fetch
// promoting a partial blob to complete. Hashes with an in-flight fetch
// session are treated as live even when untagged: deleting a half-written
// blob would corrupt the verification of that fetch.
func (s *Store) GarbageCollect(ctx context.Context, roots ...model.Hash) (GCStats, error) {
	s.gcMu.Lock()
	defer s.gcMu.Unlock()

	var stats GCStats

	tags, err := s.ListTags()
	if err != nil {
		return stats, err
	}

	live := make(map[model.Hash]struct{})
	for _, t := range tags {
		s.markReachable(live, t.Hash, t.Format)
	}
	for _, h := range roots {
		s.markReachable(live, h, s.Status(h).Format)
	}

	s.fetchMu.Lock()
	for h := range s.fetching {
		live[h] = struct{}{}
	}
	s.fetchMu.Unlock()

	blobs, err := s.List()
	if err != nil {
		return stats, err
	}

	for _, b := range blobs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Scanned++
		if _, ok := live[b.Hash]; ok {
			stats.Live++
			continue
		}
		if err := s.deleteBlob(b.Hash); err != nil {
			return stats, err
		}
		stats.Deleted++
	}

	s.log.WithFields(logrus.Fields{
		"scanned": stats.Scanned,
		"live":    stats.Live,
		"deleted": stats.Deleted,
	}).Debug("content garbage collection finished")

	return stats, nil
}

// markReachable adds the hash and, for HashSeq blobs, all transitive
// children to the live set. Hashes are opaque keys with no reverse
// pointers; reachability is computed by explicit traversal from tags
// outward.
func (s *Store) markReachable(live map[model.Hash]struct{}, h model.Hash, format model.BlobFormat) {
	if _, ok := live[h]; ok {
		return
	}
	live[h] = struct{}{}

	if format != model.BlobFormatHashSeq {
		return
	}
	data, err := s.Get(h)
	if err != nil {
		// The sequence blob itself is missing or incomplete; children
		// cannot be enumerated yet.
		return
	}
	seq, err := model.DecodeHashSeq(data)
	if err != nil {
		s.log.WithFields(logrus.Fields{"hash": h.String(), "error": err}).
			Warn("undecodable hash seq blob during gc")
		return
	}
	for _, child := range seq {
		childFormat := s.Status(child).Format
		s.markReachable(live, child, childFormat)
	}
}
