package triage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/linnemanlabs/guardian/internal/telemetry"
)

// DefaultShards is the shard count used when none is configured.
const DefaultShards = 64

// ShardFor maps a subject onto one of n shards.
func ShardFor(subjectID string, n int) int {
	return int(xxhash.Sum64String(subjectID) % uint64(n))
}

// WindowStore keeps one bounded, time-ordered window of recent readings per
// subject. Subjects are spread over independently locked shards.
type WindowStore struct {
	shards []*windowShard
	maxLen int
	maxAge time.Duration
}

type windowShard struct {
	mu      sync.Mutex
	windows map[string][]telemetry.Reading
}

// NewWindowStore creates a store bounded to maxLen readings spanning at most
// maxAge relative to the newest reading.
func NewWindowStore(shards, maxLen int, maxAge time.Duration) *WindowStore {
	if shards <= 0 {
		shards = DefaultShards
	}
	s := &WindowStore{
		shards: make([]*windowShard, shards),
		maxLen: maxLen,
		maxAge: maxAge,
	}
	for i := range s.shards {
		s.shards[i] = &windowShard{windows: make(map[string][]telemetry.Reading)}
	}
	return s
}

func (s *WindowStore) shard(subjectID string) *windowShard {
	return s.shards[ShardFor(subjectID, len(s.shards))]
}

// Insert adds r in timestamp order, evicts by recency and count, and returns
// a copy of the resulting window.
func (s *WindowStore) Insert(r telemetry.Reading) []telemetry.Reading {
	sh := s.shard(r.SubjectID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w := sh.windows[r.SubjectID]

	// first index strictly after r keeps equal timestamps in arrival order
	i := sort.Search(len(w), func(i int) bool { return w[i].RecordedAt.After(r.RecordedAt) })
	w = append(w, telemetry.Reading{})
	copy(w[i+1:], w[i:])
	w[i] = r

	w = s.evict(w)
	sh.windows[r.SubjectID] = w

	out := make([]telemetry.Reading, len(w))
	copy(out, w)
	return out
}

func (s *WindowStore) evict(w []telemetry.Reading) []telemetry.Reading {
	if len(w) == 0 {
		return w
	}
	cutoff := w[len(w)-1].RecordedAt.Add(-s.maxAge)
	drop := 0
	for drop < len(w) && w[drop].RecordedAt.Before(cutoff) {
		drop++
	}
	if over := len(w) - drop - s.maxLen; over > 0 {
		drop += over
	}
	if drop == 0 {
		return w
	}
	kept := make([]telemetry.Reading, len(w)-drop)
	copy(kept, w[drop:])
	return kept
}

// Snapshot returns a copy of the subject's current window.
func (s *WindowStore) Snapshot(subjectID string) []telemetry.Reading {
	sh := s.shard(subjectID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	w := sh.windows[subjectID]
	out := make([]telemetry.Reading, len(w))
	copy(out, w)
	return out
}

// Sweep drops the windows of subjects whose newest reading is older than
// maxAge before now, and returns how many were dropped.
func (s *WindowStore) Sweep(now time.Time) int {
	cutoff := now.Add(-s.maxAge)
	dropped := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, w := range sh.windows {
			if len(w) == 0 || w[len(w)-1].RecordedAt.Before(cutoff) {
				delete(sh.windows, id)
				dropped++
			}
		}
		sh.mu.Unlock()
	}
	return dropped
}

// RunSweeper calls Sweep every interval until ctx is done. A subject that
// reports again after being swept starts a fresh window.
func (s *WindowStore) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.maxAge
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.Sweep(now)
		}
	}
}

// Subjects returns the number of subjects with a live window.
func (s *WindowStore) Subjects() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.windows)
		sh.mu.Unlock()
	}
	return n
}
