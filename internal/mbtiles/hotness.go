package mbtiles

import (
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const hotShardCount = 8

// hotTracker scores how often each package is touched, decaying scores
// with a configurable half life so yesterday's traffic does not keep
// today's handles pinned.
type hotTracker struct {
	halfLife time.Duration
	shards   [hotShardCount]*hotShard
	now      func() time.Time
}

type hotShard struct {
	mu      sync.Mutex
	entries map[string]*hotEntry
}

type hotEntry struct {
	score float64
	last  time.Time
}

func newHotTracker(halfLife time.Duration) *hotTracker {
	t := &hotTracker{halfLife: halfLife, now: time.Now}
	for i := range t.shards {
		t.shards[i] = &hotShard{entries: make(map[string]*hotEntry)}
	}
	return t
}

func (t *hotTracker) shard(key string) *hotShard {
	return t.shards[xxhash.Sum64String(key)%hotShardCount]
}

// touch decays the entry to now, adds one hit and returns the new score.
func (t *hotTracker) touch(key string) float64 {
	now := t.now()
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = &hotEntry{}
		s.entries[key] = e
	}
	e.score = decayScore(e.score, now.Sub(e.last), t.halfLife) + 1
	e.last = now
	return e.score
}

// score returns the decayed score without counting a hit.
func (t *hotTracker) score(key string) float64 {
	now := t.now()
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return 0
	}
	return decayScore(e.score, now.Sub(e.last), t.halfLife)
}

func (t *hotTracker) forget(key string) {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

func decayScore(score float64, dt, halfLife time.Duration) float64 {
	if score == 0 || dt <= 0 || halfLife <= 0 {
		return score
	}
	return score * math.Exp(-math.Ln2*dt.Seconds()/halfLife.Seconds())
}
