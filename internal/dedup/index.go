// Package dedup keeps the bounded buffer of live indicator events and
// decides which arrivals are worth broadcasting again.
package dedup

import (
	"sync"
	"time"

	"github.com/lvonguyen/threatpulse/internal/normalization"
)

const (
	defaultWindow   = 60 * time.Second
	defaultMaxAge   = time.Hour
	defaultCapacity = 5000
)

// Config configures the dedup index.
type Config struct {
	// Window is how long after an admission recurrences of the same id
	// are merged silently instead of re-broadcast.
	Window time.Duration `yaml:"window"`
	// MaxAge is the retention horizon; events whose last_seen falls
	// behind it are pruned.
	MaxAge time.Duration `yaml:"max_age"`
	// Capacity bounds the buffer; the oldest entries are evicted first.
	Capacity int `yaml:"capacity"`
}

// DefaultConfig returns the stock dedup configuration.
func DefaultConfig() Config {
	return Config{
		Window:   defaultWindow,
		MaxAge:   defaultMaxAge,
		Capacity: defaultCapacity,
	}
}

// Stats counts index decisions since startup.
type Stats struct {
	Admitted   int64 `json:"admitted"`
	Suppressed int64 `json:"suppressed"`
	Evicted    int64 `json:"evicted"`
	Pruned     int64 `json:"pruned"`
}

type seenEntry struct {
	pos int
	// lastAdmitted anchors the suppression window. It moves only when
	// an event is forwarded, never on silent merges.
	lastAdmitted time.Time
}

// Index is the dedup and retention gate. The buffer holds one live event
// per id, ordered by first admission; entries are value copies so later
// merges cannot race readers holding a snapshot.
type Index struct {
	mu     sync.Mutex
	window time.Duration
	maxAge time.Duration
	cap    int

	buffer []normalization.IndicatorEvent
	seen   map[string]seenEntry
	stats  Stats

	now func() time.Time
}

// NewIndex creates an index.
func NewIndex(config Config) *Index {
	if config.Window <= 0 {
		config.Window = defaultWindow
	}
	if config.MaxAge <= 0 {
		config.MaxAge = defaultMaxAge
	}
	if config.Capacity <= 0 {
		config.Capacity = defaultCapacity
	}
	return &Index{
		window: config.Window,
		maxAge: config.MaxAge,
		cap:    config.Capacity,
		seen:   make(map[string]seenEntry),
		now:    time.Now,
	}
}

// Admit decides whether ev is forwarded to subscribers. A known id inside
// its suppression window is merged into the buffered record (last_seen
// advances, confidence ratchets up) and reports false. A known id past
// the window merges the same way, re-anchors the window, and reports
// true. A new id is inserted and reports true. When Admit reports true
// for a known id, ev is rewritten to the merged record so the forwarded
// copy matches the buffer.
func (x *Index) Admit(ev *normalization.IndicatorEvent) bool {
	now := x.now()

	x.mu.Lock()
	defer x.mu.Unlock()

	if entry, ok := x.seen[ev.ID]; ok {
		buffered := &x.buffer[entry.pos]
		if ev.LastSeen.After(buffered.LastSeen) {
			buffered.LastSeen = ev.LastSeen
		}
		if ev.Confidence > buffered.Confidence {
			buffered.Confidence = ev.Confidence
		}
		if ev.Enrichment != nil && buffered.Enrichment == nil {
			buffered.Enrichment = ev.Enrichment
		}

		if now.Sub(entry.lastAdmitted) < x.window {
			x.stats.Suppressed++
			return false
		}

		entry.lastAdmitted = now
		x.seen[ev.ID] = entry
		x.stats.Admitted++
		*ev = *buffered
		return true
	}

	x.buffer = append(x.buffer, *ev)
	x.seen[ev.ID] = seenEntry{pos: len(x.buffer) - 1, lastAdmitted: now}
	x.stats.Admitted++
	x.trimLocked(now)
	return true
}

// trimLocked enforces capacity and the retention horizon after an
// insertion.
func (x *Index) trimLocked(now time.Time) {
	changed := false

	if overflow := len(x.buffer) - x.cap; overflow > 0 {
		x.buffer = x.buffer[overflow:]
		x.stats.Evicted += int64(overflow)
		changed = true
	}

	cutoff := now.Add(-x.maxAge)
	kept := x.buffer[:0]
	for _, ev := range x.buffer {
		if ev.LastSeen.Before(cutoff) {
			x.stats.Pruned++
			changed = true
			continue
		}
		kept = append(kept, ev)
	}
	x.buffer = kept

	if changed {
		x.reindexLocked()
	}
}

// reindexLocked re-derives id positions after the buffer shifted.
// Admission anchors survive so suppression windows are not reset by
// unrelated evictions.
func (x *Index) reindexLocked() {
	seen := make(map[string]seenEntry, len(x.buffer))
	for i, ev := range x.buffer {
		entry := x.seen[ev.ID]
		entry.pos = i
		seen[ev.ID] = entry
	}
	x.seen = seen
}

// Len returns the number of live events.
func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.buffer)
}

// Snapshot returns copies of the newest events, oldest first. limit <= 0
// means the whole buffer.
func (x *Index) Snapshot(limit int) []normalization.IndicatorEvent {
	x.mu.Lock()
	defer x.mu.Unlock()

	from := 0
	if limit > 0 && len(x.buffer) > limit {
		from = len(x.buffer) - limit
	}
	return append([]normalization.IndicatorEvent(nil), x.buffer[from:]...)
}

// Clear drops the buffer and the id table, returning how many events
// were live. Decision counters survive.
func (x *Index) Clear() int {
	x.mu.Lock()
	defer x.mu.Unlock()

	n := len(x.buffer)
	x.buffer = nil
	x.seen = make(map[string]seenEntry)
	return n
}

// Stats returns a copy of the decision counters.
func (x *Index) Stats() Stats {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.stats
}
