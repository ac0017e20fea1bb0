package ingest

import (
	"sync"
	"time"
)

// DefaultDedupWindow is how long an event id is remembered for
// redelivery suppression.
const DefaultDedupWindow = 24 * time.Hour

type (
	// Deduper suppresses redelivered event ids inside a sliding time
	// window. It is the cheap first line against broker redeliveries;
	// the dataset writer's unique source-event constraint is what makes
	// ingestion idempotent across restarts.
	Deduper struct {
		window time.Duration

		mu    sync.Mutex
		seen  map[string]time.Time
		order []dedupEntry
	}

	dedupEntry struct {
		id string
		at time.Time
	}
)

// NewDeduper creates a deduper with the given window. Non-positive
// windows fall back to DefaultDedupWindow.
func NewDeduper(window time.Duration) *Deduper {
	if window <= 0 {
		window = DefaultDedupWindow
	}

	return &Deduper{
		window: window,
		seen:   make(map[string]time.Time),
	}
}

// Observe records an event id and reports whether it is new inside the
// window. A duplicate refreshes nothing: the original observation keeps
// its place so the window is measured from first sight.
func (d *Deduper) Observe(id string, at time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.evict(at)

	if _, ok := d.seen[id]; ok {
		return false
	}

	d.seen[id] = at
	d.order = append(d.order, dedupEntry{id: id, at: at})

	return true
}

// Len returns the number of ids currently remembered.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.seen)
}

// evict drops entries whose first sighting has aged out of the window.
// Entries are appended in observation order, so eviction only ever
// inspects the front of the queue.
func (d *Deduper) evict(now time.Time) {
	cutoff := now.Add(-d.window)

	i := 0
	for ; i < len(d.order); i++ {
		entry := d.order[i]
		if entry.at.After(cutoff) {
			break
		}

		delete(d.seen, entry.id)
	}

	if i > 0 {
		d.order = append([]dedupEntry(nil), d.order[i:]...)
	}
}
