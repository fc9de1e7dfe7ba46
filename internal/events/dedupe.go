package events

import "sync"

// Deduper remembers recently seen event IDs so an at-least-once consumer can
// drop redeliveries. Memory is bounded by capacity; the oldest IDs are
// forgotten first.
type Deduper struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	ring  []string
	next  int
	limit int
}

func NewDeduper(capacity int) *Deduper {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Deduper{
		seen:  make(map[string]struct{}, capacity),
		ring:  make([]string, capacity),
		limit: capacity,
	}
}

// First reports whether id has not been seen before, and records it.
func (d *Deduper) First(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return false
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.seen, old)
	}
	d.ring[d.next] = id
	d.next = (d.next + 1) % d.limit
	d.seen[id] = struct{}{}
	return true
}

// Wrap returns a subscriber that forwards each event ID to fn at most once.
func (d *Deduper) Wrap(fn Subscriber) Subscriber {
	return func(e Event) {
		if d.First(e.ID) {
			fn(e)
		}
	}
}
