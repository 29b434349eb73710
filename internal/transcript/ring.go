// Package transcript keeps the recent live-caption lines of a call in
// a fixed-size ring. The ring is a side feed for dashboards; it never
// participates in journey-state merging.
package transcript

import (
	"sync"
	"time"
)

// Line is one caption line from the analyzer.
type Line struct {
	Speaker string    `json:"speaker"`
	Text    string    `json:"text"`
	Final   bool      `json:"final"`
	At      time.Time `json:"at"`
}

// Ring is a fixed-capacity transcript buffer. When full, the oldest
// line is overwritten. Prevents memory growth on long calls.
type Ring struct {
	mu    sync.RWMutex
	lines []Line
	head  int // write position
	full  bool
}

// NewRing creates a ring holding at most capacity lines.
// Default capacity is 200 lines, roughly ten minutes of conversation.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 200
	}
	return &Ring{
		lines: make([]Line, capacity),
	}
}

// Append adds a line, overwriting the oldest when the ring is full.
func (r *Ring) Append(line Line) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lines[r.head] = line
	r.head = (r.head + 1) % len(r.lines)
	if r.head == 0 {
		r.full = true
	}
}

// Snapshot returns the buffered lines oldest first.
func (r *Ring) Snapshot() []Line {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.full {
		out := make([]Line, r.head)
		copy(out, r.lines[:r.head])
		return out
	}

	// Wrapped: head is also the oldest line.
	out := make([]Line, 0, len(r.lines))
	out = append(out, r.lines[r.head:]...)
	out = append(out, r.lines[:r.head]...)
	return out
}

// Len returns the number of buffered lines.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.full {
		return len(r.lines)
	}
	return r.head
}

// Capacity returns the maximum number of lines the ring holds.
func (r *Ring) Capacity() int {
	return len(r.lines)
}

// Reset clears the ring.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.head = 0
	r.full = false
}
