package flow

import (
	"sync"
	"time"
)

// DeadLetter is one entry in the shared dead-letter queue: a message that
// exhausted its retries, overflowed a mailbox, lost its lease once the retry
// budget was spent, or whose guard expression failed to evaluate.
type DeadLetter struct {
	VertexID string    `json:"vertex_id"`
	Reason   string    `json:"reason"`
	Detail   string    `json:"detail,omitempty"`
	Retries  int       `json:"retries"`
	Seq      uint64    `json:"seq"`
	Msg      Message   `json:"msg"`
	At       time.Time `json:"at"`
}

// DeadLetters is the run-wide dead-letter queue. It is append-only from the
// mailbox and router side and read-only for observers.
type DeadLetters struct {
	mu      sync.Mutex
	entries []DeadLetter
	onAdd   func(DeadLetter)
}

// NewDeadLetters creates an empty dead-letter queue.
func NewDeadLetters() *DeadLetters {
	return &DeadLetters{}
}

// Add appends an entry.
func (d *DeadLetters) Add(entry DeadLetter) {
	d.mu.Lock()
	d.entries = append(d.entries, entry)
	notify := d.onAdd
	d.mu.Unlock()
	if notify != nil {
		notify(entry)
	}
}

// Entries returns a copy of the queue contents in append order.
func (d *DeadLetters) Entries() []DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeadLetter, len(d.entries))
	copy(out, d.entries)
	return out
}

// Len returns the number of entries.
func (d *DeadLetters) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// observe registers a callback invoked for every new entry. Used by the
// engine to surface dead-letter metrics; must be set before workers start.
func (d *DeadLetters) observe(fn func(DeadLetter)) {
	d.mu.Lock()
	d.onAdd = fn
	d.mu.Unlock()
}
