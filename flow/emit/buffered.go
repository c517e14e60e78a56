package emit

import "sync"

// Buffered is an Emitter that stores events in memory, organized per run,
// with query support. Intended for tests, debugging, and post-run analysis;
// it grows without bound, so long-lived production runs should prefer
// Broadcast or Log.
type Buffered struct {
	mu     sync.RWMutex
	events map[string][]Event // runID -> events in emit order
}

// HistoryFilter selects events from a run's history. All set fields must
// match (AND logic); zero values mean no constraint.
type HistoryFilter struct {
	VertexID string
	Type     EventType
	MinSeq   *int
	MaxSeq   *int
}

// NewBuffered creates an empty Buffered emitter.
func NewBuffered() *Buffered {
	return &Buffered{events: make(map[string][]Event)}
}

// Emit stores the event.
func (b *Buffered) Emit(event Event) {
	b.mu.Lock()
	b.events[event.RunID] = append(b.events[event.RunID], event)
	b.mu.Unlock()
}

// History returns a copy of all events for a run in emit order.
func (b *Buffered) History(runID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := b.events[runID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// HistoryWithFilter returns the run's events matching the filter.
func (b *Buffered) HistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, e := range b.events[runID] {
		if filter.VertexID != "" && e.VertexID != filter.VertexID {
			continue
		}
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		if filter.MinSeq != nil && e.Seq < *filter.MinSeq {
			continue
		}
		if filter.MaxSeq != nil && e.Seq > *filter.MaxSeq {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Clear discards stored events for a run, or all runs when runID is empty.
func (b *Buffered) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if runID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, runID)
}
