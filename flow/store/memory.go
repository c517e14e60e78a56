package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store for testing and single-process use.
// All data is lost when the process exits.
//
// Snapshots are deep-copied via JSON on write and read so callers cannot
// mutate stored data through shared references.
type MemStore[S any] struct {
	mu          sync.RWMutex
	latest      map[string]memEntry[S]
	checkpoints map[string]map[string]S
	closed      bool
}

type memEntry[S any] struct {
	snapshot S
	status   string
	savedAt  time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore[S any]() *MemStore[S] {
	return &MemStore[S]{
		latest:      make(map[string]memEntry[S]),
		checkpoints: make(map[string]map[string]S),
	}
}

// Save implements Store.
func (m *MemStore[S]) Save(_ context.Context, runID string, status string, snapshot S) error {
	copied, err := deepCopy(snapshot)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	m.latest[runID] = memEntry[S]{snapshot: copied, status: status, savedAt: time.Now()}
	return nil
}

// Load implements Store.
func (m *MemStore[S]) Load(_ context.Context, runID string) (S, error) {
	m.mu.RLock()
	entry, ok := m.latest[runID]
	closed := m.closed
	m.mu.RUnlock()

	var zero S
	if closed {
		return zero, fmt.Errorf("store is closed")
	}
	if !ok {
		return zero, ErrNotFound
	}
	return deepCopy(entry.snapshot)
}

// SaveCheckpoint implements Store.
func (m *MemStore[S]) SaveCheckpoint(_ context.Context, runID, label string, snapshot S) error {
	copied, err := deepCopy(snapshot)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	byLabel := m.checkpoints[runID]
	if byLabel == nil {
		byLabel = make(map[string]S)
		m.checkpoints[runID] = byLabel
	}
	byLabel[label] = copied
	return nil
}

// LoadCheckpoint implements Store.
func (m *MemStore[S]) LoadCheckpoint(_ context.Context, runID, label string) (S, error) {
	m.mu.RLock()
	snapshot, ok := m.checkpoints[runID][label]
	closed := m.closed
	m.mu.RUnlock()

	var zero S
	if closed {
		return zero, fmt.Errorf("store is closed")
	}
	if !ok {
		return zero, ErrNotFound
	}
	return deepCopy(snapshot)
}

// ListIncomplete implements Store.
func (m *MemStore[S]) ListIncomplete(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, fmt.Errorf("store is closed")
	}

	type pending struct {
		runID   string
		savedAt time.Time
	}
	var runs []pending
	for runID, entry := range m.latest {
		if !Terminal(entry.status) {
			runs = append(runs, pending{runID, entry.savedAt})
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].savedAt.Before(runs[j].savedAt) })

	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.runID
	}
	return ids, nil
}

// Delete implements Store.
func (m *MemStore[S]) Delete(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	delete(m.latest, runID)
	delete(m.checkpoints, runID)
	return nil
}

// Close implements Store.
func (m *MemStore[S]) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.latest = nil
	m.checkpoints = nil
	return nil
}
