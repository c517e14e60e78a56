// Package store provides persistence backends for workflow snapshots.
//
// A Store holds the latest snapshot per run plus optional named
// checkpoints, enabling pause/resume across process restarts. Backends:
// in-memory (testing), SQLite (single-process, zero setup), and MySQL
// (shared deployments).
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned when a requested run ID or checkpoint label does
// not exist.
var ErrNotFound = errors.New("not found")

// Store persists workflow snapshots.
//
// Save overwrites the latest snapshot for a run; SaveCheckpoint keeps an
// additional named copy that later Saves do not touch. The status string
// accompanies each snapshot so ListIncomplete can filter without decoding
// the payload. Type parameter S is the snapshot type and must be
// JSON-serializable.
type Store[S any] interface {
	// Save persists the latest snapshot for runID, replacing any
	// previous one.
	Save(ctx context.Context, runID string, status string, snapshot S) error

	// Load retrieves the latest snapshot for runID.
	// Returns ErrNotFound when the run has never been saved.
	Load(ctx context.Context, runID string) (S, error)

	// SaveCheckpoint persists a named snapshot for runID under label.
	// Labels are unique per run; saving the same label again replaces it.
	SaveCheckpoint(ctx context.Context, runID, label string, snapshot S) error

	// LoadCheckpoint retrieves the named snapshot.
	// Returns ErrNotFound when the label does not exist for the run.
	LoadCheckpoint(ctx context.Context, runID, label string) (S, error)

	// ListIncomplete returns the run IDs whose latest status is not
	// terminal (completed, failed, or cancelled), oldest first.
	ListIncomplete(ctx context.Context) ([]string, error)

	// Delete removes the run's latest snapshot and all its checkpoints.
	Delete(ctx context.Context, runID string) error

	// Close releases backend resources. The store is unusable afterward.
	Close() error
}

// terminal statuses as written by the engine; kept here so backends can
// filter without importing the engine package.
var terminalStatuses = map[string]bool{
	"completed": true,
	"failed":    true,
	"cancelled": true,
}

// Terminal reports whether a status string is final.
func Terminal(status string) bool { return terminalStatuses[status] }

// deepCopy clones a snapshot through a JSON round trip. Also doubles as a
// serializability check shared by all backends.
func deepCopy[S any](snapshot S) (S, error) {
	var out S
	data, err := json.Marshal(snapshot)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}
