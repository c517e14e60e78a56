package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore persists snapshots in MySQL/MariaDB.
//
// Designed for shared deployments: multiple processes saving and resuming
// runs against one database, with connection pooling and transactional
// deletes. Snapshots are stored as JSON columns.
//
// Never hardcode credentials in the DSN; read it from the environment:
//
//	st, err := store.NewMySQLStore[flow.Snapshot](os.Getenv("MYSQL_DSN"))
type MySQLStore[S any] struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore connects using a go-sql-driver DSN
// (user:pass@tcp(host:3306)/dbname) and migrates the schema.
func NewMySQLStore[S any](dsn string) (*MySQLStore[S], error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	m := &MySQLStore[S]{db: db}
	if err := m.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return m, nil
}

func (m *MySQLStore[S]) createTables(ctx context.Context) error {
	runsTable := `
		CREATE TABLE IF NOT EXISTS workflow_runs (
			run_id VARCHAR(255) NOT NULL PRIMARY KEY,
			status VARCHAR(32) NOT NULL,
			snapshot JSON NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			INDEX idx_status_updated (status, updated_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, runsTable); err != nil {
		return fmt.Errorf("failed to create workflow_runs table: %w", err)
	}

	checkpointsTable := `
		CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			run_id VARCHAR(255) NOT NULL,
			label VARCHAR(255) NOT NULL,
			snapshot JSON NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (run_id, label)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, checkpointsTable); err != nil {
		return fmt.Errorf("failed to create workflow_checkpoints table: %w", err)
	}
	return nil
}

func (m *MySQLStore[S]) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// Save implements Store.
func (m *MySQLStore[S]) Save(ctx context.Context, runID string, status string, snapshot S) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	query := `
		INSERT INTO workflow_runs (run_id, status, snapshot)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			snapshot = VALUES(snapshot)
	`
	if _, err := m.db.ExecContext(ctx, query, runID, status, string(data)); err != nil {
		return fmt.Errorf("failed to save run %s: %w", runID, err)
	}
	return nil
}

// Load implements Store.
func (m *MySQLStore[S]) Load(ctx context.Context, runID string) (S, error) {
	var zero S
	if err := m.checkOpen(); err != nil {
		return zero, err
	}
	var data string
	err := m.db.QueryRowContext(ctx,
		"SELECT snapshot FROM workflow_runs WHERE run_id = ?", runID).Scan(&data)
	if err == sql.ErrNoRows {
		return zero, ErrNotFound
	}
	if err != nil {
		return zero, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	var snapshot S
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		return zero, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snapshot, nil
}

// SaveCheckpoint implements Store.
func (m *MySQLStore[S]) SaveCheckpoint(ctx context.Context, runID, label string, snapshot S) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	query := `
		INSERT INTO workflow_checkpoints (run_id, label, snapshot)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE
			snapshot = VALUES(snapshot),
			created_at = CURRENT_TIMESTAMP
	`
	if _, err := m.db.ExecContext(ctx, query, runID, label, string(data)); err != nil {
		return fmt.Errorf("failed to save checkpoint %s/%s: %w", runID, label, err)
	}
	return nil
}

// LoadCheckpoint implements Store.
func (m *MySQLStore[S]) LoadCheckpoint(ctx context.Context, runID, label string) (S, error) {
	var zero S
	if err := m.checkOpen(); err != nil {
		return zero, err
	}
	var data string
	err := m.db.QueryRowContext(ctx,
		"SELECT snapshot FROM workflow_checkpoints WHERE run_id = ? AND label = ?",
		runID, label).Scan(&data)
	if err == sql.ErrNoRows {
		return zero, ErrNotFound
	}
	if err != nil {
		return zero, fmt.Errorf("failed to load checkpoint %s/%s: %w", runID, label, err)
	}
	var snapshot S
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		return zero, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snapshot, nil
}

// ListIncomplete implements Store.
func (m *MySQLStore[S]) ListIncomplete(ctx context.Context) ([]string, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT run_id FROM workflow_runs
		WHERE status NOT IN ('completed', 'failed', 'cancelled')
		ORDER BY updated_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list incomplete runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete implements Store.
func (m *MySQLStore[S]) Delete(ctx context.Context, runID string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM workflow_runs WHERE run_id = ?", runID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to delete run %s: %w", runID, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM workflow_checkpoints WHERE run_id = ?", runID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to delete checkpoints for %s: %w", runID, err)
	}
	return tx.Commit()
}

// Close implements Store.
func (m *MySQLStore[S]) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}
