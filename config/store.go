package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/petal-labs/bridgeflow/core"

	_ "modernc.org/sqlite"
)

const bridgeSchema = `
CREATE TABLE IF NOT EXISTS bridges (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	options    TEXT NOT NULL,
	created_at TEXT NOT NULL
);
`

// StoredBridge is one persisted bridge record.
type StoredBridge struct {
	ID        string
	Name      string
	Options   core.BridgeOptions
	CreatedAt time.Time
}

// BridgeStore persists bridge options in SQLite so bridges survive daemon
// restarts. It shares the database file with the event journal.
type BridgeStore struct {
	db *sql.DB
}

// NewBridgeStore opens (or creates) the bridge options store.
func NewBridgeStore(dsn string) (*BridgeStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("bridgestore: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bridgestore: set WAL mode: %w", err)
	}
	if _, err := db.Exec(bridgeSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bridgestore: create schema: %w", err)
	}
	return &BridgeStore{db: db}, nil
}

// Save inserts or replaces a bridge record.
func (s *BridgeStore) Save(ctx context.Context, id, name string, opts core.BridgeOptions) error {
	encoded, err := json.Marshal(opts)
	if err != nil {
		return fmt.Errorf("bridgestore: encode options: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO bridges (id, name, options, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, options = excluded.options`,
		id, name, string(encoded), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("bridgestore: save %s: %w", id, err)
	}
	return nil
}

// Delete removes a bridge record.
func (s *BridgeStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM bridges WHERE id = ?`, id); err != nil {
		return fmt.Errorf("bridgestore: delete %s: %w", id, err)
	}
	return nil
}

// List returns all persisted bridges ordered by creation time.
func (s *BridgeStore) List(ctx context.Context) ([]StoredBridge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, options, created_at FROM bridges ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("bridgestore: list: %w", err)
	}
	defer rows.Close()

	var bridges []StoredBridge
	for rows.Next() {
		var (
			b          StoredBridge
			optionsRaw string
			createdRaw string
		)
		if err := rows.Scan(&b.ID, &b.Name, &optionsRaw, &createdRaw); err != nil {
			return nil, fmt.Errorf("bridgestore: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(optionsRaw), &b.Options); err != nil {
			return nil, fmt.Errorf("bridgestore: decode options for %s: %w", b.ID, err)
		}
		if parsed, err := time.Parse(time.RFC3339Nano, createdRaw); err == nil {
			b.CreatedAt = parsed
		}
		bridges = append(bridges, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bridgestore: rows: %w", err)
	}
	return bridges, nil
}

// Close releases the database connection.
func (s *BridgeStore) Close() error {
	return s.db.Close()
}
