package bus

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/petal-labs/bridgeflow"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStoreConfig configures the SQLite event store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string

	// RetentionAge deletes events older than this duration (0 = no age pruning).
	RetentionAge time.Duration

	// RetentionCount keeps at most this many events per bridge (0 = no count pruning).
	RetentionCount int

	// PruneInterval is how often to run pruning (default 1 hour).
	PruneInterval time.Duration
}

// SQLiteEventStore persists events to a SQLite database. It satisfies the
// EventStore interface, uses WAL mode for concurrent read access, and runs a
// background pruner goroutine when retention is configured. Sequence numbers
// are assigned by the database and are monotonic across all bridges.
type SQLiteEventStore struct {
	db   *sql.DB
	cfg  SQLiteStoreConfig
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteEventStore opens (or creates) a SQLite event store.
func NewSQLiteEventStore(cfg SQLiteStoreConfig) (*SQLiteEventStore, error) {
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}

	// Enable WAL mode for concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}

	s := &SQLiteEventStore{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	if cfg.RetentionAge > 0 || cfg.RetentionCount > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}

	return s, nil
}

// Append stores an event and returns the database-assigned sequence number.
func (s *SQLiteEventStore) Append(ctx context.Context, event bridgeflow.Event) (uint64, error) {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: marshal payload: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO events (bridge_id, kind, time, payload) VALUES (?, ?, ?, ?)`,
		event.BridgeID,
		string(event.Kind),
		event.Time.Format(time.RFC3339Nano),
		string(payloadJSON),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: append: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: last insert id: %w", err)
	}
	return uint64(id), nil // #nosec G115 -- id is always non-negative (auto-increment)
}

// List returns events for a bridge, optionally filtered by afterSeq and limit.
func (s *SQLiteEventStore) List(ctx context.Context, bridgeID string, afterSeq uint64, limit int) ([]bridgeflow.Event, error) {
	query := `SELECT id, bridge_id, kind, time, payload
	           FROM events WHERE bridge_id = ? AND id > ? ORDER BY id ASC`
	args := []any{bridgeID, afterSeq}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LatestSeq returns the highest Seq for a bridge (0 if no events).
func (s *SQLiteEventStore) LatestSeq(ctx context.Context, bridgeID string) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(id) FROM events WHERE bridge_id = ?`, bridgeID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: latest seq: %w", err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil // #nosec G115 -- seq is always non-negative (auto-increment)
}

// BridgeIDs returns distinct bridge IDs from the store.
func (s *SQLiteEventStore) BridgeIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT bridge_id FROM events ORDER BY bridge_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: bridge ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan bridge id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close stops the background pruner and closes the database connection.
func (s *SQLiteEventStore) Close() error {
	select {
	case <-s.stop:
		// Already closed.
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

// Prune runs a single pruning pass. Exported for testing.
func (s *SQLiteEventStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge > 0 {
		cutoff := time.Now().Add(-s.cfg.RetentionAge).Format(time.RFC3339Nano)
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM events WHERE time < ?`, cutoff,
		); err != nil {
			return fmt.Errorf("sqlitestore: prune by age: %w", err)
		}
	}

	if s.cfg.RetentionCount > 0 {
		// For each bridge, keep only the most recent RetentionCount events.
		ids, err := s.BridgeIDs(ctx)
		if err != nil {
			return fmt.Errorf("sqlitestore: prune: %w", err)
		}
		for _, bridgeID := range ids {
			if _, err := s.db.ExecContext(ctx,
				`DELETE FROM events WHERE bridge_id = ? AND id NOT IN (
					SELECT id FROM events WHERE bridge_id = ? ORDER BY id DESC LIMIT ?
				)`, bridgeID, bridgeID, s.cfg.RetentionCount,
			); err != nil {
				return fmt.Errorf("sqlitestore: prune by count for %s: %w", bridgeID, err)
			}
		}
	}

	return nil
}

func (s *SQLiteEventStore) pruneLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.Prune(context.Background())
		}
	}
}

func scanEvents(rows *sql.Rows) ([]bridgeflow.Event, error) {
	var events []bridgeflow.Event
	for rows.Next() {
		var (
			e           bridgeflow.Event
			seq         int64
			kind        string
			timeStr     string
			payloadJSON string
		)
		if err := rows.Scan(&seq, &e.BridgeID, &kind, &timeStr, &payloadJSON); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan event: %w", err)
		}
		e.Seq = uint64(seq) // #nosec G115 -- id is always non-negative
		e.Kind = bridgeflow.EventKind(kind)

		parsed, err := time.Parse(time.RFC3339Nano, timeStr)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: parse time: %w", err)
		}
		e.Time = parsed

		if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
			return nil, fmt.Errorf("sqlitestore: unmarshal payload: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitestore: rows: %w", err)
	}
	return events, nil
}

var _ EventStore = (*SQLiteEventStore)(nil)
