// Package store implements the Store Interface (spec.md 4.6, module F): an
// append-only, time-series events table with JSON payload projection,
// backed by an embedded DuckDB database opened through database/sql.
//
// Grounded on the teacher's pkg/store for its sentinel-error vocabulary
// (errors.New, wrapped with fmt.Errorf("...: %w", err) at each layer) and
// on madcok-co-unicorn's core/pkg/adapters/database.Adapter for the
// database/sql usage idiom (sql.Open, parameterized Exec/Query,
// Begin/Commit/Rollback transactions) — the closest thing to a generic
// SQL adapter anywhere in the retrieved pack. DuckDB itself
// (github.com/marcboeker/go-duckdb) has no precedent in the pack; it is
// named directly by the expanded spec's data model (native `->`/`->>`
// JSON operators, columnar aggregate queries) and registered under the
// "duckdb" database/sql driver name, so every operation here goes through
// the standard database/sql surface rather than a DuckDB-specific API.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/getmockd/unshubd/pkg/logging"
)

// ErrEmptyBatch is returned by InsertBatch when called with no events.
var ErrEmptyBatch = errors.New("store: empty batch")

// Event is one row of the append-only events table.
type Event struct {
	Timestamp time.Time
	Topic     string
	Payload   json.RawMessage
	BrokerID  string
}

// Store wraps a DuckDB connection implementing the append-only events
// table and its maintenance operations.
type Store struct {
	log *slog.Logger
	db  *sql.DB
}

// Open opens (creating if necessary) a DuckDB database at path, migrating
// the schema, and returning a ready Store. Use path ":memory:" for an
// ephemeral in-process database (tests, default dev config).
func Open(path string) (*Store, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// A single persistent connection avoids DuckDB's multi-process file
	// lock contention and keeps prepared statements coherent across calls.
	db.SetMaxOpenConns(1)

	s := &Store{log: logging.Nop(), db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// SetLogger wires a structured logger.
func (s *Store) SetLogger(l *slog.Logger) { s.log = l }

// migrate ensures the events table and its indexes exist, adding broker_id
// to a pre-existing table and backfilling it (spec.md 4.6 schema
// migration at startup).
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS mqtt_events (
			timestamp TIMESTAMPTZ NOT NULL,
			topic     TEXT NOT NULL,
			payload   JSON NOT NULL,
			broker_id TEXT NOT NULL DEFAULT 'default_broker'
		)
	`)
	if err != nil {
		return err
	}

	hasBrokerID, err := s.columnExists(ctx, "mqtt_events", "broker_id")
	if err != nil {
		return err
	}
	if !hasBrokerID {
		if _, err := s.db.ExecContext(ctx, `ALTER TABLE mqtt_events ADD COLUMN broker_id TEXT`); err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE mqtt_events SET broker_id = 'default_broker' WHERE broker_id IS NULL`); err != nil {
			return err
		}
	}

	_, err = s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS alert_rules (
			id               TEXT PRIMARY KEY,
			name             TEXT NOT NULL,
			topic_pattern    TEXT NOT NULL,
			condition        TEXT NOT NULL,
			severity         TEXT NOT NULL,
			webhook_url      TEXT,
			workflow_prompt  TEXT,
			enabled          BOOLEAN NOT NULL DEFAULT true,
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS active_alerts (
			id           TEXT PRIMARY KEY,
			rule_id      TEXT NOT NULL,
			topic        TEXT NOT NULL,
			status       TEXT NOT NULL,
			payload      JSON,
			handled_by   TEXT,
			created_at   TIMESTAMPTZ NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL
		)
	`)
	return err
}

func (s *Store) columnExists(ctx context.Context, table, column string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM information_schema.columns
		WHERE table_name = ? AND column_name = ?
	`, table, column)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// InsertBatch inserts events inside a single transaction, rolling back the
// whole batch if any row fails (spec.md 4.6/3: Persistence Queue's
// transactional batch insert). Timestamps are written as RFC3339 Z-suffixed
// UTC (spec.md 6: "Event-record wire format").
func (s *Store) InsertBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return ErrEmptyBatch
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO mqtt_events (timestamp, topic, payload, broker_id)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("store: prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range events {
		brokerID := e.BrokerID
		if brokerID == "" {
			brokerID = "default_broker"
		}
		if _, err := stmt.ExecContext(ctx, e.Timestamp.UTC().Format(time.RFC3339), e.Topic, string(e.Payload), brokerID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("store: insert row (topic=%s): %w", e.Topic, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// QueryAll runs a read-only SELECT and returns every row as a
// column-name-to-value map, satisfying pkg/sandbox.Store for D and E's
// db.all(...) calls.
func (s *Store) QueryAll(ctx context.Context, query string) ([]map[string]interface{}, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanRows(rows)
}

// QueryRow runs a read-only SELECT and returns the first row, satisfying
// pkg/sandbox.Store for D and E's db.get(...) calls. Returns nil with no
// error if the query produced no rows.
func (s *Store) QueryRow(ctx context.Context, query string) (map[string]interface{}, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	all, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all[0], nil
}

func scanRows(rows *sql.Rows) ([]map[string]interface{}, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			row[col] = normalizeScanValue(values[i])
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// normalizeScanValue converts driver-native scan results (commonly []byte
// for text/JSON columns) into plain Go values the sandbox environment and
// JSON encoders can work with directly.
func normalizeScanValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
