package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// EventFilter narrows a Recent/Search query (spec.md 4.6 query surface:
// topic wildcard, case-insensitive text match, time range, ordering).
type EventFilter struct {
	TopicLike   string // SQL LIKE pattern matched against topic, e.g. "sensors/%"
	TextMatch   string // case-insensitive substring matched against payload
	Since       time.Time
	Until       time.Time
	BrokerID    string
	Limit       int
}

// Recent returns events matching filter, newest first, bounded by
// filter.Limit (0 means unlimited).
func (s *Store) Recent(ctx context.Context, filter EventFilter) ([]map[string]interface{}, error) {
	var where []string
	var args []interface{}

	if filter.TopicLike != "" {
		where = append(where, "topic LIKE ?")
		args = append(args, filter.TopicLike)
	}
	if filter.TextMatch != "" {
		where = append(where, "lower(CAST(payload AS VARCHAR)) LIKE ?")
		args = append(args, "%"+strings.ToLower(filter.TextMatch)+"%")
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Since.UTC().Format(time.RFC3339))
	}
	if !filter.Until.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, filter.Until.UTC().Format(time.RFC3339))
	}
	if filter.BrokerID != "" {
		where = append(where, "broker_id = ?")
		args = append(args, filter.BrokerID)
	}

	query := "SELECT timestamp, topic, payload, broker_id FROM mqtt_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: recent: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanRows(rows)
}

// JSONField builds a read-only SELECT projecting a single JSON field out of
// the payload column using DuckDB's `->>` text-extraction operator (spec.md
// 4.6: "JSON field extraction queries"), for a given topic and time range.
func JSONField(field string) string {
	return fmt.Sprintf("payload->>'%s'", field)
}

// Aggregate runs a read-only SELECT containing an aggregate projection
// (AVG, SUM, MIN, MAX, COUNT) over a JSON numeric field, for use by the
// sandboxed db.get(...)/db.all(...) helpers in D and E. Callers build the
// query string themselves; Aggregate only enforces the read-only
// constraint already present in QueryRow/QueryAll's SELECT-only contract
// at the caller layer (pkg/sandbox.isSelect).
func (s *Store) Aggregate(ctx context.Context, query string) (map[string]interface{}, error) {
	return s.QueryRow(ctx, query)
}
