package store

import (
	"context"
	"fmt"
	"time"

	"github.com/getmockd/unshubd/pkg/metrics"
)

// checkpointInterval is the DuckDB WAL checkpoint cadence (spec.md 4.6:
// "periodic checkpoint").
const checkpointInterval = 15 * time.Second

// Checkpoint forces DuckDB to flush its write-ahead log into the main
// database file.
func (s *Store) Checkpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "CHECKPOINT")
	if err != nil {
		return fmt.Errorf("store: checkpoint: %w", err)
	}
	return nil
}

// RowCount returns the number of rows currently in the events table.
func (s *Store) RowCount(ctx context.Context) (int64, error) {
	row := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM mqtt_events")
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("store: row count: %w", err)
	}
	return n, nil
}

// sizeBytes returns DuckDB's own estimate of on-disk database size, used to
// decide whether retention pruning is due.
func (s *Store) sizeBytes(ctx context.Context) (int64, error) {
	row := s.db.QueryRowContext(ctx, "SELECT database_size FROM pragma_database_size()")
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("store: database size: %w", err)
	}
	return n, nil
}

// Prune deletes the oldest chunkSize rows of mqtt_events if the database
// exceeds maxSizeMB (spec.md 4.6: "bounded retention: delete oldest N rows
// on size threshold"). maxSizeMB <= 0 means unbounded; Prune is then a no-op.
func (s *Store) Prune(ctx context.Context, maxSizeMB, chunkSize int) error {
	if maxSizeMB <= 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = 1000
	}

	size, err := s.sizeBytes(ctx)
	if err != nil {
		return err
	}
	if size <= int64(maxSizeMB)*1024*1024 {
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM mqtt_events
		WHERE (timestamp, topic) IN (
			SELECT timestamp, topic FROM mqtt_events
			ORDER BY timestamp ASC
			LIMIT ?
		)
	`, chunkSize)
	if err != nil {
		return fmt.Errorf("store: prune: %w", err)
	}

	rows, _ := res.RowsAffected()
	if metrics.StoreRowsPrunedTotal != nil {
		_ = metrics.StoreRowsPrunedTotal.Add(float64(rows))
	}

	s.log.Info("store retention pruned oldest rows", "rows_deleted", rows, "max_size_mb", maxSizeMB)
	return nil
}

// StartMaintenance runs the checkpoint-then-prune loop until ctx is
// cancelled. It is meant to be launched once in a background goroutine at
// startup (spec.md 4.6 "periodic ~15s checkpoint plus bounded retention").
func (s *Store) StartMaintenance(ctx context.Context, maxSizeMB, pruneChunkSize int) {
	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Checkpoint(ctx); err != nil {
				s.log.Warn("store checkpoint failed", "error", err)
			}
			if err := s.Prune(ctx, maxSizeMB, pruneChunkSize); err != nil {
				s.log.Warn("store prune failed", "error", err)
			}
		}
	}
}
