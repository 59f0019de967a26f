package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_CreatesSchema(t *testing.T) {
	s := openTestStore(t)

	n, err := s.RowCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestInsertBatch_EmptyReturnsError(t *testing.T) {
	s := openTestStore(t)

	err := s.InsertBatch(context.Background(), nil)
	require.ErrorIs(t, err, ErrEmptyBatch)
}

func TestInsertBatch_InsertsAndQueries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	events := []Event{
		{Timestamp: now, Topic: "sensors/room1/temp", Payload: json.RawMessage(`{"tempC":21.5}`), BrokerID: "b1"},
		{Timestamp: now.Add(time.Second), Topic: "sensors/room2/temp", Payload: json.RawMessage(`{"tempC":19.0}`), BrokerID: "b1"},
	}
	require.NoError(t, s.InsertBatch(ctx, events))

	n, err := s.RowCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	rows, err := s.QueryAll(ctx, "SELECT topic, broker_id FROM mqtt_events ORDER BY timestamp ASC")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "sensors/room1/temp", rows[0]["topic"])
	require.Equal(t, "b1", rows[0]["broker_id"])
}

func TestInsertBatch_DefaultsMissingBrokerID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertBatch(ctx, []Event{
		{Timestamp: time.Now(), Topic: "a/b", Payload: json.RawMessage(`{}`)},
	}))

	row, err := s.QueryRow(ctx, "SELECT broker_id FROM mqtt_events LIMIT 1")
	require.NoError(t, err)
	require.Equal(t, "default_broker", row["broker_id"])
}

func TestQueryRow_NoRowsReturnsNil(t *testing.T) {
	s := openTestStore(t)

	row, err := s.QueryRow(context.Background(), "SELECT * FROM mqtt_events WHERE topic = 'nope'")
	require.NoError(t, err)
	require.Nil(t, row)
}

func TestAggregate_AveragesJSONField(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.InsertBatch(ctx, []Event{
		{Timestamp: now, Topic: "sensors/a", Payload: json.RawMessage(`{"tempC":20}`), BrokerID: "b1"},
		{Timestamp: now, Topic: "sensors/a", Payload: json.RawMessage(`{"tempC":30}`), BrokerID: "b1"},
	}))

	row, err := s.Aggregate(ctx, "SELECT AVG(CAST(payload->>'tempC' AS DOUBLE)) AS avg_temp FROM mqtt_events WHERE topic = 'sensors/a'")
	require.NoError(t, err)
	require.InDelta(t, 25.0, toFloat(row["avg_temp"]), 0.001)
}

func TestRecent_FiltersByTopicLikeAndLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.InsertBatch(ctx, []Event{
		{Timestamp: now, Topic: "sensors/room1/temp", Payload: json.RawMessage(`{}`), BrokerID: "b1"},
		{Timestamp: now.Add(time.Second), Topic: "sensors/room2/temp", Payload: json.RawMessage(`{}`), BrokerID: "b1"},
		{Timestamp: now.Add(2 * time.Second), Topic: "other/topic", Payload: json.RawMessage(`{}`), BrokerID: "b1"},
	}))

	rows, err := s.Recent(ctx, EventFilter{TopicLike: "sensors/%", Limit: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "sensors/room2/temp", rows[0]["topic"])
}

func TestRecent_TextMatchIsCaseInsensitive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertBatch(ctx, []Event{
		{Timestamp: time.Now(), Topic: "a/b", Payload: json.RawMessage(`{"state":"ALARM"}`), BrokerID: "b1"},
	}))

	rows, err := s.Recent(ctx, EventFilter{TextMatch: "alarm"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestMigrate_BackfillsBrokerIDOnExistingTable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Simulate a table created before broker_id existed, holding one row,
	// then re-run migrate so it adds and backfills the column.
	_, err := s.db.ExecContext(ctx, `DROP TABLE mqtt_events`)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `CREATE TABLE mqtt_events (timestamp TIMESTAMPTZ NOT NULL, topic TEXT NOT NULL, payload JSON NOT NULL)`)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `INSERT INTO mqtt_events (timestamp, topic, payload) VALUES (?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), "legacy/topic", `{}`)
	require.NoError(t, err)
	require.NoError(t, s.migrate(ctx))

	row, err := s.QueryRow(ctx, "SELECT broker_id FROM mqtt_events WHERE topic = 'legacy/topic'")
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Equal(t, "default_broker", row["broker_id"])
}

func TestPrune_NoopWhenUnbounded(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Prune(context.Background(), 0, 1000))
}

func TestPrune_DeletesOldestRowsOverThreshold(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var events []Event
	now := time.Now()
	for i := 0; i < 50; i++ {
		events = append(events, Event{
			Timestamp: now.Add(time.Duration(i) * time.Second),
			Topic:     "sensors/a",
			Payload:   json.RawMessage(`{"v":1}`),
			BrokerID:  "b1",
		})
	}
	require.NoError(t, s.InsertBatch(ctx, events))

	// A 1 MB threshold with 10-row chunks; 0 would disable pruning entirely.
	require.NoError(t, s.Prune(ctx, 1, 10))

	n, err := s.RowCount(ctx)
	require.NoError(t, err)
	require.LessOrEqual(t, n, int64(50))
}

func TestCheckpoint(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Checkpoint(context.Background()))
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
