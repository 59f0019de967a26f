// Package persist implements the Persistence Queue (C): a non-blocking,
// in-memory batching buffer in front of the Store Interface (F), with
// post-commit replay into the Transformation Engine (D) for events that
// need a read-your-writes view of the store.
package persist

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/getmockd/unshubd/pkg/logging"
	"github.com/getmockd/unshubd/pkg/metrics"
	"github.com/getmockd/unshubd/pkg/store"
)

// Store is the narrow slice of the Store Interface (F) the queue needs:
// a single transactional batch insert.
type Store interface {
	InsertBatch(ctx context.Context, events []store.Event) error
}

// TransformEngine is the Transformation Engine (D) slice used for
// post-commit replay.
type TransformEngine interface {
	HandleEvent(ctx context.Context, sourceBroker, topic string, payload map[string]interface{}, isSparkplug bool)
}

// Queue batches inserts and defers D-replay until after each batch
// commits (spec.md 4.3).
type Queue struct {
	log *slog.Logger

	mu    sync.Mutex
	items []Event

	store     Store
	transform TransformEngine

	batchSize      int
	batchInterval  time.Duration
	maxQueueEvents int

	drainSignal chan struct{}
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// New builds a Queue. batchSize, batchInterval, and maxQueueEvents should
// come from pkg/config.SizingConfig (defaults 5000, 2000ms, 250_000).
func New(st Store, batchSize int, batchInterval time.Duration, maxQueueEvents int) *Queue {
	if batchSize <= 0 {
		batchSize = 5000
	}
	if batchInterval <= 0 {
		batchInterval = 2000 * time.Millisecond
	}
	if maxQueueEvents <= 0 {
		maxQueueEvents = 250_000
	}
	return &Queue{
		log:            logging.Nop(),
		store:          st,
		batchSize:      batchSize,
		batchInterval:  batchInterval,
		maxQueueEvents: maxQueueEvents,
		drainSignal:    make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

func (q *Queue) SetLogger(l *slog.Logger)            { q.log = l }
func (q *Queue) SetTransformEngine(t TransformEngine) { q.transform = t }

// Insert appends an event without blocking on the store. Back-pressure
// drops the oldest queued event once the soft bound is exceeded (spec.md
// 4.3: "beyond this, the oldest entries are dropped and a counter is
// incremented"), following the same mutex-guarded slice eviction
// pkg/recording.RecordingStore.Add uses for its own bounded buffer.
func (q *Queue) Insert(e Event) {
	q.mu.Lock()
	if len(q.items) >= q.maxQueueEvents {
		q.items = q.items[1:]
		if metrics.PersistDroppedTotal != nil {
			_ = metrics.PersistDroppedTotal.Inc()
		}
	}
	q.items = append(q.items, e)
	depth := len(q.items)
	overBatch := depth >= q.batchSize
	q.mu.Unlock()

	if metrics.PersistQueueDepth != nil {
		_ = metrics.PersistQueueDepth.Set(float64(depth))
	}

	if overBatch {
		select {
		case q.drainSignal <- struct{}{}:
		default:
		}
	}
}

// Run drives the batch loop until ctx is cancelled or Stop is called.
// Intended to be launched on its own goroutine.
func (q *Queue) Run(ctx context.Context) {
	defer close(q.doneCh)

	ticker := time.NewTicker(q.batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.drain(context.Background())
			return
		case <-q.stopCh:
			q.drain(context.Background())
			return
		case <-ticker.C:
			q.drain(ctx)
		case <-q.drainSignal:
			q.drain(ctx)
		}
	}
}

// Stop cancels the timer and performs one final synchronous drain, per
// spec.md 4.3's "Draining on shutdown".
func (q *Queue) Stop() {
	close(q.stopCh)
	<-q.doneCh
}

// drain pops up to batchSize events and inserts them as one transaction,
// then replays store-dependent events to D only after the commit
// succeeds.
func (q *Queue) drain(ctx context.Context) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return
	}
	n := len(q.items)
	if n > q.batchSize {
		n = q.batchSize
	}
	batch := q.items[:n]
	q.items = q.items[n:]
	remaining := len(q.items)
	q.mu.Unlock()

	if metrics.PersistQueueDepth != nil {
		_ = metrics.PersistQueueDepth.Set(float64(remaining))
	}

	rows := make([]store.Event, len(batch))
	for i, e := range batch {
		rows[i] = store.Event{
			Timestamp: e.Timestamp,
			Topic:     e.Topic,
			BrokerID:  e.BrokerID,
			Payload:   e.Payload,
		}
	}

	result := "committed"
	if err := q.store.InsertBatch(ctx, rows); err != nil {
		result = "rolled_back"
		q.log.Error("persistence batch failed", "batch_size", len(rows), "error", err)
	}

	if metrics.PersistBatchesTotal != nil {
		if vec, err := metrics.PersistBatchesTotal.WithLabels(result); err == nil {
			_ = vec.Inc()
		}
	}

	if result != "committed" {
		return
	}

	q.replay(ctx, batch)
}

// replay invokes D for every committed event that needs a store view
// (spec.md 4.3: "Post-commit replay"). Errors from D are the engine's
// own concern; this layer only logs delivery, never D's internal
// evaluation errors.
func (q *Queue) replay(ctx context.Context, batch []Event) {
	if q.transform == nil {
		return
	}
	for _, e := range batch {
		if !e.NeedsStoreForTransform {
			continue
		}
		q.transform.HandleEvent(ctx, e.BrokerID, e.Topic, e.DecodedPayload, e.Sparkplug)
	}
}
