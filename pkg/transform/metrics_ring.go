package transform

import (
	"time"

	"github.com/getmockd/unshubd/pkg/broadcast"
	"github.com/getmockd/unshubd/pkg/metrics"
)

// recordError appends an error ring entry and broadcasts immediately, with
// no coalescing, so operators see failures promptly (spec.md 4.4: "An
// error on any step generates an immediate broadcast (no coalescing)").
func (e *Engine) recordError(tm *targetMetrics, sourceTopic, targetID, inTopic string, err error) {
	if metrics.TransformErrorsTotal != nil {
		if vec, merr := metrics.TransformErrorsTotal.WithLabels(sourceTopic, targetID); merr == nil {
			_ = vec.Inc()
		}
	}

	entry := RingEntry{At: time.Now(), InTopic: inTopic, Error: err.Error()}

	tm.mu.Lock()
	tm.pushLocked(entry)
	tm.mu.Unlock()

	e.log.Warn("transform target failed", "source_topic", sourceTopic, "target_id", targetID, "error", err)

	if e.bus != nil {
		e.bus.Publish(broadcast.TypeMapperMetricsUpdate, map[string]interface{}{
			"sourceTopic": sourceTopic,
			"targetId":    targetID,
			"entry":       entry,
		})
	}
}

// recordDebug appends a debug ring entry (captured console.log output) and
// schedules a coalesced broadcast.
func (e *Engine) recordDebug(tm *targetMetrics, sourceTopic, targetID, inTopic, debug string) {
	entry := RingEntry{At: time.Now(), InTopic: inTopic, Debug: debug}

	tm.mu.Lock()
	tm.pushLocked(entry)
	tm.mu.Unlock()

	e.scheduleCoalescedBroadcast(tm, sourceTopic, targetID)
}

// recordSuccess increments the success counter, appends a success ring
// entry, and schedules a coalesced broadcast (spec.md 4.4: "success and
// debug entries are coalesced with a debounce (≤1.5 s)").
func (e *Engine) recordSuccess(tm *targetMetrics, sourceTopic, targetID, inTopic, outTopic, outSnippet string) {
	entry := RingEntry{At: time.Now(), InTopic: inTopic, OutTopic: outTopic, OutSnippet: outSnippet}

	tm.mu.Lock()
	tm.successCount++
	tm.pushLocked(entry)
	tm.mu.Unlock()

	e.scheduleCoalescedBroadcast(tm, sourceTopic, targetID)
}

// scheduleCoalescedBroadcast emits a mapper-metrics-update envelope at most
// once per debounceWindow for a given (source_topic, target.id) pair,
// trailing: a broadcast fires immediately if the window has elapsed since
// the last one, otherwise a single timer is armed to fire at window's end.
func (e *Engine) scheduleCoalescedBroadcast(tm *targetMetrics, sourceTopic, targetID string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := time.Now()
	if now.Sub(tm.lastBroadcast) >= debounceWindow {
		tm.lastBroadcast = now
		e.publishSnapshotLocked(tm, sourceTopic, targetID)
		return
	}

	if tm.pendingTimer != nil {
		return
	}
	remaining := debounceWindow - now.Sub(tm.lastBroadcast)
	tm.pendingTimer = time.AfterFunc(remaining, func() {
		tm.mu.Lock()
		tm.lastBroadcast = time.Now()
		tm.pendingTimer = nil
		e.publishSnapshotLocked(tm, sourceTopic, targetID)
		tm.mu.Unlock()
	})
}

// publishSnapshotLocked publishes the current counters and ring to the
// bus. Callers must hold tm.mu.
func (e *Engine) publishSnapshotLocked(tm *targetMetrics, sourceTopic, targetID string) {
	if e.bus == nil {
		return
	}
	recent := make([]RingEntry, len(tm.ring))
	copy(recent, tm.ring)

	e.bus.Publish(broadcast.TypeMapperMetricsUpdate, map[string]interface{}{
		"sourceTopic":  sourceTopic,
		"targetId":     targetID,
		"successCount": tm.successCount,
		"recent":       recent,
	})
}

// Snapshot returns the current success count and recent ring entries for
// a (source_topic, target.id) pair, or ok=false if no metrics exist yet.
func (e *Engine) Snapshot(sourceTopic, targetID string) (Snapshot, bool) {
	key := metricsKey(sourceTopic, targetID)

	e.metricsMu.RLock()
	tm, ok := e.metrics[key]
	e.metricsMu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	recent := make([]RingEntry, len(tm.ring))
	copy(recent, tm.ring)
	return Snapshot{SuccessCount: tm.successCount, Recent: recent}, true
}
