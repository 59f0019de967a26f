package metrics

import "sync"

// Default metrics for the ingestion hub.
// These are initialized by calling Init().
var (
	// EventsIngestedTotal counts events accepted past the namespace throttle
	// and size guard. Labels: broker_id.
	EventsIngestedTotal *Counter

	// ThrottleDropsTotal counts events dropped by the per-namespace rate
	// gate (spec.md 4.2 step 1). Labels: broker_id.
	ThrottleDropsTotal *Counter

	// OversizeDropsTotal counts payloads that exceeded the 2 MiB guard.
	// Labels: broker_id.
	OversizeDropsTotal *Counter

	// ActiveConnections tracks broker client connection state.
	// Labels: broker_id, status (connecting, connected, offline, disconnected, error, shutting_down)
	ActiveConnections *Gauge

	// PersistQueueDepth is the current depth of the persistence queue (C).
	PersistQueueDepth *Gauge

	// PersistBatchesTotal counts committed (or rolled-back) batches.
	// Labels: result (committed, rolled_back)
	PersistBatchesTotal *Counter

	// PersistDroppedTotal counts events dropped by back-pressure overflow.
	PersistDroppedTotal *Counter

	// TransformSuccessTotal counts successful target executions.
	// Labels: source_topic, target_id
	TransformSuccessTotal *Counter

	// TransformErrorsTotal counts target execution errors (timeout, ACL
	// denial, encode failure, script throw). Labels: source_topic, target_id
	TransformErrorsTotal *Counter

	// AlertsTriggeredTotal counts new active-alert rows created.
	// Labels: rule_id, severity
	AlertsTriggeredTotal *Counter

	// BroadcastSubscribers is the number of currently connected bus
	// subscribers (G).
	BroadcastSubscribers *Gauge

	// UptimeSeconds is a gauge of the server uptime in seconds.
	UptimeSeconds *Gauge

	// StoreRowsPrunedTotal counts rows deleted by the store's bounded
	// retention maintenance loop (F).
	StoreRowsPrunedTotal *Counter

	// defaultRegistry is the global metrics registry.
	defaultRegistry *Registry

	// initOnce ensures Init() is only called once.
	initOnce sync.Once
)

// Init initializes the default metrics and returns the registry.
// This function is idempotent and safe to call multiple times.
func Init() *Registry {
	initOnce.Do(func() {
		defaultRegistry = NewRegistry()

		EventsIngestedTotal = defaultRegistry.NewCounter(
			"unshubd_events_ingested_total",
			"Total number of events accepted by the message handler",
			"broker_id",
		)

		ThrottleDropsTotal = defaultRegistry.NewCounter(
			"unshubd_throttle_drops_total",
			"Total number of events dropped by the per-namespace rate gate",
			"broker_id",
		)

		OversizeDropsTotal = defaultRegistry.NewCounter(
			"unshubd_oversize_drops_total",
			"Total number of payloads rejected by the size guard",
			"broker_id",
		)

		ActiveConnections = defaultRegistry.NewGauge(
			"unshubd_broker_connections",
			"Broker client connection state (1 = in this state)",
			"broker_id", "status",
		)

		PersistQueueDepth = defaultRegistry.NewGauge(
			"unshubd_persist_queue_depth",
			"Current depth of the persistence queue",
		)

		PersistBatchesTotal = defaultRegistry.NewCounter(
			"unshubd_persist_batches_total",
			"Total number of persistence batches by result",
			"result",
		)

		PersistDroppedTotal = defaultRegistry.NewCounter(
			"unshubd_persist_dropped_total",
			"Total number of events dropped by persistence back-pressure",
		)

		TransformSuccessTotal = defaultRegistry.NewCounter(
			"unshubd_transform_success_total",
			"Total number of successful transform target executions",
			"source_topic", "target_id",
		)

		TransformErrorsTotal = defaultRegistry.NewCounter(
			"unshubd_transform_errors_total",
			"Total number of transform target execution errors",
			"source_topic", "target_id",
		)

		AlertsTriggeredTotal = defaultRegistry.NewCounter(
			"unshubd_alerts_triggered_total",
			"Total number of active alerts created",
			"rule_id", "severity",
		)

		BroadcastSubscribers = defaultRegistry.NewGauge(
			"unshubd_broadcast_subscribers",
			"Current number of connected status/broadcast bus subscribers",
		)

		UptimeSeconds = defaultRegistry.NewGauge(
			"unshubd_uptime_seconds",
			"Server uptime in seconds",
		)

		StoreRowsPrunedTotal = defaultRegistry.NewCounter(
			"unshubd_store_rows_pruned_total",
			"Total number of event rows deleted by retention pruning",
		)
	})

	return defaultRegistry
}

// DefaultRegistry returns the default metrics registry.
// Returns nil if Init() has not been called.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Reset resets all default metrics. Useful for testing.
// This also resets the initOnce, allowing Init() to be called again.
func Reset() {
	initOnce = sync.Once{}
	defaultRegistry = nil
	EventsIngestedTotal = nil
	ThrottleDropsTotal = nil
	OversizeDropsTotal = nil
	ActiveConnections = nil
	PersistQueueDepth = nil
	PersistBatchesTotal = nil
	PersistDroppedTotal = nil
	TransformSuccessTotal = nil
	TransformErrorsTotal = nil
	AlertsTriggeredTotal = nil
	BroadcastSubscribers = nil
	UptimeSeconds = nil
	StoreRowsPrunedTotal = nil
}
