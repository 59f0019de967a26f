// Package handler implements the Message Handler (B): the cooperative,
// non-blocking pipeline every inbound MQTT message passes through before
// reaching persistence, transformation, and alerting.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/getmockd/unshubd/pkg/broadcast"
	"github.com/getmockd/unshubd/pkg/logging"
	"github.com/getmockd/unshubd/pkg/metrics"
	"github.com/getmockd/unshubd/pkg/persist"
	"github.com/getmockd/unshubd/pkg/throttle"
)

// maxPayloadBytes is the hard size guard (spec.md 4.2 step 2).
const maxPayloadBytes = 2 * 1024 * 1024

// SparkplugDecoder is the decode-side counterpart of
// pkg/transform.SparkplugEncoder: a seam rather than a direct dependency;
// pkg/cli wires the pkg/sparkplug decoder in.
type SparkplugDecoder interface {
	Decode(payload []byte) (map[string]interface{}, error)
}

// Bus is the Status/Broadcast Bus (G) slice the handler needs.
type Bus interface {
	Publish(envType broadcast.EnvelopeType, data interface{})
}

// PersistQueue is the Persistence Queue (C) slice the handler needs.
type PersistQueue interface {
	Insert(e persist.Event)
}

// TransformEngine is the Transformation Engine (D) slice the handler
// needs: the store-need prefilter plus synchronous stateless dispatch.
type TransformEngine interface {
	RequiresStore(topic string) bool
	HandleEvent(ctx context.Context, sourceBroker, topic string, payload map[string]interface{}, isSparkplug bool)
}

// AlertEngine is the Alert Engine (E) slice the handler needs.
type AlertEngine interface {
	Evaluate(ctx context.Context, brokerID, topic string, payload map[string]interface{})
}

// Handler is the Message Handler (B).
type Handler struct {
	log *slog.Logger

	limiter          *throttle.NamespaceLimiter
	sparkplugEnabled bool
	sparkplug        SparkplugDecoder

	bus       Bus
	queue     PersistQueue
	transform TransformEngine
	alert     AlertEngine
}

// New builds a Handler. sparkplugEnabled mirrors
// pkg/config.SparkplugConfig.Enabled.
func New(sparkplugEnabled bool) *Handler {
	h := &Handler{
		log:              logging.Nop(),
		sparkplugEnabled: sparkplugEnabled,
	}
	h.limiter = throttle.NewNamespaceLimiter(throttle.DefaultMaxPerSecond, throttle.DefaultWindow, h.onThrottleOverflow)
	return h
}

func (h *Handler) SetLogger(l *slog.Logger)              { h.log = l }
func (h *Handler) SetSparkplugDecoder(d SparkplugDecoder) { h.sparkplug = d }
func (h *Handler) SetBus(b Bus)                          { h.bus = b }
func (h *Handler) SetPersistQueue(q PersistQueue)        { h.queue = q }
func (h *Handler) SetTransformEngine(t TransformEngine)  { h.transform = t }
func (h *Handler) SetAlertEngine(a AlertEngine)          { h.alert = a }

func (h *Handler) onThrottleOverflow(key string) {
	h.log.Warn("namespace rate gate exceeded, dropping further events this window", "key", key)
}

// Handle is B's public contract: handle(broker_id, topic, raw_bytes). It
// never returns an error to the caller — every failure mode is classified
// and materialized into the payload envelope itself (spec.md 4.2).
func (h *Handler) Handle(ctx context.Context, brokerID, topic string, raw []byte) {
	key := throttle.Key(brokerID, topic)
	if !h.limiter.Allow(key) {
		if metrics.ThrottleDropsTotal != nil {
			if vec, err := metrics.ThrottleDropsTotal.WithLabels(brokerID); err == nil {
				_ = vec.Inc()
			}
		}
		return
	}

	oversize := len(raw) > maxPayloadBytes
	payload, isSparkplug := h.decode(topic, raw)
	if oversize && metrics.OversizeDropsTotal != nil {
		if vec, err := metrics.OversizeDropsTotal.WithLabels(brokerID); err == nil {
			_ = vec.Inc()
		}
	}

	needsStore := h.transform != nil && h.transform.RequiresStore(topic)

	payloadText, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("failed to marshal canonicalized payload", "broker_id", brokerID, "topic", topic, "error", err)
		return
	}

	now := time.Now().UTC()

	if h.bus != nil {
		h.bus.Publish(broadcast.TypeMQTTMessage, map[string]interface{}{
			"type":         "mqtt-message",
			"broker_id":    brokerID,
			"topic":        topic,
			"payload_text": string(payloadText),
			"timestamp":    now.Format(time.RFC3339),
		})
	}

	if h.queue != nil {
		h.queue.Insert(persist.Event{
			Timestamp:              now,
			Topic:                  topic,
			BrokerID:               brokerID,
			Payload:                json.RawMessage(payloadText),
			NeedsStoreForTransform: needsStore,
			DecodedPayload:         payload,
			Sparkplug:              isSparkplug,
		})
	}

	if !needsStore && h.transform != nil {
		h.transform.HandleEvent(ctx, brokerID, topic, payload, isSparkplug)
	}

	if h.alert != nil {
		go h.alert.Evaluate(context.Background(), brokerID, topic, payload)
	}

	if metrics.EventsIngestedTotal != nil {
		if vec, err := metrics.EventsIngestedTotal.WithLabels(brokerID); err == nil {
			_ = vec.Inc()
		}
	}
}
