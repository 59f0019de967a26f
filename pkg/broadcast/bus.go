// Package broadcast implements the Status/Broadcast Bus (spec.md 4.7,
// module G): a single fan-out point that pushes typed JSON envelopes to
// every current subscriber, best-effort, dropping slow subscribers rather
// than blocking a publisher.
//
// Grounded on the teacher's pkg/websocket.ConnectionManager subscriber
// registry (RLock-copy-the-ID-list-then-send fan-out, per-subscriber
// isolation so one slow reader can't block another) and
// pkg/protocol.Broadcaster's Message/Broadcast/BroadcastTo shape. Unlike
// the teacher, subscribers here are in-process buffered channels rather
// than network connections: spec.md 4.7 describes G itself as "a single
// fan-out channel", and calls the HTTP/WS transport that would carry it to
// an external dashboard a detail of deployment ("the HTTP/WS layer in
// practice") rather than core scope — the core's Non-goals exclude any
// HTTP/WebSocket API surface, so this package stops at the fan-out boundary
// and never opens a network listener.
package broadcast

import (
	"log/slog"
	"sync"
	"time"

	"github.com/getmockd/unshubd/pkg/logging"
	"github.com/getmockd/unshubd/pkg/metrics"
)

// EnvelopeType enumerates the envelope kinds spec.md 4.7 names.
type EnvelopeType string

const (
	TypeMQTTMessage         EnvelopeType = "mqtt-message"
	TypeBrokerStatus        EnvelopeType = "broker-status"
	TypeBrokerStatusAll     EnvelopeType = "broker-status-all"
	TypeMapperConfigUpdate  EnvelopeType = "mapper-config-update"
	TypeMapperMetricsUpdate EnvelopeType = "mapper-metrics-update"
	TypeMappedTopicGen      EnvelopeType = "mapped-topic-generated"
	TypeAlertTriggered      EnvelopeType = "alert-triggered"
	TypeDBStatusUpdate      EnvelopeType = "db-status-update"
	TypePruningStatus       EnvelopeType = "pruning-status"
	TypeDBBounds            EnvelopeType = "db-bounds"
)

// Envelope is the JSON frame pushed to every subscriber.
type Envelope struct {
	Type EnvelopeType `json:"type"`
	At   time.Time    `json:"at"`
	Data interface{}  `json:"data"`
}

// subscriberBuffer bounds how far a slow subscriber can lag before the bus
// starts dropping envelopes destined for it rather than blocking the
// publisher (spec.md 5: "G broadcasts non-blocking; slow subscribers are
// skipped").
const subscriberBuffer = 256

type subscriber struct {
	id     string
	ch     chan Envelope
	groups map[string]struct{}
}

// Bus is the broadcast fan-out point. The zero value is not usable; use
// New.
type Bus struct {
	log *slog.Logger

	mu          sync.RWMutex
	subscribers map[string]*subscriber
	byGroup     map[string]map[string]struct{}
}

// New builds an empty Bus.
func New() *Bus {
	return &Bus{
		log:         logging.Nop(),
		subscribers: make(map[string]*subscriber),
		byGroup:     make(map[string]map[string]struct{}),
	}
}

// SetLogger wires a structured logger.
func (b *Bus) SetLogger(l *slog.Logger) { b.log = l }

// Subscribe registers a new subscriber and returns its receive channel and
// an unsubscribe function. The returned channel must be drained by the
// caller; the bus never blocks on it beyond a non-blocking send attempt.
func (b *Bus) Subscribe(id string, groups ...string) (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{
		id:     id,
		ch:     make(chan Envelope, subscriberBuffer),
		groups: make(map[string]struct{}, len(groups)),
	}
	for _, g := range groups {
		sub.groups[g] = struct{}{}
		if b.byGroup[g] == nil {
			b.byGroup[g] = make(map[string]struct{})
		}
		b.byGroup[g][id] = struct{}{}
	}
	b.subscribers[id] = sub

	if metrics.BroadcastSubscribers != nil {
		_ = metrics.BroadcastSubscribers.Set(float64(len(b.subscribers)))
	}

	return sub.ch, func() { b.unsubscribe(id) }
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[id]
	if !ok {
		return
	}
	for g := range sub.groups {
		if members, ok := b.byGroup[g]; ok {
			delete(members, id)
			if len(members) == 0 {
				delete(b.byGroup, g)
			}
		}
	}
	delete(b.subscribers, id)
	close(sub.ch)

	if metrics.BroadcastSubscribers != nil {
		_ = metrics.BroadcastSubscribers.Set(float64(len(b.subscribers)))
	}
}

// Publish fans an envelope out to every current subscriber, non-blocking
// (spec.md 5). A subscriber whose buffer is full is skipped for this
// envelope rather than stalling the rest of the fan-out.
func (b *Bus) Publish(envType EnvelopeType, data interface{}) {
	env := Envelope{Type: envType, At: time.Now(), Data: data}

	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- env:
		default:
			b.log.Warn("broadcast subscriber buffer full, dropping envelope", "subscriber_id", s.id, "type", string(envType))
		}
	}
}

// PublishToGroup fans an envelope out only to subscribers registered for
// the given group.
func (b *Bus) PublishToGroup(group string, envType EnvelopeType, data interface{}) {
	env := Envelope{Type: envType, At: time.Now(), Data: data}

	b.mu.RLock()
	var subs []*subscriber
	if members, ok := b.byGroup[group]; ok {
		subs = make([]*subscriber, 0, len(members))
		for id := range members {
			if s, ok := b.subscribers[id]; ok {
				subs = append(subs, s)
			}
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- env:
		default:
			b.log.Warn("broadcast subscriber buffer full, dropping envelope", "subscriber_id", s.id, "group", group, "type", string(envType))
		}
	}
}

// SubscriberCount reports the current number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close disconnects every subscriber, closing their channels. Safe to call
// once during process shutdown (spec.md 5: "the broadcast bus is shut").
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, s := range b.subscribers {
		close(s.ch)
		delete(b.subscribers, id)
	}
	b.byGroup = make(map[string]map[string]struct{})

	if metrics.BroadcastSubscribers != nil {
		_ = metrics.BroadcastSubscribers.Set(0)
	}
}
