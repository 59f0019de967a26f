// Package mqttsup implements the Broker Supervisor (spec.md 4.1): one
// paho.mqtt.golang client per configured broker, a connection lifecycle
// state machine, QoS 1 subscription on connect, and an ACL-gated publish
// path. Grounded on the teacher's pkg/mqtt/broker.go lifecycle shape
// (mutex-guarded state, atomic shutdown flag, Start/Stop(ctx)) adapted from
// mochi-mqtt's embedded-broker API to paho's client-to-broker API, and
// cross-grounded on fisaks-uhn's internal/messaging.MsgBroker for the
// paho.ClientOptions wiring itself.
package mqttsup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/getmockd/unshubd/pkg/acl"
	"github.com/getmockd/unshubd/pkg/config"
	"github.com/getmockd/unshubd/pkg/logging"
	"github.com/getmockd/unshubd/pkg/metrics"
)

// Status is a broker connection lifecycle state (spec.md Broker Status).
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusOffline      Status = "offline"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
	StatusShuttingDown Status = "shutting_down"
)

// PublishResult is the outcome of a publish call (spec.md 4.1).
type PublishResult string

const (
	PublishAccepted      PublishResult = "accepted"
	PublishRejectedByACL PublishResult = "rejected_by_acl"
	PublishNoConnection  PublishResult = "no_connection"
	PublishSendError     PublishResult = "send_error"
	PublishUnknownBroker PublishResult = "unknown_broker"
)

// StatusEvent is emitted on every broker state transition (spec.md Broker
// Status: "Emitted on every transition").
type StatusEvent struct {
	BrokerID  string
	Status    Status
	LastError string
	Sequence  uint64
	At        time.Time
}

// MessageHandler receives every inbound (topic, payload) frame from a
// broker's receive worker. It must be cooperative: no blocking I/O
// (spec.md 5).
type MessageHandler func(brokerID, topic string, payload []byte)

// StatusBus is the narrow slice of the broadcast bus (G) the supervisor
// needs: emitting connection status transitions.
type StatusBus interface {
	PublishStatus(StatusEvent)
}

type brokerClient struct {
	cfg      config.BrokerConfig
	client   mqtt.Client
	mu       sync.Mutex
	status   Status
	lastErr  string
	sequence uint64
}

// Supervisor owns one MQTT client per configured broker.
type Supervisor struct {
	log     *slog.Logger
	bus     StatusBus
	handler MessageHandler

	mu       sync.RWMutex
	brokers  map[string]*brokerClient
	stopping atomic.Bool
}

// New builds a Supervisor for the given broker configs. handler is invoked
// for every inbound message; bus receives status transitions. Both may be
// set after construction via SetHandler/SetStatusBus if not yet available.
func New(brokers []config.BrokerConfig) *Supervisor {
	m := make(map[string]*brokerClient, len(brokers))
	for _, b := range brokers {
		m[b.ID] = &brokerClient{cfg: b, status: StatusConnecting}
	}
	return &Supervisor{
		log:     logging.Nop(),
		brokers: m,
	}
}

// SetLogger wires a structured logger in (spec.md 10.1 ambient pattern:
// components default to a no-op logger until one is attached).
func (s *Supervisor) SetLogger(l *slog.Logger) { s.log = l }

// SetStatusBus wires the broadcast bus used to emit status transitions.
func (s *Supervisor) SetStatusBus(bus StatusBus) { s.bus = bus }

// SetHandler wires the callback invoked for every inbound message.
func (s *Supervisor) SetHandler(h MessageHandler) { s.handler = h }

// Start connects every configured broker client concurrently. It does not
// block waiting for connections to complete; library reconnect logic drives
// state transitions afterward (spec.md 4.1: "Reconnect is not re-driven by
// application code").
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var firstErr error
	for id, bc := range s.brokers {
		if err := s.connect(ctx, bc); err != nil {
			s.log.Error("broker connect failed", "broker_id", id, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("broker %s: %w", id, err)
			}
		}
	}
	return firstErr
}

func (s *Supervisor) connect(ctx context.Context, bc *brokerClient) error {
	opts := mqtt.NewClientOptions()

	scheme := "tcp"
	if bc.cfg.Protocol != "" {
		scheme = bc.cfg.Protocol
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, bc.cfg.Host, bc.cfg.Port))

	clientID := bc.cfg.ClientID
	if clientID == "" {
		clientID = "unshubd-" + bc.cfg.ID
	}
	opts.SetClientID(clientID)

	if bc.cfg.Username != "" {
		opts.SetUsername(bc.cfg.Username)
		opts.SetPassword(bc.cfg.Password)
	}

	if bc.cfg.TLS.Enabled {
		if bc.cfg.TLS.Insecure() {
			s.log.Warn("broker configured with rejectUnauthorized=false; server certificate will NOT be verified", "broker_id", bc.cfg.ID)
		}
		tlsCfg, err := buildTLSConfig(bc.cfg.TLS)
		if err != nil {
			return fmt.Errorf("tls config: %w", err)
		}
		opts.SetTLSConfig(tlsCfg)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetKeepAlive(30 * time.Second)

	brokerID := bc.cfg.ID
	opts.OnConnect = func(c mqtt.Client) {
		s.setStatus(bc, StatusConnected, "")
		for _, topic := range bc.cfg.Subscribe {
			topic := topic
			if tok := c.Subscribe(topic, 1, s.onMessage(brokerID)); tok.Wait() && tok.Error() != nil {
				s.log.Error("subscribe failed", "broker_id", brokerID, "topic", topic, "error", tok.Error())
			}
		}
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		if s.stopping.Load() {
			return
		}
		s.setStatus(bc, StatusDisconnected, err.Error())
	}
	opts.OnReconnecting = func(c mqtt.Client, o *mqtt.ClientOptions) {
		s.setStatus(bc, StatusConnecting, "")
	}

	bc.client = mqtt.NewClient(opts)

	token := bc.client.Connect()
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			s.setStatus(bc, StatusError, err.Error())
		}
	}()
	return nil
}

func (s *Supervisor) onMessage(brokerID string) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		if s.handler != nil {
			s.handler(brokerID, msg.Topic(), msg.Payload())
		}
	}
}

func (s *Supervisor) setStatus(bc *brokerClient, status Status, lastErr string) {
	bc.mu.Lock()
	bc.status = status
	bc.lastErr = lastErr
	bc.sequence++
	seq := bc.sequence
	bc.mu.Unlock()

	if metrics.ActiveConnections != nil {
		if g, err := metrics.ActiveConnections.WithLabels(bc.cfg.ID, string(status)); err == nil {
			g.Set(1)
		}
	}

	s.log.Info("broker status", "broker_id", bc.cfg.ID, "status", string(status), "error", lastErr)
	if s.bus != nil {
		s.bus.PublishStatus(StatusEvent{
			BrokerID:  bc.cfg.ID,
			Status:    status,
			LastError: lastErr,
			Sequence:  seq,
			At:        time.Now(),
		})
	}
}

// Publish implements the supervisor's publish(broker_id, topic, payload,
// qos, retain) contract (spec.md 4.1), consulting the ACL Matcher (H)
// before ever writing to the wire.
func (s *Supervisor) Publish(brokerID, topic string, payload []byte, qos byte, retain bool) PublishResult {
	s.mu.RLock()
	bc, ok := s.brokers[brokerID]
	s.mu.RUnlock()
	if !ok {
		return PublishUnknownBroker
	}

	if !acl.Allowed(bc.cfg.Publish, topic) {
		return PublishRejectedByACL
	}

	bc.mu.Lock()
	client := bc.client
	bc.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return PublishNoConnection
	}

	token := client.Publish(topic, qos, retain, payload)
	if tok := token; tok.WaitTimeout(5*time.Second) && tok.Error() != nil {
		return PublishSendError
	}
	return PublishAccepted
}

// Status returns the current status of a broker, or an empty Status with
// ok=false if the broker is not configured.
func (s *Supervisor) Status(brokerID string) (Status, bool) {
	s.mu.RLock()
	bc, ok := s.brokers[brokerID]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.status, true
}

// Stop disconnects every broker client, marking the supervisor as shutting
// down first so late OnConnectionLost callbacks don't re-emit transitional
// status (spec.md 4.1 terminal "shutting_down" state).
func (s *Supervisor) Stop(ctx context.Context) error {
	s.stopping.Store(true)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, bc := range s.brokers {
		s.setStatus(bc, StatusShuttingDown, "")
		bc.mu.Lock()
		c := bc.client
		bc.mu.Unlock()
		if c == nil {
			continue
		}

		done := make(chan struct{})
		go func() {
			c.Disconnect(250)
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.log.Warn("broker disconnect timed out", "broker_id", id)
		}
	}
	return nil
}
