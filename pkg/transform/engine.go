package transform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/getmockd/unshubd/pkg/broadcast"
	"github.com/getmockd/unshubd/pkg/logging"
	"github.com/getmockd/unshubd/pkg/metrics"
	"github.com/getmockd/unshubd/pkg/mqttsup"
	"github.com/getmockd/unshubd/pkg/sandbox"
	"github.com/getmockd/unshubd/pkg/util"
)

var (
	errNonObjectResult    = errors.New("transform: target script returned a non-object result")
	errNoPublisher        = errors.New("transform: no publisher configured")
	errNoSparkplugEncoder = errors.New("transform: no sparkplug encoder configured")
)

// targetTimeout is the hard wall-clock budget for one target's sandboxed
// script (spec.md 4.4: "Execution has a hard timeout of 2000 ms").
const targetTimeout = 2000 * time.Millisecond

// debounceWindow bounds how often coalesced success/debug broadcasts for
// the same (source_topic, target.id) pair may fire (spec.md 4.4: "success
// and debug entries are coalesced with a debounce (≤1.5 s)").
const debounceWindow = 1500 * time.Millisecond

// Publisher is the narrow slice of the Broker Supervisor (A) the engine
// needs to republish derived events; it already consults the ACL Matcher
// (H) internally before writing to the wire.
type Publisher interface {
	Publish(brokerID, topic string, payload []byte, qos byte, retain bool) mqttsup.PublishResult
}

// Bus is the narrow slice of the Status/Broadcast Bus (G) the engine
// needs: config-update and per-target metric events.
type Bus interface {
	Publish(envType broadcast.EnvelopeType, data interface{})
}

// SparkplugEncoder re-encodes a derived message as Sparkplug B protobuf
// bytes for outputs whose rendered topic begins with "spBv1.0/" (spec.md
// 4.4: "Sparkplug round-trip").
type SparkplugEncoder interface {
	Encode(topic string, msg map[string]interface{}) ([]byte, error)
}

// Engine is the Transformation Engine (D).
type Engine struct {
	log *slog.Logger

	rules     *ruleStore
	runner    *sandbox.Runner
	store     sandbox.Store
	publisher Publisher
	bus       Bus
	sparkplug SparkplugEncoder

	metricsMu sync.RWMutex
	metrics   map[string]*targetMetrics
}

// New builds an Engine with an empty rule set. Wire dependencies with the
// Set* methods before handling events.
func New(runner *sandbox.Runner) *Engine {
	return &Engine{
		log:     logging.Nop(),
		rules:   newRuleStore(),
		runner:  runner,
		metrics: make(map[string]*targetMetrics),
	}
}

func (e *Engine) SetLogger(l *slog.Logger)               { e.log = l }
func (e *Engine) SetStore(s sandbox.Store)               { e.store = s }
func (e *Engine) SetPublisher(p Publisher)               { e.publisher = p }
func (e *Engine) SetBus(b Bus)                           { e.bus = b }
func (e *Engine) SetSparkplugEncoder(s SparkplugEncoder) { e.sparkplug = s }

// SaveMappings atomically replaces the active rule set and broadcasts a
// config-update event (spec.md 4.4: "saveMappings(newConfig)").
func (e *Engine) SaveMappings(rs *RuleSet) {
	e.rules.save(rs)
	if e.bus != nil {
		e.bus.Publish(broadcast.TypeMapperConfigUpdate, map[string]interface{}{
			"activeVersionId": rs.ActiveVersionID,
		})
	}
}

// RequiresStore implements the store-need prefilter the Message Handler
// (B) consults before deciding whether to defer a stateless invocation
// (spec.md 4.2 step 5, 4.4: "rules_require_store").
func (e *Engine) RequiresStore(topic string) bool {
	return e.rules.requiresStore(topic)
}

// metricsKey builds the (source_topic, target.id) composite key used by
// spec.md 3's "Transform Metrics" and the debounce bookkeeping below.
func metricsKey(sourceTopic, targetID string) string {
	return sourceTopic + "\x00" + targetID
}

func (e *Engine) metricsFor(sourceTopic, targetID string) *targetMetrics {
	key := metricsKey(sourceTopic, targetID)

	e.metricsMu.RLock()
	tm, ok := e.metrics[key]
	e.metricsMu.RUnlock()
	if ok {
		return tm
	}

	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()
	if tm, ok := e.metrics[key]; ok {
		return tm
	}
	tm = &targetMetrics{}
	e.metrics[key] = tm
	return tm
}

// HandleEvent matches topic against the active rule set and runs every
// target of every matching rule concurrently (spec.md 4.4: "targets of the
// same rule are executed concurrently. Cross-rule effects are
// independent"). payload is the already-decoded event object; sourceBroker
// is the broker the event arrived on; isSparkplug flags a Sparkplug-origin
// event for the round-trip re-encode rule.
func (e *Engine) HandleEvent(ctx context.Context, sourceBroker, topic string, payload map[string]interface{}, isSparkplug bool) {
	rules := e.rules.matchRules(topic)
	if len(rules) == 0 {
		return
	}

	msg := map[string]interface{}{
		"topic":    topic,
		"brokerId": sourceBroker,
		"payload":  payload,
	}

	var wg sync.WaitGroup
	for _, rule := range rules {
		for _, target := range rule.Targets {
			if !target.Enabled {
				continue
			}
			wg.Add(1)
			go func(rule Rule, target Target) {
				defer wg.Done()
				e.runTarget(ctx, rule, target, sourceBroker, topic, msg, isSparkplug)
			}(rule, target)
		}
	}
	wg.Wait()
}

func (e *Engine) runTarget(ctx context.Context, rule Rule, target Target, sourceBroker, sourceTopic string, msg map[string]interface{}, isSparkplug bool) {
	tm := e.metricsFor(rule.SourceTopic, target.ID)

	result, consoleLines, err := e.runner.Run(ctx, target.Code, msg, e.store, targetTimeout)
	if err != nil {
		e.recordError(tm, rule.SourceTopic, target.ID, sourceTopic, err)
		return
	}

	if isSkip(result) {
		if len(consoleLines) > 0 {
			e.recordDebug(tm, rule.SourceTopic, target.ID, sourceTopic, strings.Join(consoleLines, "; "))
		}
		return
	}

	outMsg, ok := result.(map[string]interface{})
	if !ok {
		e.recordError(tm, rule.SourceTopic, target.ID, sourceTopic, errNonObjectResult)
		return
	}

	templateData := make(map[string]interface{}, len(outMsg)+2)
	if payload, ok := outMsg["payload"].(map[string]interface{}); ok {
		for k, v := range payload {
			templateData[k] = v
		}
	}
	templateData["topic"] = sourceTopic
	templateData["brokerId"] = sourceBroker

	outTopic := renderOutputTopic(target.OutputTopic, templateData)
	targetBroker := target.TargetBrokerID
	if targetBroker == "" {
		targetBroker = sourceBroker
	}

	outPayload, err := e.encodeOutput(outTopic, outMsg, isSparkplug)
	if err != nil {
		e.recordError(tm, rule.SourceTopic, target.ID, sourceTopic, err)
		return
	}

	if e.publisher == nil {
		e.recordError(tm, rule.SourceTopic, target.ID, sourceTopic, errNoPublisher)
		return
	}

	res := e.publisher.Publish(targetBroker, outTopic, outPayload, 1, false)
	if res != mqttsup.PublishAccepted {
		e.recordError(tm, rule.SourceTopic, target.ID, sourceTopic, fmt.Errorf("publish: %s", res))
		return
	}

	if metrics.TransformSuccessTotal != nil {
		if vec, err := metrics.TransformSuccessTotal.WithLabels(rule.SourceTopic, target.ID); err == nil {
			_ = vec.Inc()
		}
	}

	snippet := util.TruncateSnippet(string(outPayload), 200)
	e.recordSuccess(tm, rule.SourceTopic, target.ID, sourceTopic, outTopic, snippet)
	if e.bus != nil {
		e.bus.Publish(broadcast.TypeMappedTopicGen, map[string]interface{}{
			"sourceTopic": rule.SourceTopic,
			"targetId":    target.ID,
			"outputTopic": outTopic,
		})
	}
}

// encodeOutput serializes outMsg's payload for the wire: Sparkplug B
// protobuf if the source event was Sparkplug and the rendered topic is
// under the Sparkplug namespace, JSON text otherwise (spec.md 4.4:
// "Sparkplug round-trip").
func (e *Engine) encodeOutput(outTopic string, outMsg map[string]interface{}, isSparkplug bool) ([]byte, error) {
	if isSparkplug && strings.HasPrefix(outTopic, "spBv1.0/") {
		if e.sparkplug == nil {
			return nil, errNoSparkplugEncoder
		}
		return e.sparkplug.Encode(outTopic, outMsg)
	}

	payload := outMsg
	if p, ok := outMsg["payload"].(map[string]interface{}); ok {
		payload = p
	}
	return json.Marshal(payload)
}

func isSkip(v interface{}) bool {
	if v == nil {
		return true
	}
	if b, ok := v.(bool); ok {
		return !b
	}
	return false
}
