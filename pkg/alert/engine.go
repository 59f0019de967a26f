package alert

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/getmockd/unshubd/internal/id"
	"github.com/getmockd/unshubd/pkg/broadcast"
	"github.com/getmockd/unshubd/pkg/logging"
	"github.com/getmockd/unshubd/pkg/metrics"
	"github.com/getmockd/unshubd/pkg/sandbox"
	"github.com/getmockd/unshubd/pkg/store"
	"github.com/getmockd/unshubd/pkg/util"
)

// maxSnippetLen bounds the stored trigger_value (spec.md 3: "trigger_value
// (truncated payload snippet ≤200 chars)").
const maxSnippetLen = 200

// errInvalidStatus is returned by UpdateAlertStatus for a status value
// outside spec.md 4.5's allowed lifecycle set.
var errInvalidStatus = errors.New("alert: invalid status transition target")

// conditionTimeout is the hard wall-clock budget for a condition_code
// evaluation (spec.md 4.5: "timeout 1000 ms").
const conditionTimeout = 1000 * time.Millisecond

// defaultWebhookTimeout bounds a single notification POST; overridable via
// SetWebhookTimeout from pkg/config.AlertsConfig.WebhookTimeoutMS.
const defaultWebhookTimeout = 5 * time.Second

// Bus is the narrow slice of the Status/Broadcast Bus (G) the engine
// needs: the alert-triggered event.
type Bus interface {
	Publish(envType broadcast.EnvelopeType, data interface{})
}

// compiledRule pairs a Rule with its pre-compiled topic regex so matching
// never recompiles per event.
type compiledRule struct {
	rule  Rule
	topic *regexp.Regexp
}

// Engine is the Alert Engine (E).
type Engine struct {
	log *slog.Logger

	rules    atomic.Pointer[[]compiledRule]
	runner   *sandbox.Runner
	store    Store
	bus      Bus
	notifier Notifier

	// llmConfigured reports whether an LLM key is available; the
	// resulting analysis itself is out of core scope (spec.md 4.5: "remaining
	// LLM-integration behavior is out of core scope"), so this only gates
	// the new->analyzing transition and handled_by stamp.
	llmConfigured func() bool
}

// New builds an Engine with an empty rule set.
func New(runner *sandbox.Runner) *Engine {
	e := &Engine{
		log:           logging.Nop(),
		runner:        runner,
		notifier:      newHTTPNotifier(defaultWebhookTimeout, 5),
		llmConfigured: func() bool { return false },
	}
	empty := []compiledRule{}
	e.rules.Store(&empty)
	return e
}

func (e *Engine) SetLogger(l *slog.Logger)  { e.log = l }
func (e *Engine) SetStore(s Store)          { e.store = s }
func (e *Engine) SetBus(b Bus)              { e.bus = b }
func (e *Engine) SetNotifier(n Notifier)    { e.notifier = n }
func (e *Engine) SetLLMConfigured(f func() bool) {
	if f != nil {
		e.llmConfigured = f
	}
}

// SetWebhookTimeout rebuilds the default notifier with a new per-request
// timeout (pkg/config.AlertsConfig.WebhookTimeoutMS).
func (e *Engine) SetWebhookTimeout(d time.Duration) {
	e.notifier = newHTTPNotifier(d, 5)
}

// SetRules atomically replaces the rule set, compiling every topic_pattern
// up front so Evaluate never pays regex-compile cost on the hot path. A
// rule with an invalid pattern is skipped and logged rather than failing
// the whole set.
func (e *Engine) SetRules(rules []Rule) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		re, err := compileTopicPattern(r.TopicPattern)
		if err != nil {
			e.log.Error("alert rule has invalid topic pattern, skipping", "rule_id", r.ID, "pattern", r.TopicPattern, "error", err)
			continue
		}
		compiled = append(compiled, compiledRule{rule: r, topic: re})
	}
	e.rules.Store(&compiled)
}

// Evaluate runs every enabled rule whose topic_pattern matches topic
// against the live event (spec.md 4.5: "Evaluation"). Errors from
// individual rule evaluations are logged and do not interrupt the others.
func (e *Engine) Evaluate(ctx context.Context, brokerID, topic string, payload map[string]interface{}) {
	rules := *e.rules.Load()

	msg := map[string]interface{}{
		"topic":    topic,
		"brokerId": brokerID,
		"payload":  payload,
	}

	for _, cr := range rules {
		if !cr.rule.Enabled || !cr.topic.MatchString(topic) {
			continue
		}
		e.evaluateRule(ctx, cr.rule, brokerID, topic, msg, payload)
	}
}

func (e *Engine) evaluateRule(ctx context.Context, rule Rule, brokerID, topic string, msg, payload map[string]interface{}) {
	result, _, err := e.runner.Run(ctx, rule.ConditionCode, msg, e.store, conditionTimeout)
	if err != nil {
		e.log.Warn("alert condition evaluation failed", "rule_id", rule.ID, "topic", topic, "error", err)
		return
	}

	triggered, _ := result.(bool)
	if !triggered {
		return
	}

	exists, err := e.store.ActiveAlertExists(ctx, rule.ID, topic)
	if err != nil {
		e.log.Error("alert dedupe lookup failed", "rule_id", rule.ID, "topic", topic, "error", err)
		return
	}
	if exists {
		return
	}

	e.trigger(ctx, rule, brokerID, topic, payload)
}

func (e *Engine) trigger(ctx context.Context, rule Rule, brokerID, topic string, payload map[string]interface{}) {
	snippetBytes, _ := json.Marshal(payload)
	now := time.Now()

	alertID := id.UUID()
	row := store.ActiveAlert{
		ID:           alertID,
		RuleID:       rule.ID,
		Topic:        topic,
		Status:       string(StatusNew),
		TriggerValue: util.TruncateSnippet(string(snippetBytes), maxSnippetLen),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := e.store.InsertActiveAlert(ctx, row); err != nil {
		e.log.Error("failed to persist active alert", "rule_id", rule.ID, "topic", topic, "error", err)
		return
	}

	if metrics.AlertsTriggeredTotal != nil {
		if vec, err := metrics.AlertsTriggeredTotal.WithLabels(rule.ID, string(rule.Severity)); err == nil {
			_ = vec.Inc()
		}
	}

	if e.bus != nil {
		e.bus.Publish(broadcast.TypeAlertTriggered, map[string]interface{}{
			"id":       alertID,
			"ruleId":   rule.ID,
			"topic":    topic,
			"brokerId": brokerID,
			"severity": rule.Severity,
		})
	}

	e.runWorkflow(ctx, rule, alertID, brokerID, topic, row.TriggerValue, now)
}

// runWorkflow carries out spec.md 4.5's "Workflow" step: an optional
// webhook POST (errors logged only) and an optional LLM-analysis status
// stamp.
func (e *Engine) runWorkflow(ctx context.Context, rule Rule, alertID, brokerID, topic, trigger string, createdAt time.Time) {
	if rule.Notifications.Webhook != "" && e.notifier != nil {
		summary := WebhookSummary{
			AlertID:   alertID,
			RuleID:    rule.ID,
			RuleName:  rule.Name,
			Topic:     topic,
			BrokerID:  brokerID,
			Severity:  string(rule.Severity),
			Trigger:   trigger,
			CreatedAt: createdAt,
		}
		if err := e.notifier.Notify(ctx, rule.Notifications.Webhook, summary); err != nil {
			e.log.Warn("alert webhook notification failed", "rule_id", rule.ID, "alert_id", alertID, "error", err)
		}
	}

	if rule.WorkflowPrompt != "" && e.llmConfigured() {
		if err := e.store.UpdateAlertStatus(ctx, alertID, string(StatusAnalyzing), "System (AI)"); err != nil {
			e.log.Error("failed to transition alert to analyzing", "alert_id", alertID, "error", err)
		}
	}
}

// UpdateAlertStatus implements the user-facing lifecycle action (spec.md
// 4.5: "updateAlertStatus(id, status, handler)").
func (e *Engine) UpdateAlertStatus(ctx context.Context, alertID string, status Status, handledBy string) error {
	if !validStatuses[status] {
		return errInvalidStatus
	}
	return e.store.UpdateAlertStatus(ctx, alertID, string(status), handledBy)
}

// PurgeResolved deletes every resolved active alert (spec.md 4.5:
// "Retention").
func (e *Engine) PurgeResolved(ctx context.Context) (int64, error) {
	return e.store.PurgeResolved(ctx)
}
