package alert

import (
	"context"
	"sync"
	"testing"

	"github.com/getmockd/unshubd/pkg/broadcast"
	"github.com/getmockd/unshubd/pkg/sandbox"
	"github.com/getmockd/unshubd/pkg/store"
)

type fakeStore struct {
	mu       sync.Mutex
	inserted []store.ActiveAlert
	existing map[string]bool // ruleID+"\x00"+topic -> exists
	statuses []string
	purged   int64
}

func (s *fakeStore) QueryAll(context.Context, string) ([]map[string]interface{}, error) { return nil, nil }
func (s *fakeStore) QueryRow(context.Context, string) (map[string]interface{}, error)    { return nil, nil }

func (s *fakeStore) ActiveAlertExists(_ context.Context, ruleID, topic string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existing[ruleID+"\x00"+topic], nil
}

func (s *fakeStore) InsertActiveAlert(_ context.Context, a store.ActiveAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, a)
	if s.existing == nil {
		s.existing = map[string]bool{}
	}
	s.existing[a.RuleID+"\x00"+a.Topic] = true
	return nil
}

func (s *fakeStore) UpdateAlertStatus(_ context.Context, id, status, handledBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *fakeStore) PurgeResolved(context.Context) (int64, error) {
	return s.purged, nil
}

func (s *fakeStore) snapshot() []store.ActiveAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.ActiveAlert, len(s.inserted))
	copy(out, s.inserted)
	return out
}

type fakeBus struct {
	mu     sync.Mutex
	events []broadcast.EnvelopeType
}

func (b *fakeBus) Publish(t broadcast.EnvelopeType, _ interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, t)
}

func (b *fakeBus) count(t broadcast.EnvelopeType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e == t {
			n++
		}
	}
	return n
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []WebhookSummary
}

func (n *fakeNotifier) Notify(_ context.Context, _ string, summary WebhookSummary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, summary)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func newTestEngine() (*Engine, *fakeStore, *fakeBus, *fakeNotifier) {
	fs := &fakeStore{}
	bus := &fakeBus{}
	notifier := &fakeNotifier{}
	e := New(sandbox.NewRunner())
	e.SetStore(fs)
	e.SetBus(bus)
	e.SetNotifier(notifier)
	return e, fs, bus, notifier
}

func TestEngine_TriggersOnTrueCondition(t *testing.T) {
	e, fs, bus, _ := newTestEngine()
	e.SetRules([]Rule{{
		ID:            "r1",
		TopicPattern:  "sensors/+/temp",
		ConditionCode: "msg.payload.tempC > 90",
		Severity:      SeverityCritical,
		Enabled:       true,
	}})

	e.Evaluate(context.Background(), "b1", "sensors/room1/temp", map[string]interface{}{"tempC": 95.0})

	inserted := fs.snapshot()
	if len(inserted) != 1 {
		t.Fatalf("expected one active alert inserted, got %d", len(inserted))
	}
	if inserted[0].RuleID != "r1" || inserted[0].Status != string(StatusNew) {
		t.Fatalf("unexpected inserted alert: %+v", inserted[0])
	}
	if bus.count(broadcast.TypeAlertTriggered) != 1 {
		t.Fatal("expected exactly one alert-triggered broadcast")
	}
}

func TestEngine_FalseConditionDoesNotTrigger(t *testing.T) {
	e, fs, _, _ := newTestEngine()
	e.SetRules([]Rule{{
		ID:            "r1",
		TopicPattern:  "sensors/+/temp",
		ConditionCode: "msg.payload.tempC > 90",
		Enabled:       true,
	}})

	e.Evaluate(context.Background(), "b1", "sensors/room1/temp", map[string]interface{}{"tempC": 10.0})

	if len(fs.snapshot()) != 0 {
		t.Fatal("a false condition must not trigger an alert")
	}
}

func TestEngine_DedupeSuppressesRepeatedTrigger(t *testing.T) {
	e, fs, _, _ := newTestEngine()
	e.SetRules([]Rule{{
		ID:            "r1",
		TopicPattern:  "sensors/+/temp",
		ConditionCode: "true",
		Enabled:       true,
	}})

	e.Evaluate(context.Background(), "b1", "sensors/room1/temp", map[string]interface{}{})
	e.Evaluate(context.Background(), "b1", "sensors/room1/temp", map[string]interface{}{})

	if len(fs.snapshot()) != 1 {
		t.Fatalf("expected dedupe to suppress the second trigger, got %d inserts", len(fs.snapshot()))
	}
}

func TestEngine_DisabledRuleNeverEvaluates(t *testing.T) {
	e, fs, _, _ := newTestEngine()
	e.SetRules([]Rule{{
		ID:            "r1",
		TopicPattern:  "a/b",
		ConditionCode: "true",
		Enabled:       false,
	}})

	e.Evaluate(context.Background(), "b1", "a/b", map[string]interface{}{})

	if len(fs.snapshot()) != 0 {
		t.Fatal("disabled rule must not trigger")
	}
}

func TestEngine_NonMatchingTopicNeverEvaluates(t *testing.T) {
	e, fs, _, _ := newTestEngine()
	e.SetRules([]Rule{{
		ID:            "r1",
		TopicPattern:  "sensors/+/temp",
		ConditionCode: "true",
		Enabled:       true,
	}})

	e.Evaluate(context.Background(), "b1", "other/topic", map[string]interface{}{})

	if len(fs.snapshot()) != 0 {
		t.Fatal("non-matching topic must not trigger")
	}
}

func TestEngine_WebhookNotifiedOnTrigger(t *testing.T) {
	e, _, _, notifier := newTestEngine()
	e.SetRules([]Rule{{
		ID:            "r1",
		TopicPattern:  "a/b",
		ConditionCode: "true",
		Enabled:       true,
		Notifications: Notifications{Webhook: "https://example.test/hook"},
	}})

	e.Evaluate(context.Background(), "b1", "a/b", map[string]interface{}{})

	if notifier.count() != 1 {
		t.Fatalf("expected one webhook notification, got %d", notifier.count())
	}
}

func TestEngine_WorkflowPromptTransitionsToAnalyzingWhenLLMConfigured(t *testing.T) {
	e, fs, _, _ := newTestEngine()
	e.SetLLMConfigured(func() bool { return true })
	e.SetRules([]Rule{{
		ID:             "r1",
		TopicPattern:   "a/b",
		ConditionCode:  "true",
		Enabled:        true,
		WorkflowPrompt: "summarize this anomaly",
	}})

	e.Evaluate(context.Background(), "b1", "a/b", map[string]interface{}{})

	fs.mu.Lock()
	statuses := fs.statuses
	fs.mu.Unlock()
	if len(statuses) != 1 || statuses[0] != string(StatusAnalyzing) {
		t.Fatalf("expected one analyzing transition, got %+v", statuses)
	}
}

func TestEngine_UpdateAlertStatusRejectsInvalidStatus(t *testing.T) {
	e, _, _, _ := newTestEngine()
	err := e.UpdateAlertStatus(context.Background(), "a1", Status("bogus"), "user1")
	if err != errInvalidStatus {
		t.Fatalf("expected errInvalidStatus, got %v", err)
	}
}

func TestEngine_UpdateAlertStatusAcceptsValidStatus(t *testing.T) {
	e, fs, _, _ := newTestEngine()
	if err := e.UpdateAlertStatus(context.Background(), "a1", StatusAcknowledged, "user1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fs.statuses) != 1 || fs.statuses[0] != string(StatusAcknowledged) {
		t.Fatalf("expected acknowledged transition recorded, got %+v", fs.statuses)
	}
}

func TestEngine_PurgeResolvedDelegatesToStore(t *testing.T) {
	e, fs, _, _ := newTestEngine()
	fs.purged = 3

	n, err := e.PurgeResolved(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 purged rows, got %d", n)
	}
}
