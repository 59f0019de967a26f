package transform

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/getmockd/unshubd/pkg/broadcast"
	"github.com/getmockd/unshubd/pkg/mqttsup"
	"github.com/getmockd/unshubd/pkg/sandbox"
)

type fakePublisher struct {
	mu      sync.Mutex
	calls   []publishCall
	outcome mqttsup.PublishResult
}

type publishCall struct {
	brokerID string
	topic    string
	payload  []byte
}

func (f *fakePublisher) Publish(brokerID, topic string, payload []byte, _ byte, _ bool) mqttsup.PublishResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, publishCall{brokerID, topic, payload})
	if f.outcome == "" {
		return mqttsup.PublishAccepted
	}
	return f.outcome
}

func (f *fakePublisher) snapshot() []publishCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakeBus struct {
	mu     sync.Mutex
	events []broadcast.EnvelopeType
}

func (f *fakeBus) Publish(t broadcast.EnvelopeType, _ interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, t)
}

func (f *fakeBus) count(t broadcast.EnvelopeType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e == t {
			n++
		}
	}
	return n
}

type fakeStore struct{}

func (fakeStore) QueryAll(context.Context, string) ([]map[string]interface{}, error) { return nil, nil }
func (fakeStore) QueryRow(context.Context, string) (map[string]interface{}, error)    { return nil, nil }

func newTestEngine() (*Engine, *fakePublisher, *fakeBus) {
	pub := &fakePublisher{}
	bus := &fakeBus{}
	e := New(sandbox.NewRunner())
	e.SetStore(fakeStore{})
	e.SetPublisher(pub)
	e.SetBus(bus)
	return e, pub, bus
}

func TestEngine_StatelessTargetPublishesDerivedEvent(t *testing.T) {
	e, pub, _ := newTestEngine()
	e.SaveMappings(&RuleSet{
		ActiveVersionID: "v1",
		Versions: []Version{{
			ID: "v1",
			Rules: []Rule{{
				SourceTopic: "sensors/+/temp",
				Targets: []Target{{
					ID:          "fahrenheit",
					Enabled:     true,
					OutputTopic: "uns/{{topic}}/fahrenheit",
					Code:        `{topic: msg.topic, brokerId: msg.brokerId, payload: {tempF: msg.payload.tempC * 9 / 5 + 32}}`,
				}},
			}},
		}},
	})

	payload := map[string]interface{}{"tempC": 100.0}
	e.HandleEvent(context.Background(), "broker1", "sensors/room1/temp", payload, false)

	calls := pub.snapshot()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one publish call, got %d", len(calls))
	}
	if calls[0].brokerID != "broker1" {
		t.Fatalf("expected republish on source broker by default, got %q", calls[0].brokerID)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(calls[0].payload, &out); err != nil {
		t.Fatalf("published payload was not valid JSON: %v", err)
	}
	if out["tempF"] != 212.0 {
		t.Fatalf("expected tempF=212, got %v", out["tempF"])
	}
}

func TestEngine_FalsyResultSkipsPublish(t *testing.T) {
	e, pub, _ := newTestEngine()
	e.SaveMappings(&RuleSet{
		ActiveVersionID: "v1",
		Versions: []Version{{
			ID: "v1",
			Rules: []Rule{{
				SourceTopic: "a/b",
				Targets: []Target{{ID: "t1", Enabled: true, OutputTopic: "out", Code: "msg.payload.tempC > 1000"}},
			}},
		}},
	})

	e.HandleEvent(context.Background(), "b1", "a/b", map[string]interface{}{"tempC": 10.0}, false)

	if len(pub.snapshot()) != 0 {
		t.Fatal("a falsy script result must not publish")
	}
}

func TestEngine_DisabledTargetNeverRuns(t *testing.T) {
	e, pub, _ := newTestEngine()
	e.SaveMappings(&RuleSet{
		ActiveVersionID: "v1",
		Versions: []Version{{
			ID: "v1",
			Rules: []Rule{{
				SourceTopic: "a/b",
				Targets:     []Target{{ID: "t1", Enabled: false, OutputTopic: "out", Code: "msg"}},
			}},
		}},
	})

	e.HandleEvent(context.Background(), "b1", "a/b", map[string]interface{}{}, false)
	if len(pub.snapshot()) != 0 {
		t.Fatal("disabled target must not run")
	}
}

func TestEngine_PublishRejectionRecordsError(t *testing.T) {
	e, pub, _ := newTestEngine()
	pub.outcome = mqttsup.PublishRejectedByACL
	e.SaveMappings(&RuleSet{
		ActiveVersionID: "v1",
		Versions: []Version{{
			ID: "v1",
			Rules: []Rule{{
				SourceTopic: "a/b",
				Targets: []Target{{
					ID:          "t1",
					Enabled:     true,
					OutputTopic: "out",
					Code:        `{topic: "out", brokerId: msg.brokerId, payload: {v: 1}}`,
				}},
			}},
		}},
	})

	e.HandleEvent(context.Background(), "b1", "a/b", map[string]interface{}{}, false)

	snap, ok := e.Snapshot("a/b", "t1")
	if !ok {
		t.Fatal("expected a metrics snapshot to exist after a rejected publish")
	}
	if len(snap.Recent) != 1 || snap.Recent[0].Error == "" {
		t.Fatalf("expected one error ring entry, got %+v", snap.Recent)
	}
	if snap.SuccessCount != 0 {
		t.Fatalf("rejected publish must not count as success, got %d", snap.SuccessCount)
	}
}

func TestEngine_SuccessRecordsMetricsAndBroadcast(t *testing.T) {
	e, _, bus := newTestEngine()
	e.SaveMappings(&RuleSet{
		ActiveVersionID: "v1",
		Versions: []Version{{
			ID: "v1",
			Rules: []Rule{{
				SourceTopic: "a/b",
				Targets: []Target{{
					ID:          "t1",
					Enabled:     true,
					OutputTopic: "out",
					Code:        `{topic: "out", brokerId: msg.brokerId, payload: {v: 1}}`,
				}},
			}},
		}},
	})

	e.HandleEvent(context.Background(), "b1", "a/b", map[string]interface{}{}, false)

	snap, ok := e.Snapshot("a/b", "t1")
	if !ok || snap.SuccessCount != 1 {
		t.Fatalf("expected success count 1, got snapshot=%+v ok=%v", snap, ok)
	}
	if bus.count(broadcast.TypeMappedTopicGen) != 1 {
		t.Fatal("expected exactly one mapped-topic-generated broadcast")
	}
}

func TestEngine_TargetTimeoutRecordsError(t *testing.T) {
	e, pub, _ := newTestEngine()
	e.SaveMappings(&RuleSet{
		ActiveVersionID: "v1",
		Versions: []Version{{
			ID: "v1",
			Rules: []Rule{{
				SourceTopic: "slow/topic",
				Targets: []Target{{
					ID:          "slow",
					Enabled:     true,
					OutputTopic: "out",
					Code:        "filter(1..2000000, {# % 7 == 0 and # % 11 == 0 and # % 13 == 0})",
				}},
			}},
		}},
	})

	e.HandleEvent(context.Background(), "b1", "slow/topic", map[string]interface{}{}, false)

	snap, ok := e.Snapshot("slow/topic", "slow")
	if !ok || len(snap.Recent) != 1 || snap.Recent[0].Error == "" {
		t.Fatalf("expected a timeout error entry, got ok=%v snap=%+v", ok, snap)
	}
	if len(pub.snapshot()) != 0 {
		t.Fatal("a timed-out target must not publish")
	}
}

func TestEngine_ConcurrentTargetsOfSameRule(t *testing.T) {
	e, pub, _ := newTestEngine()
	e.SaveMappings(&RuleSet{
		ActiveVersionID: "v1",
		Versions: []Version{{
			ID: "v1",
			Rules: []Rule{{
				SourceTopic: "a/b",
				Targets: []Target{
					{ID: "t1", Enabled: true, OutputTopic: "out1", Code: `{topic:"out1", brokerId: msg.brokerId, payload: {v:1}}`},
					{ID: "t2", Enabled: true, OutputTopic: "out2", Code: `{topic:"out2", brokerId: msg.brokerId, payload: {v:2}}`},
				},
			}},
		}},
	})

	e.HandleEvent(context.Background(), "b1", "a/b", map[string]interface{}{}, false)

	calls := pub.snapshot()
	if len(calls) != 2 {
		t.Fatalf("expected both targets to publish, got %d calls", len(calls))
	}
}

func TestEngine_RequiresStoreDelegatesToRuleSet(t *testing.T) {
	e, _, _ := newTestEngine()
	e.SaveMappings(sampleRuleSet())

	if !e.RequiresStore("alerts/x") {
		t.Fatal("expected alerts rule to require store")
	}
	if e.RequiresStore("sensors/r/temp") {
		t.Fatal("sensors rule's enabled target does not reference db.")
	}
}

func TestEngine_SaveMappingsBroadcastsConfigUpdate(t *testing.T) {
	e, _, bus := newTestEngine()
	e.SaveMappings(&RuleSet{ActiveVersionID: "v2"})

	if bus.count(broadcast.TypeMapperConfigUpdate) != 1 {
		t.Fatal("expected exactly one mapper-config-update broadcast")
	}
}

