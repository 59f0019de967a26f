package handler

import (
	"context"
	"sync"
	"testing"

	"github.com/getmockd/unshubd/pkg/broadcast"
	"github.com/getmockd/unshubd/pkg/persist"
)

type fakeBus struct {
	mu     sync.Mutex
	events []broadcast.EnvelopeType
}

func (b *fakeBus) Publish(t broadcast.EnvelopeType, _ interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, t)
}

func (b *fakeBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

type fakeQueue struct {
	mu     sync.Mutex
	events []persist.Event
}

func (q *fakeQueue) Insert(e persist.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, e)
}

func (q *fakeQueue) snapshot() []persist.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]persist.Event, len(q.events))
	copy(out, q.events)
	return out
}

type fakeTransform struct {
	mu           sync.Mutex
	requireStore bool
	handleCalls  int
}

func (t *fakeTransform) RequiresStore(string) bool { return t.requireStore }

func (t *fakeTransform) HandleEvent(context.Context, string, string, map[string]interface{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handleCalls++
}

func (t *fakeTransform) calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handleCalls
}

type fakeAlert struct {
	mu    sync.Mutex
	calls int
	done  chan struct{}
}

func newFakeAlert() *fakeAlert {
	return &fakeAlert{done: make(chan struct{}, 10)}
}

func (a *fakeAlert) Evaluate(context.Context, string, string, map[string]interface{}) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	a.done <- struct{}{}
}

func newTestHandler() (*Handler, *fakeBus, *fakeQueue, *fakeTransform, *fakeAlert) {
	h := New(false)
	bus := &fakeBus{}
	q := &fakeQueue{}
	tr := &fakeTransform{}
	al := newFakeAlert()
	h.SetBus(bus)
	h.SetPersistQueue(q)
	h.SetTransformEngine(tr)
	h.SetAlertEngine(al)
	return h, bus, q, tr, al
}

func TestHandle_StatelessEventRunsTransformSynchronously(t *testing.T) {
	h, bus, q, tr, al := newTestHandler()

	h.Handle(context.Background(), "b1", "a/b", []byte(`{"x":1}`))
	<-al.done

	if bus.count() != 1 {
		t.Fatalf("expected one mqtt-message broadcast, got %d", bus.count())
	}
	events := q.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected one enqueued event, got %d", len(events))
	}
	if events[0].NeedsStoreForTransform {
		t.Fatal("requireStore is false, event must not be flagged")
	}
	if tr.calls() != 1 {
		t.Fatalf("expected synchronous transform dispatch for a stateless event, got %d calls", tr.calls())
	}
	if al.calls != 1 {
		t.Fatalf("expected alert evaluation to run, got %d calls", al.calls)
	}
}

func TestHandle_StorefulEventSkipsSynchronousTransform(t *testing.T) {
	h, _, q, tr, al := newTestHandler()
	tr.requireStore = true

	h.Handle(context.Background(), "b1", "a/b", []byte(`{"x":1}`))
	<-al.done

	events := q.snapshot()
	if len(events) != 1 || !events[0].NeedsStoreForTransform {
		t.Fatalf("expected the enqueued event to be flagged needs_store_for_transform, got %+v", events)
	}
	if tr.calls() != 0 {
		t.Fatalf("a store-dependent event must not run D synchronously, got %d calls", tr.calls())
	}
}

func TestHandle_ThrottleDropsBeyondNamespaceLimit(t *testing.T) {
	h, bus, _, _, _ := newTestHandler()

	for i := 0; i < 60; i++ {
		h.Handle(context.Background(), "b1", "a/b", []byte(`{}`))
	}

	if bus.count() > 50 {
		t.Fatalf("expected namespace throttle to cap admitted events at 50, got %d", bus.count())
	}
}

func TestHandle_DifferentNamespacesHaveIndependentBudgets(t *testing.T) {
	h, bus, _, _, _ := newTestHandler()

	h.Handle(context.Background(), "b1", "a/b", []byte(`{}`))
	h.Handle(context.Background(), "b1", "c/d", []byte(`{}`))

	if bus.count() != 2 {
		t.Fatalf("expected both namespaces admitted independently, got %d", bus.count())
	}
}
