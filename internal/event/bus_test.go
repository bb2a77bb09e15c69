package event

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/Iron-Ham/crucible/internal/logging"
)

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus()

	called := false
	id := bus.Subscribe(TypeTaskStarted, func(e Event) {
		called = true
	})

	if id == "" {
		t.Error("Subscribe should return a non-empty ID")
	}
	if bus.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", bus.SubscriptionCount())
	}
	if called {
		t.Error("Handler should not be called until an event is published")
	}
}

func TestBus_Publish(t *testing.T) {
	bus := NewBus()

	var received Event
	bus.Subscribe(TypeTaskStarted, func(e Event) {
		received = e
	})

	bus.Publish(NewTaskStartedEvent("wf-1", "t-1", 2))

	if received == nil {
		t.Fatal("Handler should have received the event")
	}
	started, ok := received.(TaskStartedEvent)
	if !ok {
		t.Fatalf("received %T, want TaskStartedEvent", received)
	}
	if started.Attempt != 2 || started.TaskID != "t-1" {
		t.Errorf("unexpected payload: %+v", started)
	}
	if got := received.Subject(); got != (Ref{WorkflowID: "wf-1", TaskID: "t-1"}) {
		t.Errorf("Subject() = %+v", got)
	}
}

func TestBus_OrderSpecificBeforeWildcard(t *testing.T) {
	bus := NewBus()

	var order []string
	bus.SubscribeAll(func(e Event) { order = append(order, "all") })
	bus.Subscribe(TypeTaskFailed, func(e Event) { order = append(order, "specific-1") })
	bus.Subscribe(TypeTaskFailed, func(e Event) { order = append(order, "specific-2") })
	bus.Subscribe(TypeTaskCompleted, func(e Event) { order = append(order, "other") })

	bus.Publish(NewTaskFailedEvent("wf", "t", "boom"))

	want := []string{"specific-1", "specific-2", "all"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	count := 0
	id := bus.Subscribe(TypeTaskUnblocked, func(e Event) { count++ })
	keep := bus.Subscribe(TypeTaskUnblocked, func(e Event) { count += 10 })

	if !bus.Unsubscribe(id) {
		t.Error("Unsubscribe should return true for an existing subscription")
	}
	if bus.Unsubscribe(id) {
		t.Error("Unsubscribe should return false the second time")
	}
	if bus.Unsubscribe("does-not-exist") {
		t.Error("Unsubscribe should return false for unknown IDs")
	}

	bus.Publish(NewTaskUnblockedEvent("wf", "t"))
	if count != 10 {
		t.Errorf("count = %d, want 10", count)
	}

	bus.Unsubscribe(keep)
	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", bus.SubscriptionCount())
	}
}

func TestBus_Clear(t *testing.T) {
	bus := NewBus()
	bus.Subscribe("a", func(Event) {})
	bus.SubscribeAll(func(Event) {})

	bus.Clear()

	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d after Clear, want 0", bus.SubscriptionCount())
	}
}

func TestBus_HandlerPanicRecovery(t *testing.T) {
	var buf bytes.Buffer
	bus := NewBus(WithLogger(logging.NewWriterLogger(&buf, logging.LevelDebug)))

	delivered := false
	bus.Subscribe(TypeWorkflowFailed, func(e Event) { panic("handler exploded") })
	bus.Subscribe(TypeWorkflowFailed, func(e Event) { delivered = true })

	bus.Publish(NewWorkflowFailedEvent("wf", "deadlock"))

	if !delivered {
		t.Error("second handler should still receive the event")
	}
	if !strings.Contains(buf.String(), "handler exploded") {
		t.Errorf("expected panic to be logged, got %q", buf.String())
	}
}

func TestBus_PublishNilSafe(t *testing.T) {
	var bus *Bus
	bus.Publish(NewWorkflowResumedEvent("wf"))
	NewBus().Publish(nil)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	count := 0
	bus.SubscribeAll(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(NewTaskRetryingEvent("wf", "t", 1, "syntax"))
		}()
	}
	wg.Wait()

	if count != 50 {
		t.Errorf("count = %d, want 50", count)
	}
}

func TestBus_UniqueIDs(t *testing.T) {
	bus := NewBus()
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		id := bus.Subscribe("x", func(Event) {})
		if seen[id] {
			t.Fatalf("duplicate subscription ID %q", id)
		}
		seen[id] = true
	}
}

func TestEvent_Describe(t *testing.T) {
	tests := []struct {
		event Event
		typ   string
		want  string
	}{
		{NewWorkflowCreatedEvent("wf", 3, 2), TypeWorkflowCreated, "workflow created with 3 tasks in 2 phases"},
		{NewWorkflowStartedEvent("wf", false), TypeWorkflowStarted, "workflow started"},
		{NewWorkflowStartedEvent("wf", true), TypeWorkflowStarted, "workflow resumed execution"},
		{NewWorkflowPausedEvent("wf", "escalated"), TypeWorkflowPaused, "workflow paused: escalated"},
		{NewTaskAssignedEvent("wf", "t1", "builder-1"), TypeTaskAssigned, "task t1 assigned to builder-1"},
		{NewTaskValidatingEvent("wf", "t1", nil), TypeTaskValidating, "task t1 self-validating"},
		{NewTaskValidatingEvent("wf", "t1", []string{"syntax", "logic"}), TypeTaskValidating, "task t1 validating with syntax, logic"},
		{NewTaskCompletedEvent("wf", "t1", 2, 0), TypeTaskCompleted, "task t1 completed after 2 attempt(s)"},
		{NewTaskEscalatedEvent("wf", "t1", "architect", "security issue", "pause"), TypeTaskEscalated, "task t1 escalated to architect (pause): security issue"},
		{NewTaskFailedEvent("wf", "t1", "dependency t0 failed"), TypeTaskFailed, "task t1 failed: dependency t0 failed"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if tt.event.EventType() != tt.typ {
				t.Errorf("EventType() = %q, want %q", tt.event.EventType(), tt.typ)
			}
			if got := tt.event.Describe(); got != tt.want {
				t.Errorf("Describe() = %q, want %q", got, tt.want)
			}
			if tt.event.Timestamp().IsZero() {
				t.Error("Timestamp() should be set")
			}
		})
	}
}
