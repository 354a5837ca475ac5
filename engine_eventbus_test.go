package planweave

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/planweave/planweave/internal/eventbus"
)

func TestEngineEmitsRunEvents(t *testing.T) {
	bus := eventbus.NewChannelEventBus(
		eventbus.WithBufferSize(10),
		eventbus.WithWorkerCount(1),
		eventbus.WithRetries(1, 10*time.Millisecond),
	)
	defer bus.Close()

	var mu sync.Mutex
	emitted := make(map[eventbus.EventType]bool)
	handler := func(ctx context.Context, evt eventbus.Event) error {
		if evt == nil {
			t.Error("event is nil")
			return nil
		}
		mu.Lock()
		emitted[evt.Type()] = true
		mu.Unlock()
		return nil
	}

	_, err := bus.Subscribe([]eventbus.EventType{
		eventbus.EventSystemInfo,
		eventbus.EventRunAsyncStarted,
		eventbus.EventRunAsyncSuccess,
	}, handler)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	builder := &stubBuilder{buildFunc: func(ctx context.Context, goal string) (*Plan, error) {
		return testPlan(goal), nil
	}}

	cfg := testEngineConfig()
	cfg.EnableEventBus = true

	e, err := New(
		WithConfig(cfg),
		WithBuilder(builder),
		WithRunner(&stubRunner{}),
		WithEventBus(bus),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := e.Run(context.Background(), "test goal"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	runID, err := e.RunAsync(context.Background(), "test goal")
	if err != nil {
		t.Fatalf("RunAsync failed: %v", err)
	}
	waitForTerminal(t, e, runID)

	// Give the bus workers a moment to drain.
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, want := range []eventbus.EventType{
		eventbus.EventSystemInfo,
		eventbus.EventRunAsyncStarted,
		eventbus.EventRunAsyncSuccess,
	} {
		if !emitted[want] {
			t.Errorf("event %s was not emitted", want)
		}
	}
}
