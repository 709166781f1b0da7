package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversOnlyToMatchingAgentTopic(t *testing.T) {
	bus := NewBus(nil)
	var received []Event
	sub := bus.Subscribe("agent-1", SubscriberFunc(func(ctx context.Context, e Event) error {
		received = append(received, e)
		return nil
	}))
	defer sub.Close()

	otherSub := bus.Subscribe("agent-2", SubscriberFunc(func(ctx context.Context, e Event) error {
		t.Fatal("agent-2 subscriber should not receive agent-1 events")
		return nil
	}))
	defer otherSub.Close()

	bus.Publish(context.Background(), Event{Kind: KindStatusChanged, AgentID: "agent-1"})
	require.Len(t, received, 1)
	assert.Equal(t, KindStatusChanged, received[0].Kind)
}

func TestPublishIsolatesSubscriberErrorsFromEachOther(t *testing.T) {
	var errs []error
	bus := NewBus(func(agentID, topic string, err error) {
		errs = append(errs, err)
	})

	var secondCalled bool
	failing := bus.Subscribe("a1", SubscriberFunc(func(ctx context.Context, e Event) error {
		return errors.New("boom")
	}))
	defer failing.Close()
	ok := bus.Subscribe("a1", SubscriberFunc(func(ctx context.Context, e Event) error {
		secondCalled = true
		return nil
	}))
	defer ok.Close()

	bus.Publish(context.Background(), Event{Kind: KindAgentShutdown, AgentID: "a1"})
	assert.True(t, secondCalled, "a healthy subscriber must still receive the event")
	assert.Len(t, errs, 1)
}

func TestPublishRecoversSubscriberPanic(t *testing.T) {
	var errs []error
	bus := NewBus(func(agentID, topic string, err error) {
		errs = append(errs, err)
	})
	sub := bus.Subscribe("a1", SubscriberFunc(func(ctx context.Context, e Event) error {
		panic("kaboom")
	}))
	defer sub.Close()

	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), Event{Kind: KindAgentShutdown, AgentID: "a1"})
	})
	assert.Len(t, errs, 1)
}

func TestCloseIsIdempotentAndStopsDelivery(t *testing.T) {
	bus := NewBus(nil)
	var count int
	sub := bus.Subscribe("a1", SubscriberFunc(func(ctx context.Context, e Event) error {
		count++
		return nil
	}))
	sub.Close()
	sub.Close()

	bus.Publish(context.Background(), Event{Kind: KindStatusChanged, AgentID: "a1"})
	assert.Equal(t, 0, count)
}

func TestDebugTopicIsSeparateFromMainTopic(t *testing.T) {
	bus := NewBus(nil)
	var mainCount, debugCount int
	mainSub := bus.Subscribe("a1", SubscriberFunc(func(ctx context.Context, e Event) error {
		mainCount++
		return nil
	}))
	defer mainSub.Close()
	debugSub := bus.SubscribeDebug("a1", DebugSubscriberFunc(func(ctx context.Context, e DebugEvent) error {
		debugCount++
		return nil
	}))
	defer debugSub.Close()

	bus.PublishDebug(context.Background(), DebugEvent{AgentID: "a1", Label: "state_snapshot"})
	assert.Equal(t, 0, mainCount)
	assert.Equal(t, 1, debugCount)
}

func TestLimitDebugDropsEventsBeyondBurst(t *testing.T) {
	bus := NewBus(nil)
	bus.LimitDebug(1, 1)

	var debugCount int
	sub := bus.SubscribeDebug("a1", DebugSubscriberFunc(func(ctx context.Context, e DebugEvent) error {
		debugCount++
		return nil
	}))
	defer sub.Close()

	for i := 0; i < 5; i++ {
		bus.PublishDebug(context.Background(), DebugEvent{AgentID: "a1", Label: "tick"})
	}
	assert.Equal(t, 1, debugCount, "only the burst's first event should be delivered immediately")
}

func TestLimitDebugIsScopedPerAgent(t *testing.T) {
	bus := NewBus(nil)
	bus.LimitDebug(1, 1)

	var a1Count, a2Count int
	subA1 := bus.SubscribeDebug("a1", DebugSubscriberFunc(func(ctx context.Context, e DebugEvent) error {
		a1Count++
		return nil
	}))
	defer subA1.Close()
	subA2 := bus.SubscribeDebug("a2", DebugSubscriberFunc(func(ctx context.Context, e DebugEvent) error {
		a2Count++
		return nil
	}))
	defer subA2.Close()

	bus.PublishDebug(context.Background(), DebugEvent{AgentID: "a1", Label: "tick"})
	bus.PublishDebug(context.Background(), DebugEvent{AgentID: "a1", Label: "tick"})
	bus.PublishDebug(context.Background(), DebugEvent{AgentID: "a2", Label: "tick"})

	assert.Equal(t, 1, a1Count, "a1's second event should be throttled")
	assert.Equal(t, 1, a2Count, "a2 gets its own limiter, unaffected by a1's burst")
}
