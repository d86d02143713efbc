package chrono

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_PublishDeliversToSubscriber(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe()

	bus.Publish(EventStarted, nil)

	select {
	case ev := <-ch:
		assert.Equal(t, EventStarted, ev.Name)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEventBus_MultipleSubscribersAllReceive(t *testing.T) {
	bus := NewEventBus()
	a := bus.Subscribe()
	b := bus.Subscribe()

	bus.Publish(EventClose, nil)

	for _, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			assert.Equal(t, EventClose, ev.Name)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestEventBus_SlowSubscriberDropsRatherThanBlocks(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe()

	for i := 0; i < defaultSubscriberBuffer+10; i++ {
		bus.Publish(EventTaskClaimed, nil)
	}

	require.Len(t, ch, defaultSubscriberBuffer)
}
