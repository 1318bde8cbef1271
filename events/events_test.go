package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishStampsAndDelivers(t *testing.T) {
	bus, err := NewBus(8)
	require.NoError(t, err)
	defer bus.Close()

	sub := bus.Subscribe(4)
	before := time.Now()
	bus.Publish(Event{Kind: FlowStarted, FlowID: "f1"})

	select {
	case ev := <-sub.C():
		assert.Equal(t, FlowStarted, ev.Kind)
		assert.Equal(t, "f1", ev.FlowID)
		assert.False(t, ev.Timestamp.Before(before))
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	stamp := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bus.Publish(Event{Kind: DeployRejected, Timestamp: stamp, Error: "bad"})
	recent := bus.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, stamp, recent[0].Timestamp)
}

func TestBus_DropsForSlowSubscriber(t *testing.T) {
	bus, err := NewBus(8)
	require.NoError(t, err)
	defer bus.Close()

	sub := bus.Subscribe(1)
	defer sub.Close()

	bus.Publish(Event{Kind: FlowStarted})
	bus.Publish(Event{Kind: FlowStopped})
	assert.Equal(t, int64(1), bus.Dropped())
	assert.Len(t, bus.Recent(0), 2)
}
