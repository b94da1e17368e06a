package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/axialops/axplatform/pkg/channels/gochannel"
	"github.com/axialops/axplatform/pkg/eventbus"
	"github.com/axialops/axplatform/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermillEventBusRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	defer bus.Close()

	received := make(chan *events.NodeStatusEvent, 1)

	err = bus.Handle(events.NodeStatusEventType, func(_ context.Context, event any) error {
		received <- event.(*events.NodeStatusEvent)

		return nil
	})
	require.NoError(t, err)
	require.NoError(t, bus.Subscribe(ctx))

	sent := events.NodeStatusEvent{
		BaseEvent: events.NewBaseEvent(events.NodeStatusEventType, "wf-1"),
		NodeID:    "leaf-1",
		SN:        3,
		Status:    events.NodeSucceed,
	}
	require.NoError(t, bus.Publish(ctx, "wf-1", sent))

	select {
	case got := <-received:
		assert.Equal(t, "wf-1", got.RootWorkflowID)
		assert.Equal(t, int64(3), got.SN)
		assert.Equal(t, events.NodeSucceed, got.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestNodeStatusTerminal(t *testing.T) {
	assert.True(t, events.NodeSucceed.Terminal())
	assert.True(t, events.NodeForceTerminated.Terminal())
	assert.False(t, events.NodeRunning.Terminal())
	assert.False(t, events.NodeLoadingArtifacts.Terminal())
}
