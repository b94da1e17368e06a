package redisbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyBuilders(t *testing.T) {
	assert.Equal(t, "query-list-key-wf1", QueryListKey("wf1"))
	assert.Equal(t, "del-list-key-wf1", DeleteListKey("wf1"))
	assert.Equal(t, "del-force-list-key-wf1", ForceDeleteListKey("wf1"))
	assert.Equal(t, "result-list-key-wf1", ResultListKey("wf1"))
	assert.Equal(t, "result-key-wf1-node2-7", ResultKey("wf1", "node2", 7))
	assert.Equal(t, "launch-key-wf1", LaunchKey("wf1"))
	assert.Equal(t, "launch-list-key-wf1", LaunchListKey("wf1"))
	assert.Equal(t, "launch-ack-key-wf1", LaunchAckKey("wf1"))
	assert.Equal(t, "launch-ack-list-key-wf1", LaunchAckListKey("wf1"))
	assert.Equal(t, "fixture-termination-list-wf1", FixtureTerminationListKey("wf1"))
	assert.Equal(t, "notification:sub", NotificationKey("sub"))
	assert.Equal(t, "assignment:svc", AssignmentKey("svc"))
	assert.Equal(t, "deployment-up-key-dep", DeploymentUpKey("dep"))
	assert.Equal(t, "deployment-up-list-key-dep", DeploymentUpListKey("dep"))
}

func TestMemoryPopAnyWakesOnPush(t *testing.T) {
	bus := NewMemory()
	ctx := context.Background()

	type popResult struct {
		key, value string
		err        error
	}

	done := make(chan popResult, 1)

	go func() {
		key, value, err := bus.PopAny(ctx, 5*time.Second, "a", "b")
		done <- popResult{key, value, err}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, bus.PushList(ctx, "b", map[string]any{"n": 1}))

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, "b", got.key)
	assert.JSONEq(t, `{"n":1}`, got.value)
}

func TestMemoryPopAnyTimesOut(t *testing.T) {
	bus := NewMemory()

	_, _, err := bus.PopAny(context.Background(), 30*time.Millisecond, "empty")
	assert.ErrorIs(t, err, ErrNoEntry)
}

func TestMemoryPopPreservesOrder(t *testing.T) {
	bus := NewMemory()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, bus.PushList(ctx, "q", i))
	}

	for want := 1; want <= 3; want++ {
		_, value, err := bus.PopAny(ctx, time.Second, "q")
		require.NoError(t, err)
		assert.Equal(t, string(rune('0'+want)), value)
	}
}

func TestMemoryNotifyAndHasKey(t *testing.T) {
	bus := NewMemory()
	ctx := context.Background()

	has, err := bus.HasKey(ctx, NotificationKey("svc"))
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, bus.Notify(ctx, NotificationKey("svc"), map[string]any{"ok": true}))

	has, err = bus.HasKey(ctx, NotificationKey("svc"))
	require.NoError(t, err)
	assert.True(t, has)

	var payload map[string]bool
	require.NoError(t, bus.GetJSON(ctx, NotificationKey("svc"), &payload))
	assert.True(t, payload["ok"])

	require.NoError(t, bus.Delete(ctx, NotificationKey("svc")))
	assert.ErrorIs(t, bus.GetJSON(ctx, NotificationKey("svc"), &payload), ErrNoEntry)
}
