package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisstore "github.com/voxline/callflow/internal/adapter/store/redis"
	"github.com/voxline/callflow/internal/domain"
	"github.com/voxline/callflow/internal/ports"
)

// TestSessionStore_Descriptor covers the cross-worker descriptor contract.
func TestSessionStore_Descriptor(t *testing.T) {
	env := SetupTestEnvironment(t)
	if env == nil || env.Store == nil {
		t.Skip("Redis not available")
	}
	FlushRedis(t, env.Redis)
	ctx := context.Background()

	t.Run("Roundtrip", func(t *testing.T) {
		desc := domain.SessionDescriptor{
			CallControlID:    "call-desc",
			AgentID:          "agent-1",
			FlowID:           "flow-1",
			CurrentNodeID:    "qualify",
			SessionVariables: map[string]string{"name": "Sam", "email": "sam@example.com"},
			CallStartedAt:    time.Now().UTC().Truncate(time.Second),
		}
		require.NoError(t, env.Store.SetDescriptor(ctx, "call-desc", desc, time.Minute))

		got, err := env.Store.GetDescriptor(ctx, "call-desc")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, desc.AgentID, got.AgentID)
		assert.Equal(t, desc.CurrentNodeID, got.CurrentNodeID)
		assert.Equal(t, desc.SessionVariables, got.SessionVariables)
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := env.Store.GetDescriptor(ctx, "call-never-existed")
		assert.ErrorIs(t, err, redisstore.ErrNotFound)
	})
}

// TestSessionStore_CounterClamp exercises the atomic decrement-with-floor that
// absorbs duplicate playback-ended webhooks.
func TestSessionStore_CounterClamp(t *testing.T) {
	env := SetupTestEnvironment(t)
	if env == nil || env.Store == nil {
		t.Skip("Redis not available")
	}
	FlushRedis(t, env.Redis)
	ctx := context.Background()
	const call = "call-counter"

	v, err := env.Store.Increment(ctx, call, ports.CounterActivePlayback)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = env.Store.Increment(ctx, call, ports.CounterActivePlayback)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	v, err = env.Store.Decrement(ctx, call, ports.CounterActivePlayback)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = env.Store.Decrement(ctx, call, ports.CounterActivePlayback)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	// A redelivered completion must clamp at zero, never go negative.
	v, err = env.Store.Decrement(ctx, call, ports.CounterActivePlayback)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	v, err = env.Store.GetCounter(ctx, call, ports.CounterActivePlayback)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	// Decrement on a key that was never incremented also floors at zero.
	v, err = env.Store.Decrement(ctx, "call-fresh", ports.CounterActivePlayback)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	require.NoError(t, env.Store.ResetCounter(ctx, call, ports.CounterActivePlayback))
	v, err = env.Store.GetCounter(ctx, call, ports.CounterActivePlayback)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

// TestSessionStore_Flags covers the coordination flags and the bounded wait
// used when a webhook lands on a worker before the session exists.
func TestSessionStore_Flags(t *testing.T) {
	env := SetupTestEnvironment(t)
	if env == nil || env.Store == nil {
		t.Skip("Redis not available")
	}
	FlushRedis(t, env.Redis)
	ctx := context.Background()
	const call = "call-flags"

	t.Run("SetGet", func(t *testing.T) {
		set, err := env.Store.GetFlag(ctx, call, ports.FlagSessionReady)
		require.NoError(t, err)
		assert.False(t, set, "flag should default to unset")

		require.NoError(t, env.Store.SetFlag(ctx, call, ports.FlagSessionReady, true, time.Minute))
		set, err = env.Store.GetFlag(ctx, call, ports.FlagSessionReady)
		require.NoError(t, err)
		assert.True(t, set)

		require.NoError(t, env.Store.SetFlag(ctx, call, ports.FlagSessionReady, false, time.Minute))
		set, err = env.Store.GetFlag(ctx, call, ports.FlagSessionReady)
		require.NoError(t, err)
		assert.False(t, set)
	})

	t.Run("WaitForFlagSetWhileWaiting", func(t *testing.T) {
		const waiter = "call-waiter"
		go func() {
			time.Sleep(150 * time.Millisecond)
			_ = env.Store.SetFlag(context.Background(), waiter, ports.FlagSessionReady, true, time.Minute)
		}()

		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		assert.NoError(t, env.Store.WaitForFlag(waitCtx, waiter, ports.FlagSessionReady))
	})

	t.Run("WaitForFlagTimesOut", func(t *testing.T) {
		waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
		err := env.Store.WaitForFlag(waitCtx, "call-never-ready", ports.FlagSessionReady)
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	})
}

// TestSessionStore_ExpireAll verifies teardown puts a grace TTL on every key
// the call owns.
func TestSessionStore_ExpireAll(t *testing.T) {
	env := SetupTestEnvironment(t)
	if env == nil || env.Store == nil {
		t.Skip("Redis not available")
	}
	FlushRedis(t, env.Redis)
	ctx := context.Background()
	const call = "call-expiry"

	require.NoError(t, env.Store.SetDescriptor(ctx, call, domain.SessionDescriptor{
		CallControlID: call,
		AgentID:       "agent-1",
		FlowID:        "flow-1",
	}, time.Hour))
	_, err := env.Store.Increment(ctx, call, ports.CounterActivePlayback)
	require.NoError(t, err)
	require.NoError(t, env.Store.SetFlag(ctx, call, ports.FlagSessionReady, true, time.Hour))

	require.NoError(t, env.Store.ExpireAll(ctx, call, 200*time.Millisecond))
	time.Sleep(500 * time.Millisecond)

	_, err = env.Store.GetDescriptor(ctx, call)
	assert.ErrorIs(t, err, redisstore.ErrNotFound)

	set, err := env.Store.GetFlag(ctx, call, ports.FlagSessionReady)
	require.NoError(t, err)
	assert.False(t, set)

	v, err := env.Store.GetCounter(ctx, call, ports.CounterActivePlayback)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}
