package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCache_LocalByDefault(t *testing.T) {
	c, err := NewCache(CacheConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.HGet(ctx, "presence:nobody", "online")
	assert.True(t, IsNotFound(err))

	_, err = c.SAdd(ctx, "presence:online", "alice")
	require.NoError(t, err)
	ok, err := c.SIsMember(ctx, "presence:online", "alice")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewPubSub_LocalForwardsMessages(t *testing.T) {
	ps, err := NewPubSub(CacheConfig{LocalPubSubBuf: 4})
	require.NoError(t, err)
	ctx := context.Background()

	msgs, cancel, err := ps.Subscribe(ctx, "social:user:alice")
	require.NoError(t, err)
	require.NoError(t, ps.Publish(ctx, "social:user:alice", `{"type":"edge"}`))

	select {
	case m := <-msgs:
		assert.Equal(t, "social:user:alice", m.Channel)
		assert.Equal(t, `{"type":"edge"}`, m.Payload)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}

	cancel()
	select {
	case _, ok := <-msgs:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("forwarded channel not closed")
	}
}

func TestNewPubSub_RedisUnreachable(t *testing.T) {
	_, err := NewPubSub(CacheConfig{RedisAddr: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestNewPubSub_SlowReaderIsCutOff(t *testing.T) {
	ps, err := NewPubSub(CacheConfig{LocalPubSubBuf: 2})
	require.NoError(t, err)
	ctx := context.Background()

	msgs, cancel, err := ps.Subscribe(ctx, "social:user:bob")
	require.NoError(t, err)
	defer cancel()
	for i := 0; i < 10; i++ {
		require.NoError(t, ps.Publish(ctx, "social:user:bob", "m"))
	}

	got := 0
	for {
		select {
		case _, ok := <-msgs:
			if !ok {
				assert.Less(t, got, 10)
				return
			}
			got++
		case <-time.After(time.Second):
			t.Fatalf("slow reader still open after %d messages", got)
		}
	}
}
