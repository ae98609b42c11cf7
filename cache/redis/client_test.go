package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// redisConfig points at the server named by FRIENDSYNC_TEST_REDIS.
func redisConfig(t *testing.T) Config {
	t.Helper()
	addr := os.Getenv("FRIENDSYNC_TEST_REDIS")
	if addr == "" {
		t.Skip("FRIENDSYNC_TEST_REDIS not set")
	}
	return Config{Addr: addr}
}

func TestDial_Unreachable(t *testing.T) {
	_, err := NewCache(Config{Addr: "127.0.0.1:1", PingTimeout: 200 * time.Millisecond})
	assert.ErrorContains(t, err, "redis: ping 127.0.0.1:1")
}

func TestRedisCache_PresenceShapes(t *testing.T) {
	c, err := NewCache(redisConfig(t))
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()
	key := "presence:" + uuid.NewString()
	defer c.Del(ctx, key)

	require.NoError(t, c.HMSet(ctx, key, map[string]string{"online": "1"}))
	v, err := c.HIncrBy(ctx, key, "version", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	_, err = c.HGet(ctx, key, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	added, err := c.SAdd(ctx, key+":set", "a", "b", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), added)
	defer c.Del(ctx, key+":set")
	n, err := c.SCard(ctx, key+":set")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRedisPubSub_DeliversAfterSubscribe(t *testing.T) {
	ps, err := NewPubSub(redisConfig(t))
	require.NoError(t, err)
	defer ps.Close()
	ctx := context.Background()
	channel := "social:user:" + uuid.NewString()

	ch, cancel, err := ps.Subscribe(ctx, channel)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, ps.Publish(ctx, channel, "hello"))
	select {
	case msg := <-ch:
		assert.Equal(t, "hello", msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}
