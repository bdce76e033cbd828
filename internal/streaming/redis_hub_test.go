package streaming

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisHub(t *testing.T) *RedisHub {
	t.Helper()
	addr := os.Getenv("HOUNDFLOW_TEST_REDIS")
	if addr == "" {
		t.Skip("HOUNDFLOW_TEST_REDIS not set")
	}
	client := rd.NewUniversalClient(&rd.UniversalOptions{Addrs: []string{addr}})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisHub(client, "hf-test-"+uuid.NewString(), nil)
}

func TestRedisHub_PublishSubscribe(t *testing.T) {
	hub := newTestRedisHub(t)
	ctx := context.Background()

	one, cancelOne, err := hub.Subscribe(ctx, Filter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancelOne()
	all, cancelAll, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancelAll()

	require.NoError(t, hub.PublishProgress(ctx, update("exec-2", 1)))
	final := update("exec-1", 4)
	final.Final = true
	require.NoError(t, hub.PublishProgress(ctx, final))

	got := receive(t, one)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.True(t, got.Final)

	assert.Equal(t, "exec-2", receive(t, all).ExecutionID)
	assert.Equal(t, "exec-1", receive(t, all).ExecutionID)
}

func TestRedisHub_CancelClosesChannel(t *testing.T) {
	hub := newTestRedisHub(t)

	ch, cancel, err := hub.Subscribe(context.Background(), Filter{})
	require.NoError(t, err)
	cancel()

	for range ch {
	}
	_, ok := <-ch
	assert.False(t, ok)
}
