package distributed

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unreachableRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestLease_UnreachableRedis(t *testing.T) {
	lease := NewLease(unreachableRedis(t), "peerlink:room:r1:member:alice", "instance-1", time.Second)
	assert.Equal(t, "peerlink:room:r1:member:alice", lease.Key())

	ok, err := lease.TryAcquire(context.Background())
	require.Error(t, err)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "failed to claim peerlink:room:r1:member:alice")

	err = lease.Release(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotHeld)

	select {
	case <-lease.Lost():
		t.Fatal("a lease that was never held cannot be lost")
	default:
	}
}
