package dual

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/prismgate/prismgate/caches/memory"
	"github.com/prismgate/prismgate/caches/redis"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	remote, err := redis.New(redis.Config{Addr: mr.Addr(), Namespace: "test"})
	require.NoError(t, err)

	local := memory.New(memory.DefaultConfig())
	c := New(local, remote, Config{LocalTTL: 50 * time.Millisecond, RemoteTTL: time.Minute})
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestGet_MissReturnsNilNil(t *testing.T) {
	c, _ := newTestCache(t)
	val, err := c.Get(context.Background(), "absent")
	require.NoError(t, err)
	require.Nil(t, val)
}

func TestSetGet_WritesBothTiers(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", []byte("v1"), time.Minute))

	val, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), val)

	// The shared tier holds the namespaced key.
	require.True(t, mr.Exists("test:k1"))
}

func TestGet_BackfillsLocalFromRemote(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k2", []byte("v2"), time.Minute))
	c.Flush() // drop L1, keep L2

	val, err := c.Get(ctx, "k2")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), val)

	stats := c.GetDetailedStats()
	require.Equal(t, int64(1), stats.RemoteHits)
	require.Equal(t, int64(1), stats.Backfills)

	// Second read should be a local hit.
	_, err = c.Get(ctx, "k2")
	require.NoError(t, err)
	require.Equal(t, int64(1), c.GetDetailedStats().LocalHits)
}

func TestDelete_RemovesBothTiers(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k3", []byte("v3"), time.Minute))
	require.NoError(t, c.Delete(ctx, "k3"))

	val, err := c.Get(ctx, "k3")
	require.NoError(t, err)
	require.Nil(t, val)
	require.False(t, mr.Exists("test:k3"))
}

func TestLocalOnly_NoRemote(t *testing.T) {
	local := memory.New(memory.DefaultConfig())
	c := New(local, nil, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), val)
	require.NoError(t, c.Ping(ctx))
}

func TestSet_CallerTTLCapsLocalTier(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	// TTL shorter than the local default must win in L1.
	require.NoError(t, c.Set(ctx, "short", []byte("v"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	val, _ := c.local.Get(ctx, "short")
	require.Nil(t, val)
}
