package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStoreFromClient(client, "test:"), mr
}

func TestRedisStore_Lock(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedis(t)

	token, ok, err := s.AcquireLock(ctx, "task:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.AcquireLock(ctx, "task:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "lock must be exclusive")

	// 错误令牌不能释放锁
	require.NoError(t, s.ReleaseLock(ctx, "task:1", "wrong"))
	assert.True(t, mr.Exists("test:lock:task:1"))

	require.NoError(t, s.ReleaseLock(ctx, "task:1", token))
	_, ok, err = s.AcquireLock(ctx, "task:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisStore_LockExpires(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedis(t)

	_, ok, err := s.AcquireLock(ctx, "task:2", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	_, ok, err = s.AcquireLock(ctx, "task:2", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisStore_Capacity(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedis(t)

	ok, err := s.ReserveCapacity(ctx, 1, 100, 2, 150)
	require.NoError(t, err)
	assert.True(t, ok)

	// 重复预留幂等
	ok, err = s.ReserveCapacity(ctx, 1, 100, 2, 150)
	require.NoError(t, err)
	assert.True(t, ok)

	// 超过客户端总数
	ok, err = s.ReserveCapacity(ctx, 2, 100, 2, 150)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.ReserveCapacity(ctx, 2, 50, 2, 150)
	require.NoError(t, err)
	assert.True(t, ok)

	// 超过任务数
	ok, err = s.ReserveCapacity(ctx, 3, 1, 2, 1000)
	require.NoError(t, err)
	assert.False(t, ok)

	tasks, clients, err := s.CapacityUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, tasks)
	assert.Equal(t, 150, clients)

	holders, err := s.CapacityHolders(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2}, holders)

	require.NoError(t, s.ReleaseCapacity(ctx, 1))
	ok, err = s.ReserveCapacity(ctx, 3, 1, 2, 1000)
	require.NoError(t, err)
	assert.True(t, ok)

	holders, err = s.CapacityHolders(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{2, 3}, holders)
}

func TestRedisStore_Revocation(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedis(t)

	revoked, err := s.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, s.RevokeToken(ctx, "jti-1", time.Minute))
	revoked, err = s.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	mr.FastForward(2 * time.Minute)
	revoked, err = s.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)
}
