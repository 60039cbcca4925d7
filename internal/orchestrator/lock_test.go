package orchestrator

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/oriys/surge/internal/domain"
	"github.com/oriys/surge/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) *storage.RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return storage.NewRedisStoreFromClient(client, "surge-test:")
}

// exclusive 检查锁在并发下互斥：临界区内的计数器最大为 1。
func exclusive(t *testing.T, l Locker) {
	t.Helper()
	var (
		inside atomic.Int32
		peak   atomic.Int32
		wg     sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "task:1")
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	exclusive(t, l)

	unlock, err := l.Lock(context.Background(), "task:1")
	require.NoError(t, err)

	// 不同的键互不影响
	other, err := l.Lock(context.Background(), "task:2")
	require.NoError(t, err)
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "task:1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	again, err := l.Lock(context.Background(), "task:1")
	require.NoError(t, err)
	again()

	assert.Empty(t, l.locks, "idle keys are dropped")
}

func TestRedisLocker(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	l := NewRedisLocker(newRedisStore(t), time.Minute, 200*time.Millisecond, logger)
	exclusive(t, l)

	unlock, err := l.Lock(context.Background(), "task:7")
	require.NoError(t, err)

	_, err = l.Lock(context.Background(), "task:7")
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.ErrorIs(t, err, domain.ErrConflict)

	unlock()
	again, err := l.Lock(context.Background(), "task:7")
	require.NoError(t, err)
	again()
}
