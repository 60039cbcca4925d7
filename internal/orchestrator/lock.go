package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/oriys/surge/internal/domain"
	"github.com/sirupsen/logrus"
)

// ErrLockTimeout 表示等待锁超时
var ErrLockTimeout = fmt.Errorf("%w: resource is busy, try again", domain.ErrConflict)

// Locker 提供按键互斥。返回的 unlock 可以安全地重复调用。
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker 是进程内的按键互斥锁，适用于单实例部署。
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker 创建进程内锁。
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

// Lock 获取 key 对应的锁，ctx 结束前拿不到锁时返回 ctx 的错误。
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	k, ok := l.locks[key]
	if !ok {
		k = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = k
	}
	k.refs++
	l.mu.Unlock()

	select {
	case k.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, k)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-k.ch
			l.release(key, k)
		})
	}, nil
}

func (l *LocalLocker) release(key string, k *keyLock) {
	l.mu.Lock()
	k.refs--
	if k.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

// LockStore 是分布式锁的存储，由 storage.RedisStore 实现。
type LockStore interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error)
	ReleaseLock(ctx context.Context, name, token string) error
}

var errLockHeld = errors.New("lock held")

// RedisLocker 基于 Redis SET NX PX 的分布式锁，适用于多实例部署。
// 锁带过期时间，持有者崩溃后自动释放。
type RedisLocker struct {
	store  LockStore
	ttl    time.Duration
	wait   time.Duration
	logger *logrus.Logger
}

// NewRedisLocker 创建分布式锁。
// 参数:
//   - store: 锁存储
//   - ttl: 锁的过期时间
//   - wait: 等待锁的最长时间
//   - logger: 日志记录器
func NewRedisLocker(store LockStore, ttl, wait time.Duration, logger *logrus.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if wait <= 0 {
		wait = 10 * time.Second
	}
	return &RedisLocker{store: store, ttl: ttl, wait: wait, logger: logger}
}

// Lock 获取锁，锁被占用时退避重试直到超时。
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	var token string
	err := retry.Do(
		func() error {
			t, ok, err := l.store.AcquireLock(waitCtx, key, l.ttl)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if !ok {
				return errLockHeld
			}
			token = t
			return nil
		},
		retry.Context(waitCtx),
		retry.Attempts(0),
		retry.Delay(10*time.Millisecond),
		retry.MaxDelay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, errLockHeld) || errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrLockTimeout
		}
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer rcancel()
			if err := l.store.ReleaseLock(rctx, key, token); err != nil {
				l.logger.WithError(err).WithField("key", key).Warn("Failed to release lock")
			}
		})
	}, nil
}
