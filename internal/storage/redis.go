package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/surge/internal/config"
	"github.com/oriys/surge/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisStore 封装多实例部署时需要共享的状态：
// 任务互斥锁、执行容量账本和已注销令牌。
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 连接 Redis 并检查连通性。
func NewRedisStore(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: redis: %v", domain.ErrStorageConnection, err)
	}
	return NewRedisStoreFromClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreFromClient 使用已有客户端创建存储。
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// Client 返回底层客户端，供登录限流共享计数。
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Ping 检查 Redis 连接。
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close 关闭客户端。
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(parts ...string) string {
	k := s.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// ========== 任务锁 ==========

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireLock 尝试获取互斥锁，成功时返回用于释放的令牌。
// 锁带有过期时间，持有者崩溃后自动失效。
func (s *RedisStore) AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, s.key("lock", name), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// ReleaseLock 释放互斥锁，只有令牌匹配时才删除。
func (s *RedisStore) ReleaseLock(ctx context.Context, name, token string) error {
	return unlockScript.Run(ctx, s.client, []string{s.key("lock", name)}, token).Err()
}

// ========== 容量账本 ==========

// reserveScript 原子地检查任务数和客户端总数上限并登记。
// 已登记的任务直接返回成功。
var reserveScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then
	return 1
end
if redis.call("HLEN", KEYS[1]) >= tonumber(ARGV[3]) then
	return 0
end
local total = 0
for _, v in ipairs(redis.call("HVALS", KEYS[1])) do
	total = total + tonumber(v)
end
if total + tonumber(ARGV[2]) > tonumber(ARGV[4]) then
	return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// ReserveCapacity 为任务预留执行容量。
//
// 参数:
//   - taskID: 任务 ID，同一任务重复预留是幂等的
//   - clients: 任务的并发客户端数
//   - maxTasks: 同时运行的任务数上限
//   - maxClients: 客户端总数上限
//
// 返回:
//   - bool: 是否预留成功
//   - error: Redis 访问错误
func (s *RedisStore) ReserveCapacity(ctx context.Context, taskID int64, clients, maxTasks, maxClients int) (bool, error) {
	n, err := reserveScript.Run(ctx, s.client, []string{s.key("capacity")},
		strconv.FormatInt(taskID, 10), clients, maxTasks, maxClients).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseCapacity 释放任务占用的容量，未登记时不做任何事。
func (s *RedisStore) ReleaseCapacity(ctx context.Context, taskID int64) error {
	return s.client.HDel(ctx, s.key("capacity"), strconv.FormatInt(taskID, 10)).Err()
}

// CapacityUsage 返回当前登记的任务数和客户端总数。
func (s *RedisStore) CapacityUsage(ctx context.Context) (tasks, clients int, err error) {
	vals, err := s.client.HGetAll(ctx, s.key("capacity")).Result()
	if err != nil {
		return 0, 0, err
	}
	for _, v := range vals {
		n, _ := strconv.Atoi(v)
		clients += n
	}
	return len(vals), clients, nil
}

// CapacityHolders 返回当前登记了容量的任务 ID。
func (s *RedisStore) CapacityHolders(ctx context.Context) ([]int64, error) {
	keys, err := s.client.HKeys(ctx, s.key("capacity")).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(keys))
	for _, k := range keys {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ========== 令牌吊销 ==========

// RevokeToken 记录已注销的令牌 ID，直到令牌自然过期。
func (s *RedisStore) RevokeToken(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return s.client.Set(ctx, s.key("revoked", jti), "1", ttl).Err()
}

// IsRevoked 判断令牌是否已注销。
func (s *RedisStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	err := s.client.Get(ctx, s.key("revoked", jti)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
