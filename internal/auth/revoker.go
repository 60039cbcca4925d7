package auth

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// Revoker 记录已注销的令牌。
// 多实例部署时使用 storage.RedisStore，单实例使用 MemoryRevoker。
type Revoker interface {
	RevokeToken(ctx context.Context, jti string, ttl time.Duration) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// MemoryRevoker 进程内的令牌注销表，条目在令牌过期后自动清理。
type MemoryRevoker struct {
	c *cache.Cache
}

// NewMemoryRevoker 创建进程内注销表。
func NewMemoryRevoker() *MemoryRevoker {
	return &MemoryRevoker{c: cache.New(cache.NoExpiration, 10*time.Minute)}
}

// RevokeToken 注销令牌。
func (r *MemoryRevoker) RevokeToken(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl > 0 {
		r.c.Set(jti, struct{}{}, ttl)
	}
	return nil
}

// IsRevoked 判断令牌是否已注销。
func (r *MemoryRevoker) IsRevoked(ctx context.Context, jti string) (bool, error) {
	_, found := r.c.Get(jti)
	return found, nil
}
