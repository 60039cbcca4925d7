package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oriys/surge/internal/domain"
	"github.com/patrickmn/go-cache"
)

// contextKey 是用于在 context 中存储值的自定义类型。
// 使用自定义类型可以避免与其他包的 context 键冲突。
type contextKey string

// 定义 context 键常量
const (
	// UserContextKey 是用于在请求上下文中存储用户信息的键
	UserContextKey contextKey = "user"
)

// UserContext 存储已认证用户的上下文信息。
// 在请求通过认证后，此结构体会被存储在请求的 context 中。
type UserContext struct {
	// UserID 用户的唯一标识符
	UserID int64
	// Username 用户名
	Username string
	// Role 用户的角色，用于权限控制
	Role domain.Role
	// Claims 原始令牌声明，注销时需要 jti 和剩余有效期
	Claims *Claims
}

// IsAdmin 判断当前用户是否为管理员。
func (u *UserContext) IsAdmin() bool {
	return u != nil && u.Role == domain.RoleAdmin
}

// UserLookup 按 ID 查询用户，用于校验账号是否仍然存在且启用。
type UserLookup interface {
	GetUser(ctx context.Context, id int64) (*domain.User, error)
}

// ErrorWriter 输出认证失败的响应，由 API 层注入以统一错误格式。
type ErrorWriter func(w http.ResponseWriter, r *http.Request, status int, err error)

// Middleware 是认证中间件，用于验证 HTTP 请求的身份。
// 仅接受 Authorization: Bearer <access token>。
type Middleware struct {
	// jwt JWT 管理器，用于验证 JWT 令牌
	jwt *JWTManager
	// revoker 注销表，为 nil 时不检查
	revoker Revoker
	// users 用户查询，为 nil 时不检查账号状态
	users UserLookup
	// userCache 缓存用户状态，减少每个请求的存储查询
	userCache *cache.Cache
	// writeError 输出错误响应
	writeError ErrorWriter
}

// NewMiddleware 创建并返回一个新的认证中间件实例。
// 参数:
//   - jwt: JWT 管理器实例
//   - revoker: 令牌注销表
//   - users: 用户查询接口
//   - userTTL: 用户状态缓存时间，<= 0 表示不缓存
//
// 返回:
//   - *Middleware: 初始化后的中间件实例
func NewMiddleware(jwt *JWTManager, revoker Revoker, users UserLookup, userTTL time.Duration) *Middleware {
	m := &Middleware{
		jwt:        jwt,
		revoker:    revoker,
		users:      users,
		writeError: defaultErrorWriter,
	}
	if userTTL > 0 {
		m.userCache = cache.New(userTTL, 2*userTTL)
	}
	return m
}

// SetErrorWriter 替换默认的错误输出。
func (m *Middleware) SetErrorWriter(w ErrorWriter) {
	if w != nil {
		m.writeError = w
	}
}

// InvalidateUser 清除用户状态缓存，在禁用或删除用户后调用。
func (m *Middleware) InvalidateUser(id int64) {
	if m.userCache != nil {
		m.userCache.Delete(strconv.FormatInt(id, 10))
	}
}

// Authenticate 是一个 HTTP 中间件函数，用于验证请求的身份。
// 认证成功后，用户信息会被存储在请求的 context 中；
// 任何失败都返回 401，响应体格式一致。
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := BearerToken(r)
		if !ok {
			m.writeError(w, r, http.StatusUnauthorized, ErrInvalidToken)
			return
		}

		user, err := m.Verify(r.Context(), token)
		if err != nil {
			m.writeError(w, r, http.StatusUnauthorized, err)
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Verify 校验访问令牌并返回用户上下文。
// SSE、WebSocket 等无法设置请求头的场景也复用此方法。
func (m *Middleware) Verify(ctx context.Context, token string) (*UserContext, error) {
	claims, err := m.jwt.Validate(token, TokenTypeAccess)
	if err != nil {
		return nil, err
	}
	if err := m.checkRevoked(ctx, claims); err != nil {
		return nil, err
	}
	role := claims.Role
	if m.users != nil {
		user, err := m.lookupUser(ctx, claims.UserID)
		if err != nil {
			return nil, err
		}
		// 角色以存储中的为准，管理员降级后立即生效
		role = user.Role
	}
	return &UserContext{
		UserID:   claims.UserID,
		Username: claims.Username,
		Role:     role,
		Claims:   claims,
	}, nil
}

func (m *Middleware) checkRevoked(ctx context.Context, claims *Claims) error {
	if m.revoker == nil || claims.ID == "" {
		return nil
	}
	revoked, err := m.revoker.IsRevoked(ctx, claims.ID)
	if err != nil {
		return err
	}
	if revoked {
		return ErrRevokedToken
	}
	return nil
}

func (m *Middleware) lookupUser(ctx context.Context, id int64) (*domain.User, error) {
	key := strconv.FormatInt(id, 10)
	if m.userCache != nil {
		if v, ok := m.userCache.Get(key); ok {
			return v.(*domain.User), nil
		}
	}
	user, err := m.users.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if !user.Enabled() {
		return nil, ErrInvalidToken
	}
	if m.userCache != nil {
		m.userCache.SetDefault(key, user)
	}
	return user, nil
}

// RequireRole 要求当前用户具有指定角色，否则返回 403。
// 必须挂在 Authenticate 之后。
func (m *Middleware) RequireRole(role domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := GetUser(r.Context())
			if user == nil {
				m.writeError(w, r, http.StatusUnauthorized, ErrInvalidToken)
				return
			}
			if user.Role != role {
				m.writeError(w, r, http.StatusForbidden, domain.ErrAdminRequired)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin 等价于 RequireRole(domain.RoleAdmin)。
func (m *Middleware) RequireAdmin(next http.Handler) http.Handler {
	return m.RequireRole(domain.RoleAdmin)(next)
}

// BearerToken 从 Authorization 头提取令牌。
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(h[7:])
	return token, token != ""
}

func defaultErrorWriter(w http.ResponseWriter, r *http.Request, status int, err error) {
	kind := "unauthorized"
	msg := "unauthorized"
	if status == http.StatusForbidden {
		kind = "forbidden"
		msg = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "kind": kind})
}

// GetUser 从请求上下文中提取已认证的用户信息。
// 参数:
//   - ctx: 请求的上下文
//
// 返回:
//   - *UserContext: 如果找到用户信息则返回，否则返回 nil
func GetUser(ctx context.Context) *UserContext {
	if user, ok := ctx.Value(UserContextKey).(*UserContext); ok {
		return user
	}
	return nil
}

// WithUser 将用户信息写入 context，供后台任务和测试使用。
func WithUser(ctx context.Context, user *UserContext) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}
