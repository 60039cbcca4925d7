// Package auth 提供身份认证和授权相关的功能。
// 该包实现了基于 JWT（JSON Web Token）的访问令牌/刷新令牌机制、
// 令牌注销和 bcrypt 密码哈希，用于保护 API 接口的安全访问。
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/oriys/surge/internal/domain"
)

// 定义 JWT 相关的错误类型，均包装 domain.ErrUnauthorized
var (
	// ErrInvalidToken 表示提供的令牌无效或格式错误
	ErrInvalidToken = fmt.Errorf("%w: invalid token", domain.ErrUnauthorized)
	// ErrExpiredToken 表示令牌已过期
	ErrExpiredToken = fmt.Errorf("%w: token has expired", domain.ErrUnauthorized)
	// ErrRevokedToken 表示令牌已被注销
	ErrRevokedToken = fmt.Errorf("%w: token has been revoked", domain.ErrUnauthorized)
	// ErrWrongTokenType 表示令牌类型不匹配（如用刷新令牌访问接口）
	ErrWrongTokenType = fmt.Errorf("%w: wrong token type", domain.ErrUnauthorized)
)

// 令牌类型
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Claims 定义 JWT 令牌中的声明（Claims）结构。
// 它包含了用户身份信息和标准的 JWT 注册声明。
type Claims struct {
	// UserID 存储用户的唯一标识符
	UserID int64 `json:"user_id"`
	// Username 存储用户名，便于日志关联
	Username string `json:"username"`
	// Role 存储用户的角色信息，用于权限控制
	Role domain.Role `json:"role"`
	// Type 区分访问令牌和刷新令牌
	Type string `json:"typ"`
	// RegisteredClaims 嵌入标准的 JWT 注册声明，ID 字段作为注销用的 jti
	jwt.RegisteredClaims
}

// Remaining 返回令牌剩余有效期。
func (c *Claims) Remaining() time.Duration {
	if c.ExpiresAt == nil {
		return 0
	}
	return time.Until(c.ExpiresAt.Time)
}

// TokenPair 是登录或刷新后返回给客户端的令牌对。
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// JWTManager 是 JWT 令牌管理器，负责令牌的生成和验证。
type JWTManager struct {
	// secret 是用于签名和验证 JWT 的密钥
	secret []byte
	// expiration 访问令牌有效期
	expiration time.Duration
	// refreshExpiration 刷新令牌有效期
	refreshExpiration time.Duration
}

// NewJWTManager 创建并返回一个新的 JWT 管理器实例。
// 参数:
//   - secret: JWT 签名密钥，应该是一个安全的随机字符串
//   - expiration: 访问令牌的有效期
//   - refreshExpiration: 刷新令牌的有效期
//
// 返回:
//   - *JWTManager: 初始化后的 JWT 管理器
func NewJWTManager(secret string, expiration, refreshExpiration time.Duration) *JWTManager {
	return &JWTManager{
		secret:            []byte(secret),
		expiration:        expiration,
		refreshExpiration: refreshExpiration,
	}
}

// Generate 为指定用户生成一个指定类型的 JWT 令牌。
func (m *JWTManager) Generate(user *domain.User, tokenType string) (string, error) {
	ttl := m.expiration
	if tokenType == TokenTypeRefresh {
		ttl = m.refreshExpiration
	}
	now := time.Now()
	claims := &Claims{
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
		Type:     tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.Username,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	// 使用 HS256 算法创建带有声明的新令牌
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// GeneratePair 生成访问令牌和刷新令牌。
func (m *JWTManager) GeneratePair(user *domain.User) (*TokenPair, error) {
	access, err := m.Generate(user, TokenTypeAccess)
	if err != nil {
		return nil, err
	}
	refresh, err := m.Generate(user, TokenTypeRefresh)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(m.expiration.Seconds()),
	}, nil
}

// Validate 验证 JWT 令牌的签名、有效期和类型，并提取其中的声明信息。
// 参数:
//   - tokenStr: 需要验证的 JWT 令牌字符串
//   - tokenType: 期望的令牌类型
//
// 返回:
//   - *Claims: 如果验证成功，返回令牌中的声明信息
//   - error: ErrExpiredToken、ErrWrongTokenType 或 ErrInvalidToken
func (m *JWTManager) Validate(tokenStr, tokenType string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Type != tokenType {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}
