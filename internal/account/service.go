// Package account 实现用户账号与反馈管理：登录、注册、令牌刷新与注销、
// 用户增删改查、密码修改，以及启动时的管理员初始化。
package account

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/oriys/surge/internal/auth"
	"github.com/oriys/surge/internal/domain"
	"github.com/oriys/surge/internal/validation"
	"github.com/sirupsen/logrus"
)

// RegisterInput 是注册和管理员创建用户的输入。
type RegisterInput struct {
	Username string      `json:"username" form:"username" validate:"required,username"`
	Email    string      `json:"email" form:"email" validate:"required,email"`
	Password string      `json:"password" form:"password" validate:"required"`
	FullName string      `json:"full_name" form:"full_name" validate:"max=100"`
	Role     domain.Role `json:"role" form:"role" validate:"omitempty,oneof=admin user"`
}

// UpdateInput 是更新用户的输入，nil 字段保持不变。
// Role 与 Status 仅管理员可修改。
type UpdateInput struct {
	Email    *string            `json:"email" validate:"omitempty,email"`
	FullName *string            `json:"full_name" validate:"omitempty,max=100"`
	Role     *domain.Role       `json:"role" validate:"omitempty,oneof=admin user"`
	Status   *domain.UserStatus `json:"status" validate:"omitempty,oneof=0 1"`
}

// Service 是账号服务。
type Service struct {
	users   domain.UserRepository
	jwt     *auth.JWTManager
	revoker auth.Revoker
	logger  *logrus.Logger
	// onChange 在用户被禁用、改角色或删除后调用，用于清除认证缓存
	onChange func(id int64)
}

// NewService 创建账号服务。
func NewService(users domain.UserRepository, jwt *auth.JWTManager, revoker auth.Revoker, logger *logrus.Logger) *Service {
	return &Service{
		users:    users,
		jwt:      jwt,
		revoker:  revoker,
		logger:   logger,
		onChange: func(int64) {},
	}
}

// OnUserChange 注册用户变更回调。
func (s *Service) OnUserChange(fn func(id int64)) {
	if fn != nil {
		s.onChange = fn
	}
}

// Login 用用户名或邮箱登录，成功后返回用户与令牌对。
// 凭证不匹配返回 ErrInvalidCredentials，账号禁用返回 ErrUserDisabled。
func (s *Service) Login(ctx context.Context, identifier, password string) (*domain.User, *auth.TokenPair, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return nil, nil, domain.ErrInvalidCredentials
	}

	var (
		user *domain.User
		err  error
	)
	if strings.Contains(identifier, "@") {
		user, err = s.users.GetUserByEmail(ctx, identifier)
	} else {
		user, err = s.users.GetUserByUsername(ctx, identifier)
	}
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// 用户不存在与密码错误返回相同错误，避免暴露账号是否存在
			return nil, nil, domain.ErrInvalidCredentials
		}
		return nil, nil, err
	}
	if !auth.CheckPassword(user.PasswordHash, password) {
		s.logger.WithField("username", user.Username).Warn("Login failed: wrong password")
		return nil, nil, domain.ErrInvalidCredentials
	}
	if !user.Enabled() {
		return nil, nil, domain.ErrUserDisabled
	}

	now := time.Now()
	user.LastLoginAt = &now
	if err := s.users.UpdateUser(ctx, user); err != nil {
		return nil, nil, err
	}

	pair, err := s.jwt.GeneratePair(user)
	if err != nil {
		return nil, nil, err
	}
	s.logger.WithFields(logrus.Fields{"user_id": user.ID, "username": user.Username}).Info("User logged in")
	return user, pair, nil
}

// Refresh 用刷新令牌换取新的令牌对，旧刷新令牌随即注销。
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error) {
	claims, err := s.jwt.Validate(refreshToken, auth.TokenTypeRefresh)
	if err != nil {
		return nil, err
	}
	if s.revoker != nil {
		revoked, err := s.revoker.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, err
		}
		if revoked {
			return nil, auth.ErrRevokedToken
		}
	}
	user, err := s.users.GetUser(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, auth.ErrInvalidToken
		}
		return nil, err
	}
	if !user.Enabled() {
		return nil, auth.ErrInvalidToken
	}
	if err := s.revoke(ctx, claims); err != nil {
		return nil, err
	}
	return s.jwt.GeneratePair(user)
}

// Logout 注销当前访问令牌，refreshToken 非空时一并注销。
func (s *Service) Logout(ctx context.Context, access *auth.Claims, refreshToken string) error {
	if err := s.revoke(ctx, access); err != nil {
		return err
	}
	if refreshToken == "" {
		return nil
	}
	claims, err := s.jwt.Validate(refreshToken, auth.TokenTypeRefresh)
	if err != nil {
		// 刷新令牌已失效，无需再注销
		return nil
	}
	if claims.UserID != access.UserID {
		return domain.ErrForbidden
	}
	return s.revoke(ctx, claims)
}

func (s *Service) revoke(ctx context.Context, claims *auth.Claims) error {
	if s.revoker == nil || claims == nil || claims.ID == "" {
		return nil
	}
	return s.revoker.RevokeToken(ctx, claims.ID, claims.Remaining())
}

// Register 自助注册，角色固定为 user。
func (s *Service) Register(ctx context.Context, in RegisterInput) (*domain.User, error) {
	in.Role = domain.RoleUser
	return s.create(ctx, in)
}

// CreateUser 由管理员创建用户，未指定角色时为 user。
func (s *Service) CreateUser(ctx context.Context, in RegisterInput) (*domain.User, error) {
	if in.Role == "" {
		in.Role = domain.RoleUser
	}
	return s.create(ctx, in)
}

func (s *Service) create(ctx context.Context, in RegisterInput) (*domain.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	if err := validation.Struct(&in); err != nil {
		return nil, err
	}
	if err := domain.ValidatePassword(in.Password); err != nil {
		return nil, err
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	user := &domain.User{
		Username:     in.Username,
		Email:        in.Email,
		FullName:     in.FullName,
		PasswordHash: hash,
		Role:         in.Role,
		Status:       domain.UserStatusEnabled,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"user_id":  user.ID,
		"username": user.Username,
		"role":     user.Role,
	}).Info("User created")
	return user, nil
}

// GetUser 查询用户。
func (s *Service) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	return s.users.GetUser(ctx, id)
}

// ListUsers 分页查询用户。
func (s *Service) ListUsers(ctx context.Context, f domain.UserFilter) (domain.Page[*domain.User], error) {
	f.Page = f.Page.Normalize(domain.DefaultPageSize, domain.MaxPageSize)
	return s.users.ListUsers(ctx, f)
}

// UpdateUser 更新用户资料。
// 普通用户只能修改自己的邮箱和姓名；管理员不能禁用或降级自己。
func (s *Service) UpdateUser(ctx context.Context, actor *auth.UserContext, id int64, in UpdateInput) (*domain.User, error) {
	if !actor.IsAdmin() {
		if actor.UserID != id {
			return nil, domain.ErrForbidden
		}
		if in.Role != nil || in.Status != nil {
			return nil, domain.ErrAdminRequired
		}
	}
	if err := validation.Struct(&in); err != nil {
		return nil, err
	}

	user, err := s.users.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Email != nil {
		user.Email = strings.TrimSpace(*in.Email)
	}
	if in.FullName != nil {
		user.FullName = *in.FullName
	}
	if in.Role != nil {
		if actor.UserID == id && *in.Role != domain.RoleAdmin {
			return nil, domain.ValidationError("role", "cannot demote yourself")
		}
		user.Role = *in.Role
	}
	if in.Status != nil {
		if actor.UserID == id && *in.Status == domain.UserStatusDisabled {
			return nil, domain.ValidationError("status", "cannot disable yourself")
		}
		user.Status = *in.Status
	}
	user.UpdatedAt = time.Now()
	if err := s.users.UpdateUser(ctx, user); err != nil {
		return nil, err
	}
	s.onChange(id)
	return user, nil
}

// DeleteUser 删除用户，不能删除自己。
func (s *Service) DeleteUser(ctx context.Context, actor *auth.UserContext, id int64) error {
	if actor.UserID == id {
		return domain.ErrCannotDeleteSelf
	}
	if err := s.users.DeleteUser(ctx, id); err != nil {
		return err
	}
	s.onChange(id)
	s.logger.WithFields(logrus.Fields{"user_id": id, "by": actor.UserID}).Info("User deleted")
	return nil
}

// ChangePassword 修改密码。
// 修改自己的密码必须提供正确的旧密码；管理员重置他人密码时忽略 oldPassword。
func (s *Service) ChangePassword(ctx context.Context, actor *auth.UserContext, id int64, oldPassword, newPassword string) error {
	self := actor.UserID == id
	if !self && !actor.IsAdmin() {
		return domain.ErrForbidden
	}
	user, err := s.users.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if self && !auth.CheckPassword(user.PasswordHash, oldPassword) {
		return domain.ErrWrongPassword
	}
	if err := domain.ValidatePassword(newPassword); err != nil {
		return err
	}
	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		return err
	}
	user.PasswordHash = hash
	user.UpdatedAt = time.Now()
	return s.users.UpdateUser(ctx, user)
}

// EnsureAdmin 确保配置的管理员账号存在。
// 密码为空时生成随机密码并记录到日志，仅首次创建时生效。
func (s *Service) EnsureAdmin(ctx context.Context, username, email, password string) (*domain.User, error) {
	user, err := s.users.GetUserByUsername(ctx, username)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	generated := password == ""
	if generated {
		password = randomPassword()
	}
	user, err = s.create(ctx, RegisterInput{
		Username: username,
		Email:    email,
		Password: password,
		FullName: "Administrator",
		Role:     domain.RoleAdmin,
	})
	if err != nil {
		return nil, err
	}
	entry := s.logger.WithField("username", username)
	if generated {
		entry = entry.WithField("password", password)
	}
	entry.Warn("Bootstrap admin account created")
	return user, nil
}

func randomPassword() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "Surge" + time.Now().Format("150405") + "x1"
	}
	// 十六进制保证包含数字，前缀保证包含字母
	return "Sg" + hex.EncodeToString(b)
}
