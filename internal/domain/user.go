package domain

import (
	"regexp"
	"time"
	"unicode"
)

// Role 表示用户角色。
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Valid 判断角色是否为已知取值。
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleUser
}

// UserStatus 表示用户启用状态，1 为启用，0 为禁用。
type UserStatus int

const (
	UserStatusDisabled UserStatus = 0
	UserStatusEnabled  UserStatus = 1
)

// User 表示平台用户。
type User struct {
	ID           int64      `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	FullName     string     `json:"full_name,omitempty"`
	PasswordHash string     `json:"-"`
	Role         Role       `json:"role"`
	Status       UserStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

// IsAdmin 判断用户是否为管理员。
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Enabled 判断用户是否启用。
func (u *User) Enabled() bool {
	return u.Status == UserStatusEnabled
}

// UserFilter 是用户列表的查询条件。
type UserFilter struct {
	Role    Role
	Status  *UserStatus
	Keyword string
	Page    PageRequest
}

var (
	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,50}$`)
	emailPattern    = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
)

// ValidUsername 判断用户名是否合法：3 到 50 位字母、数字或下划线。
func ValidUsername(s string) bool {
	return usernamePattern.MatchString(s)
}

// ValidEmail 判断邮箱格式是否合法。
func ValidEmail(s string) bool {
	return emailPattern.MatchString(s)
}

// ValidatePassword 检查密码强度：至少 8 位，且同时包含字母和数字。
func ValidatePassword(p string) error {
	if len(p) < 8 {
		return ValidationError("password", "must be at least 8 characters")
	}
	var letter, digit bool
	for _, c := range p {
		switch {
		case unicode.IsLetter(c):
			letter = true
		case unicode.IsDigit(c):
			digit = true
		}
	}
	if !letter || !digit {
		return ValidationError("password", "must contain both letters and digits")
	}
	return nil
}
