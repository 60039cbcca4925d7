package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/oriys/surge/internal/domain"
)

const userColumns = `id, username, email, full_name, password_hash, role, status, created_at, updated_at, last_login_at`

func scanUser(row rowScanner) (*domain.User, error) {
	var (
		u         domain.User
		lastLogin sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.FullName, &u.PasswordHash,
		&u.Role, &u.Status, &u.CreatedAt, &u.UpdatedAt, &lastLogin)
	if err != nil {
		return nil, err
	}
	u.LastLoginAt = timePtr(lastLogin)
	return &u, nil
}

func userConflict(err error) error {
	switch uniqueViolation(err) {
	case "users_username_key":
		return domain.ErrUsernameTaken
	case "users_email_key":
		return domain.ErrEmailTaken
	}
	return nil
}

// CreateUser 创建用户并回填 ID。
func (s *PostgresStore) CreateUser(ctx context.Context, u *domain.User) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (username, email, full_name, password_hash, role, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		u.Username, u.Email, u.FullName, u.PasswordHash, u.Role, u.Status, u.CreatedAt, u.UpdatedAt,
	).Scan(&u.ID)
	if err != nil {
		if cerr := userConflict(err); cerr != nil {
			return cerr
		}
		return queryErr("create user", err)
	}
	return nil
}

func (s *PostgresStore) getUserBy(ctx context.Context, column string, arg any) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+column+` = $1`, arg)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, queryErr("get user", err)
	}
	return u, nil
}

// GetUser 按 ID 查询用户。
func (s *PostgresStore) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	return s.getUserBy(ctx, "id", id)
}

// GetUserByUsername 按用户名查询用户。
func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	return s.getUserBy(ctx, "username", username)
}

// GetUserByEmail 按邮箱查询用户。
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return s.getUserBy(ctx, "email", email)
}

// UpdateUser 更新用户资料、角色、状态、密码和最后登录时间。
func (s *PostgresStore) UpdateUser(ctx context.Context, u *domain.User) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET email = $2, full_name = $3, password_hash = $4, role = $5,
			status = $6, updated_at = $7, last_login_at = $8
		WHERE id = $1`,
		u.ID, u.Email, u.FullName, u.PasswordHash, u.Role, u.Status, u.UpdatedAt, nullTime(u.LastLoginAt),
	)
	if err != nil {
		if cerr := userConflict(err); cerr != nil {
			return cerr
		}
		return queryErr("update user", err)
	}
	return expectOne(res, domain.ErrUserNotFound)
}

// DeleteUser 删除用户。
func (s *PostgresStore) DeleteUser(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return queryErr("delete user", err)
	}
	return expectOne(res, domain.ErrUserNotFound)
}

// ListUsers 分页查询用户，按 ID 升序。
func (s *PostgresStore) ListUsers(ctx context.Context, f domain.UserFilter) (domain.Page[*domain.User], error) {
	var w where
	if f.Role != "" {
		w.add("role = ?", f.Role)
	}
	if f.Status != nil {
		w.add("status = ?", *f.Status)
	}
	if f.Keyword != "" {
		w.add("(username ILIKE ? OR email ILIKE ? OR full_name ILIKE ?)", "%"+f.Keyword+"%")
	}

	out := domain.Page[*domain.User]{Req: f.Page}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`+w.String(), w.args...).Scan(&out.Total); err != nil {
		return out, queryErr("count users", err)
	}
	limit, args := w.page(f.Page)
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users`+w.String()+` ORDER BY id`+limit, args...)
	if err != nil {
		return out, queryErr("list users", err)
	}
	defer rows.Close()
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return out, queryErr("scan user", err)
		}
		out.Items = append(out.Items, u)
	}
	return out, rows.Err()
}

// expectOne 检查受影响行数，为 0 时返回 notFound。
func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return queryErr("rows affected", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
