// Package storage 提供了压测平台的持久化实现。
// PostgresStore 是生产环境使用的存储，MemoryStore 基于 go-memdb 用于开发和测试，
// RedisStore 提供跨实例的任务锁、容量账本和令牌吊销。
package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/lib/pq"
	"github.com/oriys/surge/internal/config"
	"github.com/oriys/surge/internal/domain"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore 基于 PostgreSQL 的存储实现。
type PostgresStore struct {
	db *sql.DB
}

var _ domain.Store = (*PostgresStore)(nil)

// DSN 根据配置构造连接串。
func DSN(cfg config.PostgresConfig) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)
}

// NewPostgresStore 连接数据库并按需执行迁移。
// 数据库尚未就绪时（如容器同时启动）按指数退避重试连接。
//
// 参数:
//   - ctx: 控制重试的上下文
//   - cfg: PostgreSQL 配置
//
// 返回:
//   - *PostgresStore: 存储实例
//   - error: 连接或迁移失败时返回错误
func NewPostgresStore(ctx context.Context, cfg config.PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageConnection, err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxConnections / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	err = retry.Do(
		func() error { return db.PingContext(ctx) },
		retry.Context(ctx),
		retry.Attempts(8),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageConnection, err)
	}

	if cfg.AutoMigrate {
		if err := Migrate(db); err != nil {
			db.Close()
			return nil, err
		}
	}
	return NewPostgresStoreFromDB(db), nil
}

// NewPostgresStoreFromDB 使用已有连接创建存储（测试中配合 sqlmock 使用）。
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate 执行内嵌的 goose 迁移脚本。
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Ping 检查数据库连接。
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close 关闭数据库连接。
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// queryErr 把驱动错误包装为 ErrStorageQuery。
func queryErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrStorageQuery, op, err)
}

// uniqueViolation 返回违反的唯一约束名，不是唯一约束错误时返回空串。
func uniqueViolation(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return pqErr.Constraint
	}
	return ""
}

// where 拼接 AND 条件和位置参数。
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, strings.ReplaceAll(cond, "?", fmt.Sprintf("$%d", len(w.args))))
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

// page 追加 LIMIT/OFFSET；Limit<=0 时传入 NULL，即不限条数。
func (w *where) page(p domain.PageRequest) (string, []any) {
	var limit any = p.Limit
	if p.Limit <= 0 {
		limit = nil
	}
	args := append(append([]any{}, w.args...), limit, p.Offset)
	return fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args)), args
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func marshalMap[V any](m map[string]V) []byte {
	if m == nil {
		return []byte("{}")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func unmarshalMap[V any](b []byte) map[string]V {
	m := map[string]V{}
	if len(b) > 0 {
		_ = json.Unmarshal(b, &m)
	}
	return m
}

type rowScanner interface {
	Scan(dest ...any) error
}
