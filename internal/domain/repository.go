package domain

import "context"

// 存储接口定义
// 各服务只依赖自己需要的仓储接口，storage 包中的 PostgresStore 与 MemoryStore 实现全部接口。

// UserRepository 用户仓储。
// CreateUser/UpdateUser 在用户名或邮箱重复时返回 ErrUsernameTaken / ErrEmailTaken。
type UserRepository interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdateUser(ctx context.Context, u *User) error
	DeleteUser(ctx context.Context, id int64) error
	ListUsers(ctx context.Context, f UserFilter) (Page[*User], error)
}

// ApplicationRepository 申请仓储。
type ApplicationRepository interface {
	CreateApplication(ctx context.Context, a *Application) error
	GetApplication(ctx context.Context, id int64) (*Application, error)
	UpdateApplication(ctx context.Context, a *Application) error
	ListApplications(ctx context.Context, f ApplicationFilter) (Page[*Application], error)
}

// TaskRepository 任务仓储。
type TaskRepository interface {
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id int64) (*Task, error)
	UpdateTask(ctx context.Context, t *Task) error
	// DeleteTask 同时删除任务的日志和执行指标
	DeleteTask(ctx context.Context, id int64) error
	// ListTasks 按创建时间倒序返回
	ListTasks(ctx context.Context, f TaskFilter) (Page[*Task], error)
}

// LogRepository 任务日志仓储。
type LogRepository interface {
	AppendLog(ctx context.Context, e *LogEntry) error
	// ListLogs 按 Seq 升序分页读取，同时返回总数
	ListLogs(ctx context.Context, taskID int64, offset, limit int) ([]*LogEntry, int64, error)
	// ListLogsAfter 返回 Seq 大于 afterSeq 的日志，limit<=0 表示不限
	ListLogsAfter(ctx context.Context, taskID, afterSeq int64, limit int) ([]*LogEntry, error)
	// LastLog 返回任务最后一条日志，没有日志时返回 nil
	LastLog(ctx context.Context, taskID int64) (*LogEntry, error)
}

// MetricsRepository 执行指标仓储。
type MetricsRepository interface {
	SaveRunMetrics(ctx context.Context, m *RunMetrics) error
	// GetRunMetrics 不存在时返回 ErrMetricsMissing
	GetRunMetrics(ctx context.Context, taskID int64) (*RunMetrics, error)
	DeleteRunMetrics(ctx context.Context, taskID int64) error
}

// ReportRepository 报告仓储。
type ReportRepository interface {
	CreateReport(ctx context.Context, r *Report) error
	GetReport(ctx context.Context, id int64) (*Report, error)
	GetReportByTask(ctx context.Context, taskID int64) (*Report, error)
	UpdateReport(ctx context.Context, r *Report) error
	DeleteReport(ctx context.Context, id int64) error
	ListReports(ctx context.Context, f ReportFilter) (Page[*Report], error)
}

// FeedbackRepository 反馈仓储。
type FeedbackRepository interface {
	CreateFeedback(ctx context.Context, f *Feedback) error
	GetFeedback(ctx context.Context, id int64) (*Feedback, error)
	UpdateFeedback(ctx context.Context, f *Feedback) error
	ListFeedback(ctx context.Context, status FeedbackStatus, page PageRequest) (Page[*Feedback], error)
}

// Stats 是控制台首页的汇总计数。
type Stats struct {
	Users        int64                  `json:"users"`
	Applications map[AuditStatus]int64  `json:"applications"`
	Tasks        map[TaskStatus]int64   `json:"tasks"`
	Reports      map[ReportStatus]int64 `json:"reports"`
}

// StatsRepository 统计查询。
type StatsRepository interface {
	Stats(ctx context.Context) (*Stats, error)
}

// Store 聚合全部仓储接口。
type Store interface {
	UserRepository
	ApplicationRepository
	TaskRepository
	LogRepository
	MetricsRepository
	ReportRepository
	FeedbackRepository
	StatsRepository
	Ping(ctx context.Context) error
	Close() error
}
