package domain

import (
	"fmt"
	"time"
)

// TaskStatus 表示压测任务的状态。
// 状态转换构成有向无环图：
// pending -> running -> completed/failed，running -> cancelled，failed -> pending（重试）。
type TaskStatus string

// 任务状态常量定义
const (
	// TaskStatusPending 表示任务等待启动
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusRunning 表示任务正在执行
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted 表示任务执行完成
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed 表示任务执行失败
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled 表示任务被取消
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid 判断任务状态是否为已知取值。
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Terminal 判断任务状态是否为终态。
// failed 虽然可以重试，但在重试前同样不再接受日志。
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Task 表示一个可执行的压测任务。
// 任务由审核通过的申请生成，目标地址、并发数、时长和线程数创建后不可修改。
type Task struct {
	// ID 是任务的唯一标识符
	ID int64 `json:"id"`
	// ApplyID 是所属申请 ID
	ApplyID int64 `json:"apply_id"`
	// TargetURL 是压测目标地址
	TargetURL string `json:"target_url"`
	// Method 是请求方法
	Method string `json:"method"`
	// RequestBody 是请求体
	RequestBody string `json:"request_body,omitempty"`
	// Concurrency 是并发客户端数量
	Concurrency int `json:"concurrency"`
	// Duration 是压测持续时间，如 "30s"
	Duration string `json:"duration"`
	// Threads 是工作线程（通道）数量
	Threads int `json:"threads"`
	// ExpectedQPS 是期望每秒请求数，0 表示不限速
	ExpectedQPS int `json:"expected_qps,omitempty"`
	// Status 是任务当前状态
	Status TaskStatus `json:"status"`
	// StartTime 是开始执行时间
	StartTime *time.Time `json:"start_time,omitempty"`
	// EndTime 是结束时间
	EndTime *time.Time `json:"end_time,omitempty"`
	// ErrorMsg 是失败原因
	ErrorMsg string `json:"error_msg,omitempty"`
	// CreatedBy 是创建人 ID
	CreatedBy int64 `json:"created_by"`
	// CreatedAt 是创建时间
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt 是更新时间
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTaskFromApplication 从审核通过的申请创建任务。
//
// 参数:
//   - app: 已审核通过的申请
//   - threads: 工作线程数
//   - createdBy: 创建人 ID
//
// 返回:
//   - *Task: 状态为 pending 的新任务
//   - error: 申请未通过审核时返回 ErrApplicationNotApproved
func NewTaskFromApplication(app *Application, threads int, createdBy int64) (*Task, error) {
	if app.AuditStatus != AuditStatusApproved {
		return nil, ErrApplicationNotApproved
	}
	if threads <= 0 {
		threads = 1
	}
	if threads > app.Concurrency {
		threads = app.Concurrency
	}
	now := time.Now()
	return &Task{
		ApplyID:     app.ID,
		TargetURL:   app.TargetURL(),
		Method:      app.Method,
		RequestBody: app.RequestBody,
		Concurrency: app.Concurrency,
		Duration:    app.Duration,
		Threads:     threads,
		ExpectedQPS: app.ExpectedQPS,
		Status:      TaskStatusPending,
		CreatedBy:   createdBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Clone 返回任务的深拷贝。
func (t *Task) Clone() *Task {
	c := *t
	if t.StartTime != nil {
		v := *t.StartTime
		c.StartTime = &v
	}
	if t.EndTime != nil {
		v := *t.EndTime
		c.EndTime = &v
	}
	return &c
}

// Start 将任务从 pending 转为 running。
func (t *Task) Start() error {
	if t.Status != TaskStatusPending {
		return ErrTaskNotPending
	}
	now := time.Now()
	t.Status = TaskStatusRunning
	t.StartTime = &now
	t.EndTime = nil
	t.ErrorMsg = ""
	t.UpdatedAt = now
	return nil
}

// Complete 将任务从 running 转为 completed。
func (t *Task) Complete() error {
	if t.Status != TaskStatusRunning {
		return fmt.Errorf("%w: cannot complete task in status %s", ErrInvalidState, t.Status)
	}
	t.finish(TaskStatusCompleted)
	return nil
}

// Fail 将任务从 running 转为 failed，并记录失败原因。
func (t *Task) Fail(reason string) error {
	if t.Status != TaskStatusRunning {
		return fmt.Errorf("%w: cannot fail task in status %s", ErrInvalidState, t.Status)
	}
	t.ErrorMsg = reason
	t.finish(TaskStatusFailed)
	return nil
}

// Cancel 将任务从 running 转为 cancelled。
func (t *Task) Cancel() error {
	if t.Status != TaskStatusRunning {
		return ErrTaskNotRunning
	}
	t.finish(TaskStatusCancelled)
	return nil
}

// Retry 将失败任务重置为 pending，清空错误信息和起止时间。
// 任务 ID 保持不变。
func (t *Task) Retry() error {
	if t.Status != TaskStatusFailed {
		return ErrTaskNotFailed
	}
	t.Status = TaskStatusPending
	t.ErrorMsg = ""
	t.StartTime = nil
	t.EndTime = nil
	t.UpdatedAt = time.Now()
	return nil
}

func (t *Task) finish(status TaskStatus) {
	now := time.Now()
	t.Status = status
	t.EndTime = &now
	t.UpdatedAt = now
}

// DurationValue 解析任务持续时间。
func (t *Task) DurationValue() (time.Duration, error) {
	return ParseDuration(t.Duration)
}

// ParseDuration 解析形如 "30s"、"5m" 的持续时间字符串，必须为正数。
func ParseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, ValidationError("duration", fmt.Sprintf("%q is not a duration", s))
	}
	if d <= 0 {
		return 0, ValidationError("duration", "must be positive")
	}
	return d, nil
}

// TaskFilter 是任务列表的查询条件。
type TaskFilter struct {
	Status    TaskStatus
	ApplyID   *int64
	CreatedBy *int64
	Page      PageRequest
}
