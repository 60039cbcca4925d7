// Package registry 管理压测申请：提交、审核、取消和查询。
// 审核通过的申请会交给任务编排器生成可执行的压测任务。
package registry

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oriys/surge/internal/auth"
	"github.com/oriys/surge/internal/domain"
	"github.com/oriys/surge/internal/events"
	"github.com/oriys/surge/internal/validation"
	"github.com/sirupsen/logrus"
)

const eventSource = "registry"

// 默认的可选并发数与时长
var (
	DefaultConcurrencyOptions = []int{100, 500, 1000, 5000, 10000}
	DefaultDurationOptions    = []string{"30s", "60s", "300s", "600s"}
)

// SubmitInput 是提交申请的输入。
type SubmitInput struct {
	ApplicationName string `json:"application_name" validate:"max=100"`
	Domain          string `json:"domain" validate:"required,target"`
	URL             string `json:"url" validate:"max=2048"`
	Method          string `json:"method"`
	RequestBody     string `json:"request_body" validate:"max=65536"`
	RecordInfo      string `json:"record_info" validate:"required,max=500"`
	Description     string `json:"description" validate:"max=2000"`
	Concurrency     int    `json:"concurrency"`
	Duration        string `json:"duration"`
	ExpectedQPS     int    `json:"expected_qps" validate:"gte=0"`
}

// TaskManager 根据已审核通过的申请创建任务，并在申请取消时清理未启动的任务。
type TaskManager interface {
	CreateFromApplication(ctx context.Context, app *domain.Application, createdBy int64) (*domain.Task, error)
	DiscardPending(ctx context.Context, applyID int64, commit func() error) (int, error)
}

// Locker 提供按键互斥，保证同一申请的审核与取消串行执行，以及同一用户对同一目标的提交串行执行。
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Options 是申请参数的可选范围。
type Options struct {
	ConcurrencyOptions []int
	DurationOptions    []string
}

// Service 是申请注册服务。
type Service struct {
	apps    domain.ApplicationRepository
	tasks   TaskManager
	locker  Locker
	events  events.Publisher
	logger  *logrus.Logger
	opts    Options
}

// NewService 创建申请注册服务。
// 参数:
//   - apps: 申请仓储
//   - tasks: 审核通过时创建任务，取消申请时清理未启动的任务
//   - locker: 按申请 ID 加锁
//   - publisher: 事件发布器，可为 events.Nop
//   - logger: 日志记录器
//   - opts: 可选参数范围，为空时使用默认值
func NewService(apps domain.ApplicationRepository, tasks TaskManager, locker Locker, publisher events.Publisher, logger *logrus.Logger, opts Options) *Service {
	if len(opts.ConcurrencyOptions) == 0 {
		opts.ConcurrencyOptions = DefaultConcurrencyOptions
	}
	if len(opts.DurationOptions) == 0 {
		opts.DurationOptions = DefaultDurationOptions
	}
	return &Service{
		apps:    apps,
		tasks:   tasks,
		locker:  locker,
		events:  publisher,
		logger:  logger,
		opts:    opts,
	}
}

// Options 返回当前可选参数，供客户端渲染表单。
func (s *Service) Options() Options {
	return s.opts
}

// Submit 提交压测申请，创建后为待审核状态。
// 同一用户对同一目标已有待审核申请时返回 ErrDuplicateApplication。
func (s *Service) Submit(ctx context.Context, userID int64, in SubmitInput) (*domain.Application, error) {
	in.Domain = strings.TrimSpace(in.Domain)
	in.Method = strings.ToUpper(strings.TrimSpace(in.Method))
	if in.Method == "" {
		in.Method = domain.MethodGet
	}
	if in.Concurrency == 0 {
		in.Concurrency = s.opts.ConcurrencyOptions[0]
	}
	if in.Duration == "" {
		in.Duration = s.opts.DurationOptions[0]
	}
	if in.ApplicationName == "" {
		in.ApplicationName = in.Domain
	}

	if err := s.validate(&in); err != nil {
		return nil, err
	}

	// 查重与创建在同一把锁内，避免并发提交都通过查重
	unlock, err := s.locker.Lock(ctx, submitLockKey(userID, in.Domain))
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := s.apps.ListApplications(ctx, domain.ApplicationFilter{
		AuditStatus: domain.AuditStatusPending,
		CreatedBy:   &userID,
		Domain:      in.Domain,
		Page:        domain.PageRequest{Limit: 1},
	})
	if err != nil {
		return nil, err
	}
	if existing.Total > 0 {
		return nil, domain.ErrDuplicateApplication
	}

	now := time.Now()
	app := &domain.Application{
		ApplicationName: in.ApplicationName,
		Domain:          in.Domain,
		URL:             in.URL,
		Method:          in.Method,
		RequestBody:     in.RequestBody,
		RecordInfo:      in.RecordInfo,
		Description:     in.Description,
		Concurrency:     in.Concurrency,
		Duration:        in.Duration,
		ExpectedQPS:     in.ExpectedQPS,
		AuditStatus:     domain.AuditStatusPending,
		CreatedBy:       userID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.apps.CreateApplication(ctx, app); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"apply_id":    app.ID,
		"domain":      app.Domain,
		"concurrency": app.Concurrency,
		"duration":    app.Duration,
		"user_id":     userID,
	}).Info("Application submitted")
	s.events.Emit(ctx, events.TypeApplySubmitted, eventSource, app)
	return app, nil
}

func (s *Service) validate(in *SubmitInput) error {
	if err := validation.Struct(in); err != nil {
		return err
	}
	if !domain.ValidMethod(in.Method) {
		return domain.ValidationError("method", "must be one of GET POST PUT DELETE PATCH")
	}
	if domain.MethodRequiresBody(in.Method) && strings.TrimSpace(in.RequestBody) == "" {
		return domain.ValidationError("request_body", "is required for "+in.Method)
	}
	if !slices.Contains(s.opts.ConcurrencyOptions, in.Concurrency) {
		return domain.ValidationError("concurrency", fmt.Sprintf("must be one of %v", s.opts.ConcurrencyOptions))
	}
	if !slices.Contains(s.opts.DurationOptions, in.Duration) {
		return domain.ValidationError("duration", fmt.Sprintf("must be one of %v", s.opts.DurationOptions))
	}
	if _, err := domain.ParseDuration(in.Duration); err != nil {
		return err
	}
	return nil
}

// Get 查询申请，普通用户只能查看自己的申请。
func (s *Service) Get(ctx context.Context, actor *auth.UserContext, id int64) (*domain.Application, error) {
	app, err := s.apps.GetApplication(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && app.CreatedBy != actor.UserID {
		return nil, domain.ErrNotApplicationOwner
	}
	return app, nil
}

// List 分页查询申请，条件之间为 AND 关系；普通用户只能看到自己的申请。
func (s *Service) List(ctx context.Context, actor *auth.UserContext, f domain.ApplicationFilter) (domain.Page[*domain.Application], error) {
	if f.AuditStatus != "" && !f.AuditStatus.Valid() {
		return domain.Page[*domain.Application]{}, domain.ValidationError("audit_status", "unknown status")
	}
	if !actor.IsAdmin() {
		uid := actor.UserID
		f.CreatedBy = &uid
	}
	f.Page = f.Page.Normalize(domain.DefaultPageSize, domain.MaxPageSize)
	return s.apps.ListApplications(ctx, f)
}

// Audit 审核申请。
// 审核通过时立即创建压测任务并返回；驳回时返回的任务为 nil。
// 参数:
//   - ctx: 上下文
//   - id: 申请 ID
//   - auditorID: 审核人 ID
//   - approved: 是否通过
//   - comment: 审核意见
//
// 返回:
//   - *domain.Application: 审核后的申请
//   - *domain.Task: 审核通过时创建的任务
//   - error: 申请不存在返回 ErrApplicationNotFound，非待审核状态返回 ErrApplicationNotPending
func (s *Service) Audit(ctx context.Context, id, auditorID int64, approved bool, comment string) (*domain.Application, *domain.Task, error) {
	unlock, err := s.locker.Lock(ctx, applyLockKey(id))
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	app, err := s.apps.GetApplication(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if approved {
		err = app.Approve(auditorID, comment)
	} else {
		err = app.Reject(auditorID, comment)
	}
	if err != nil {
		return nil, nil, err
	}
	if err := s.apps.UpdateApplication(ctx, app); err != nil {
		return nil, nil, err
	}

	logger := s.logger.WithFields(logrus.Fields{
		"apply_id":   app.ID,
		"auditor_id": auditorID,
		"status":     app.AuditStatus,
	})

	var task *domain.Task
	if approved {
		task, err = s.tasks.CreateFromApplication(ctx, app, auditorID)
		if err != nil {
			// 任务创建失败时回退到待审核，允许重新审核
			app.AuditStatus = domain.AuditStatusPending
			app.AuditUserID = nil
			app.AuditTime = nil
			app.AuditComment = ""
			if rerr := s.apps.UpdateApplication(ctx, app); rerr != nil {
				logger.WithError(rerr).Error("Failed to revert application after task creation error")
			}
			return nil, nil, fmt.Errorf("create task for application %d: %w", app.ID, err)
		}
		logger = logger.WithField("task_id", task.ID)
	}

	logger.Info("Application audited")
	s.events.Emit(ctx, events.TypeApplyAudited, eventSource, app)
	return app, task, nil
}

// Cancel 由申请人取消申请。
// 待审核的申请可以直接取消；已通过的申请仅当所有关联任务仍为 pending 时可取消，
// 这些任务会被一并删除。
func (s *Service) Cancel(ctx context.Context, id, actingUserID int64) (*domain.Application, error) {
	unlock, err := s.locker.Lock(ctx, applyLockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	app, err := s.apps.GetApplication(ctx, id)
	if err != nil {
		return nil, err
	}
	if app.CreatedBy != actingUserID {
		return nil, domain.ErrNotApplicationOwner
	}

	removed := 0
	if app.AuditStatus == domain.AuditStatusApproved {
		// 持有任务锁期间提交取消，任务无法在此之间启动
		removed, err = s.tasks.DiscardPending(ctx, app.ID, func() error {
			if err := app.Cancel(false); err != nil {
				return err
			}
			return s.apps.UpdateApplication(ctx, app)
		})
		if err != nil {
			return nil, err
		}
	} else {
		if err := app.Cancel(false); err != nil {
			return nil, err
		}
		if err := s.apps.UpdateApplication(ctx, app); err != nil {
			return nil, err
		}
	}

	s.logger.WithFields(logrus.Fields{
		"apply_id":      app.ID,
		"removed_tasks": removed,
	}).Info("Application cancelled")
	s.events.Emit(ctx, events.TypeApplyCancelled, eventSource, app)
	return app, nil
}

func applyLockKey(id int64) string {
	return fmt.Sprintf("apply:%d", id)
}

func submitLockKey(userID int64, target string) string {
	return fmt.Sprintf("submit:%d:%s", userID, strings.ToLower(target))
}
