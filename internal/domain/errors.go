// Package domain 定义了压测平台的核心领域模型。
package domain

import (
	"errors"
	"fmt"
)

// 领域错误定义
// 错误分为两层：Err* 类别错误决定 API 层返回的状态码，
// 具体错误通过 %w 包装类别错误，调用方使用 errors.Is 判断类别。

var (
	// ========== 错误类别 ==========

	// ErrValidation 表示输入参数格式错误
	ErrValidation = errors.New("validation error")
	// ErrNotFound 表示请求的资源不存在
	ErrNotFound = errors.New("not found")
	// ErrInvalidState 表示当前状态下不允许执行该操作
	ErrInvalidState = errors.New("invalid state")
	// ErrCapacity 表示执行资源已耗尽
	ErrCapacity = errors.New("capacity exhausted")
	// ErrAggregation 表示报告聚合失败（指标缺失或损坏）
	ErrAggregation = errors.New("aggregation failed")
	// ErrUnauthorized 表示未认证或凭证无效
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden 表示没有执行该操作的权限
	ErrForbidden = errors.New("forbidden")
	// ErrConflict 表示资源冲突（如唯一键重复）
	ErrConflict = errors.New("conflict")

	// ========== 申请相关错误 ==========

	// ErrApplicationNotFound 表示申请不存在
	ErrApplicationNotFound = fmt.Errorf("application %w", ErrNotFound)
	// ErrApplicationNotPending 表示申请已审核或已取消
	ErrApplicationNotPending = fmt.Errorf("%w: application is not pending", ErrInvalidState)
	// ErrApplicationNotApproved 表示申请未通过审核
	ErrApplicationNotApproved = fmt.Errorf("%w: application is not approved", ErrInvalidState)
	// ErrApplicationNotCancellable 表示申请当前不可取消
	ErrApplicationNotCancellable = fmt.Errorf("%w: application can only be cancelled while pending or approved but not started", ErrInvalidState)
	// ErrDuplicateApplication 表示同一域名已有待审核申请
	ErrDuplicateApplication = fmt.Errorf("%w: a pending application for this domain already exists", ErrConflict)
	// ErrNotApplicationOwner 表示非申请人操作
	ErrNotApplicationOwner = fmt.Errorf("%w: only the applicant can cancel the application", ErrForbidden)

	// ========== 任务相关错误 ==========

	// ErrTaskNotFound 表示任务不存在
	ErrTaskNotFound = fmt.Errorf("task %w", ErrNotFound)
	// ErrTaskNotPending 表示只有 pending 状态的任务可以启动
	ErrTaskNotPending = fmt.Errorf("%w: task can only be started when pending", ErrInvalidState)
	// ErrTaskNotRunning 表示只有 running 状态的任务可以取消
	ErrTaskNotRunning = fmt.Errorf("%w: task can only be cancelled when running", ErrInvalidState)
	// ErrTaskNotFailed 表示只有 failed 状态的任务可以重试
	ErrTaskNotFailed = fmt.Errorf("%w: task can only be retried when failed", ErrInvalidState)
	// ErrTaskNotTerminated 表示任务尚未结束
	ErrTaskNotTerminated = fmt.Errorf("%w: task has not finished", ErrInvalidState)
	// ErrTaskRunning 表示任务运行中，不能删除
	ErrTaskRunning = fmt.Errorf("%w: task is running", ErrInvalidState)
	// ErrCapacityExhausted 表示并发任务数或客户端总数已达上限
	ErrCapacityExhausted = fmt.Errorf("%w: no execution capacity available", ErrCapacity)
	// ErrAdmissionQueueFull 表示排队队列已满
	ErrAdmissionQueueFull = fmt.Errorf("%w: admission queue is full", ErrCapacity)

	// ========== 日志相关错误 ==========

	// ErrLogStreamClosed 表示任务已结束，不再接受日志
	ErrLogStreamClosed = fmt.Errorf("%w: task log stream is closed", ErrInvalidState)
	// ErrTaskNotAcceptingLogs 表示任务未在运行
	ErrTaskNotAcceptingLogs = fmt.Errorf("%w: task is not running", ErrInvalidState)

	// ========== 报告相关错误 ==========

	// ErrReportNotFound 表示报告不存在
	ErrReportNotFound = fmt.Errorf("report %w", ErrNotFound)
	// ErrReportNotCompleted 表示报告未生成完成，不能导出
	ErrReportNotCompleted = fmt.Errorf("%w: report is not completed", ErrInvalidState)
	// ErrMetricsMissing 表示找不到任务的执行指标
	ErrMetricsMissing = fmt.Errorf("%w: run metrics missing", ErrAggregation)
	// ErrMetricsCorrupt 表示执行指标不一致
	ErrMetricsCorrupt = fmt.Errorf("%w: run metrics inconsistent", ErrAggregation)
	// ErrUnsupportedFormat 表示不支持的导出格式
	ErrUnsupportedFormat = fmt.Errorf("%w: unsupported export format", ErrValidation)

	// ========== 用户相关错误 ==========

	// ErrUserNotFound 表示用户不存在
	ErrUserNotFound = fmt.Errorf("user %w", ErrNotFound)
	// ErrUsernameTaken 表示用户名已被占用
	ErrUsernameTaken = fmt.Errorf("%w: username already exists", ErrConflict)
	// ErrEmailTaken 表示邮箱已被占用
	ErrEmailTaken = fmt.Errorf("%w: email already exists", ErrConflict)
	// ErrInvalidCredentials 表示用户名或密码错误
	ErrInvalidCredentials = fmt.Errorf("%w: incorrect username or password", ErrUnauthorized)
	// ErrUserDisabled 表示用户已被禁用
	ErrUserDisabled = fmt.Errorf("%w: user is disabled", ErrForbidden)
	// ErrWrongPassword 表示旧密码错误
	ErrWrongPassword = fmt.Errorf("%w: old password is incorrect", ErrValidation)
	// ErrCannotDeleteSelf 表示不能删除自己
	ErrCannotDeleteSelf = fmt.Errorf("%w: cannot delete yourself", ErrInvalidState)
	// ErrAdminRequired 表示需要管理员权限
	ErrAdminRequired = fmt.Errorf("%w: admin role required", ErrForbidden)

	// ========== 反馈相关错误 ==========

	// ErrFeedbackNotFound 表示反馈不存在
	ErrFeedbackNotFound = fmt.Errorf("feedback %w", ErrNotFound)

	// ========== 存储相关错误 ==========

	// ErrStorageConnection 表示存储连接错误（如数据库连接失败）
	ErrStorageConnection = errors.New("storage connection error")
	// ErrStorageQuery 表示存储查询错误（如 SQL 查询失败）
	ErrStorageQuery = errors.New("storage query error")
)

// ValidationError 创建一个包装 ErrValidation 的字段错误。
func ValidationError(field, reason string) error {
	return fmt.Errorf("%w: %s %s", ErrValidation, field, reason)
}

// ErrorKind 返回错误所属类别的名称，用于 API 错误响应体的 kind 字段。
// 无法识别的错误返回 "internal"。
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrCapacity):
		return "capacity"
	case errors.Is(err, ErrAggregation):
		return "aggregation"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "internal"
	}
}
