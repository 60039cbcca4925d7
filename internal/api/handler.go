// Package api 提供了压测平台的 HTTP API 处理程序。
// 该文件定义处理器的依赖、统一的 JSON 响应和错误响应格式，以及分页、路径参数等公共辅助函数。
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/oriys/surge/internal/account"
	"github.com/oriys/surge/internal/auth"
	"github.com/oriys/surge/internal/domain"
	"github.com/oriys/surge/internal/logstream"
	"github.com/oriys/surge/internal/orchestrator"
	"github.com/oriys/surge/internal/registry"
	"github.com/oriys/surge/internal/report"
	"github.com/oriys/surge/internal/telemetry"
	"github.com/oriys/surge/internal/validation"
	"github.com/sirupsen/logrus"
)

// maxBodyBytes 是 JSON 请求体的大小上限
const maxBodyBytes = 1 << 20

// Pinger 是就绪探针检查的依赖项。
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadinessCheck 是一个具名的就绪检查。
type ReadinessCheck struct {
	Name   string
	Pinger Pinger
}

// HandlerConfig 是创建 Handler 所需的依赖。
type HandlerConfig struct {
	Registry *registry.Service
	Tasks    *orchestrator.Orchestrator
	Logs     *logstream.Stream
	Reports  *report.Generator
	Accounts *account.Service
	Feedback *account.FeedbackService
	Stats    domain.StatsRepository
	Auth     *auth.Middleware
	Checks   []ReadinessCheck
	Logger   *logrus.Logger
	// Debug 为 true 时错误响应附带调用栈
	Debug bool
	// AllowedOrigins 是 WebSocket 握手允许的来源，为空时不校验
	AllowedOrigins []string
}

// Handler 是 API 请求处理器，持有各业务服务的引用。
type Handler struct {
	registry *registry.Service
	tasks    *orchestrator.Orchestrator
	logs     *logstream.Stream
	reports  *report.Generator
	accounts *account.Service
	feedback *account.FeedbackService
	stats    domain.StatsRepository
	auth     *auth.Middleware
	checks   []ReadinessCheck
	logger   *logrus.Logger
	debug    bool
	upgrader websocket.Upgrader
}

// NewHandler 创建 API 处理器。
//
// 参数：
//   - cfg: 处理器依赖，Logger 为空时使用 logrus 标准日志
//
// 返回值：
//   - *Handler: 处理器实例
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	h := &Handler{
		registry: cfg.Registry,
		tasks:    cfg.Tasks,
		logs:     cfg.Logs,
		reports:  cfg.Reports,
		accounts: cfg.Accounts,
		feedback: cfg.Feedback,
		stats:    cfg.Stats,
		auth:     cfg.Auth,
		checks:   cfg.Checks,
		logger:   logger,
		debug:    cfg.Debug,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	if h.auth != nil {
		h.auth.SetErrorWriter(h.writeStatusError)
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// ==================== 响应辅助函数 ====================

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ErrorResponse 是统一的错误响应结构体。
// 包含错误信息、错误类别和请求追踪信息，方便前端和 CLI 调试。
type ErrorResponse struct {
	Error     string `json:"error"`                // 错误消息
	Kind      string `json:"kind"`                 // 错误类别，如 validation、not_found
	RequestID string `json:"request_id,omitempty"` // 请求 ID，用于关联日志
	TraceID   string `json:"trace_id,omitempty"`   // 链路追踪 ID
	Stack     string `json:"stack,omitempty"`      // 堆栈跟踪信息，仅调试模式
}

// statusFromError 把错误类别映射为 HTTP 状态码。
func statusFromError(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrCapacity):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrAggregation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, orchestrator.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError 按错误类别输出错误响应。
// 500 错误只返回通用消息，原始错误写入日志。
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	h.writeStatusError(w, r, statusFromError(err), err)
}

// writeStatusError 以指定状态码输出错误响应，同时作为认证中间件的错误输出。
func (h *Handler) writeStatusError(w http.ResponseWriter, r *http.Request, status int, err error) {
	resp := ErrorResponse{
		Error:     err.Error(),
		Kind:      domain.ErrorKind(err),
		RequestID: middleware.GetReqID(r.Context()),
		TraceID:   telemetry.TraceIDFromContext(r.Context()),
	}
	switch status {
	case http.StatusUnauthorized:
		resp.Kind = "unauthorized"
	case http.StatusForbidden:
		resp.Kind = "forbidden"
	}
	if status >= http.StatusInternalServerError {
		h.logError(r, "writeError", "Request failed", err, nil)
		resp.Error = strings.ToLower(http.StatusText(status))
		resp.Kind = "internal"
	}
	if h.debug {
		resp.Stack = getStackTrace(2)
	}
	writeJSON(w, status, resp)
}

// getStackTrace 获取当前调用堆栈信息。
// skip 参数指定跳过的调用层数（不包含 getStackTrace 自身）。
func getStackTrace(skip int) string {
	const maxDepth = 32
	var pcs [maxDepth]uintptr
	n := runtime.Callers(skip+2, pcs[:]) // +2 跳过 Callers 和 getStackTrace
	if n == 0 {
		return ""
	}

	frames := runtime.CallersFrames(pcs[:n])
	var sb strings.Builder
	for {
		frame, more := frames.Next()
		// 过滤掉运行时和标准库 HTTP 的调用
		if strings.Contains(frame.File, "runtime/") ||
			strings.Contains(frame.File, "net/http") {
			if !more {
				break
			}
			continue
		}
		sb.WriteString(frame.Function)
		sb.WriteString("\n\t")
		sb.WriteString(frame.File)
		sb.WriteString(":")
		sb.WriteString(strconv.Itoa(frame.Line))
		sb.WriteString("\n")
		if !more {
			break
		}
	}
	return sb.String()
}

// ==================== 请求辅助函数 ====================

// decodeJSON 解析 JSON 请求体，空请求体或格式错误返回校验错误。
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.ValidationError("body", "is required")
		}
		return domain.ValidationError("body", "must be valid JSON")
	}
	return nil
}

// pathID 读取路径中的数字 ID。
func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.ValidationError(name, "must be a positive integer")
	}
	return id, nil
}

// pageQuery 同时接受 page/page_size 和 skip/limit 两种分页风格。
type pageQuery struct {
	Page     int  `query:"page"`
	PageSize int  `query:"page_size"`
	Skip     *int `query:"skip"`
	Limit    int  `query:"limit"`
}

// request 转换为统一的偏移分页参数，skip 优先。
func (q pageQuery) request() domain.PageRequest {
	if q.Skip != nil {
		return domain.PageRequest{Offset: *q.Skip, Limit: q.Limit}.Normalize(domain.DefaultPageSize, domain.MaxPageSize)
	}
	size := q.PageSize
	if size == 0 {
		size = q.Limit
	}
	return domain.NewPageRequest(q.Page, size)
}

// pageResponse 是列表接口的响应体。
type pageResponse[T any] struct {
	Items    []T   `json:"items"`
	Total    int64 `json:"total"`
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Skip     int   `json:"skip"`
	Limit    int   `json:"limit"`
}

func newPageResponse[T any](p domain.Page[T]) pageResponse[T] {
	items := p.Items
	if items == nil {
		items = []T{}
	}
	return pageResponse[T]{
		Items:    items,
		Total:    p.Total,
		Page:     p.Req.Page(),
		PageSize: p.Req.Limit,
		Skip:     p.Req.Offset,
		Limit:    p.Req.Limit,
	}
}

// parseQuery 解码查询参数。
func parseQuery(r *http.Request, dst any) error {
	return validation.Query(dst, r.URL.Query())
}

// currentUser 返回认证中间件写入的用户，路由保证非空。
func currentUser(r *http.Request) *auth.UserContext {
	return auth.GetUser(r.Context())
}

// ==================== 日志辅助函数 ====================

func (h *Handler) requestEntry(r *http.Request, method string, fields logrus.Fields) *logrus.Entry {
	entry := h.logger.WithFields(logrus.Fields{
		"method":     method,
		"path":       r.URL.Path,
		"remote_ip":  r.RemoteAddr,
		"request_id": middleware.GetReqID(r.Context()),
	})
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	return telemetry.EntryWithTraceContext(r.Context(), entry)
}

// logInfo 记录信息级别日志
func (h *Handler) logInfo(r *http.Request, method, message string, fields logrus.Fields) {
	h.requestEntry(r, method, fields).Info(message)
}

// logWarn 记录警告级别日志
func (h *Handler) logWarn(r *http.Request, method, message string, fields logrus.Fields) {
	h.requestEntry(r, method, fields).Warn(message)
}

// logError 记录错误级别日志
func (h *Handler) logError(r *http.Request, method, message string, err error, fields logrus.Fields) {
	entry := h.requestEntry(r, method, fields).WithField("stack", getStackTrace(1))
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(message)
}
