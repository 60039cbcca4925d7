// Package gatewayclient 提供访问压测平台网关 HTTP API 的 Go 客户端封装。
// 该包将申请、任务、日志、报告和用户接口封装为结构化方法，供命令行工具和其他程序复用。
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oriys/surge/internal/auth"
	"github.com/oriys/surge/internal/domain"
	"github.com/oriys/surge/internal/registry"
	"github.com/oriys/surge/internal/telemetry"
)

// Client 是网关 HTTP API 客户端。
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	// streamClient 不设超时，用于日志流长连接
	streamClient *http.Client
}

// Option 配置客户端。
type Option func(*Client)

// WithToken 设置访问令牌。
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout 设置普通请求的超时时间。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// New 创建一个新的客户端。
// baseURL 为空时默认使用 http://localhost:8080。
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	transport := telemetry.HTTPClientTransport(nil)
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: 60 * time.Second, Transport: transport},
		streamClient: &http.Client{Transport: transport},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL 返回网关地址。
func (c *Client) BaseURL() string { return c.baseURL }

// SetToken 替换访问令牌。
func (c *Client) SetToken(token string) { c.token = token }

// APIError 是网关返回的标准错误结构。
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
	Kind       string `json:"kind"`
	RequestID  string `json:"request_id,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return e.Message
}

// IsStatus 判断 err 是否为指定状态码的 APIError。
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// Page 是分页列表响应。
type Page[T any] struct {
	Items    []T   `json:"items"`
	Total    int64 `json:"total"`
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Skip     int   `json:"skip"`
	Limit    int   `json:"limit"`
}

// ListOptions 是列表查询的分页和过滤参数，零值字段不发送。
type ListOptions struct {
	Page     int
	PageSize int
	Filters  map[string]string
}

func (o ListOptions) values() url.Values {
	q := url.Values{}
	if o.Page > 0 {
		q.Set("page", strconv.Itoa(o.Page))
	}
	if o.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(o.PageSize))
	}
	for k, v := range o.Filters {
		if v != "" {
			q.Set(k, v)
		}
	}
	return q
}

// newRequest 拼接 URL、编码 JSON 请求体并附加认证头。
func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do 是内部通用请求方法，将 4xx/5xx 转换为 *APIError。
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, result any) error {
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return decodeError(resp.StatusCode, respBody)
	}

	if result == nil {
		return nil
	}
	if len(respBody) == 0 {
		return errors.New("empty response body")
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func decodeError(status int, body []byte) error {
	apiErr := &APIError{StatusCode: status}
	if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
		apiErr.Message = fmt.Sprintf("http %d: %s", status, strings.TrimSpace(string(body)))
	}
	return apiErr
}

func idPath(format string, id int64) string {
	return fmt.Sprintf(format, id)
}

// ====== 认证 ======

// LoginResponse 是登录响应。
type LoginResponse struct {
	auth.TokenPair
	User *domain.User `json:"user"`
}

// Login 使用用户名或邮箱登录，成功后客户端改用新令牌。
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	var resp LoginResponse
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", nil, body, &resp); err != nil {
		return nil, err
	}
	c.token = resp.AccessToken
	return &resp, nil
}

// Refresh 用刷新令牌换取新的令牌对。
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error) {
	var pair auth.TokenPair
	body := map[string]string{"refresh_token": refreshToken}
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/refresh", nil, body, &pair); err != nil {
		return nil, err
	}
	c.token = pair.AccessToken
	return &pair, nil
}

// Logout 注销当前令牌，refreshToken 非空时一并注销。
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	var body any
	if refreshToken != "" {
		body = map[string]string{"refresh_token": refreshToken}
	}
	return c.do(ctx, http.MethodPost, "/api/v1/auth/logout", nil, body, nil)
}

// Me 返回当前用户。
func (c *Client) Me(ctx context.Context) (*domain.User, error) {
	var u domain.User
	if err := c.do(ctx, http.MethodGet, "/api/v1/auth/me", nil, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ====== 压测申请 ======

// SubmitApplication 提交压测申请。
func (c *Client) SubmitApplication(ctx context.Context, in registry.SubmitInput) (*domain.Application, error) {
	var app domain.Application
	if err := c.do(ctx, http.MethodPost, "/api/v1/apply", nil, in, &app); err != nil {
		return nil, err
	}
	return &app, nil
}

// ListApplications 分页查询申请，过滤键为 audit_status、domain、keyword、created_by。
func (c *Client) ListApplications(ctx context.Context, opts ListOptions) (*Page[*domain.Application], error) {
	var page Page[*domain.Application]
	if err := c.do(ctx, http.MethodGet, "/api/v1/apply", opts.values(), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetApplication 获取申请详情。
func (c *Client) GetApplication(ctx context.Context, id int64) (*domain.Application, error) {
	var app domain.Application
	if err := c.do(ctx, http.MethodGet, idPath("/api/v1/apply/%d", id), nil, nil, &app); err != nil {
		return nil, err
	}
	return &app, nil
}

// AuditResult 是审核结果，通过时包含生成的任务。
type AuditResult struct {
	Application *domain.Application `json:"application"`
	Task        *domain.Task        `json:"task,omitempty"`
}

// AuditApplication 审核申请。
func (c *Client) AuditApplication(ctx context.Context, id int64, approved bool, comment string) (*AuditResult, error) {
	var res AuditResult
	body := map[string]any{"approved": approved, "comment": comment}
	if err := c.do(ctx, http.MethodPut, idPath("/api/v1/apply/%d/audit", id), nil, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CancelApplication 撤回待审核的申请。
func (c *Client) CancelApplication(ctx context.Context, id int64) (*domain.Application, error) {
	var app domain.Application
	if err := c.do(ctx, http.MethodPut, idPath("/api/v1/apply/%d/cancel", id), nil, nil, &app); err != nil {
		return nil, err
	}
	return &app, nil
}

// ====== 压测任务 ======

// TaskResult 是任务操作的响应，Queued 表示任务在准入队列中等待容量。
type TaskResult struct {
	*domain.Task
	Queued bool `json:"queued,omitempty"`
}

// ListTasks 分页查询任务，过滤键为 status、apply_id。
func (c *Client) ListTasks(ctx context.Context, opts ListOptions) (*Page[*domain.Task], error) {
	var page Page[*domain.Task]
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks", opts.values(), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetTask 获取任务详情。
func (c *Client) GetTask(ctx context.Context, id int64) (*domain.Task, error) {
	var t domain.Task
	if err := c.do(ctx, http.MethodGet, idPath("/api/v1/tasks/%d", id), nil, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) taskAction(ctx context.Context, id int64, action string) (*TaskResult, error) {
	var res TaskResult
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/tasks/%d/%s", id, action), nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// StartTask 启动待执行的任务。
func (c *Client) StartTask(ctx context.Context, id int64) (*TaskResult, error) {
	return c.taskAction(ctx, id, "start")
}

// CancelTask 取消运行中或排队中的任务。
func (c *Client) CancelTask(ctx context.Context, id int64) (*TaskResult, error) {
	return c.taskAction(ctx, id, "cancel")
}

// RetryTask 重新执行已结束的任务。
func (c *Client) RetryTask(ctx context.Context, id int64) (*TaskResult, error) {
	return c.taskAction(ctx, id, "retry")
}

// DeleteTask 删除未在运行的任务。
func (c *Client) DeleteTask(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, idPath("/api/v1/tasks/%d", id), nil, nil, nil)
}

// ReadLogs 分页读取任务日志。
func (c *Client) ReadLogs(ctx context.Context, taskID int64, skip, limit int) (*domain.LogPage, error) {
	q := url.Values{}
	q.Set("skip", strconv.Itoa(skip))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page domain.LogPage
	if err := c.do(ctx, http.MethodGet, idPath("/api/v1/tasks/%d/logs", taskID), q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ====== 压测报告 ======

// ListReports 分页查询报告，过滤键为 status、task_id、apply_id。
func (c *Client) ListReports(ctx context.Context, opts ListOptions) (*Page[*domain.Report], error) {
	var page Page[*domain.Report]
	if err := c.do(ctx, http.MethodGet, "/api/v1/reports", opts.values(), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetReport 获取报告详情。
func (c *Client) GetReport(ctx context.Context, id int64) (*domain.Report, error) {
	var r domain.Report
	if err := c.do(ctx, http.MethodGet, idPath("/api/v1/reports/%d", id), nil, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetReportByTask 获取任务的报告。
func (c *Client) GetReportByTask(ctx context.Context, taskID int64) (*domain.Report, error) {
	var r domain.Report
	if err := c.do(ctx, http.MethodGet, idPath("/api/v1/reports/task/%d", taskID), nil, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// GenerateReport 为已结束的任务重新生成报告。
func (c *Client) GenerateReport(ctx context.Context, taskID int64) (*domain.Report, error) {
	var r domain.Report
	if err := c.do(ctx, http.MethodPost, idPath("/api/v1/reports/task/%d/generate", taskID), nil, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ExportReport 按格式（csv、xlsx、pdf）导出报告，内容写入 w。
// 返回服务端建议的文件名。
func (c *Client) ExportReport(ctx context.Context, id int64, format string, w io.Writer) (string, error) {
	path := fmt.Sprintf("/api/v1/reports/%d/export/%s", id, url.PathEscape(format))
	req, err := c.newRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return "", err
	}
	req.Header.Del("Accept")
	resp, err := c.streamClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return "", decodeError(resp.StatusCode, body)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", fmt.Errorf("read export: %w", err)
	}
	return attachmentName(resp.Header.Get("Content-Disposition")), nil
}

// ====== 用户与统计 ======

// ListUsers 分页查询用户，过滤键为 role、status、keyword。
func (c *Client) ListUsers(ctx context.Context, opts ListOptions) (*Page[*domain.User], error) {
	var page Page[*domain.User]
	if err := c.do(ctx, http.MethodGet, "/api/v1/users", opts.values(), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// CreateUserRequest 是管理员创建用户的请求体。
type CreateUserRequest struct {
	Username string      `json:"username"`
	Email    string      `json:"email"`
	Password string      `json:"password"`
	FullName string      `json:"full_name,omitempty"`
	Role     domain.Role `json:"role,omitempty"`
}

// CreateUser 创建用户。
func (c *Client) CreateUser(ctx context.Context, req CreateUserRequest) (*domain.User, error) {
	var u domain.User
	if err := c.do(ctx, http.MethodPost, "/api/v1/users", nil, req, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// SetUserStatus 启用或禁用用户。
func (c *Client) SetUserStatus(ctx context.Context, id int64, status domain.UserStatus) (*domain.User, error) {
	var u domain.User
	body := map[string]any{"status": status}
	if err := c.do(ctx, http.MethodPut, idPath("/api/v1/users/%d", id), nil, body, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// DeleteUser 删除用户。
func (c *Client) DeleteUser(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, idPath("/api/v1/users/%d", id), nil, nil, nil)
}

// Stats 是平台统计和编排器的实时状态。
type Stats struct {
	domain.Stats
	Running int `json:"running"`
	Queued  int `json:"queued"`
}

// Stats 获取平台统计。
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	if err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Ready 查询就绪探针，依赖不可用时返回 503 的 *APIError。
func (c *Client) Ready(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health/ready", nil, nil, nil)
}

func attachmentName(disposition string) string {
	const key = "filename="
	i := strings.Index(disposition, key)
	if i < 0 {
		return ""
	}
	return strings.Trim(disposition[i+len(key):], `"; `)
}
