package domain

import (
	"net/url"
	"regexp"
	"strings"
	"time"
)

// AuditStatus 表示压测申请的审核状态。
type AuditStatus string

// 审核状态常量定义
const (
	// AuditStatusPending 表示待审核
	AuditStatusPending AuditStatus = "pending"
	// AuditStatusApproved 表示审核通过
	AuditStatusApproved AuditStatus = "approved"
	// AuditStatusRejected 表示审核拒绝
	AuditStatusRejected AuditStatus = "rejected"
	// AuditStatusCancelled 表示申请人已取消
	AuditStatusCancelled AuditStatus = "cancelled"
)

// Valid 判断审核状态是否为已知取值。
func (s AuditStatus) Valid() bool {
	switch s {
	case AuditStatusPending, AuditStatusApproved, AuditStatusRejected, AuditStatusCancelled:
		return true
	}
	return false
}

// HTTP 请求方法
const (
	MethodGet    = "GET"
	MethodPost   = "POST"
	MethodPut    = "PUT"
	MethodDelete = "DELETE"
	MethodPatch  = "PATCH"
)

// ValidMethod 判断请求方法是否受支持。
func ValidMethod(m string) bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodDelete, MethodPatch:
		return true
	}
	return false
}

// MethodRequiresBody 判断该请求方法是否必须携带请求体。
func MethodRequiresBody(m string) bool {
	return m == MethodPost || m == MethodPut || m == MethodPatch
}

// Application 表示一次压测申请。
// 申请由用户提交，经管理员审核通过后生成可执行的压测任务。
type Application struct {
	// ID 是申请的唯一标识符
	ID int64 `json:"id"`
	// ApplicationName 是申请名称
	ApplicationName string `json:"application_name"`
	// Domain 是压测目标域名，也可以是完整的 http(s) URL
	Domain string `json:"domain"`
	// URL 是目标路径（可选），拼接在域名之后
	URL string `json:"url,omitempty"`
	// Method 是压测使用的 HTTP 方法
	Method string `json:"method"`
	// RequestBody 是 POST/PUT/PATCH 请求的请求体
	RequestBody string `json:"request_body,omitempty"`
	// RecordInfo 是备案信息
	RecordInfo string `json:"record_info"`
	// Description 是申请说明
	Description string `json:"description,omitempty"`
	// Concurrency 是并发客户端数量
	Concurrency int `json:"concurrency"`
	// Duration 是压测持续时间，如 "30s"
	Duration string `json:"duration"`
	// ExpectedQPS 是期望的每秒请求数，0 表示不限速
	ExpectedQPS int `json:"expected_qps,omitempty"`
	// AuditStatus 是审核状态
	AuditStatus AuditStatus `json:"audit_status"`
	// AuditComment 是审核意见
	AuditComment string `json:"audit_comment,omitempty"`
	// AuditUserID 是审核人 ID
	AuditUserID *int64 `json:"audit_user_id,omitempty"`
	// AuditTime 是审核时间
	AuditTime *time.Time `json:"audit_time,omitempty"`
	// CreatedBy 是申请人 ID
	CreatedBy int64 `json:"created_by"`
	// CreatedAt 是创建时间
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt 是更新时间
	UpdatedAt time.Time `json:"updated_at"`
}

// Approve 审核通过申请。
// 只有 pending 状态的申请可以审核。
func (a *Application) Approve(auditorID int64, comment string) error {
	return a.audit(AuditStatusApproved, auditorID, comment)
}

// Reject 驳回申请。
func (a *Application) Reject(auditorID int64, comment string) error {
	return a.audit(AuditStatusRejected, auditorID, comment)
}

func (a *Application) audit(status AuditStatus, auditorID int64, comment string) error {
	if a.AuditStatus != AuditStatusPending {
		return ErrApplicationNotPending
	}
	now := time.Now()
	a.AuditStatus = status
	a.AuditUserID = &auditorID
	a.AuditComment = comment
	a.AuditTime = &now
	a.UpdatedAt = now
	return nil
}

// Cancel 取消申请。
// started 表示该申请下是否已有任务离开 pending 状态；已开始执行的申请不可取消。
func (a *Application) Cancel(started bool) error {
	switch a.AuditStatus {
	case AuditStatusPending:
	case AuditStatusApproved:
		if started {
			return ErrApplicationNotCancellable
		}
	default:
		return ErrApplicationNotCancellable
	}
	a.AuditStatus = AuditStatusCancelled
	a.UpdatedAt = time.Now()
	return nil
}

// TargetURL 根据域名和路径推导压测目标地址。
// 域名不带协议时默认使用 https。
func (a *Application) TargetURL() string {
	base := strings.TrimRight(a.Domain, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	if a.URL == "" {
		return base
	}
	path := a.URL
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

var hostnamePattern = regexp.MustCompile(`^(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)

// ValidDomain 判断目标是否为合法主机名或 http(s) URL。
// URL 形式要求主机部分本身是合法主机名，可带端口。
func ValidDomain(domain string) bool {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return false
	}
	if strings.HasPrefix(domain, "http://") || strings.HasPrefix(domain, "https://") {
		u, err := url.Parse(domain)
		if err != nil || u.Host == "" {
			return false
		}
		host := u.Hostname()
		return host == "localhost" || hostnamePattern.MatchString(host) || isIPv4(host)
	}
	return hostnamePattern.MatchString(domain)
}

var ipv4Pattern = regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}$`)

func isIPv4(host string) bool {
	return ipv4Pattern.MatchString(host)
}

// ApplicationFilter 是申请列表的查询条件，各条件之间为 AND 关系。
type ApplicationFilter struct {
	ID          *int64
	AuditStatus AuditStatus
	CreatedBy   *int64
	Domain      string
	Keyword     string
	Page        PageRequest
}
