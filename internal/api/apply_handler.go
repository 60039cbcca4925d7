package api

import (
	"net/http"

	"github.com/oriys/surge/internal/domain"
	"github.com/oriys/surge/internal/registry"
	"github.com/sirupsen/logrus"
)

// SubmitApplication 提交压测申请。
// HTTP端点: POST /api/v1/apply
//
// 返回值：
//   - 201: 申请已创建，状态为 pending
//   - 400: 参数校验失败
//   - 409: 同一域名已有待审核申请
func (h *Handler) SubmitApplication(w http.ResponseWriter, r *http.Request) {
	var in registry.SubmitInput
	if err := decodeJSON(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	user := currentUser(r)
	app, err := h.registry.Submit(r.Context(), user.UserID, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logInfo(r, "SubmitApplication", "Application submitted", logrus.Fields{
		"apply_id": app.ID,
		"domain":   app.Domain,
		"user_id":  user.UserID,
	})
	writeJSON(w, http.StatusCreated, app)
}

type applicationQuery struct {
	AuditStatus string `query:"audit_status"`
	Domain      string `query:"domain"`
	Keyword     string `query:"keyword"`
	CreatedBy   *int64 `query:"created_by"`
}

// ListApplications 分页查询申请，普通用户只能看到自己的申请。
// HTTP端点: GET /api/v1/apply
func (h *Handler) ListApplications(w http.ResponseWriter, r *http.Request) {
	var pq pageQuery
	var q applicationQuery
	if err := parseQuery(r, &pq); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := parseQuery(r, &q); err != nil {
		h.writeError(w, r, err)
		return
	}
	page, err := h.registry.List(r.Context(), currentUser(r), domain.ApplicationFilter{
		AuditStatus: domain.AuditStatus(q.AuditStatus),
		CreatedBy:   q.CreatedBy,
		Domain:      q.Domain,
		Keyword:     q.Keyword,
		Page:        pq.request(),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPageResponse(page))
}

// ApplicationOptions 返回申请可选的并发数和压测时长。
// HTTP端点: GET /api/v1/apply/options
func (h *Handler) ApplicationOptions(w http.ResponseWriter, r *http.Request) {
	opts := h.registry.Options()
	writeJSON(w, http.StatusOK, map[string]any{
		"concurrency_options": opts.ConcurrencyOptions,
		"duration_options":    opts.DurationOptions,
	})
}

// GetApplication 获取申请详情。
// HTTP端点: GET /api/v1/apply/{id}
func (h *Handler) GetApplication(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	app, err := h.registry.Get(r.Context(), currentUser(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

// AuditRequest 是审核申请的请求体。
type AuditRequest struct {
	Approved *bool  `json:"approved"`
	Comment  string `json:"comment"`
}

// AuditResponse 是审核结果，通过时附带生成的任务。
type AuditResponse struct {
	Application *domain.Application `json:"application"`
	Task        *domain.Task        `json:"task,omitempty"`
}

// AuditApplication 审核申请，仅管理员可用。
// HTTP端点: PUT /api/v1/apply/{id}/audit
//
// 功能说明：
//   - approved=true 时申请转为 approved 并立即生成 pending 任务
//   - approved=false 时申请转为 rejected
//
// 返回值：
//   - 200: 审核完成
//   - 404: 申请不存在
//   - 409: 申请已审核或已取消
func (h *Handler) AuditApplication(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req AuditRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Approved == nil {
		h.writeError(w, r, domain.ValidationError("approved", "is required"))
		return
	}

	user := currentUser(r)
	app, task, err := h.registry.Audit(r.Context(), id, user.UserID, *req.Approved, req.Comment)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	fields := logrus.Fields{"apply_id": id, "approved": *req.Approved, "auditor_id": user.UserID}
	if task != nil {
		fields["task_id"] = task.ID
	}
	h.logInfo(r, "AuditApplication", "Application audited", fields)
	writeJSON(w, http.StatusOK, AuditResponse{Application: app, Task: task})
}

// CancelApplication 由申请人取消申请。
// HTTP端点: PUT /api/v1/apply/{id}/cancel
func (h *Handler) CancelApplication(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	user := currentUser(r)
	app, err := h.registry.Cancel(r.Context(), id, user.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logInfo(r, "CancelApplication", "Application cancelled", logrus.Fields{"apply_id": id, "user_id": user.UserID})
	writeJSON(w, http.StatusOK, app)
}
