package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/oriys/surge/internal/domain"
	"github.com/sirupsen/logrus"
)

type reportQuery struct {
	Status  string `query:"status"`
	TaskID  *int64 `query:"task_id"`
	ApplyID *int64 `query:"apply_id"`
}

// ListReports 分页查询报告。
// HTTP端点: GET /api/v1/reports
func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	var pq pageQuery
	var q reportQuery
	if err := parseQuery(r, &pq); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := parseQuery(r, &q); err != nil {
		h.writeError(w, r, err)
		return
	}
	page, err := h.reports.List(r.Context(), domain.ReportFilter{
		Status:  domain.ReportStatus(q.Status),
		TaskID:  q.TaskID,
		ApplyID: q.ApplyID,
		Page:    pq.request(),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPageResponse(page))
}

// GetReport 获取报告详情。
// HTTP端点: GET /api/v1/reports/{id}
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rep, err := h.reports.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// GetReportByTask 获取任务的报告。
// HTTP端点: GET /api/v1/reports/task/{taskId}
func (h *Handler) GetReportByTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathID(r, "taskId")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rep, err := h.reports.GetByTask(r.Context(), taskID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// ListReportsByApply 获取申请下所有任务的报告。
// HTTP端点: GET /api/v1/reports/apply/{applyId}
func (h *Handler) ListReportsByApply(w http.ResponseWriter, r *http.Request) {
	applyID, err := pathID(r, "applyId")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	reps, err := h.reports.ListByApply(r.Context(), applyID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if reps == nil {
		reps = []*domain.Report{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": reps, "total": len(reps)})
}

// GenerateReport 为已结束的任务生成或重新生成报告，仅管理员可用。
// HTTP端点: POST /api/v1/reports/task/{taskId}/generate
//
// 返回值：
//   - 200: 报告已生成
//   - 409: 任务尚未结束
//   - 422: 执行指标缺失或不一致，报告标记为 failed
func (h *Handler) GenerateReport(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathID(r, "taskId")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rep, err := h.reports.Generate(r.Context(), taskID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logInfo(r, "GenerateReport", "Report generated", logrus.Fields{"task_id": taskID, "report_id": rep.ID})
	writeJSON(w, http.StatusOK, rep)
}

// DeleteReport 删除报告，仅管理员可用。
// HTTP端点: DELETE /api/v1/reports/{id}
func (h *Handler) DeleteReport(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.reports.Delete(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logInfo(r, "DeleteReport", "Report deleted", logrus.Fields{"report_id": id})
	w.WriteHeader(http.StatusNoContent)
}

// ExportReport 以附件形式导出报告。
// HTTP端点: GET /api/v1/reports/{id}/export/{format}
//
// format 取值 pdf、csv、xlsx；报告未完成时返回 409。
func (h *Handler) ExportReport(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	exp, err := h.reports.Export(r.Context(), id, chi.URLParam(r, "format"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", exp.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exp.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(exp.Data)))
	w.WriteHeader(http.StatusOK)
	w.Write(exp.Data)
}
