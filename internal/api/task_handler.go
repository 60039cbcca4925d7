package api

import (
	"net/http"

	"github.com/oriys/surge/internal/domain"
	"github.com/sirupsen/logrus"
)

// TaskResponse 是任务操作的响应，Queued 表示任务在准入队列中等待容量。
type TaskResponse struct {
	*domain.Task
	Queued bool `json:"queued"`
}

func (h *Handler) taskResponse(t *domain.Task) TaskResponse {
	return TaskResponse{Task: t, Queued: h.tasks.Queued(t.ID)}
}

// visibleTask 读取任务并校验可见性：普通用户只能访问自己创建的任务。
func (h *Handler) visibleTask(r *http.Request, id int64) (*domain.Task, error) {
	task, err := h.tasks.GetTask(r.Context(), id)
	if err != nil {
		return nil, err
	}
	user := currentUser(r)
	if !user.IsAdmin() && task.CreatedBy != user.UserID {
		return nil, domain.ErrForbidden
	}
	return task, nil
}

type taskQuery struct {
	Status  string `query:"status"`
	ApplyID *int64 `query:"apply_id"`
}

// ListTasks 分页查询任务，按创建时间倒序。
// HTTP端点: GET /api/v1/tasks
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	var pq pageQuery
	var q taskQuery
	if err := parseQuery(r, &pq); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := parseQuery(r, &q); err != nil {
		h.writeError(w, r, err)
		return
	}
	f := domain.TaskFilter{
		Status:  domain.TaskStatus(q.Status),
		ApplyID: q.ApplyID,
		Page:    pq.request(),
	}
	if user := currentUser(r); !user.IsAdmin() {
		uid := user.UserID
		f.CreatedBy = &uid
	}
	page, err := h.tasks.ListTasks(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPageResponse(page))
}

// GetTask 获取任务详情。
// HTTP端点: GET /api/v1/tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	task, err := h.visibleTask(r, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.taskResponse(task))
}

// StartTask 启动 pending 任务，仅管理员可用。
// HTTP端点: POST /api/v1/tasks/{id}/start
//
// 功能说明：
//   - 预留执行容量后任务转为 running，压测在后台执行
//   - 容量不足且准入策略为 queue 时任务保持 pending 并进入等待队列
//
// 返回值：
//   - 200: 任务已启动或已排队
//   - 409: 任务不是 pending 状态，或申请未通过审核
//   - 429: 执行容量已满
func (h *Handler) StartTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	task, err := h.tasks.StartTask(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := h.taskResponse(task)
	h.logInfo(r, "StartTask", "Task start requested", logrus.Fields{
		"task_id": id,
		"status":  task.Status,
		"queued":  resp.Queued,
	})
	writeJSON(w, http.StatusOK, resp)
}

// CancelTask 取消运行中的任务，仅管理员可用。
// HTTP端点: POST /api/v1/tasks/{id}/cancel
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	task, err := h.tasks.CancelTask(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logInfo(r, "CancelTask", "Task cancelled", logrus.Fields{"task_id": id})
	writeJSON(w, http.StatusOK, h.taskResponse(task))
}

// RetryTask 把失败的任务重置为 pending，仅管理员可用。
// HTTP端点: POST /api/v1/tasks/{id}/retry
func (h *Handler) RetryTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	task, err := h.tasks.RetryTask(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logInfo(r, "RetryTask", "Task reset for retry", logrus.Fields{"task_id": id})
	writeJSON(w, http.StatusOK, h.taskResponse(task))
}

// DeleteTask 删除未在运行的任务及其日志、指标和报告，仅管理员可用。
// HTTP端点: DELETE /api/v1/tasks/{id}
func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.tasks.DeleteTask(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logWarn(r, "DeleteTask", "Task deleted", logrus.Fields{"task_id": id})
	w.WriteHeader(http.StatusNoContent)
}
