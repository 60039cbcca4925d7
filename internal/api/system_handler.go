package api

import (
	"context"
	"net/http"
	"time"

	"github.com/oriys/surge/internal/domain"
)

// readyTimeout 是单个就绪检查的超时
const readyTimeout = 2 * time.Second

// Health 处理基本健康检查请求。
// HTTP端点: GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready 处理Kubernetes就绪探针请求。
// HTTP端点: GET /health/ready
//
// 功能说明：
//   - 依次检查数据库、Redis 等依赖的连通性
//   - 任一依赖失败时返回 503，响应体列出失败原因
//
// 返回值：
//   - 200: 服务就绪
//   - 503: 服务未就绪
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	failed := map[string]string{}
	for _, c := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		err := c.Pinger.Ping(ctx)
		cancel()
		if err != nil {
			failed[c.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		h.logWarn(r, "Ready", "Readiness check failed", nil)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "checks": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Live 处理Kubernetes存活探针请求。
// HTTP端点: GET /health/live
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// StatsResponse 是管理员仪表盘的统计数据。
type StatsResponse struct {
	*domain.Stats
	// Running 是本实例正在执行的任务数
	Running int `json:"running"`
	// Queued 是准入队列中等待容量的任务数
	Queued int `json:"queued"`
}

// Stats 处理获取系统统计信息的请求，仅管理员可用。
// HTTP端点: GET /api/v1/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		Stats:   stats,
		Running: h.tasks.Running(),
		Queued:  h.tasks.QueueLength(),
	})
}
