package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oriys/surge/internal/auth"
	"github.com/oriys/surge/internal/domain"
	"github.com/sirupsen/logrus"
)

const (
	// sseHeartbeat 是 SSE 注释心跳间隔，防止代理关闭空闲连接
	sseHeartbeat = 15 * time.Second
	// wsPingInterval 是 WebSocket ping 间隔
	wsPingInterval = 30 * time.Second
	// wsWriteWait 是单次 WebSocket 写入的超时
	wsWriteWait = 10 * time.Second
	// wsPongWait 是等待 pong 的超时，必须大于 ping 间隔
	wsPongWait = 60 * time.Second
)

type logQuery struct {
	Skip  int `query:"skip"`
	Limit int `query:"limit"`
}

// ReadLogs 按 Seq 顺序分页读取任务日志。
// HTTP端点: GET /api/v1/tasks/{id}/logs?skip=0&limit=100
//
// 返回值：{"logs": [...], "total": n}
func (h *Handler) ReadLogs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var q logQuery
	if err := parseQuery(r, &q); err != nil {
		h.writeError(w, r, err)
		return
	}
	if _, err := h.visibleTask(r, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	page, err := h.logs.Read(r.Context(), id, q.Skip, q.Limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// AppendLogRequest 是外部执行器写入日志的请求体。
type AppendLogRequest struct {
	Level   domain.LogLevel `json:"level"`
	Message string          `json:"message"`
}

// AppendLog 向运行中的任务追加一条日志，供外部执行器使用，仅管理员可用。
// HTTP端点: POST /api/v1/tasks/{id}/logs
//
// 返回值：
//   - 201: 日志已写入，返回带 Seq 的日志条目
//   - 409: 任务不在运行中或日志流已关闭
func (h *Handler) AppendLog(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req AppendLogRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Level == "" {
		req.Level = domain.LogLevelInfo
	}
	if !req.Level.Valid() {
		h.writeError(w, r, domain.ValidationError("level", "must be one of debug info warning error"))
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		h.writeError(w, r, domain.ValidationError("message", "is required"))
		return
	}
	entry, err := h.logs.Append(r.Context(), id, req.Level, req.Message)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// StreamAuth 认证日志流请求。
// 浏览器的 EventSource 和 WebSocket 无法设置请求头，
// 因此除 Authorization 头外也接受 access_token 查询参数。
func (h *Handler) StreamAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r)
		if !ok {
			token = r.URL.Query().Get("access_token")
		}
		if token == "" {
			h.writeStatusError(w, r, http.StatusUnauthorized, auth.ErrInvalidToken)
			return
		}
		user, err := h.auth.Verify(r.Context(), token)
		if err != nil {
			h.writeStatusError(w, r, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), user)))
	})
}

// resumeAfter 读取续传位置：Last-Event-ID 头优先，其次是 after 查询参数。
func resumeAfter(r *http.Request) (int64, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("after")
	}
	if raw == "" {
		return 0, nil
	}
	after, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || after < 0 {
		return 0, domain.ValidationError("after", "must be a non-negative integer")
	}
	return after, nil
}

// subscribe 校验权限并订阅任务日志。
func (h *Handler) subscribe(ctx context.Context, r *http.Request) (<-chan *domain.LogEntry, int64, error) {
	id, err := pathID(r, "id")
	if err != nil {
		return nil, 0, err
	}
	after, err := resumeAfter(r)
	if err != nil {
		return nil, 0, err
	}
	if _, err := h.visibleTask(r, id); err != nil {
		return nil, 0, err
	}
	ch, err := h.logs.Subscribe(ctx, id, after)
	if err != nil {
		return nil, 0, err
	}
	return ch, id, nil
}

// StreamLogsSSE 以 Server-Sent Events 推送任务日志。
// HTTP端点: GET /api/v1/tasks/{id}/logs/stream
//
// 功能说明：
//   - 先回放 Seq 大于 Last-Event-ID（或 after）的日志，再实时推送
//   - 每条日志的事件 ID 为 Seq，断线重连时浏览器自动携带 Last-Event-ID
//   - 推送终态标记后发送 end 事件并关闭连接
func (h *Handler) StreamLogsSSE(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch, id, err := h.subscribe(ctx, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logError(r, "StreamLogsSSE", "Streaming not supported", err, logrus.Fields{"task_id": id})
		return
	}
	h.logInfo(r, "StreamLogsSSE", "Log stream opened", logrus.Fields{"task_id": id})

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case e, ok := <-ch:
			if !ok {
				fmt.Fprint(w, "event: end\ndata: {}\n\n")
				rc.Flush()
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				h.logError(r, "StreamLogsSSE", "Failed to encode log entry", err, logrus.Fields{"task_id": id})
				return
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: log\ndata: %s\n\n", e.Seq, data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// StreamLogsWS 以 WebSocket 推送任务日志，每条消息是一条 JSON 日志。
// HTTP端点: GET /api/v1/tasks/{id}/logs/ws
//
// 推送终态标记后服务端以 1000 状态码关闭连接；客户端断开时停止订阅。
func (h *Handler) StreamLogsWS(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// 先订阅再升级，参数和权限错误仍以普通 HTTP 错误返回
	ch, id, err := h.subscribe(ctx, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已写入错误响应
		h.logWarn(r, "StreamLogsWS", "WebSocket upgrade failed", logrus.Fields{"task_id": id, "error": err.Error()})
		return
	}
	defer conn.Close()
	h.logInfo(r, "StreamLogsWS", "Log stream opened", logrus.Fields{"task_id": id})

	// 读协程只处理控制帧，连接断开时取消订阅
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case e, ok := <-ch:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream finished")
				conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}
}
