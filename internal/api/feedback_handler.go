package api

import (
	"net/http"

	"github.com/oriys/surge/internal/account"
	"github.com/oriys/surge/internal/auth"
	"github.com/oriys/surge/internal/domain"
)

// SubmitFeedback 提交反馈，未登录也可提交。
// HTTP端点: POST /api/v1/feedback
//
// 携带 Authorization 头时令牌必须有效，反馈关联到当前用户。
func (h *Handler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	var userID *int64
	if token, ok := auth.BearerToken(r); ok {
		user, err := h.auth.Verify(r.Context(), token)
		if err != nil {
			h.writeStatusError(w, r, http.StatusUnauthorized, err)
			return
		}
		userID = &user.UserID
	}

	var in account.FeedbackInput
	if err := decodeJSON(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	fb, err := h.feedback.Submit(r.Context(), userID, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, fb)
}

type feedbackQuery struct {
	Status string `query:"status"`
}

// ListFeedback 分页查询反馈，仅管理员可用。
// HTTP端点: GET /api/v1/feedback?status=pending
func (h *Handler) ListFeedback(w http.ResponseWriter, r *http.Request) {
	var pq pageQuery
	var q feedbackQuery
	if err := parseQuery(r, &pq); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := parseQuery(r, &q); err != nil {
		h.writeError(w, r, err)
		return
	}
	page, err := h.feedback.List(r.Context(), domain.FeedbackStatus(q.Status), pq.request())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPageResponse(page))
}

// MarkFeedbackProcessed 把反馈标记为已处理，仅管理员可用。
// HTTP端点: PUT /api/v1/feedback/{id}/processed
func (h *Handler) MarkFeedbackProcessed(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	fb, err := h.feedback.MarkProcessed(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fb)
}
