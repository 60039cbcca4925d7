package api

import (
	"net/http"

	"github.com/oriys/surge/internal/account"
	"github.com/oriys/surge/internal/domain"
	"github.com/sirupsen/logrus"
)

type userQuery struct {
	Role    string `query:"role"`
	Status  *int   `query:"status"`
	Keyword string `query:"keyword"`
}

// ListUsers 分页查询用户，仅管理员可用。
// HTTP端点: GET /api/v1/users
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	var pq pageQuery
	var q userQuery
	if err := parseQuery(r, &pq); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := parseQuery(r, &q); err != nil {
		h.writeError(w, r, err)
		return
	}
	f := domain.UserFilter{
		Role:    domain.Role(q.Role),
		Keyword: q.Keyword,
		Page:    pq.request(),
	}
	if q.Status != nil {
		st := domain.UserStatus(*q.Status)
		f.Status = &st
	}
	page, err := h.accounts.ListUsers(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPageResponse(page))
}

// CreateUser 由管理员创建用户，可指定角色。
// HTTP端点: POST /api/v1/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var in account.RegisterInput
	if err := decodeJSON(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	user, err := h.accounts.CreateUser(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logInfo(r, "CreateUser", "User created", logrus.Fields{
		"user_id":  user.ID,
		"username": user.Username,
		"role":     user.Role,
		"by":       currentUser(r).UserID,
	})
	writeJSON(w, http.StatusCreated, user)
}

// GetUser 获取用户详情，普通用户只能查看自己。
// HTTP端点: GET /api/v1/users/{id}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if actor := currentUser(r); !actor.IsAdmin() && actor.UserID != id {
		h.writeError(w, r, domain.ErrForbidden)
		return
	}
	user, err := h.accounts.GetUser(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// UpdateUser 更新用户。
// HTTP端点: PUT /api/v1/users/{id}
//
// 管理员可修改邮箱、姓名、角色和状态；普通用户只能修改自己的邮箱和姓名。
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var in account.UpdateInput
	if err := decodeJSON(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	user, err := h.accounts.UpdateUser(r.Context(), currentUser(r), id, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// DeleteUser 删除用户，仅管理员可用，不能删除自己。
// HTTP端点: DELETE /api/v1/users/{id}
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.accounts.DeleteUser(r.Context(), currentUser(r), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ChangePasswordRequest 是修改密码的请求体。
type ChangePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

// ChangePassword 修改密码。
// HTTP端点: PUT /api/v1/users/{id}/password
//
// 修改自己的密码需要 old_password；管理员重置他人密码只需 new_password。
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req ChangePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	actor := currentUser(r)
	if err := h.accounts.ChangePassword(r.Context(), actor, id, req.OldPassword, req.NewPassword); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logInfo(r, "ChangePassword", "Password changed", logrus.Fields{"user_id": id, "by": actor.UserID})
	w.WriteHeader(http.StatusNoContent)
}
