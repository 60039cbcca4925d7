// 该文件实现了认证相关的 HTTP 处理器，包括登录、注册、令牌刷新和注销。
package api

import (
	"errors"
	"fmt"
	"mime"
	"net/http"

	"github.com/go-playground/form"
	"github.com/oriys/surge/internal/account"
	"github.com/oriys/surge/internal/auth"
	"github.com/oriys/surge/internal/domain"
	"github.com/sirupsen/logrus"
)

// errLoginRateLimited 表示登录尝试过于频繁
var errLoginRateLimited = fmt.Errorf("%w: too many login attempts, try again later", domain.ErrCapacity)

// formDecoder 解码 application/x-www-form-urlencoded 请求体，字段使用 `form` 标签
var formDecoder = form.NewDecoder()

// LoginRequest 是登录表单，username 也可以填写邮箱。
type LoginRequest struct {
	Username string `form:"username" json:"username"`
	Password string `form:"password" json:"password"`
}

// LoginResponse 是登录成功的响应，包含令牌对和用户信息。
type LoginResponse struct {
	*auth.TokenPair
	User *domain.User `json:"user"`
}

// RefreshRequest 是刷新和注销令牌的请求体。
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" form:"refresh_token"`
}

// isForm 判断请求体是否为表单编码。
func isForm(r *http.Request) bool {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return ct == "application/x-www-form-urlencoded"
}

// decodeBody 按 Content-Type 解析表单或 JSON 请求体。
func decodeBody(r *http.Request, dst any) error {
	if !isForm(r) {
		return decodeJSON(r, dst)
	}
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		return domain.ValidationError("body", "must be a valid form")
	}
	if err := formDecoder.Decode(dst, r.PostForm); err != nil {
		return domain.ValidationError("body", "must be a valid form")
	}
	return nil
}

// Login 处理用户登录请求。
// HTTP端点: POST /api/v1/auth/login
//
// 功能说明：
//   - 接受表单编码的 username 和 password，也兼容 JSON
//   - 用户名或邮箱均可登录，禁用账号返回 403
//   - 该端点按来源 IP 限流
//
// 返回值：
//   - 200: {"access_token", "refresh_token", "token_type", "expires_in", "user"}
//   - 401: 用户名或密码错误
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		h.writeError(w, r, domain.ValidationError("username and password", "are required"))
		return
	}

	user, pair, err := h.accounts.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			h.logWarn(r, "Login", "Login failed", logrus.Fields{"username": req.Username})
		}
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{TokenPair: pair, User: user})
}

// Register 自助注册普通用户账号。
// HTTP端点: POST /api/v1/auth/register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var in account.RegisterInput
	if err := decodeBody(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	user, err := h.accounts.Register(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logInfo(r, "Register", "User registered", logrus.Fields{"user_id": user.ID, "username": user.Username})
	writeJSON(w, http.StatusCreated, user)
}

// Refresh 用刷新令牌换取新的令牌对，旧刷新令牌随即失效。
// HTTP端点: POST /api/v1/auth/refresh
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.RefreshToken == "" {
		h.writeError(w, r, domain.ValidationError("refresh_token", "is required"))
		return
	}
	pair, err := h.accounts.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// Logout 注销当前访问令牌，请求体携带 refresh_token 时一并注销。
// HTTP端点: POST /api/v1/auth/logout
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, domain.ErrValidation) {
		h.writeError(w, r, err)
		return
	}
	user := currentUser(r)
	if err := h.accounts.Logout(r.Context(), user.Claims, req.RefreshToken); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logInfo(r, "Logout", "User logged out", logrus.Fields{"user_id": user.UserID})
	w.WriteHeader(http.StatusNoContent)
}

// Me 返回当前登录用户。
// HTTP端点: GET /api/v1/auth/me
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.accounts.GetUser(r.Context(), currentUser(r).UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// UpdateMe 修改当前用户的邮箱和姓名。
// HTTP端点: PUT /api/v1/auth/me
func (h *Handler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	var in account.UpdateInput
	if err := decodeJSON(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	actor := currentUser(r)
	user, err := h.accounts.UpdateUser(r.Context(), actor, actor.UserID, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
