package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/roboedge-io/roboedge/internal/auth"
)

// AuthHandler exposes login, refresh, and logout.
type AuthHandler struct {
	auth   *auth.Manager
	logger *zap.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(mgr *auth.Manager, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{auth: mgr, logger: logger}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	DeviceID string `json:"device_id"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Login handles POST /api/auth/login. Credential failures are a uniform
// 401 regardless of whether the user exists.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ErrBadRequest(w, "invalid login body")
		return
	}

	pair, user, err := h.auth.Login(r.Context(), req.Username, req.Password, req.DeviceID)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrUserDisabled) {
			ErrUnauthorized(w)
			return
		}
		h.logger.Error("login failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, map[string]any{
		"tokens": pair,
		"user": map[string]any{
			"id":       user.ID,
			"username": user.Username,
			"role":     user.Role,
		},
	})
}

// Refresh handles POST /api/auth/refresh: rotates the refresh token and
// issues a new pair. A revoked, expired, or reused token is a 401.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ErrBadRequest(w, "invalid refresh body")
		return
	}

	pair, err := h.auth.RefreshSession(r.Context(), req.RefreshToken)
	if err != nil {
		ErrUnauthorized(w)
		return
	}
	Ok(w, map[string]any{"tokens": pair})
}

// Logout handles POST /api/auth/logout: revokes the presented refresh
// token. Idempotent — logging out twice is fine.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ErrBadRequest(w, "invalid logout body")
		return
	}
	if err := h.auth.Logout(r.Context(), req.RefreshToken); err != nil {
		h.logger.Error("logout failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]string{"message": "logged out"})
}
