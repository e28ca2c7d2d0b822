package http

import (
	"net/http"

	"github.com/aussiebroadwan/tavern/internal/auth/service"
	"github.com/aussiebroadwan/tavern/pkg/authsdk"
	"github.com/aussiebroadwan/tavern/pkg/httpx"
)

// AuthHandler serves sign up, sign in, refresh and sign out.
type AuthHandler struct {
	Auth *service.AuthService
}

// HandleRegister handles POST /v1/auth/register.
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req authsdk.RegisterRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	res, err := h.Auth.Register(r.Context(), service.RegisterInput{
		Username:    req.Username,
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.DisplayName,
		Device:      deviceFrom(r, req.DeviceName),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, authsdk.AuthResponse{
		Account: toAccount(res.Account),
		Tokens:  toTokens(res.Tokens),
	})
}

// HandleLogin handles POST /v1/auth/login. Accounts with a second factor
// get 401 mfa_required until the request carries mfa_code.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req authsdk.LoginRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	res, err := h.Auth.Login(r.Context(), service.Credentials{
		Email:    req.Email,
		Password: req.Password,
		MFACode:  req.MFACode,
	}, deviceFrom(r, req.DeviceName))
	if err != nil {
		writeError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, authsdk.AuthResponse{
		Account: toAccount(res.Account),
		Tokens:  toTokens(res.Tokens),
	})
}

// HandleRefresh handles POST /v1/auth/refresh.
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req authsdk.RefreshRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if req.RefreshToken == "" {
		authsdk.ErrInvalidRequest.WithDescription("refresh_token is required").WriteError(w)
		return
	}

	pair, err := h.Auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toTokens(pair))
}

// HandleLogout handles POST /v1/auth/logout and ends the calling session.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	token, _ := httpx.BearerToken(r)
	if err := h.Auth.Logout(r.Context(), httpx.AccountIDFromContext(r.Context()), token); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleLogoutAll handles POST /v1/auth/logout-all.
func (h *AuthHandler) HandleLogoutAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.Auth.LogoutAll(r.Context(), httpx.AccountIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, authsdk.LogoutAllResponse{Revoked: n})
}
