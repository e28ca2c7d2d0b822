package http

import (
	"net/http"

	"github.com/aussiebroadwan/tavern/internal/auth/service"
	"github.com/aussiebroadwan/tavern/pkg/authsdk"
	"github.com/aussiebroadwan/tavern/pkg/httpx"
)

type AccountHandler struct {
	Auth *service.AuthService
}

// HandleMe handles GET /v1/auth/me.
func (h *AccountHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	a, err := h.Auth.Account(r.Context(), httpx.AccountIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toAccount(a))
}

// HandleChangePassword handles POST /v1/auth/password. The calling session
// survives; every other session is signed out.
func (h *AccountHandler) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req authsdk.ChangePasswordRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	claims, _ := httpx.ClaimsFromContext(r.Context())
	if err := h.Auth.ChangePassword(r.Context(), claims.AccountID(), claims.SID, req.CurrentPassword, req.NewPassword); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDelete handles DELETE /v1/auth/me.
func (h *AccountHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	var req authsdk.DeleteAccountRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	if err := h.Auth.DeleteAccount(r.Context(), httpx.AccountIDFromContext(r.Context()), req.Password); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
