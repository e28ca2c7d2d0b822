package http

import (
	"net/http"

	"github.com/aussiebroadwan/tavern/internal/auth/service"
	"github.com/aussiebroadwan/tavern/pkg/authsdk"
	"github.com/aussiebroadwan/tavern/pkg/httpx"
)

// MFAHandler handles TOTP enrollment for the signed-in account.
type MFAHandler struct {
	MFA  *service.MFAGate
	Auth *service.AuthService
}

// HandleSetup handles POST /v1/mfa/totp/setup. It is the only way in for an
// account that must have a second factor and has no session.
func (h *MFAHandler) HandleSetup(w http.ResponseWriter, r *http.Request) {
	var req authsdk.TOTPSetupRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	e, err := h.Auth.EnrollWithPassword(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, authsdk.TOTPEnrollResponse{Secret: e.Secret, URL: e.URL})
}

// HandleEnroll handles POST /v1/mfa/totp/enroll. Enrolling again before
// confirming replaces the pending secret.
func (h *MFAHandler) HandleEnroll(w http.ResponseWriter, r *http.Request) {
	e, err := h.MFA.Enroll(r.Context(), httpx.AccountIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, authsdk.TOTPEnrollResponse{Secret: e.Secret, URL: e.URL})
}

// HandleConfirm handles POST /v1/mfa/totp/confirm and switches MFA on.
func (h *MFAHandler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	var req authsdk.TOTPCodeRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := h.MFA.Confirm(r.Context(), httpx.AccountIDFromContext(r.Context()), req.Code); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDisable handles DELETE /v1/mfa/totp. A current code is required.
func (h *MFAHandler) HandleDisable(w http.ResponseWriter, r *http.Request) {
	var req authsdk.TOTPCodeRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := h.MFA.Disable(r.Context(), httpx.AccountIDFromContext(r.Context()), req.Code); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
