package http

import (
	"net/http"

	"github.com/aussiebroadwan/tavern/internal/auth/service"
	"github.com/aussiebroadwan/tavern/pkg/authsdk"
	"github.com/aussiebroadwan/tavern/pkg/httpx"
	"github.com/aussiebroadwan/tavern/pkg/idx"
)

type SessionsHandler struct {
	Auth *service.AuthService
}

// HandleList handles GET /v1/auth/sessions.
func (h *SessionsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	claims, _ := httpx.ClaimsFromContext(r.Context())

	list, err := h.Auth.ListSessions(r.Context(), claims.AccountID())
	if err != nil {
		writeError(w, r, err)
		return
	}

	res := authsdk.SessionsResponse{Sessions: make([]authsdk.SessionInfo, 0, len(list))}
	for _, s := range list {
		res.Sessions = append(res.Sessions, toSessionInfo(s, claims.SID))
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

// HandleRevoke handles DELETE /v1/auth/sessions/{id}. Unknown ids and ids
// of other accounts succeed without effect.
func (h *SessionsHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	id, err := idx.Parse(r.PathValue("id"))
	if err != nil {
		authsdk.ErrInvalidRequest.WithDescription("malformed session id").WriteError(w)
		return
	}

	if err := h.Auth.RevokeSession(r.Context(), httpx.AccountIDFromContext(r.Context()), id.String()); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
