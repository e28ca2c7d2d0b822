package http

import (
	"errors"
	"net/http"

	"github.com/aussiebroadwan/tavern/internal/auth/service"
	"github.com/aussiebroadwan/tavern/pkg/authsdk"
	"github.com/aussiebroadwan/tavern/pkg/slogx"
)

// apiError maps a service error to its response. Reasons are client-safe;
// causes are not.
func apiError(err error) *authsdk.APIError {
	var se *service.Error
	if !errors.As(err, &se) {
		return authsdk.ErrServerError
	}

	switch se.Kind {
	case service.KindInvalidInput:
		if se.Reason != "" {
			return authsdk.ErrInvalidRequest.WithDescription(se.Reason)
		}
		return authsdk.ErrInvalidRequest
	case service.KindInvalidCredentials:
		return authsdk.ErrInvalidCredentials
	case service.KindMFARequired:
		return authsdk.ErrMFARequired
	case service.KindMFAEnrollmentRequired:
		return authsdk.ErrMFAEnrollmentRequired
	case service.KindInvalidMFA:
		return authsdk.ErrInvalidMFA
	case service.KindConflict:
		if se.Reason != "" {
			return authsdk.ErrConflict.WithDescription(se.Reason)
		}
		return authsdk.ErrConflict
	case service.KindInvalidToken:
		if errors.Is(err, service.ErrTokenExpired) {
			return authsdk.ErrInvalidToken.WithDescription("the access token expired")
		}
		return authsdk.ErrInvalidToken
	case service.KindInvalidRefreshToken:
		if errors.Is(err, service.ErrTokenExpired) {
			return authsdk.ErrInvalidRefreshToken.WithDescription("the refresh token expired")
		}
		return authsdk.ErrInvalidRefreshToken
	case service.KindAccountNotFound:
		return authsdk.ErrNotFound.WithDescription("account not found")
	default:
		return authsdk.ErrServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := apiError(err)
	if e.StatusCode >= http.StatusInternalServerError {
		slogx.FromContext(r.Context()).Error("request failed", "err", err)
	}
	e.WriteError(w)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	authsdk.ErrInvalidRequest.WithDescription(err.Error()).WriteError(w)
}
