package httpx

import (
	"context"
	"net/http"
	"strings"

	"github.com/aussiebroadwan/tavern/pkg/jwtx"
	"github.com/aussiebroadwan/tavern/pkg/slogx"
)

// AccessVerifier checks a raw access token against signature, expiry and
// the live session it names.
type AccessVerifier interface {
	VerifyAccess(ctx context.Context, token string) (*jwtx.AccessClaims, error)
}

// AuthnMiddleware admits requests carrying "Authorization: Bearer <token>"
// with a token the verifier accepts. Any other scheme, including bot
// tokens ("Bot <token>"), is rejected with 401 invalid_token.
func AuthnMiddleware(v AccessVerifier) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			raw, ok := BearerToken(r)
			if !ok {
				writeBearerError(w, "missing bearer token")
				return
			}

			claims, err := v.VerifyAccess(ctx, raw)
			if err != nil {
				slogx.FromContext(ctx).Debug("access token rejected", "err", err)
				writeBearerError(w, "token verification failed")
				return
			}

			ctx = slogx.With(WithClaims(ctx, claims), "account_id", claims.AccountID(), "session_id", claims.SID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken extracts the token of a Bearer authorization header. The
// scheme match is case-insensitive.
func BearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// RFC 6750 error response for bearer auth.
func writeBearerError(w http.ResponseWriter, desc string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="`+desc+`"`)
	WriteJSON(w, http.StatusUnauthorized, map[string]string{
		"error":             "invalid_token",
		"error_description": desc,
	})
}
