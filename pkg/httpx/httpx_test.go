package httpx_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aussiebroadwan/tavern/pkg/httpx"
	"github.com/aussiebroadwan/tavern/pkg/jwtx"
	"github.com/stretchr/testify/require"
)

type verifierFunc func(ctx context.Context, token string) (*jwtx.AccessClaims, error)

func (f verifierFunc) VerifyAccess(ctx context.Context, token string) (*jwtx.AccessClaims, error) {
	return f(ctx, token)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) httpx.Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := httpx.Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}), mw("first"), mw("second"))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, []string{"first", "second", "handler"}, order)
}

func TestAuthnMiddleware(t *testing.T) {
	verifier := verifierFunc(func(_ context.Context, token string) (*jwtx.AccessClaims, error) {
		if token != "good" {
			return nil, errors.New("bad token")
		}
		c := &jwtx.AccessClaims{SID: "sess-1"}
		c.Subject = "acct-1"
		return c, nil
	})

	var gotAccount string
	h := httpx.AuthnMiddleware(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccount = httpx.AccountIDFromContext(r.Context())
		claims, ok := httpx.ClaimsFromContext(r.Context())
		require.True(t, ok)
		require.Equal(t, "sess-1", claims.SID)
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "bearer", header: "Bearer good", want: http.StatusNoContent},
		{name: "lower-case scheme", header: "bearer good", want: http.StatusNoContent},
		{name: "missing", header: "", want: http.StatusUnauthorized},
		{name: "bot scheme", header: "Bot good", want: http.StatusUnauthorized},
		{name: "basic scheme", header: "Basic Z29vZA==", want: http.StatusUnauthorized},
		{name: "empty token", header: "Bearer ", want: http.StatusUnauthorized},
		{name: "rejected token", header: "Bearer bad", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotAccount = ""
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				require.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="invalid_token"`)
				require.Contains(t, rec.Body.String(), "invalid_token")
				require.Empty(t, gotAccount)
			} else {
				require.Equal(t, "acct-1", gotAccount)
			}
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Email string `json:"email"`
	}
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{name: "valid", body: `{"email":"a@b.c"}`},
		{name: "empty", body: ``, wantErr: true},
		{name: "unknown field", body: `{"email":"a@b.c","admin":true}`, wantErr: true},
		{name: "trailing object", body: `{"email":"a@b.c"}{}`, wantErr: true},
		{name: "too large", body: `{"email":"` + strings.Repeat("a", httpx.MaxBodyBytes) + `"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var p payload
			err := httpx.DecodeJSON(httptest.NewRecorder(), req, &p)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, "a@b.c", p.Email)
		})
	}
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	httpx.WriteJSON(rec, http.StatusCreated, map[string]string{"ok": "yes"})

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	require.JSONEq(t, `{"ok":"yes"}`, rec.Body.String())
}
