package httpx

import (
	"context"

	"github.com/aussiebroadwan/tavern/pkg/jwtx"
)

type ctxKey string

const ctxKeyClaims ctxKey = "claims"

// WithClaims stores verified access claims on the context.
func WithClaims(ctx context.Context, c *jwtx.AccessClaims) context.Context {
	return context.WithValue(ctx, ctxKeyClaims, c)
}

// ClaimsFromContext returns the claims stored by AuthnMiddleware.
func ClaimsFromContext(ctx context.Context) (*jwtx.AccessClaims, bool) {
	c, ok := ctx.Value(ctxKeyClaims).(*jwtx.AccessClaims)
	return c, ok && c != nil
}

// AccountIDFromContext returns the authenticated account id, or "".
func AccountIDFromContext(ctx context.Context) string {
	if c, ok := ClaimsFromContext(ctx); ok {
		return c.AccountID()
	}
	return ""
}
