package middleware

import (
	"context"
	"net/http"

	"enxero/internal/token"
)

type ctxKey string

const (
	ctxRequestID ctxKey = "request_id"
	ctxPrincipal ctxKey = "principal"
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxRequestID, id)
}

func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(ctxRequestID).(string)
	return v
}

// WithPrincipal stores the verified access claims of the caller.
func WithPrincipal(ctx context.Context, c *token.AccessClaims) context.Context {
	return context.WithValue(ctx, ctxPrincipal, c)
}

func Principal(ctx context.Context) (*token.AccessClaims, bool) {
	c, ok := ctx.Value(ctxPrincipal).(*token.AccessClaims)
	return c, ok && c != nil
}

// SecurityHeaders sets the headers every JSON response carries.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}
