package httpmw

import (
	"context"
	"net/http"

	"github.com/keithlinneman/quotagate/internal/scope"
)

type clientIPKey struct{}

// ClientIP resolves the client address once per request and stores it in the
// context so the admission middleware and the access log agree on it.
// Precedence is fixed: X-Forwarded-For (first entry), then X-Real-IP, then
// the transport remote address. This service is deployed behind a trusted
// edge that sets these headers; it is not reachable directly.
func ClientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := scope.ClientIP(
			r.Header.Get("X-Forwarded-For"),
			r.Header.Get("X-Real-IP"),
			r.RemoteAddr,
		)
		ctx := WithClientIP(r.Context(), ip)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
