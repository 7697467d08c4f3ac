package ratelimit

import (
	"net"
	"net/http"
	"strings"

	"github.com/stackwatch/stackwatch/pkg/auth"
	"github.com/stackwatch/stackwatch/pkg/metrics"
)

// Middleware enforces the per-principal budget. It runs after
// authentication so the principal is the token subject where available,
// falling back to the client address.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(r.Context(), Principal(r)) {
			metrics.RateLimited.Inc()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Principal identifies the bucket owner for a request: the authenticated
// subject if present, else the first hop of the forwarded-for chain, else
// the remote address.
func Principal(r *http.Request) string {
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		return claims.Subject
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, found := strings.Cut(fwd, ","); found || first != "" {
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
