package limiter

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/rs/zerolog/hlog"
)

// Middleware rejects clients over the limit with 429. Requests pass when
// the limiter itself fails.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientIP(r)
		allowed, err := m.Allow(r.Context(), key)
		if err != nil {
			hlog.FromRequest(r).Warn().Err(err).Str("client", key).Msg("Rate limiter unavailable, allowing request")
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "Too many requests, please slow down"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP expects chi's RealIP middleware to have rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
