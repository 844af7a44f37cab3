package ratelimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
)

// Middleware rejects requests over the client's limit with 429.
func (t *Tracker) Middleware(next http.Handler) http.Handler {
	retryAfter := "1"
	if t.config.RequestsPerSecond > 0 {
		retryAfter = strconv.Itoa(int(math.Max(1, math.Ceil(1/t.config.RequestsPerSecond))))
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.ShouldAllowRequest(ClientKey(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", retryAfter)
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientKey identifies the caller by remote IP.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
