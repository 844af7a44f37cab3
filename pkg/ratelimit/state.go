// Package ratelimit gates front-door requests with per-client token buckets.
// Client state lives in process; idle clients are dropped by Cleanup.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// ClientState is the bucket and last activity of one client.
type ClientState struct {
	limiter *rate.Limiter

	// LastSeen is the time of the client's most recent request.
	LastSeen time.Time

	// Blocked counts requests rejected for this client.
	Blocked int
}

func newClientState(cfg Config, now time.Time) *ClientState {
	return &ClientState{
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		LastSeen: now,
	}
}

// IsStale returns true if the client has been idle longer than maxAge.
func (s *ClientState) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.LastSeen) > maxAge
}

// allow consumes one token at now.
func (s *ClientState) allow(now time.Time) bool {
	s.LastSeen = now
	if s.limiter.AllowN(now, 1) {
		return true
	}
	s.Blocked++
	return false
}

// TokensAt reports the tokens available at now.
func (s *ClientState) TokensAt(now time.Time) float64 {
	return s.limiter.TokensAt(now)
}
