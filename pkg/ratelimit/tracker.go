package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for request limiting.
var (
	rateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "render_ratelimit_blocks_total",
		Help: "Total number of front-door requests rejected by the rate limiter",
	})

	rateLimitClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "render_ratelimit_clients",
		Help: "Number of clients with tracked rate limit state",
	})
)

// Config holds rate limiter settings.
type Config struct {
	// RequestsPerSecond is the sustained per-client rate
	RequestsPerSecond float64

	// Burst is the bucket size
	Burst int

	// StaleAfter drops clients idle for longer than this
	StaleAfter time.Duration

	// CleanupInterval is how often Run prunes stale clients
	CleanupInterval time.Duration
}

// DefaultConfig returns the default limiter configuration.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10,
		Burst:             20,
		StaleAfter:        10 * time.Minute,
		CleanupInterval:   time.Minute,
	}
}

// Tracker keeps per-client buckets and gates requests.
type Tracker struct {
	config  Config
	logger  zerolog.Logger
	now     func() time.Time
	mu      sync.Mutex
	clients map[string]*ClientState
}

// NewTracker creates a new rate limit tracker.
func NewTracker(cfg Config, logger zerolog.Logger) *Tracker {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultConfig().StaleAfter
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}
	return &Tracker{
		config:  cfg,
		logger:  logger,
		now:     time.Now,
		clients: make(map[string]*ClientState),
	}
}

// ShouldAllowRequest consumes a token for the client and reports whether
// the request may proceed.
func (t *Tracker) ShouldAllowRequest(client string) bool {
	t.mu.Lock()
	now := t.now()
	state, ok := t.clients[client]
	if !ok {
		state = newClientState(t.config, now)
		t.clients[client] = state
		rateLimitClients.Set(float64(len(t.clients)))
	}
	allowed := state.allow(now)
	blocked := state.Blocked
	t.mu.Unlock()

	if !allowed {
		rateLimitBlocksTotal.Inc()
		t.logger.Warn().
			Str("client", client).
			Int("blocked", blocked).
			Msg("Rate limit exceeded - rejecting request")
	}
	return allowed
}

// GetState returns a copy of the client's state, or false if unknown.
func (t *Tracker) GetState(client string) (ClientState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.clients[client]
	if !ok {
		return ClientState{}, false
	}
	return *state, true
}

// Cleanup drops stale clients and returns how many were removed.
func (t *Tracker) Cleanup() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	removed := 0
	for client, state := range t.clients {
		if state.IsStale(now, t.config.StaleAfter) {
			delete(t.clients, client)
			removed++
		}
	}
	rateLimitClients.Set(float64(len(t.clients)))
	return removed
}

// Len returns the number of tracked clients.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.clients)
}

// Run prunes stale clients every CleanupInterval until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Cleanup(); n > 0 {
				t.logger.Debug().Int("removed", n).Msg("Pruned idle rate limit clients")
			}
		}
	}
}
