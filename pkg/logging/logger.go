// Package logging configures zerolog for the render gateway and carries
// request correlation ids through contexts.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs interception decisions and session transitions.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs completed requests and lifecycle events.
	LevelInfo LogLevel = "info"

	// LevelWarn logs recovered conditions.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Service is attached to every log line.
const Service = "render-gateway"

// Component names used across the gateway.
const (
	ComponentRender    = "render"
	ComponentPool      = "pool"
	ComponentIntercept = "intercept"
	ComponentBrowser   = "browser"
	ComponentHTTP      = "http"
	ComponentRateLimit = "ratelimit"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty writes human-readable console lines instead of JSON.
	Pretty bool

	// Output is the destination (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns JSON logging at info level to stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// Setup installs the global logger and returns it. Durations are logged
// in milliseconds.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.DurationFieldUnit = time.Millisecond

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}

	logger := zerolog.New(out).With().
		Timestamp().
		Str("service", Service).
		Logger()
	log.Logger = logger
	return logger
}

// parseLevel maps a configured level onto zerolog, defaulting to info.
func parseLevel(level LogLevel) zerolog.Level {
	name := strings.ToLower(strings.TrimSpace(string(level)))
	if name == "warning" {
		name = "warn"
	}
	switch l, err := zerolog.ParseLevel(name); {
	case err != nil, l == zerolog.NoLevel, l < zerolog.DebugLevel:
		return zerolog.InfoLevel
	default:
		return l
	}
}

// NewLogger derives a component logger from the global logger.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// WithSession tags logger with a render session id.
func WithSession(logger zerolog.Logger, sessionID string) zerolog.Logger {
	return logger.With().Str("session", sessionID).Logger()
}

type requestIDKey struct{}

// WithRequestID returns a context carrying the front-door request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id stored in ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Interception decisions (url, action)
//   - Cache activity (hit/miss, opportunistic writes, pruning)
//   - Session state transitions
//   - Pool checkout and release
//
// Info: Normal operation events
//   - Completed renders and screenshots (status, duration)
//   - Pool warm-up
//   - Server startup/shutdown
//
// Warn: Conditions that don't prevent a result
//   - Navigation timeouts (partial content is still served)
//   - Page hook failures
//   - Broken browser handles being discarded
//   - Rate limited clients
//
// Error: Error conditions requiring attention
//   - Browser launch failures
//   - Renders that fail without a response
//   - Configuration errors
//
// Context Fields:
//   - service: always render-gateway
//   - component: emitting subsystem (render, pool, intercept, browser, http, ratelimit)
//   - request_id: front-door request id, also on session logs
//   - session: render session id
//   - url: navigation target or intercepted resource
//   - status: resolved HTTP status
//   - action: interception action
//   - handle_id: browser handle id
//   - duration: operation duration in milliseconds
