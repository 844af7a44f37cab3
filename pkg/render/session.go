package render

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/render-gateway/pkg/browser"
	"github.com/Sternrassler/render-gateway/pkg/intercept"
	"github.com/Sternrassler/render-gateway/pkg/logging"
	"github.com/Sternrassler/render-gateway/pkg/pool"
)

// state is a step of one render or screenshot session.
type state int

const (
	stateCreated state = iota
	stateHandleAcquired
	stateContextReady
	stateNavigating
	stateSettled
	stateTimedOut
	stateExtracted
	stateReleased
)

func (s state) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateHandleAcquired:
		return "handle_acquired"
	case stateContextReady:
		return "context_ready"
	case stateNavigating:
		return "navigating"
	case stateSettled:
		return "settled"
	case stateTimedOut:
		return "timed_out"
	case stateExtracted:
		return "extracted"
	case stateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// session tracks one operation for logging. It is used by a single goroutine.
type session struct {
	id     string
	state  state
	logger zerolog.Logger

	// intercepted counts interception actions, set when the binding closes.
	intercepted map[intercept.Action]int
}

func (r *Renderer) newSession(ctx context.Context, kind, target string) *session {
	id := uuid.NewString()
	lc := logging.WithSession(r.logger, id).With().
		Str("kind", kind).
		Str("url", target)
	if reqID := logging.RequestID(ctx); reqID != "" {
		lc = lc.Str("request_id", reqID)
	}
	return &session{
		id:     id,
		state:  stateCreated,
		logger: lc.Logger(),
	}
}

func (s *session) advance(next state) {
	s.logger.Debug().
		Str("from", s.state.String()).
		Str("to", next.String()).
		Msg("Session state changed")
	s.state = next
}

func (s *session) handleAcquired(h *pool.Handle) {
	s.logger = s.logger.With().Str("handle_id", h.ID.String()).Logger()
	s.advance(stateHandleAcquired)
}

func (s *session) interceptSummary() *zerolog.Event {
	d := zerolog.Dict()
	for action, n := range s.intercepted {
		d.Int(action.String(), n)
	}
	return d
}

func (s *session) released() {
	s.advance(stateReleased)
}

// closeQuietly runs a teardown step. A lost session marks the handle
// broken; other failures are only logged.
func (s *session) closeQuietly(h *pool.Handle, what string, closeFn func() error) {
	err := closeFn()
	if err == nil {
		return
	}
	if errors.Is(err, browser.ErrSessionLost) {
		h.MarkBroken()
	}
	s.logger.Debug().Err(err).Str("resource", what).Msg("Teardown failed")
}
