package pool

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Sternrassler/render-gateway/pkg/browser"
)

// State is the lifecycle state of a Handle.
type State int

const (
	StateFree State = iota
	StateCheckedOut
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateCheckedOut:
		return "checked_out"
	case StateBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// Outcome reports the health of a handle when it is released.
type Outcome int

const (
	// Healthy returns the handle to the free set.
	Healthy Outcome = iota
	// Broken discards the handle; a replacement is launched lazily.
	Broken
)

func (o Outcome) String() string {
	if o == Broken {
		return "broken"
	}
	return "healthy"
}

// Handle is one pooled browser. Exactly one caller holds a checked-out handle.
type Handle struct {
	ID        uuid.UUID
	Browser   browser.Browser
	CreatedAt time.Time

	mu     sync.Mutex
	state  State
	broken bool
	uses   int
}

func newHandle(b browser.Browser) *Handle {
	return &Handle{
		ID:        uuid.New(),
		Browser:   b,
		CreatedAt: time.Now(),
		state:     StateFree,
	}
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Uses returns how many times the handle has been checked out.
func (h *Handle) Uses() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.uses
}

// MarkBroken flags a checked-out handle so that its release discards it
// regardless of the outcome passed to Release.
func (h *Handle) MarkBroken() {
	h.mu.Lock()
	h.broken = true
	h.mu.Unlock()
}
