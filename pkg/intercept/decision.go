package intercept

import (
	"github.com/Sternrassler/render-gateway/pkg/cache"
)

// Action is the resolution chosen for an intercepted request.
type Action int

const (
	ActionPassThrough Action = iota
	ActionServeCached
	ActionServePlaceholder
	ActionAbort
	ActionPassThroughAndCache
)

func (a Action) String() string {
	switch a {
	case ActionPassThrough:
		return "pass_through"
	case ActionServeCached:
		return "serve_cached"
	case ActionServePlaceholder:
		return "serve_placeholder"
	case ActionAbort:
		return "abort"
	case ActionPassThroughAndCache:
		return "pass_through_and_cache"
	default:
		return "unknown"
	}
}

// Decision is the outcome of Policy.Decide. Entry is set for
// ActionServeCached and Placeholder for ActionServePlaceholder.
type Decision struct {
	Action      Action
	Entry       *cache.Entry
	Placeholder *Placeholder
}
