// Package intercept decides, for every network request a rendering page
// issues, whether to serve it from cache, substitute a placeholder image,
// block it, or let it through, and populates the cache from live responses.
//
// A Policy is shared by all renders. Each render binds it to its page with
// Bind; the resulting Binding owns the render's pending cache writes and
// discards them when closed.
package intercept

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/render-gateway/pkg/browser"
	"github.com/Sternrassler/render-gateway/pkg/cache"
	"github.com/Sternrassler/render-gateway/pkg/logging"
)

// bodyReadTimeout bounds reading a completed response body, which also
// bounds how long Close can wait for a write.
const bodyReadTimeout = 5 * time.Second

// Policy maps request URLs to decisions against a shared cache store.
type Policy struct {
	cfg          Config
	store        *cache.Store
	placeholders Placeholders
	logger       zerolog.Logger
}

// NewPolicy creates a policy. placeholders may be nil, in which case the
// generated defaults are used.
func NewPolicy(cfg Config, store *cache.Store, placeholders Placeholders, logger zerolog.Logger) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid interception config: %w", err)
	}
	if store == nil && cfg.CacheURLPattern != nil {
		return nil, errors.New("cache store is required when caching is enabled")
	}
	if placeholders == nil {
		var err error
		if placeholders, err = DefaultPlaceholders(); err != nil {
			return nil, err
		}
	}

	return &Policy{
		cfg:          cfg,
		store:        store,
		placeholders: placeholders,
		logger:       logger,
	}, nil
}

// Config returns the policy configuration.
func (p *Policy) Config() Config {
	return p.cfg
}

// Decide classifies a request URL. Matching uses the URL without its query
// string; cache lookups use the full URL.
func (p *Policy) Decide(rawURL string) Decision {
	matchURL := cache.MatchURL(rawURL)
	ext := cache.Extension(rawURL)

	if IsImageExtension(ext) {
		switch p.cfg.ImagePolicy {
		case ImagePlaceholder:
			if ph, ok := p.placeholders[ext]; ok {
				return Decision{Action: ActionServePlaceholder, Placeholder: ph}
			}
			return Decision{Action: ActionPassThrough}
		case ImageBlock:
			return Decision{Action: ActionAbort}
		default:
			return Decision{Action: ActionPassThrough}
		}
	}

	if p.cfg.RestrictSubresources && !p.cfg.AllowURLPattern.MatchString(matchURL) {
		return Decision{Action: ActionAbort}
	}

	if p.cfg.CacheURLPattern != nil && p.cfg.CacheURLPattern.MatchString(matchURL) {
		entry, err := p.store.Get(rawURL)
		if err == nil {
			return Decision{Action: ActionServeCached, Entry: entry}
		}
		return Decision{Action: ActionPassThroughAndCache}
	}

	return Decision{Action: ActionPassThrough}
}

// AllowNavigation reports whether a top-level navigation to rawURL is
// permitted by the allow pattern.
func (p *Policy) AllowNavigation(rawURL string) bool {
	if p.cfg.AllowURLPattern == nil {
		return true
	}
	return p.cfg.AllowURLPattern.MatchString(cache.MatchURL(rawURL))
}

// Bind creates a per-session binding. ctx bounds the binding's driver calls
// and pending cache writes in addition to Close.
func (p *Policy) Bind(ctx context.Context, sessionID string) *Binding {
	bctx, cancel := context.WithCancel(ctx)
	waitCtx, waitCancel := context.WithCancel(bctx)
	return &Binding{
		policy:     p,
		ctx:        bctx,
		cancel:     cancel,
		waitCtx:    waitCtx,
		waitCancel: waitCancel,
		logger:     logging.WithSession(p.logger, sessionID),
		counts:     make(map[Action]int),
	}
}

// Binding applies a Policy to one page. Its Handle method is installed as
// the page's request handler.
//
// A cache write is attached to the request's completion, not a timer. On
// Close, writes whose response is still in flight are abandoned and writes
// whose response already completed are allowed to finish, so no write
// lands after Close returns.
type Binding struct {
	policy *Policy
	logger zerolog.Logger

	// ctx covers driver calls; waitCtx only the wait for a response.
	ctx        context.Context
	cancel     context.CancelFunc
	waitCtx    context.Context
	waitCancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	counts  map[Action]int
	wg      sync.WaitGroup
}

// Handle resolves one intercepted request. Driver failures are logged and
// never propagate: a single sub-resource must not fail the render.
func (b *Binding) Handle(req browser.Request) {
	url := req.URL()
	d := b.policy.Decide(url)

	b.mu.Lock()
	b.counts[d.Action]++
	b.mu.Unlock()
	InterceptDecisions.WithLabelValues(d.Action.String()).Inc()

	b.logger.Debug().
		Str("url", url).
		Str("action", d.Action.String()).
		Msg("Request intercepted")

	var err error
	switch d.Action {
	case ActionServePlaceholder:
		err = req.Respond(b.ctx, browser.Fulfillment{
			StatusCode:  http.StatusOK,
			ContentType: d.Placeholder.ContentType,
			Body:        d.Placeholder.Body,
		})
	case ActionServeCached:
		err = req.Respond(b.ctx, browser.Fulfillment{
			StatusCode:  d.Entry.StatusCode,
			Headers:     d.Entry.Headers,
			ContentType: d.Entry.ContentType,
			Body:        d.Entry.Data,
		})
	case ActionAbort:
		err = req.Abort(b.ctx)
	case ActionPassThroughAndCache:
		if err = req.Continue(b.ctx); err == nil {
			b.populate(req)
		}
	default:
		err = req.Continue(b.ctx)
	}

	if err != nil {
		InterceptErrors.WithLabelValues(d.Action.String()).Inc()
		b.logger.Debug().Err(err).
			Str("url", url).
			Str("action", d.Action.String()).
			Msg("Failed to resolve intercepted request")
	}
}

// populate waits for the continued request's response in the background
// and stores it.
func (b *Binding) populate(req browser.Request) {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		InterceptCacheWrites.WithLabelValues("abandoned").Inc()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()

	url := req.URL()
	go func() {
		defer b.wg.Done()

		entry, err := b.fetchEntry(req)
		if err != nil {
			if b.waitCtx.Err() != nil {
				InterceptCacheWrites.WithLabelValues("abandoned").Inc()
				return
			}
			InterceptCacheWrites.WithLabelValues("failed").Inc()
			b.logger.Debug().Err(err).Str("url", url).Msg("Response not cached")
			return
		}
		entry.Key = url

		if err := b.policy.store.Set(url, entry, b.policy.cfg.CacheExpiry); err != nil {
			InterceptCacheWrites.WithLabelValues("failed").Inc()
			b.logger.Warn().Err(err).Str("url", url).Msg("Cache write failed")
			return
		}
		InterceptCacheWrites.WithLabelValues("stored").Inc()
		b.logger.Debug().
			Str("url", url).
			Int("status", entry.StatusCode).
			Int("bytes", len(entry.Data)).
			Msg("Response cached")
	}()
}

func (b *Binding) fetchEntry(req browser.Request) (*cache.Entry, error) {
	resp, err := req.Response(b.waitCtx)
	if err != nil {
		return nil, fmt.Errorf("await response: %w", err)
	}
	bodyCtx, cancel := context.WithTimeout(b.ctx, bodyReadTimeout)
	defer cancel()
	body, err := resp.Body(bodyCtx)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return cache.NewEntry(resp.Status(), storableHeaders(resp.Headers()), body), nil
}

// storableHeaders drops headers that no longer describe the decoded body
// the driver hands back.
func storableHeaders(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		return http.Header{}
	}
	for _, name := range []string{"Content-Encoding", "Content-Length", "Transfer-Encoding", "Connection", "Keep-Alive"} {
		out.Del(name)
	}
	return out
}

// Close abandons cache writes still waiting for their response, lets
// writes for completed responses finish, and cancels the binding's driver
// calls. No write lands after Close returns.
func (b *Binding) Close() {
	b.mu.Lock()
	b.closing = true
	b.mu.Unlock()

	b.waitCancel()
	b.wg.Wait()
	b.cancel()
}

// Counts returns how many requests received each action.
func (b *Binding) Counts() map[Action]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[Action]int, len(b.counts))
	for a, n := range b.counts {
		out[a] = n
	}
	return out
}
