// Package render turns a URL into serialized HTML or a screenshot by
// driving a pooled browser.
//
// Each operation borrows one handle from the pool for its whole lifetime.
// Renders run in a fresh isolated browsing context with the interception
// policy bound to the page; screenshots use a plain page without
// interception.
package render

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/render-gateway/pkg/browser"
	"github.com/Sternrassler/render-gateway/pkg/intercept"
	"github.com/Sternrassler/render-gateway/pkg/pool"
)

// MobileUserAgent is sent when a mobile render is requested.
const MobileUserAgent = "Mozilla/5.0 (Linux; Android 8.0.0; Pixel 2 XL Build/OPD1.170816.004) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/68.0.3440.75 Mobile Safari/537.36"

// Config holds renderer settings.
type Config struct {
	// NavigationTimeout bounds the wait for network quiescence
	NavigationTimeout time.Duration

	// Viewport size used for renders; screenshots use caller dimensions
	ViewportWidth  int
	ViewportHeight int

	// MobileUserAgent replaces the browser's user agent for mobile requests
	MobileUserAgent string

	Hooks Hooks
}

// DefaultConfig returns the default renderer configuration.
func DefaultConfig() Config {
	return Config{
		NavigationTimeout: 10 * time.Second,
		ViewportWidth:     340,
		ViewportHeight:    640,
		MobileUserAgent:   MobileUserAgent,
		Hooks:             DefaultHooks(),
	}
}

// Result is a serialized page.
type Result struct {
	Status  int    `json:"status"`
	Content string `json:"content"`
}

// Dimensions is the screenshot viewport size.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Renderer executes render and screenshot sessions.
type Renderer struct {
	pool   *pool.Pool
	policy *intercept.Policy
	config Config
	logger zerolog.Logger
}

// New creates a renderer.
func New(p *pool.Pool, policy *intercept.Policy, cfg Config, logger zerolog.Logger) (*Renderer, error) {
	if p == nil {
		return nil, errors.New("render: pool is required")
	}
	if policy == nil {
		return nil, errors.New("render: interception policy is required")
	}
	if cfg.NavigationTimeout <= 0 {
		return nil, fmt.Errorf("render: navigation timeout must be positive (got %s)", cfg.NavigationTimeout)
	}
	if cfg.ViewportWidth <= 0 || cfg.ViewportHeight <= 0 {
		return nil, fmt.Errorf("render: invalid viewport %dx%d", cfg.ViewportWidth, cfg.ViewportHeight)
	}

	return &Renderer{
		pool:   p,
		policy: policy,
		config: cfg,
		logger: logger,
	}, nil
}

// Render serializes the page at target. Navigation-level conditions are
// reported as a status with empty content: 400 when no response was
// observed, 403 for blocked targets and metadata responses. An error is
// returned only when no handle could be acquired or the page could not be
// serialized.
func (r *Renderer) Render(ctx context.Context, target string, isMobile bool) (Result, error) {
	start := time.Now()
	s := r.newSession(ctx, "render", target)

	var (
		result Result
		err    error
	)
	if !r.policy.AllowNavigation(target) {
		s.logger.Warn().Msg("Navigation blocked by allow pattern")
		result = Result{Status: http.StatusForbidden}
	} else {
		err = r.pool.With(ctx, func(h *pool.Handle) error {
			s.handleAcquired(h)
			var runErr error
			result, runErr = r.render(ctx, s, h, target, isMobile)
			return runErr
		})
	}
	s.released()

	RenderDuration.WithLabelValues("render").Observe(time.Since(start).Seconds())
	if err != nil {
		RenderRequests.WithLabelValues("render", "error").Inc()
		s.logger.Error().Err(err).Msg("Render failed")
		return Result{}, err
	}

	RenderRequests.WithLabelValues("render", strconv.Itoa(result.Status)).Inc()
	s.logger.Info().
		Int("status", result.Status).
		Int("bytes", len(result.Content)).
		Dict("intercepted", s.interceptSummary()).
		Dur("duration", time.Since(start)).
		Msg("Render completed")
	return result, nil
}

func (r *Renderer) render(ctx context.Context, s *session, h *pool.Handle, target string, isMobile bool) (Result, error) {
	bctx, err := h.Browser.NewContext(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("create browsing context: %w", err)
	}
	defer s.closeQuietly(h, "context", bctx.Close)

	page, err := bctx.NewPage(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("open page: %w", err)
	}
	defer s.closeQuietly(h, "page", page.Close)

	// Closed before the page so no pending cache write outlives it.
	binding := r.policy.Bind(ctx, s.id)
	defer func() {
		binding.Close()
		s.intercepted = binding.Counts()
	}()

	for _, script := range r.config.Hooks.BeforeNavigation {
		if err := page.AddScriptOnNewDocument(ctx, script); err != nil {
			return Result{}, fmt.Errorf("add document script: %w", err)
		}
	}
	if err := page.EnableInterception(ctx, binding.Handle); err != nil {
		return Result{}, fmt.Errorf("enable interception: %w", err)
	}
	if err := r.emulate(ctx, page, r.config.ViewportWidth, r.config.ViewportHeight, isMobile); err != nil {
		return Result{}, err
	}
	s.advance(stateContextReady)

	resp, err := r.navigate(ctx, s, page, target, "render")
	if err != nil {
		return Result{}, err
	}

	if resp == nil {
		s.logger.Warn().Msg("No response observed")
		return Result{Status: http.StatusBadRequest}, nil
	}
	if isMetadataResponse(resp) {
		s.logger.Warn().Str("response_url", resp.URL()).Msg("Metadata service response blocked")
		return Result{Status: http.StatusForbidden}, nil
	}

	var override *string
	if err := page.Evaluate(ctx, statusCodeScript, &override); err != nil {
		if errors.Is(err, browser.ErrSessionLost) {
			return Result{}, err
		}
		s.logger.Debug().Err(err).Msg("Status override lookup failed")
	}
	var overrideValue string
	if override != nil {
		overrideValue = *override
	}
	status := ResolveStatus(resp.Status(), overrideValue)

	r.runHooks(ctx, s, page, target)

	var content string
	if err := page.Evaluate(ctx, serializeScript, &content); err != nil {
		return Result{}, fmt.Errorf("serialize page: %w", err)
	}
	s.advance(stateExtracted)

	return Result{Status: status, Content: content}, nil
}

// Screenshot captures target as a JPEG. Zero dimensions fall back to the
// render viewport. Blocked targets and metadata responses fail with
// KindForbidden; a navigation without any response fails with
// KindNoResponse.
func (r *Renderer) Screenshot(ctx context.Context, target string, isMobile bool, dims Dimensions, opts browser.ScreenshotOptions) ([]byte, error) {
	start := time.Now()
	s := r.newSession(ctx, "screenshot", target)

	var (
		img []byte
		err error
	)
	if !r.policy.AllowNavigation(target) {
		s.logger.Warn().Msg("Navigation blocked by allow pattern")
		err = &ScreenshotError{Kind: KindForbidden, URL: target, Err: ErrNavigationBlocked}
	} else {
		err = r.pool.With(ctx, func(h *pool.Handle) error {
			s.handleAcquired(h)
			var runErr error
			img, runErr = r.screenshot(ctx, s, h, target, isMobile, dims, opts)
			return runErr
		})
	}
	s.released()

	RenderDuration.WithLabelValues("screenshot").Observe(time.Since(start).Seconds())
	if err != nil {
		label := "error"
		if kind, ok := KindOf(err); ok {
			label = string(kind)
			s.logger.Warn().Str("kind", label).Msg("Screenshot refused")
		} else {
			s.logger.Error().Err(err).Msg("Screenshot failed")
		}
		RenderRequests.WithLabelValues("screenshot", label).Inc()
		return nil, err
	}

	RenderRequests.WithLabelValues("screenshot", "ok").Inc()
	s.logger.Info().
		Int("bytes", len(img)).
		Dur("duration", time.Since(start)).
		Msg("Screenshot completed")
	return img, nil
}

func (r *Renderer) screenshot(ctx context.Context, s *session, h *pool.Handle, target string, isMobile bool, dims Dimensions, opts browser.ScreenshotOptions) ([]byte, error) {
	page, err := h.Browser.NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	defer s.closeQuietly(h, "page", page.Close)

	width, height := dims.Width, dims.Height
	if width <= 0 || height <= 0 {
		width, height = r.config.ViewportWidth, r.config.ViewportHeight
	}
	if err := r.emulate(ctx, page, width, height, isMobile); err != nil {
		return nil, err
	}
	s.advance(stateContextReady)

	resp, err := r.navigate(ctx, s, page, target, "screenshot")
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, &ScreenshotError{Kind: KindNoResponse, URL: target}
	}
	if isMetadataResponse(resp) {
		return nil, &ScreenshotError{Kind: KindForbidden, URL: target}
	}

	img, err := page.Screenshot(ctx, opts)
	if err != nil {
		return nil, err
	}
	s.advance(stateExtracted)
	return img, nil
}

func (r *Renderer) emulate(ctx context.Context, page browser.Page, width, height int, isMobile bool) error {
	if err := page.SetViewport(ctx, browser.Viewport{Width: width, Height: height, Mobile: isMobile}); err != nil {
		return fmt.Errorf("set viewport: %w", err)
	}
	if isMobile && r.config.MobileUserAgent != "" {
		if err := page.SetUserAgent(ctx, r.config.MobileUserAgent); err != nil {
			return fmt.Errorf("set user agent: %w", err)
		}
	}
	return nil
}

// navigate recovers from timeouts and ordinary navigation errors by
// returning whatever response was observed. Only a lost session or a done
// ctx is an error.
func (r *Renderer) navigate(ctx context.Context, s *session, page browser.Page, target, kind string) (browser.Response, error) {
	s.advance(stateNavigating)
	resp, err := page.Navigate(ctx, target, r.config.NavigationTimeout)
	switch {
	case err == nil:
		s.advance(stateSettled)
	case errors.Is(err, browser.ErrNavigationTimeout):
		NavigationTimeouts.WithLabelValues(kind).Inc()
		s.logger.Warn().
			Dur("timeout", r.config.NavigationTimeout).
			Bool("has_response", resp != nil).
			Msg("Navigation timed out")
		s.advance(stateTimedOut)
	case errors.Is(err, browser.ErrSessionLost):
		return nil, err
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		s.logger.Warn().Err(err).Msg("Navigation error")
		s.advance(stateSettled)
	}
	return resp, nil
}

func (r *Renderer) runHooks(ctx context.Context, s *session, page browser.Page, target string) {
	u, err := url.Parse(target)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Skipping page hooks for unparsable URL")
		return
	}
	for _, hook := range r.config.Hooks.BeforeExtraction {
		if err := page.Evaluate(ctx, hook.Script(u), nil); err != nil {
			HookFailures.WithLabelValues(hook.Name).Inc()
			s.logger.Warn().Err(err).Str("hook", hook.Name).Msg("Page hook failed")
		}
	}
}
