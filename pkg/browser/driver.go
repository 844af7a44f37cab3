// Package browser defines the automation-driver capability the renderer
// consumes and provides a chromedp implementation of it.
//
// The renderer never talks to Chrome directly. It works with four
// interfaces: Browser (one browser process), Context (an isolated,
// incognito-style browsing context), Page (one tab) and Request (one
// intercepted network request).
package browser

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var (
	// ErrSessionLost indicates the underlying automation session crashed or
	// its connection dropped. Handles that report it must not be reused.
	ErrSessionLost = errors.New("browser session lost")

	// ErrNavigationTimeout indicates navigation did not reach network
	// quiescence before its deadline.
	ErrNavigationTimeout = errors.New("navigation timeout")

	// ErrPageClosed is returned by operations on a page that has been closed.
	ErrPageClosed = errors.New("page closed")
)

// Browser is one running browser process.
type Browser interface {
	// NewContext creates an isolated browsing context. Cookies, storage and
	// HTTP cache are not shared with other contexts.
	NewContext(ctx context.Context) (Context, error)

	// NewPage opens a page in the browser's default context.
	NewPage(ctx context.Context) (Page, error)

	// Alive reports whether the automation session is still usable.
	Alive() bool

	// Close shuts the browser down.
	Close() error
}

// Context is an isolated browsing context.
type Context interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Viewport describes page emulation settings.
type Viewport struct {
	Width  int
	Height int
	Mobile bool
}

// ScreenshotOptions controls screenshot capture. Images are always JPEG.
type ScreenshotOptions struct {
	// Quality is the JPEG quality in [1, 100]; 0 uses the driver default
	Quality int `json:"quality,omitempty"`

	// FullPage captures the whole scrollable page instead of the viewport
	FullPage bool `json:"fullPage,omitempty"`
}

// RequestHandler is invoked for every request a page issues while
// interception is enabled. Calls for one page are sequential.
type RequestHandler func(req Request)

// Page is one browser tab.
type Page interface {
	SetViewport(ctx context.Context, vp Viewport) error
	SetUserAgent(ctx context.Context, userAgent string) error

	// EnableInterception pauses every outgoing request and hands it to
	// handler, which must resolve it with Respond, Abort or Continue.
	EnableInterception(ctx context.Context, handler RequestHandler) error

	// AddScriptOnNewDocument evaluates script in every new document
	// before any of the page's own scripts run.
	AddScriptOnNewDocument(ctx context.Context, script string) error

	// Navigate loads url and waits for network quiescence or timeout.
	// It returns the first top-level response observed, which may be
	// non-nil together with ErrNavigationTimeout.
	Navigate(ctx context.Context, url string, timeout time.Duration) (Response, error)

	// Evaluate runs expression in the page and decodes its result into out.
	Evaluate(ctx context.Context, expression string, out any) error

	Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error)

	Close() error
}

// Fulfillment is a synthesized response served for an intercepted request.
type Fulfillment struct {
	StatusCode  int
	Headers     http.Header
	ContentType string
	Body        []byte
}

// Request is a paused network request.
type Request interface {
	// URL is the full request URL including the query string.
	URL() string

	Respond(ctx context.Context, f Fulfillment) error
	Abort(ctx context.Context) error
	Continue(ctx context.Context) error

	// Response blocks until the continued request's response has fully
	// loaded, the request fails, or ctx is done.
	Response(ctx context.Context) (Response, error)
}

// Response is a received network response.
type Response interface {
	URL() string
	Status() int
	Headers() http.Header
	Body(ctx context.Context) ([]byte, error)
}
