package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
)

// lifecycleNetworkAlmostIdle fires once at most two connections have been
// open for 500ms.
const lifecycleNetworkAlmostIdle = "networkAlmostIdle"

// defaultScreenshotQuality is used when ScreenshotOptions.Quality is unset.
const defaultScreenshotQuality = 90

// chromePage implements Page on one chromedp tab.
type chromePage struct {
	browser *chromeBrowser
	ctx     context.Context
	cancel  context.CancelFunc
	logger  zerolog.Logger
	frameID cdp.FrameID

	closed    chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	handler     RequestHandler
	queue       []*fetch.EventRequestPaused
	queueSignal chan struct{}
	pending     map[network.RequestID]*pendingResponse
	mainResp    *chromeResponse
	idleLoaders map[cdp.LoaderID]bool
	idleCh      chan struct{}
}

func newChromePage(ctx context.Context, b *chromeBrowser, tabCtx context.Context, cancel context.CancelFunc) (*chromePage, error) {
	c := chromedp.FromContext(tabCtx)
	if c == nil || c.Target == nil {
		cancel()
		return nil, fmt.Errorf("%w: tab has no target", ErrSessionLost)
	}

	p := &chromePage{
		browser:     b,
		ctx:         tabCtx,
		cancel:      cancel,
		logger:      b.logger,
		frameID:     cdp.FrameID(c.Target.TargetID),
		closed:      make(chan struct{}),
		queueSignal: make(chan struct{}, 1),
		pending:     make(map[network.RequestID]*pendingResponse),
		idleLoaders: make(map[cdp.LoaderID]bool),
		idleCh:      make(chan struct{}),
	}

	// Listeners must never block: chromedp delivers events from its read loop.
	chromedp.ListenTarget(tabCtx, p.onEvent)

	if err := p.run(ctx,
		network.Enable(),
		page.Enable(),
		page.SetLifecycleEventsEnabled(true),
	); err != nil {
		p.Close()
		return nil, fmt.Errorf("enable page domains: %w", err)
	}

	return p, nil
}

func (p *chromePage) onEvent(ev interface{}) {
	switch ev := ev.(type) {
	case *fetch.EventRequestPaused:
		p.mu.Lock()
		p.queue = append(p.queue, ev)
		p.mu.Unlock()
		select {
		case p.queueSignal <- struct{}{}:
		default:
		}

	case *network.EventResponseReceived:
		if ev.Response == nil {
			return
		}
		resp := &chromeResponse{
			page:    p,
			id:      ev.RequestID,
			url:     ev.Response.URL,
			status:  int(ev.Response.Status),
			headers: toHTTPHeader(ev.Response.Headers),
		}
		p.mu.Lock()
		p.pendingLocked(ev.RequestID).resp = resp
		if p.mainResp == nil && ev.Type == network.ResourceTypeDocument && ev.FrameID == p.frameID {
			p.mainResp = resp
		}
		p.mu.Unlock()

	case *network.EventLoadingFinished:
		p.mu.Lock()
		pr := p.pendingLocked(ev.RequestID)
		p.mu.Unlock()
		pr.finish(nil)

	case *network.EventLoadingFailed:
		p.mu.Lock()
		pr := p.pendingLocked(ev.RequestID)
		p.mu.Unlock()
		pr.finish(fmt.Errorf("loading failed: %s", ev.ErrorText))

	case *page.EventLifecycleEvent:
		if ev.FrameID != p.frameID || ev.Name != lifecycleNetworkAlmostIdle {
			return
		}
		p.mu.Lock()
		p.idleLoaders[ev.LoaderID] = true
		close(p.idleCh)
		p.idleCh = make(chan struct{})
		p.mu.Unlock()
	}
}

// pendingLocked must be called with p.mu held.
func (p *chromePage) pendingLocked(id network.RequestID) *pendingResponse {
	pr, ok := p.pending[id]
	if !ok {
		pr = &pendingResponse{done: make(chan struct{})}
		p.pending[id] = pr
	}
	return pr
}

// run executes actions against the tab, bounded by ctx.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	select {
	case <-p.closed:
		return ErrPageClosed
	default:
	}

	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return p.browser.classify(err)
}

func (p *chromePage) SetViewport(ctx context.Context, vp Viewport) error {
	return p.run(ctx, emulation.SetDeviceMetricsOverride(int64(vp.Width), int64(vp.Height), 1.0, vp.Mobile))
}

func (p *chromePage) SetUserAgent(ctx context.Context, userAgent string) error {
	return p.run(ctx, emulation.SetUserAgentOverride(userAgent))
}

func (p *chromePage) EnableInterception(ctx context.Context, handler RequestHandler) error {
	p.mu.Lock()
	first := p.handler == nil
	p.handler = handler
	p.mu.Unlock()

	if first {
		go p.dispatch()
	}
	return p.run(ctx, fetch.Enable())
}

// dispatch hands paused requests to the handler one at a time.
func (p *chromePage) dispatch() {
	for {
		select {
		case <-p.closed:
			return
		case <-p.queueSignal:
		}

		for {
			p.mu.Lock()
			if len(p.queue) == 0 {
				p.mu.Unlock()
				break
			}
			ev := p.queue[0]
			p.queue = p.queue[1:]
			handler := p.handler
			p.mu.Unlock()

			req := &chromeRequest{
				page:      p,
				id:        ev.RequestID,
				networkID: ev.NetworkID,
				url:       requestURL(ev.Request),
			}
			p.handle(handler, req)
		}
	}
}

func (p *chromePage) handle(handler RequestHandler, req *chromeRequest) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic", r).
				Str("url", req.url).
				Msg("Request handler panicked, continuing request")
			_ = req.Continue(p.ctx)
		}
	}()
	handler(req)
}

func (p *chromePage) AddScriptOnNewDocument(ctx context.Context, script string) error {
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
		return err
	}))
}

func (p *chromePage) Navigate(ctx context.Context, url string, timeout time.Duration) (Response, error) {
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p.mu.Lock()
	p.mainResp = nil
	p.mu.Unlock()

	var (
		loaderID  cdp.LoaderID
		errorText string
	)
	err := p.run(navCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		_, loaderID, errorText, err = page.Navigate(url).Do(ctx)
		return err
	}))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return p.mainResponse(), ErrNavigationTimeout
		}
		return p.mainResponse(), fmt.Errorf("navigate: %w", err)
	}
	if errorText != "" {
		return p.mainResponse(), fmt.Errorf("navigate: %s", errorText)
	}

	if err := p.waitIdle(navCtx, loaderID); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return p.mainResponse(), ErrNavigationTimeout
		}
		return p.mainResponse(), err
	}
	return p.mainResponse(), nil
}

// mainResponse returns the first top-level document response, or nil.
func (p *chromePage) mainResponse() Response {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mainResp == nil {
		return nil
	}
	return p.mainResp
}

func (p *chromePage) waitIdle(ctx context.Context, loaderID cdp.LoaderID) error {
	for {
		p.mu.Lock()
		if p.idleLoaders[loaderID] {
			p.mu.Unlock()
			return nil
		}
		ch := p.idleCh
		p.mu.Unlock()

		select {
		case <-ch:
		case <-p.closed:
			return ErrPageClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *chromePage) Evaluate(ctx context.Context, expression string, out any) error {
	// A nil out discards the result, including undefined.
	return p.run(ctx, chromedp.Evaluate(expression, out))
}

func (p *chromePage) Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error) {
	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = defaultScreenshotQuality
	}

	var buf []byte
	var action chromedp.Action
	if opts.FullPage {
		// FullScreenshot switches to PNG at quality 100.
		action = chromedp.FullScreenshot(&buf, min(quality, 99))
	} else {
		action = chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			buf, err = page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatJpeg).
				WithQuality(int64(quality)).
				Do(ctx)
			return err
		})
	}

	if err := p.run(ctx, action); err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, nil
}

func (p *chromePage) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.cancel()
	})
	return nil
}

// pendingResponse tracks one network request until it finishes loading.
type pendingResponse struct {
	done chan struct{}
	once sync.Once
	resp *chromeResponse
	err  error
}

func (pr *pendingResponse) finish(err error) {
	pr.once.Do(func() {
		pr.err = err
		close(pr.done)
	})
}

// chromeRequest implements Request for a fetch.EventRequestPaused.
type chromeRequest struct {
	page      *chromePage
	id        fetch.RequestID
	networkID network.RequestID
	url       string
}

func (r *chromeRequest) URL() string {
	return r.url
}

func (r *chromeRequest) Respond(ctx context.Context, f Fulfillment) error {
	status := f.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	return r.page.run(ctx, fetch.FulfillRequest(r.id, int64(status)).
		WithResponseHeaders(toHeaderEntries(f.Headers, f.ContentType)).
		WithBody(base64.StdEncoding.EncodeToString(f.Body)))
}

func (r *chromeRequest) Abort(ctx context.Context) error {
	return r.page.run(ctx, fetch.FailRequest(r.id, network.ErrorReasonFailed))
}

func (r *chromeRequest) Continue(ctx context.Context) error {
	return r.page.run(ctx, fetch.ContinueRequest(r.id))
}

func (r *chromeRequest) Response(ctx context.Context) (Response, error) {
	if r.networkID == "" {
		return nil, fmt.Errorf("request %s has no network id", r.url)
	}

	r.page.mu.Lock()
	pr := r.page.pendingLocked(r.networkID)
	r.page.mu.Unlock()

	// A response that already finished wins over a concurrent cancel.
	select {
	case <-pr.done:
	default:
		select {
		case <-pr.done:
		case <-r.page.closed:
			return nil, ErrPageClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if pr.err != nil {
		return nil, pr.err
	}
	if pr.resp == nil {
		return nil, fmt.Errorf("request %s finished without a response", r.url)
	}
	return pr.resp, nil
}

// chromeResponse implements Response from network.EventResponseReceived.
type chromeResponse struct {
	page    *chromePage
	id      network.RequestID
	url     string
	status  int
	headers http.Header
}

func (r *chromeResponse) URL() string          { return r.url }
func (r *chromeResponse) Status() int          { return r.status }
func (r *chromeResponse) Headers() http.Header { return r.headers }

func (r *chromeResponse) Body(ctx context.Context) ([]byte, error) {
	var body []byte
	err := r.page.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		body, err = network.GetResponseBody(r.id).Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("get response body: %w", err)
	}
	return body, nil
}

func requestURL(req *network.Request) string {
	if req == nil {
		return ""
	}
	return req.URL + req.URLFragment
}

// toHTTPHeader converts CDP headers; multi-value headers arrive newline-separated.
func toHTTPHeader(h network.Headers) http.Header {
	out := make(http.Header, len(h))
	for key, value := range h {
		switch v := value.(type) {
		case string:
			for _, part := range strings.Split(v, "\n") {
				if trimmed := strings.TrimSpace(part); trimmed != "" {
					out.Add(key, trimmed)
				}
			}
		case []interface{}:
			for _, item := range v {
				if s, ok := item.(string); ok {
					out.Add(key, s)
				}
			}
		}
	}
	return out
}

func toHeaderEntries(h http.Header, contentType string) []*fetch.HeaderEntry {
	entries := make([]*fetch.HeaderEntry, 0, len(h)+1)
	for name, values := range h {
		if contentType != "" && http.CanonicalHeaderKey(name) == "Content-Type" {
			continue
		}
		for _, v := range values {
			entries = append(entries, &fetch.HeaderEntry{Name: name, Value: v})
		}
	}
	if contentType != "" {
		entries = append(entries, &fetch.HeaderEntry{Name: "Content-Type", Value: contentType})
	}
	return entries
}
