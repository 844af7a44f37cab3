package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/Sternrassler/render-gateway/pkg/browser"
)

// FakeJPEG is the body returned by FakePage.Screenshot.
var FakeJPEG = []byte{0xFF, 0xD8, 0xFF, 0xE0, 'f', 'a', 'k', 'e', 0xFF, 0xD9}

// Site maps absolute URLs to resources for the fake browser.
type Site struct {
	mu        sync.RWMutex
	resources map[string]Resource
	fetches   map[string]int
}

// NewSite creates an empty site.
func NewSite() *Site {
	return &Site{
		resources: make(map[string]Resource),
		fetches:   make(map[string]int),
	}
}

// Set registers the resource served for url.
func (s *Site) Set(url string, res Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[url] = res
}

// FetchCount returns how many live fetches reached url.
func (s *Site) FetchCount(url string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fetches[url]
}

func (s *Site) fetch(url string) (Resource, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches[url]++
	res, ok := s.resources[url]
	return res, ok
}

func (s *Site) peek(url string) (Resource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.resources[url]
	return res, ok
}

// FakeLauncher launches FakeBrowsers serving one Site.
type FakeLauncher struct {
	site *Site

	mu       sync.Mutex
	err      error
	delay    time.Duration
	launches int
	browsers []*FakeBrowser
}

// NewFakeLauncher creates a launcher for site.
func NewFakeLauncher(site *Site) *FakeLauncher {
	return &FakeLauncher{site: site}
}

// SetError makes subsequent launches fail with err (nil restores success).
func (l *FakeLauncher) SetError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

// SetDelay makes each launch take d.
func (l *FakeLauncher) SetDelay(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delay = d
}

// Launch implements pool.Launcher.
func (l *FakeLauncher) Launch(ctx context.Context) (browser.Browser, error) {
	l.mu.Lock()
	l.launches++
	err, delay := l.err, l.delay
	l.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	b := NewFakeBrowser(l.site)
	l.mu.Lock()
	l.browsers = append(l.browsers, b)
	l.mu.Unlock()
	return b, nil
}

// Launches returns the number of Launch calls.
func (l *FakeLauncher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

// Browsers returns every browser launched so far.
func (l *FakeLauncher) Browsers() []*FakeBrowser {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*FakeBrowser(nil), l.browsers...)
}

// FakeBrowser is an in-process browser.Browser backed by a Site.
type FakeBrowser struct {
	site   *Site
	alive  atomic.Bool
	closed atomic.Bool

	mu              sync.Mutex
	openContexts    int
	pages           []*FakePage
	crashOnNavigate bool
	failScript      string
}

// NewFakeBrowser creates a live browser serving site.
func NewFakeBrowser(site *Site) *FakeBrowser {
	b := &FakeBrowser{site: site}
	b.alive.Store(true)
	return b
}

// Kill simulates a crashed browser process.
func (b *FakeBrowser) Kill() {
	b.alive.Store(false)
}

// SetCrashOnNavigate makes the next navigations kill the browser.
func (b *FakeBrowser) SetCrashOnNavigate(crash bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.crashOnNavigate = crash
}

// FailScriptsContaining makes Evaluate fail on this browser's pages for
// expressions containing s.
func (b *FakeBrowser) FailScriptsContaining(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failScript = s
}

func (b *FakeBrowser) NewContext(ctx context.Context) (browser.Context, error) {
	if !b.Alive() {
		return nil, browser.ErrSessionLost
	}
	b.mu.Lock()
	b.openContexts++
	b.mu.Unlock()
	return &fakeContext{browser: b}, nil
}

func (b *FakeBrowser) NewPage(ctx context.Context) (browser.Page, error) {
	if !b.Alive() {
		return nil, browser.ErrSessionLost
	}
	return b.newPage(nil), nil
}

func (b *FakeBrowser) newPage(c *fakeContext) *FakePage {
	b.mu.Lock()
	p := &FakePage{browser: b, context: c, failScript: b.failScript}
	b.pages = append(b.pages, p)
	b.mu.Unlock()
	return p
}

func (b *FakeBrowser) Alive() bool {
	return b.alive.Load() && !b.closed.Load()
}

func (b *FakeBrowser) Close() error {
	b.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (b *FakeBrowser) Closed() bool {
	return b.closed.Load()
}

// OpenContexts returns the number of contexts not yet closed.
func (b *FakeBrowser) OpenContexts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openContexts
}

// Pages returns every page opened on this browser.
func (b *FakeBrowser) Pages() []*FakePage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*FakePage(nil), b.pages...)
}

type fakeContext struct {
	browser *FakeBrowser
	once    sync.Once
}

func (c *fakeContext) NewPage(ctx context.Context) (browser.Page, error) {
	if !c.browser.Alive() {
		return nil, browser.ErrSessionLost
	}
	return c.browser.newPage(c), nil
}

func (c *fakeContext) Close() error {
	c.once.Do(func() {
		c.browser.mu.Lock()
		c.browser.openContexts--
		c.browser.mu.Unlock()
	})
	return nil
}

// RequestRecord is one request a FakePage issued and how it was resolved.
type RequestRecord struct {
	URL    string
	Action string
}

// FakePage is an in-process browser.Page.
type FakePage struct {
	browser *FakeBrowser
	context *fakeContext

	mu          sync.Mutex
	viewport    browser.Viewport
	userAgent   string
	scripts     []string
	evaluated   []string
	handler     browser.RequestHandler
	requests    []*FakeRequest
	html        string
	screenshots []browser.ScreenshotOptions
	failScript  string
	closed      bool
}

func (p *FakePage) check() error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return browser.ErrPageClosed
	}
	if !p.browser.Alive() {
		return browser.ErrSessionLost
	}
	return nil
}

func (p *FakePage) SetViewport(ctx context.Context, vp browser.Viewport) error {
	if err := p.check(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.viewport = vp
	return nil
}

func (p *FakePage) SetUserAgent(ctx context.Context, userAgent string) error {
	if err := p.check(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userAgent = userAgent
	return nil
}

func (p *FakePage) EnableInterception(ctx context.Context, handler browser.RequestHandler) error {
	if err := p.check(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
	return nil
}

func (p *FakePage) AddScriptOnNewDocument(ctx context.Context, script string) error {
	if err := p.check(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts = append(p.scripts, script)
	return nil
}

// Navigate issues the document request and then its subresources, passing
// each through the interception handler when one is installed.
func (p *FakePage) Navigate(ctx context.Context, url string, timeout time.Duration) (browser.Response, error) {
	if err := p.check(); err != nil {
		return nil, err
	}

	p.browser.mu.Lock()
	crash := p.browser.crashOnNavigate
	p.browser.mu.Unlock()
	if crash {
		p.browser.Kill()
		return nil, fmt.Errorf("%w: target crashed", browser.ErrSessionLost)
	}

	if url == "about:blank" {
		return nil, nil
	}

	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, known := p.browser.site.peek(url)
	if known && res.Delay >= timeout {
		<-navCtx.Done()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, browser.ErrNavigationTimeout
	}

	main := p.issue(navCtx, url)
	if main != nil {
		body, _ := main.Body(navCtx)
		p.mu.Lock()
		p.html = string(body)
		p.mu.Unlock()
	}

	for _, sub := range res.Subresources {
		p.issue(navCtx, sub)
	}

	if res.NeverIdle {
		<-navCtx.Done()
		if ctx.Err() != nil {
			return main, ctx.Err()
		}
		return main, browser.ErrNavigationTimeout
	}
	return main, nil
}

// issue sends one request through the handler and returns the response
// the page saw, or nil if it was aborted or failed.
func (p *FakePage) issue(ctx context.Context, url string) browser.Response {
	req := newPageRequest(p, url)

	p.mu.Lock()
	p.requests = append(p.requests, req)
	handler := p.handler
	p.mu.Unlock()

	if handler == nil {
		req.Continue(ctx)
	} else {
		handler(req)
	}

	switch req.Action() {
	case ActionRespond:
		f := req.Fulfillment()
		h := f.Headers.Clone()
		if h == nil {
			h = http.Header{}
		}
		if f.ContentType != "" {
			h.Set("Content-Type", f.ContentType)
		}
		return &fakeResponse{url: url, status: f.StatusCode, headers: h, body: f.Body}
	case ActionContinue:
		resp, err := req.Response(ctx)
		if err != nil {
			return nil
		}
		return resp
	default:
		return nil
	}
}

// Evaluate understands two expressions: reading the render:status_code
// meta tag and reading the document's outer HTML. Anything else is
// recorded and evaluates to null.
func (p *FakePage) Evaluate(ctx context.Context, expression string, out any) error {
	if err := p.check(); err != nil {
		return err
	}

	p.mu.Lock()
	p.evaluated = append(p.evaluated, expression)
	html, failScript := p.html, p.failScript
	p.mu.Unlock()

	if failScript != "" && strings.Contains(expression, failScript) {
		return errors.New("evaluation failed: ReferenceError")
	}

	var value any
	switch {
	case strings.Contains(expression, "render:status_code"):
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		if err != nil {
			return err
		}
		if content, ok := doc.Find(`meta[name="render:status_code"]`).Attr("content"); ok {
			value = content
		}
	case strings.Contains(expression, "outerHTML"):
		value = html
	}

	if out == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (p *FakePage) Screenshot(ctx context.Context, opts browser.ScreenshotOptions) ([]byte, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.screenshots = append(p.screenshots, opts)
	return append([]byte(nil), FakeJPEG...), nil
}

func (p *FakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// FailScriptsContaining makes Evaluate fail for expressions containing s.
func (p *FakePage) FailScriptsContaining(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failScript = s
}

// Viewport returns the last viewport set.
func (p *FakePage) Viewport() browser.Viewport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewport
}

// UserAgent returns the last user agent set.
func (p *FakePage) UserAgent() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userAgent
}

// Scripts returns scripts registered to run on new documents.
func (p *FakePage) Scripts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.scripts...)
}

// Evaluated returns every expression passed to Evaluate.
func (p *FakePage) Evaluated() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.evaluated...)
}

// Screenshots returns the options of every capture.
func (p *FakePage) Screenshots() []browser.ScreenshotOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]browser.ScreenshotOptions(nil), p.screenshots...)
}

// Requests returns every request the page issued with its resolution.
func (p *FakePage) Requests() []RequestRecord {
	p.mu.Lock()
	reqs := append([]*FakeRequest(nil), p.requests...)
	p.mu.Unlock()

	out := make([]RequestRecord, len(reqs))
	for i, r := range reqs {
		out[i] = RequestRecord{URL: r.URL(), Action: r.Action()}
	}
	return out
}

// Intercepted reports whether a handler was installed.
func (p *FakePage) Intercepted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler != nil
}

// Closed reports whether Close was called.
func (p *FakePage) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
