package testutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Sternrassler/render-gateway/pkg/browser"
)

// Request resolutions recorded by FakeRequest.
const (
	ActionNone     = ""
	ActionRespond  = "respond"
	ActionAbort    = "abort"
	ActionContinue = "continue"
)

// ErrAlreadyHandled is returned when a request is resolved twice.
var ErrAlreadyHandled = errors.New("request already handled")

// FakeRequest is a paused request served from a Site.
type FakeRequest struct {
	site *Site
	url  string

	mu          sync.Mutex
	action      string
	fulfillment browser.Fulfillment
	continued   chan struct{}
}

// NewFakeRequest creates a standalone request for url served by site.
func NewFakeRequest(site *Site, url string) *FakeRequest {
	return &FakeRequest{
		site:      site,
		url:       url,
		continued: make(chan struct{}),
	}
}

func newPageRequest(p *FakePage, url string) *FakeRequest {
	return NewFakeRequest(p.browser.site, url)
}

func (r *FakeRequest) URL() string {
	return r.url
}

func (r *FakeRequest) resolve(action string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.action != ActionNone {
		return ErrAlreadyHandled
	}
	r.action = action
	return nil
}

func (r *FakeRequest) Respond(ctx context.Context, f browser.Fulfillment) error {
	if err := r.resolve(ActionRespond); err != nil {
		return err
	}
	r.mu.Lock()
	r.fulfillment = f
	r.mu.Unlock()
	return nil
}

func (r *FakeRequest) Abort(ctx context.Context) error {
	return r.resolve(ActionAbort)
}

func (r *FakeRequest) Continue(ctx context.Context) error {
	if err := r.resolve(ActionContinue); err != nil {
		return err
	}
	close(r.continued)
	return nil
}

// Response waits for the continued request's resource, honoring its Delay.
// A resource without Delay completes immediately even if ctx is done.
func (r *FakeRequest) Response(ctx context.Context) (browser.Response, error) {
	select {
	case <-r.continued:
	default:
		select {
		case <-r.continued:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	res, ok := r.site.fetch(r.url)
	if !ok {
		return nil, fmt.Errorf("loading failed: net::ERR_NAME_NOT_RESOLVED for %s", r.url)
	}

	if res.Delay > 0 {
		select {
		case <-time.After(res.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	status := res.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	return &fakeResponse{
		url:     r.url,
		status:  status,
		headers: res.Header(),
		body:    []byte(res.Body),
	}, nil
}

// Action returns how the request was resolved.
func (r *FakeRequest) Action() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.action
}

// Fulfillment returns the synthesized response passed to Respond.
func (r *FakeRequest) Fulfillment() browser.Fulfillment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fulfillment
}

type fakeResponse struct {
	url     string
	status  int
	headers http.Header
	body    []byte
}

func (r *fakeResponse) URL() string          { return r.url }
func (r *fakeResponse) Status() int          { return r.status }
func (r *fakeResponse) Headers() http.Header { return r.headers }

func (r *fakeResponse) Body(ctx context.Context) ([]byte, error) {
	return append([]byte(nil), r.body...), nil
}
