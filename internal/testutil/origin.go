// Package testutil provides test doubles for the render gateway: a mock
// origin web server and a scripted in-process browser driver, both serving
// the same Resource definitions.
package testutil

import (
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// Resource defines how an origin responds to one URL.
type Resource struct {
	StatusCode int
	Body       string
	Headers    map[string]string

	// Delay is applied before the response completes
	Delay time.Duration

	// Subresources are URLs the page requests after its document loads
	Subresources []string

	// NeverIdle keeps the fake browser's network busy so navigation times out
	NeverIdle bool
}

// Header returns the resource headers as an http.Header.
func (r Resource) Header() http.Header {
	h := make(http.Header, len(r.Headers))
	for k, v := range r.Headers {
		h.Set(k, v)
	}
	return h
}

// MockOrigin is a configurable origin web server for testing.
type MockOrigin struct {
	server    *httptest.Server
	mu        sync.RWMutex
	resources map[string]Resource
	counts    map[string]int

	// LastRequestHeader holds the headers of the most recent request
	LastRequestHeader http.Header
}

// NewMockOrigin creates a new mock origin server.
func NewMockOrigin() *MockOrigin {
	mock := &MockOrigin{
		resources: make(map[string]Resource),
		counts:    make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.counts[r.URL.Path]++
		mock.LastRequestHeader = r.Header.Clone()
		res, exists := mock.resources[r.URL.Path]
		mock.mu.Unlock()

		if !exists {
			http.NotFound(w, r)
			return
		}
		serveResource(w, res)
	}))

	return mock
}

func serveResource(w http.ResponseWriter, res Resource) {
	if res.Delay > 0 {
		time.Sleep(res.Delay)
	}
	for key, value := range res.Headers {
		w.Header().Set(key, value)
	}
	status := res.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if res.Body != "" {
		w.Write([]byte(res.Body))
	}
}

// URL returns the mock server URL.
func (m *MockOrigin) URL() string {
	return m.server.URL
}

// Port returns the port the mock server listens on.
func (m *MockOrigin) Port() int {
	return m.server.Listener.Addr().(*net.TCPAddr).Port
}

// Close shuts down the mock server.
func (m *MockOrigin) Close() {
	m.server.Close()
}

// SetResponse configures the response for a path.
func (m *MockOrigin) SetResponse(path string, res Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[path] = res
}

// RequestCount returns how many requests were made for path.
func (m *MockOrigin) RequestCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counts[path]
}

// Reset clears all request counters.
func (m *MockOrigin) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts = make(map[string]int)
	m.LastRequestHeader = nil
}

// NewHTMLPage creates a 200 text/html resource.
func NewHTMLPage(body string, subresources ...string) Resource {
	return Resource{
		StatusCode:   http.StatusOK,
		Body:         body,
		Headers:      map[string]string{"Content-Type": "text/html; charset=utf-8"},
		Subresources: subresources,
	}
}

// NewStatusOverridePage creates an HTML page carrying a render:status_code
// meta tag with the given code, served with status.
func NewStatusOverridePage(status int, override string) Resource {
	res := NewHTMLPage(`<html><head><meta name="render:status_code" content="` + override + `"></head><body>override</body></html>`)
	res.StatusCode = status
	return res
}

// NewMetadataResponse mimics a cloud instance-metadata endpoint.
func NewMetadataResponse() Resource {
	return Resource{
		StatusCode: http.StatusOK,
		Body:       `{"instance":{"id":"1234"}}`,
		Headers: map[string]string{
			"Metadata-Flavor": "Google",
			"Content-Type":    "application/json",
		},
	}
}

// NewAssetResponse creates a 200 response for a static asset.
func NewAssetResponse(contentType, body string) Resource {
	return Resource{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{"Content-Type": contentType},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error page.
func NewServerErrorResponse() Resource {
	res := NewHTMLPage(`<html><body>Internal server error</body></html>`)
	res.StatusCode = http.StatusInternalServerError
	return res
}
