package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/render-gateway/internal/config"
	"github.com/Sternrassler/render-gateway/internal/testutil"
	"github.com/Sternrassler/render-gateway/pkg/browser"
	"github.com/Sternrassler/render-gateway/pkg/cache"
	"github.com/Sternrassler/render-gateway/pkg/pool"
)

const (
	pageURL     = "https://www.example.com/products"
	metadataURL = "http://metadata.google.internal/"
)

type testGateway struct {
	*gateway
	site     *testutil.Site
	launcher *testutil.FakeLauncher
	srv      http.Handler
}

func newTestGateway(t *testing.T, env map[string]string) *testGateway {
	t.Helper()

	defaults := map[string]string{
		"POOL_MAX_SIZE":      "2",
		"NAVIGATION_TIMEOUT": "100ms",
		"RENDER_TIMEOUT":     "5s",
		"CACHE_URL_PATTERN":  `^https://cdn\.example\.com/.*\.(css|js)$`,
		"ALLOW_URL_PATTERN":  `^https?://(www|metadata)\.`,
		"RATE_LIMIT_ENABLED": "false",
	}
	for k, v := range defaults {
		t.Setenv(k, v)
	}
	for k, v := range env {
		t.Setenv(k, v)
	}

	cfg, err := config.Load()
	require.NoError(t, err)

	site := testutil.NewSite()
	launcher := testutil.NewFakeLauncher(site)
	g, err := newGateway(cfg, launcher)
	require.NoError(t, err)
	t.Cleanup(func() { g.close() })

	return &testGateway{gateway: g, site: site, launcher: launcher, srv: g.handler()}
}

func (tg *testGateway) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	tg.srv.ServeHTTP(rec, req)
	return rec
}

func (tg *testGateway) lastPage(t *testing.T) *testutil.FakePage {
	t.Helper()
	browsers := tg.launcher.Browsers()
	require.NotEmpty(t, browsers)
	pages := browsers[0].Pages()
	require.NotEmpty(t, pages)
	return pages[len(pages)-1]
}

func TestHealth(t *testing.T) {
	tg := newTestGateway(t, nil)

	rec := tg.get(t, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status string `json:"status"`
		Pool   struct {
			MaxSize int `json:"max_size"`
			Live    int `json:"live"`
		} `json:"pool"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 2, body.Pool.MaxSize)
	assert.Equal(t, 0, body.Pool.Live)
}

func TestRender(t *testing.T) {
	tg := newTestGateway(t, nil)
	html := `<html><head></head><body>products</body></html>`
	tg.site.Set(pageURL, testutil.NewHTMLPage(html))

	rec := tg.get(t, "/render/"+pageURL)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, html, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRender_CollapsedSchemeRepaired(t *testing.T) {
	tg := newTestGateway(t, nil)
	tg.site.Set(pageURL, testutil.NewHTMLPage(`<html></html>`))

	rec := tg.get(t, "/render/https:/www.example.com/products")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `<html></html>`, rec.Body.String())
}

func TestRender_Mobile(t *testing.T) {
	tg := newTestGateway(t, nil)
	tg.site.Set(pageURL, testutil.NewHTMLPage(`<html></html>`))

	rec := tg.get(t, "/render/"+pageURL+"?mobile")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, tg.lastPage(t).Viewport().Mobile)
}

func TestRender_Outcomes(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		resource *testutil.Resource
		want     int
	}{
		{"status override", pageURL, ptr(testutil.NewStatusOverridePage(http.StatusOK, "404")), http.StatusNotFound},
		{"origin error", pageURL, ptr(testutil.NewServerErrorResponse()), http.StatusInternalServerError},
		{"metadata", metadataURL, ptr(testutil.NewMetadataResponse()), http.StatusForbidden},
		{"no response", "https://www.example.com/missing", nil, http.StatusBadRequest},
		{"blocked by allow pattern", "https://evil.org/", nil, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tg := newTestGateway(t, nil)
			if tt.resource != nil {
				tg.site.Set(tt.target, *tt.resource)
			}

			rec := tg.get(t, "/render/"+tt.target)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRender_BlockedDoesNotLaunch(t *testing.T) {
	tg := newTestGateway(t, nil)

	rec := tg.get(t, "/render/https://evil.org/")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, 0, tg.launcher.Launches())
}

func TestRender_LaunchFailure(t *testing.T) {
	tg := newTestGateway(t, nil)
	tg.launcher.SetError(errors.New("chrome not found"))

	rec := tg.get(t, "/render/"+pageURL)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "browser unavailable", errorMessage(t, rec))
	assert.NotContains(t, rec.Body.String(), "chrome not found")
}

func TestRender_BadTarget(t *testing.T) {
	tg := newTestGateway(t, nil)

	for _, path := range []string{"/render/", "/render/ftp://www.example.com/", "/render/https://"} {
		rec := tg.get(t, path)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
	assert.Equal(t, 0, tg.launcher.Launches())
}

func TestScreenshot(t *testing.T) {
	tg := newTestGateway(t, nil)
	tg.site.Set(pageURL, testutil.NewHTMLPage(`<html></html>`))

	rec := tg.get(t, "/screenshot/"+pageURL+"?width=800&height=600&quality=50&fullPage=true")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, testutil.FakeJPEG, body)

	page := tg.lastPage(t)
	assert.Equal(t, browser.Viewport{Width: 800, Height: 600}, page.Viewport())
	assert.Equal(t, []browser.ScreenshotOptions{{Quality: 50, FullPage: true}}, page.Screenshots())
}

func TestScreenshot_Errors(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		want    int
		wantMsg string
	}{
		{"no response", "/screenshot/https://www.example.com/missing", http.StatusBadRequest, "NoResponse"},
		{"metadata", "/screenshot/" + metadataURL, http.StatusForbidden, "Forbidden"},
		{"blocked", "/screenshot/https://evil.org/", http.StatusForbidden, "Forbidden"},
		{"bad width", "/screenshot/" + pageURL + "?width=wide", http.StatusBadRequest, "width must be an integer in [0, 10000]"},
		{"quality out of range", "/screenshot/" + pageURL + "?quality=101", http.StatusBadRequest, "quality must be an integer in [0, 100]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tg := newTestGateway(t, nil)
			tg.site.Set(metadataURL, testutil.NewMetadataResponse())

			rec := tg.get(t, tt.path)
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.wantMsg, errorMessage(t, rec))
		})
	}
}

func TestRouting(t *testing.T) {
	tg := newTestGateway(t, nil)

	rec := tg.get(t, "/nothing-here")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/render/"+pageURL, nil)
	rec = httptest.NewRecorder()
	tg.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET, HEAD", rec.Header().Get("Allow"))
}

func TestRequestIDEchoed(t *testing.T) {
	tg := newTestGateway(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "trace-abc")
	rec := httptest.NewRecorder()
	tg.srv.ServeHTTP(rec, req)

	assert.Equal(t, "trace-abc", rec.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	tg := newTestGateway(t, nil)
	tg.site.Set(pageURL, testutil.NewHTMLPage(`<html></html>`))
	tg.get(t, "/render/"+pageURL)

	rec := tg.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "render_requests_total")
	assert.Contains(t, rec.Body.String(), "render_pool_handles")
}

func TestRateLimit(t *testing.T) {
	tg := newTestGateway(t, map[string]string{
		"RATE_LIMIT_ENABLED": "true",
		"RATE_LIMIT_RPS":     "0.1",
		"RATE_LIMIT_BURST":   "1",
	})
	tg.site.Set(pageURL, testutil.NewHTMLPage(`<html></html>`))

	assert.Equal(t, http.StatusOK, tg.get(t, "/render/"+pageURL).Code)
	assert.Equal(t, http.StatusTooManyRequests, tg.get(t, "/render/"+pageURL).Code)
	assert.Equal(t, http.StatusTooManyRequests, tg.get(t, "/screenshot/"+pageURL).Code)
	assert.Equal(t, http.StatusOK, tg.get(t, "/health").Code, "health is not rate limited")
}

func TestPruneLoop(t *testing.T) {
	tg := newTestGateway(t, map[string]string{"CACHE_PRUNE_INTERVAL": "10ms"})
	require.NoError(t, tg.store.Set("https://cdn.example.com/app.css", cache.NewEntry(http.StatusOK, http.Header{}, []byte("h1{}")), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tg.start(ctx)

	assert.Eventually(t, func() bool { return tg.store.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestStart_WarmsPool(t *testing.T) {
	tg := newTestGateway(t, map[string]string{"POOL_WARM": "2"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tg.start(ctx)

	assert.Equal(t, 2, tg.launcher.Launches())
	assert.Equal(t, 2, tg.pool.Stats().Free)
}

func TestTargetURL(t *testing.T) {
	tests := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{path: "/render/https://example.com/a", want: "https://example.com/a"},
		{path: "/render/https:/example.com/a", want: "https://example.com/a"},
		{path: "/render/http:/example.com", want: "http://example.com"},
		{path: "/render/https://example.com/a?b=1", want: "https://example.com/a?b=1"},
		{path: "/render/", wantErr: true},
		{path: "/render/example.com", wantErr: true},
		{path: "/render/javascript:alert(1)", wantErr: true},
		{path: "/render/https://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := targetURL(tt.path, renderPrefix)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQueryBool(t *testing.T) {
	tests := map[string]bool{
		"/?mobile":        true,
		"/?mobile=":       true,
		"/?mobile=true":   true,
		"/?mobile=1":      true,
		"/?mobile=false":  false,
		"/?mobile=nope":   false,
		"/?fullPage=true": false,
		"/":               false,
	}

	for target, want := range tests {
		t.Run(target, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, target, nil)
			assert.Equal(t, want, queryBool(r, "mobile"))
		})
	}
}

func TestFailureStatus(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{"pool closed", pool.ErrPoolClosed, http.StatusServiceUnavailable, "browser unavailable"},
		{"launch", fmt.Errorf("%w: exec: chrome: not found", pool.ErrLaunch), http.StatusServiceUnavailable, "browser unavailable"},
		{"deadline", fmt.Errorf("navigate: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, "timeout"},
		{"canceled", context.Canceled, 0, ""},
		{"driver", errors.New("cdp: websocket: close 1006"), http.StatusInternalServerError, "render failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, msg := failureStatus(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantMsg, msg)
		})
	}
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func ptr[T any](v T) *T { return &v }
