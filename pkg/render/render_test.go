package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/render-gateway/internal/testutil"
	"github.com/Sternrassler/render-gateway/pkg/browser"
	"github.com/Sternrassler/render-gateway/pkg/cache"
	"github.com/Sternrassler/render-gateway/pkg/intercept"
	"github.com/Sternrassler/render-gateway/pkg/logging"
	"github.com/Sternrassler/render-gateway/pkg/pool"
)

const (
	pageURL  = "https://www.example.com/products"
	cssURL   = "https://cdn.example.com/app.css?v=1"
	logoURL  = "https://cdn.example.com/logo.png"
	trackURL = "https://tracker.net/t.js"
)

type fixture struct {
	site     *testutil.Site
	launcher *testutil.FakeLauncher
	pool     *pool.Pool
	store    *cache.Store
	renderer *Renderer
}

func newFixture(t *testing.T, icfg intercept.Config) *fixture {
	t.Helper()

	site := testutil.NewSite()
	launcher := testutil.NewFakeLauncher(site)
	p, err := pool.New(launcher, pool.Config{MaxSize: 2}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	store := cache.NewStore(50)
	policy, err := intercept.NewPolicy(icfg, store, nil, zerolog.Nop())
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.NavigationTimeout = 100 * time.Millisecond
	r, err := New(p, policy, cfg, zerolog.Nop())
	require.NoError(t, err)

	return &fixture{site: site, launcher: launcher, pool: p, store: store, renderer: r}
}

func defaultInterceptConfig() intercept.Config {
	return intercept.Config{
		CacheExpiry:     time.Hour,
		CacheURLPattern: regexp.MustCompile(`^https://cdn\.example\.com/.*\.(css|js)$`),
		ImagePolicy:     intercept.ImagePlaceholder,
	}
}

// lastPage returns the most recent page opened on the first browser.
func (f *fixture) lastPage(t *testing.T) *testutil.FakePage {
	t.Helper()
	browsers := f.launcher.Browsers()
	require.NotEmpty(t, browsers)
	pages := browsers[0].Pages()
	require.NotEmpty(t, pages)
	return pages[len(pages)-1]
}

func TestRender_Success(t *testing.T) {
	f := newFixture(t, defaultInterceptConfig())
	html := `<html><head></head><body><h1>Products</h1></body></html>`
	f.site.Set(pageURL, testutil.NewHTMLPage(html, cssURL, logoURL, trackURL))
	f.site.Set(cssURL, testutil.NewAssetResponse("text/css", "h1{}"))
	f.site.Set(trackURL, testutil.NewAssetResponse("application/javascript", "track()"))

	res, err := f.renderer.Render(context.Background(), pageURL, false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, html, res.Content)

	page := f.lastPage(t)
	assert.True(t, page.Intercepted())
	assert.True(t, page.Closed())
	assert.Equal(t, browser.Viewport{Width: 340, Height: 640}, page.Viewport())
	assert.Empty(t, page.UserAgent())
	assert.Len(t, page.Scripts(), len(DefaultHooks().BeforeNavigation))
	assert.Equal(t, 0, f.launcher.Browsers()[0].OpenContexts(), "browsing context must be closed")

	actions := map[string]string{}
	for _, rec := range page.Requests() {
		actions[rec.URL] = rec.Action
	}
	assert.Equal(t, testutil.ActionContinue, actions[pageURL])
	assert.Equal(t, testutil.ActionContinue, actions[cssURL])
	assert.Equal(t, testutil.ActionRespond, actions[logoURL])
	assert.Equal(t, testutil.ActionContinue, actions[trackURL])

	// Hooks run between status resolution and serialization.
	evaluated := page.Evaluated()
	require.NotEmpty(t, evaluated)
	assert.Contains(t, evaluated[0], "render:status_code")
	assert.Contains(t, evaluated[len(evaluated)-1], "outerHTML")
	assert.Len(t, evaluated, len(DefaultHooks().BeforeExtraction)+2)

	stats := f.pool.Stats()
	assert.Equal(t, 0, stats.CheckedOut)
	assert.Equal(t, 1, stats.Free)
}

func TestRender_SessionLogsCarryRequestID(t *testing.T) {
	f := newFixture(t, defaultInterceptConfig())
	f.site.Set(pageURL, testutil.NewHTMLPage(`<html></html>`))

	var buf bytes.Buffer
	r, err := New(f.pool, f.renderer.policy, f.renderer.config, zerolog.New(&buf))
	require.NoError(t, err)

	ctx := logging.WithRequestID(context.Background(), "req-7")
	_, err = r.Render(ctx, pageURL, false)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"request_id":"req-7"`)
	assert.Contains(t, out, `"session":"`)
	assert.Contains(t, out, "Render completed")
}

func TestRender_CompletionLogSummarizesInterception(t *testing.T) {
	f := newFixture(t, defaultInterceptConfig())
	f.site.Set(pageURL, testutil.NewHTMLPage(`<html></html>`, cssURL, logoURL))
	f.site.Set(cssURL, testutil.NewAssetResponse("text/css", "h1{}"))

	var buf bytes.Buffer
	r, err := New(f.pool, f.renderer.policy, f.renderer.config, zerolog.New(&buf))
	require.NoError(t, err)

	_, err = r.Render(context.Background(), pageURL, false)
	require.NoError(t, err)

	var completed map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		if m["message"] == "Render completed" {
			completed = m
		}
	}
	require.NotNil(t, completed, "missing completion log")

	summary, ok := completed["intercepted"].(map[string]any)
	require.True(t, ok, "intercepted should be an object, got %v", completed["intercepted"])
	assert.Equal(t, float64(1), summary[intercept.ActionPassThroughAndCache.String()])
	assert.Equal(t, float64(1), summary[intercept.ActionServePlaceholder.String()])
}

func TestRender_Mobile(t *testing.T) {
	f := newFixture(t, defaultInterceptConfig())
	f.site.Set(pageURL, testutil.NewHTMLPage(`<html></html>`))

	_, err := f.renderer.Render(context.Background(), pageURL, true)
	require.NoError(t, err)

	page := f.lastPage(t)
	assert.Equal(t, MobileUserAgent, page.UserAgent())
	assert.True(t, page.Viewport().Mobile)
}

func TestRender_Status(t *testing.T) {
	tests := []struct {
		name     string
		resource testutil.Resource
		want     int
	}{
		{"override on 200", testutil.NewStatusOverridePage(http.StatusOK, "404"), http.StatusNotFound},
		{"override ignored on 500", testutil.NewStatusOverridePage(http.StatusInternalServerError, "404"), http.StatusInternalServerError},
		{"304 becomes 200", testutil.Resource{StatusCode: http.StatusNotModified, Body: "<html></html>"}, http.StatusOK},
		{"304 then override", testutil.NewStatusOverridePage(http.StatusNotModified, "410"), http.StatusGone},
		{"invalid override ignored", testutil.NewStatusOverridePage(http.StatusOK, "soon"), http.StatusOK},
		{"server error kept", testutil.NewServerErrorResponse(), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, defaultInterceptConfig())
			f.site.Set(pageURL, tt.resource)

			res, err := f.renderer.Render(context.Background(), pageURL, false)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
		})
	}
}

func TestRender_MetadataResponseForbidden(t *testing.T) {
	f := newFixture(t, defaultInterceptConfig())
	target := "http://metadata.google.internal/computeMetadata/v1/"
	f.site.Set(target, testutil.NewMetadataResponse())

	res, err := f.renderer.Render(context.Background(), target, false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, res.Status)
	assert.Empty(t, res.Content)
}

func TestRender_NoResponse(t *testing.T) {
	f := newFixture(t, defaultInterceptConfig())

	for _, target := range []string{"about:blank", "https://unknown.example.org/"} {
		res, err := f.renderer.Render(context.Background(), target, false)
		require.NoError(t, err, target)
		assert.Equal(t, http.StatusBadRequest, res.Status, target)
		assert.Empty(t, res.Content, target)
	}
}

func TestRender_TimeoutKeepsObservedResponse(t *testing.T) {
	f := newFixture(t, defaultInterceptConfig())
	res := testutil.NewHTMLPage(`<html><body>partial</body></html>`)
	res.NeverIdle = true
	f.site.Set(pageURL, res)

	got, err := f.renderer.Render(context.Background(), pageURL, false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, got.Status)
	assert.Contains(t, got.Content, "partial")
}

func TestRender_TimeoutWithoutResponse(t *testing.T) {
	f := newFixture(t, defaultInterceptConfig())
	res := testutil.NewHTMLPage(`<html></html>`)
	res.Delay = time.Second
	f.site.Set(pageURL, res)

	got, err := f.renderer.Render(context.Background(), pageURL, false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, got.Status)
}

func TestRender_AllowPattern(t *testing.T) {
	icfg := defaultInterceptConfig()
	icfg.AllowURLPattern = regexp.MustCompile(`^https://www\.example\.com/`)
	f := newFixture(t, icfg)
	f.site.Set(pageURL, testutil.NewHTMLPage(`<html></html>`))

	res, err := f.renderer.Render(context.Background(), "http://169.254.169.254/latest/meta-data/", false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, res.Status)
	assert.Empty(t, res.Content)
	assert.Equal(t, 0, f.launcher.Launches(), "blocked navigation must not touch the pool")

	res, err = f.renderer.Render(context.Background(), pageURL, false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
}

func TestRender_CachePopulatedAcrossSessions(t *testing.T) {
	f := newFixture(t, defaultInterceptConfig())
	f.site.Set(pageURL, testutil.NewHTMLPage(`<html></html>`, cssURL))
	f.site.Set(cssURL, testutil.NewAssetResponse("text/css", "h1{}"))

	_, err := f.renderer.Render(context.Background(), pageURL, false)
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.Len())

	_, err = f.renderer.Render(context.Background(), pageURL, false)
	require.NoError(t, err)

	page := f.lastPage(t)
	for _, rec := range page.Requests() {
		if rec.URL == cssURL {
			assert.Equal(t, testutil.ActionRespond, rec.Action, "second render is served from cache")
		}
	}
	assert.GreaterOrEqual(t, f.site.FetchCount(cssURL), 1)
	assert.LessOrEqual(t, f.site.FetchCount(cssURL), 2)
}

func TestRender_HookFailureDoesNotChangeOutcome(t *testing.T) {
	f := newFixture(t, defaultInterceptConfig())
	f.site.Set(pageURL, testutil.NewHTMLPage(`<html><body>ok</body></html>`))

	require.NoError(t, f.pool.Warm(context.Background(), 1))
	f.launcher.Browsers()[0].FailScriptsContaining("querySelectorAll('script")

	res, err := f.renderer.Render(context.Background(), pageURL, false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Contains(t, res.Content, "ok")
}

func TestRender_SessionLostDiscardsHandle(t *testing.T) {
	f := newFixture(t, defaultInterceptConfig())
	f.site.Set(pageURL, testutil.NewHTMLPage(`<html></html>`))

	require.NoError(t, f.pool.Warm(context.Background(), 1))
	crashed := f.launcher.Browsers()[0]
	crashed.SetCrashOnNavigate(true)

	_, err := f.renderer.Render(context.Background(), pageURL, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, browser.ErrSessionLost))
	assert.True(t, crashed.Closed(), "broken handle is closed")

	// The next render launches a replacement.
	res, err := f.renderer.Render(context.Background(), pageURL, false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, 2, f.launcher.Launches())
}

func TestRender_LaunchFailureSurfaced(t *testing.T) {
	f := newFixture(t, defaultInterceptConfig())
	f.launcher.SetError(errors.New("exec: chrome: not found"))

	_, err := f.renderer.Render(context.Background(), pageURL, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, pool.ErrLaunch)
}

func TestScreenshot(t *testing.T) {
	f := newFixture(t, defaultInterceptConfig())
	f.site.Set(pageURL, testutil.NewHTMLPage(`<html></html>`, logoURL))

	opts := browser.ScreenshotOptions{Quality: 70, FullPage: true}
	img, err := f.renderer.Screenshot(context.Background(), pageURL, true, Dimensions{Width: 1024, Height: 768}, opts)
	require.NoError(t, err)
	assert.Equal(t, testutil.FakeJPEG, img)

	page := f.lastPage(t)
	assert.False(t, page.Intercepted(), "screenshots do not intercept")
	assert.Equal(t, browser.Viewport{Width: 1024, Height: 768, Mobile: true}, page.Viewport())
	assert.Equal(t, MobileUserAgent, page.UserAgent())
	assert.Equal(t, []browser.ScreenshotOptions{opts}, page.Screenshots())
	assert.True(t, page.Closed())
}

func TestScreenshot_DefaultDimensions(t *testing.T) {
	f := newFixture(t, defaultInterceptConfig())
	f.site.Set(pageURL, testutil.NewHTMLPage(`<html></html>`))

	_, err := f.renderer.Screenshot(context.Background(), pageURL, false, Dimensions{}, browser.ScreenshotOptions{})
	require.NoError(t, err)
	assert.Equal(t, browser.Viewport{Width: 340, Height: 640}, f.lastPage(t).Viewport())
}

func TestScreenshot_ErrorKinds(t *testing.T) {
	icfg := defaultInterceptConfig()
	icfg.AllowURLPattern = regexp.MustCompile(`^https?://(www|metadata)\.`)
	f := newFixture(t, icfg)
	metadataURL := "http://metadata.google.internal/"
	f.site.Set(metadataURL, testutil.NewMetadataResponse())

	tests := []struct {
		name   string
		target string
		want   ErrorKind
	}{
		{"no response", "https://www.example.com/missing", KindNoResponse},
		{"metadata", metadataURL, KindForbidden},
		{"blocked", "https://evil.org/", KindForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.renderer.Screenshot(context.Background(), tt.target, false, Dimensions{}, browser.ScreenshotOptions{})
			require.Error(t, err)
			kind, ok := KindOf(err)
			require.True(t, ok, "error %v carries no kind", err)
			assert.Equal(t, tt.want, kind)
			assert.True(t, strings.Contains(err.Error(), string(tt.want)))
		})
	}
}

func TestNew_Validation(t *testing.T) {
	f := newFixture(t, defaultInterceptConfig())

	_, err := New(nil, f.renderer.policy, DefaultConfig(), zerolog.Nop())
	assert.Error(t, err)
	_, err = New(f.pool, nil, DefaultConfig(), zerolog.Nop())
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.NavigationTimeout = 0
	_, err = New(f.pool, f.renderer.policy, cfg, zerolog.Nop())
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.ViewportWidth = 0
	_, err = New(f.pool, f.renderer.policy, cfg, zerolog.Nop())
	assert.Error(t, err)
}
