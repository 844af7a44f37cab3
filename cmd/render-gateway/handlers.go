package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Sternrassler/render-gateway/pkg/browser"
	"github.com/Sternrassler/render-gateway/pkg/logging"
	"github.com/Sternrassler/render-gateway/pkg/metrics"
	"github.com/Sternrassler/render-gateway/pkg/pool"
	"github.com/Sternrassler/render-gateway/pkg/render"
)

const (
	renderPrefix     = "/render/"
	screenshotPrefix = "/screenshot/"
)

// route dispatches on path prefix. http.ServeMux is not used because it
// cleans "//" out of embedded target URLs and redirects.
func (g *gateway) route(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/health":
		g.handleHealth(w, r)
	case path == "/metrics":
		metrics.Handler().ServeHTTP(w, r)
	case strings.HasPrefix(path, renderPrefix):
		g.limited(g.handleRender).ServeHTTP(w, r)
	case strings.HasPrefix(path, screenshotPrefix):
		g.limited(g.handleScreenshot).ServeHTTP(w, r)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (g *gateway) limited(h http.HandlerFunc) http.Handler {
	if g.limiter == nil {
		return h
	}
	return g.limiter.Middleware(h)
}

func (g *gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"pool":          g.pool.Stats(),
		"cache_entries": g.store.Len(),
	})
}

func (g *gateway) handleRender(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r) {
		return
	}
	target, err := targetURL(r.URL.Path, renderPrefix)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.Render.Timeout)
	defer cancel()

	res, err := g.renderer.Render(ctx, target, queryBool(r, "mobile"))
	if err != nil {
		g.writeFailure(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(res.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write([]byte(res.Content))
	}
}

func (g *gateway) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r) {
		return
	}
	target, err := targetURL(r.URL.Path, screenshotPrefix)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var dims render.Dimensions
	var opts browser.ScreenshotOptions
	if dims.Width, err = queryInt(r, "width", 0, 10000); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if dims.Height, err = queryInt(r, "height", 0, 10000); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if opts.Quality, err = queryInt(r, "quality", 0, 100); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts.FullPage = queryBool(r, "fullPage")

	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.Render.Timeout)
	defer cancel()

	img, err := g.renderer.Screenshot(ctx, target, queryBool(r, "mobile"), dims, opts)
	if err != nil {
		if kind, ok := render.KindOf(err); ok {
			status := http.StatusBadRequest
			if kind == render.KindForbidden {
				status = http.StatusForbidden
			}
			writeError(w, status, string(kind))
			return
		}
		g.writeFailure(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(img)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(img)
	}
}

// writeFailure maps errors that produced no result to a status and a fixed
// message. The error itself is only logged.
func (g *gateway) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := failureStatus(err)
	if status == 0 {
		// client went away
		if r.Context().Err() != nil {
			return
		}
		status, msg = http.StatusInternalServerError, msgRenderFailed
	}
	g.logger.Error().Err(err).
		Str("request_id", logging.RequestID(r.Context())).
		Str("path", r.URL.Path).
		Int("status", status).
		Msg("Request failed")
	writeError(w, status, msg)
}

const (
	msgRenderFailed       = "render failed"
	msgBrowserUnavailable = "browser unavailable"
	msgTimeout            = "timeout"
)

// failureStatus returns 0 for a canceled request.
func failureStatus(err error) (int, string) {
	switch {
	case errors.Is(err, pool.ErrPoolClosed), errors.Is(err, pool.ErrLaunch):
		return http.StatusServiceUnavailable, msgBrowserUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, msgTimeout
	case errors.Is(err, context.Canceled):
		return 0, ""
	default:
		return http.StatusInternalServerError, msgRenderFailed
	}
}

// targetURL extracts the page URL from the request path. Proxies and
// clients often collapse "https://" to "https:/", which is repaired.
func targetURL(path, prefix string) (string, error) {
	raw := strings.TrimPrefix(path, prefix)
	if raw == "" {
		return "", errors.New("missing target url")
	}
	for _, scheme := range []string{"http:/", "https:/"} {
		if strings.HasPrefix(raw, scheme) && !strings.HasPrefix(raw, scheme+"/") {
			raw = scheme + "/" + raw[len(scheme):]
			break
		}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid target url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported target scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("target url has no host")
	}
	return u.String(), nil
}

func allowMethod(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	w.Header().Set("Allow", "GET, HEAD")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func queryBool(r *http.Request, key string) bool {
	v, ok := r.URL.Query()[key]
	if !ok {
		return false
	}
	if len(v) == 0 || v[0] == "" {
		return true
	}
	b, err := strconv.ParseBool(v[0])
	return err == nil && b
}

func queryInt(r *http.Request, key string, lo, hi int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("%s must be an integer in [%d, %d]", key, lo, hi)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusRecorder captures the status written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (g *gateway) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		rec.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(rec, r.WithContext(logging.WithRequestID(r.Context(), requestID)))

		level := g.logger.Debug()
		if strings.HasPrefix(r.URL.Path, renderPrefix) || strings.HasPrefix(r.URL.Path, screenshotPrefix) {
			level = g.logger.Info()
		}
		level.
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}
