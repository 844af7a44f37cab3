package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/render-gateway/internal/config"
	"github.com/Sternrassler/render-gateway/pkg/cache"
	"github.com/Sternrassler/render-gateway/pkg/intercept"
	"github.com/Sternrassler/render-gateway/pkg/logging"
	"github.com/Sternrassler/render-gateway/pkg/pool"
	"github.com/Sternrassler/render-gateway/pkg/ratelimit"
	"github.com/Sternrassler/render-gateway/pkg/render"
)

// gateway wires the cache, pool, interception policy and renderer behind
// the HTTP front door.
type gateway struct {
	cfg      *config.Config
	store    *cache.Store
	pool     *pool.Pool
	renderer *render.Renderer
	limiter  *ratelimit.Tracker
	logger   zerolog.Logger
}

func newGateway(cfg *config.Config, launcher pool.Launcher) (*gateway, error) {
	placeholders, err := loadPlaceholders(cfg.Cache.PlaceholderDir)
	if err != nil {
		return nil, err
	}

	store := cache.NewStore(cfg.Cache.Capacity)

	policy, err := intercept.NewPolicy(cfg.InterceptConfig(), store, placeholders, logging.NewLogger(logging.ComponentIntercept))
	if err != nil {
		return nil, err
	}

	p, err := pool.New(launcher, cfg.PoolSettings(), logging.NewLogger(logging.ComponentPool))
	if err != nil {
		return nil, err
	}

	renderer, err := render.New(p, policy, cfg.RendererConfig(), logging.NewLogger(logging.ComponentRender))
	if err != nil {
		p.Close()
		return nil, err
	}

	g := &gateway{
		cfg:      cfg,
		store:    store,
		pool:     p,
		renderer: renderer,
		logger:   logging.NewLogger(logging.ComponentHTTP),
	}
	if cfg.RateLimit.Enabled {
		g.limiter = ratelimit.NewTracker(cfg.LimiterConfig(), logging.NewLogger(logging.ComponentRateLimit))
	}
	return g, nil
}

func loadPlaceholders(dir string) (intercept.Placeholders, error) {
	placeholders, err := intercept.LoadPlaceholders(dir)
	if err != nil {
		return nil, fmt.Errorf("load placeholders from %s: %w", dir, err)
	}
	return placeholders, nil
}

// start warms the pool and launches background maintenance bound to ctx.
func (g *gateway) start(ctx context.Context) {
	if n := g.cfg.Pool.Warm; n > 0 {
		if err := g.pool.Warm(ctx, n); err != nil {
			g.logger.Error().Err(err).Int("count", n).Msg("Pool warm-up failed")
		} else {
			g.logger.Info().Int("count", n).Msg("Pool warmed")
		}
	}

	go g.pruneLoop(ctx, g.cfg.Cache.PruneInterval)
	if g.limiter != nil {
		go g.limiter.Run(ctx)
	}
}

func (g *gateway) pruneLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.store.Prune(); n > 0 {
				g.logger.Debug().Int("removed", n).Int("entries", g.store.Len()).Msg("Pruned expired cache entries")
			}
		}
	}
}

// close releases every browser. In-flight renders must have finished.
func (g *gateway) close() error {
	return g.pool.Close()
}

// handler returns the front door with access logging and, for render
// endpoints, rate limiting.
func (g *gateway) handler() http.Handler {
	return g.accessLog(http.HandlerFunc(g.route))
}
