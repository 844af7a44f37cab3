// Command render-gateway serves server-side rendered pages and screenshots
// from a pool of headless Chrome instances.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/render-gateway/internal/config"
	"github.com/Sternrassler/render-gateway/pkg/browser"
	"github.com/Sternrassler/render-gateway/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "render-gateway: %v\n", err)
		os.Exit(2)
	}
	logging.Setup(cfg.LoggingConfig())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	launcher := browser.NewLauncher(cfg.LaunchConfig(), logging.NewLogger(logging.ComponentBrowser))
	g, err := newGateway(cfg, launcher)
	if err != nil {
		return err
	}
	defer func() {
		if err := g.close(); err != nil {
			g.logger.Error().Err(err).Msg("Closing browser pool failed")
		}
	}()

	g.start(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           g.handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Render.Timeout + 10*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info().
			Str("addr", srv.Addr).
			Int("pool_max", cfg.Pool.MaxSize).
			Bool("remote_chrome", cfg.Chrome.RemoteURL != "").
			Msg("Starting render gateway")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	g.logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
