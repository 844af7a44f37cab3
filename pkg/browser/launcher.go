package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
)

// pingTimeout bounds the liveness probe sent to a browser.
const pingTimeout = 2 * time.Second

// LaunchConfig holds the settings used to start or attach to Chrome.
type LaunchConfig struct {
	// ExecPath is the Chrome binary; empty uses chromedp's lookup
	ExecPath string

	// RemoteURL attaches to an already running browser (ws:// or http://host:9222)
	// instead of starting a local process.
	RemoteURL string

	// Headless runs Chrome without a window
	Headless bool

	// NoSandbox disables the Chrome sandbox (required in most containers)
	NoSandbox bool
}

// DefaultLaunchConfig returns settings suitable for containerized rendering.
func DefaultLaunchConfig() LaunchConfig {
	return LaunchConfig{
		Headless:  true,
		NoSandbox: true,
	}
}

// Launcher starts Chrome processes.
type Launcher struct {
	config LaunchConfig
	logger zerolog.Logger
}

// NewLauncher creates a new launcher.
func NewLauncher(cfg LaunchConfig, logger zerolog.Logger) *Launcher {
	return &Launcher{
		config: cfg,
		logger: logger,
	}
}

// Launch starts (or attaches to) a browser. ctx bounds startup only; the
// returned browser lives until Close.
func (l *Launcher) Launch(ctx context.Context) (Browser, error) {
	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)

	if l.config.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), l.config.RemoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", l.config.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-extensions", true),
			chromedp.Flag("mute-audio", true),
		)
		if l.config.NoSandbox {
			opts = append(opts, chromedp.NoSandbox)
		}
		if l.config.ExecPath != "" {
			opts = append(opts, chromedp.ExecPath(l.config.ExecPath))
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Abort startup if the caller gives up, but don't tie the browser's
	// lifetime to ctx once it is running.
	stop := context.AfterFunc(ctx, browserCancel)
	err := chromedp.Run(browserCtx)
	if !stop() {
		allocCancel()
		return nil, fmt.Errorf("launch browser: %w", ctx.Err())
	}
	if err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	b := &chromeBrowser{
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
		logger:      l.logger,
	}

	l.logger.Debug().
		Bool("remote", l.config.RemoteURL != "").
		Msg("Browser launched")

	return b, nil
}

// chromeBrowser implements Browser on top of a chromedp browser context.
type chromeBrowser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	logger      zerolog.Logger
	closeOnce   sync.Once
}

func (b *chromeBrowser) NewContext(ctx context.Context) (Context, error) {
	tabCtx, cancel := chromedp.NewContext(b.ctx, chromedp.WithNewBrowserContext())
	if err := b.startTab(ctx, tabCtx, cancel); err != nil {
		return nil, fmt.Errorf("create browser context: %w", err)
	}
	return &chromeContext{browser: b, ctx: tabCtx, cancel: cancel}, nil
}

func (b *chromeBrowser) NewPage(ctx context.Context) (Page, error) {
	tabCtx, cancel := chromedp.NewContext(b.ctx)
	if err := b.startTab(ctx, tabCtx, cancel); err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	return openPage(ctx, b, tabCtx, cancel)
}

// openPage avoids returning a typed nil inside the Page interface.
func openPage(ctx context.Context, b *chromeBrowser, tabCtx context.Context, cancel context.CancelFunc) (Page, error) {
	p, err := newChromePage(ctx, b, tabCtx, cancel)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// startTab creates the target behind tabCtx, bounded by ctx.
func (b *chromeBrowser) startTab(ctx, tabCtx context.Context, cancel context.CancelFunc) error {
	stop := context.AfterFunc(ctx, cancel)
	err := chromedp.Run(tabCtx)
	if !stop() {
		return ctx.Err()
	}
	if err != nil {
		cancel()
		return b.classify(err)
	}
	return nil
}

func (b *chromeBrowser) Alive() bool {
	if b.ctx.Err() != nil {
		return false
	}
	c := chromedp.FromContext(b.ctx)
	if c == nil || c.Browser == nil {
		return false
	}

	pingCtx, cancel := context.WithTimeout(b.ctx, pingTimeout)
	defer cancel()
	_, _, _, _, _, err := cdpbrowser.GetVersion().Do(cdp.WithExecutor(pingCtx, c.Browser))
	return err == nil
}

func (b *chromeBrowser) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		b.allocCancel()
	})
	return nil
}

// classify maps a driver error onto ErrSessionLost when the browser itself
// is gone, so callers can tell a page-level failure from a crashed handle.
func (b *chromeBrowser) classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrSessionLost) {
		return err
	}
	if !b.Alive() {
		return fmt.Errorf("%w: %v", ErrSessionLost, err)
	}
	return err
}

// chromeContext is an incognito-style browser context. Its first page reuses
// the tab created alongside the context.
type chromeContext struct {
	browser *chromeBrowser
	ctx     context.Context
	cancel  context.CancelFunc

	mu   sync.Mutex
	used bool
}

func (c *chromeContext) NewPage(ctx context.Context) (Page, error) {
	c.mu.Lock()
	first := !c.used
	c.used = true
	c.mu.Unlock()

	if first {
		// The context's own tab; closing the context closes it.
		return openPage(ctx, c.browser, c.ctx, func() {})
	}

	tabCtx, cancel := chromedp.NewContext(c.ctx)
	if err := c.browser.startTab(ctx, tabCtx, cancel); err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	return openPage(ctx, c.browser, tabCtx, cancel)
}

func (c *chromeContext) Close() error {
	c.cancel()
	return nil
}
