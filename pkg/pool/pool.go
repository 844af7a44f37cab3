// Package pool manages a bounded set of expensive, crash-prone browser
// handles with exclusive checkout.
//
// At most MaxSize handles are ever live (free or checked out). Handles are
// launched lazily on Acquire, reused while healthy and discarded when
// released as Broken. Callers that find the pool exhausted wait in
// first-come-first-served order.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Sternrassler/render-gateway/pkg/browser"
)

var (
	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("pool closed")

	// ErrLaunch wraps failures to start a new browser.
	ErrLaunch = errors.New("browser launch failed")

	// ErrReleased is returned when a handle is released twice or was never
	// checked out from this pool.
	ErrReleased = errors.New("handle not checked out")
)

// Launcher starts new browsers for the pool.
type Launcher interface {
	Launch(ctx context.Context) (browser.Browser, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context) (browser.Browser, error)

// Launch calls f(ctx).
func (f LauncherFunc) Launch(ctx context.Context) (browser.Browser, error) {
	return f(ctx)
}

// Config holds pool settings.
type Config struct {
	// MaxSize bounds the number of live handles
	MaxSize int
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	MaxSize    int `json:"max_size"`
	Live       int `json:"live"`
	Free       int `json:"free"`
	CheckedOut int `json:"checked_out"`
	Waiting    int `json:"waiting"`
}

// Pool is a bounded pool of browser handles. It is safe for concurrent use.
type Pool struct {
	launcher Launcher
	maxSize  int
	logger   zerolog.Logger

	// sem holds one permit per checked-out (or launching) handle. Its
	// waiters are served in FIFO order.
	sem *semaphore.Weighted

	mu         sync.Mutex
	free       []*Handle
	live       int
	checkedOut map[*Handle]struct{}
	closed     bool

	waiting     atomic.Int64
	closeCtx    context.Context
	closeCancel context.CancelFunc
}

// New creates an empty pool. No browser is launched until Acquire or Warm.
func New(launcher Launcher, cfg Config, logger zerolog.Logger) (*Pool, error) {
	if launcher == nil {
		return nil, errors.New("pool: launcher is required")
	}
	if cfg.MaxSize <= 0 {
		return nil, fmt.Errorf("pool: max size must be positive (got %d)", cfg.MaxSize)
	}

	closeCtx, closeCancel := context.WithCancel(context.Background())
	p := &Pool{
		launcher:    launcher,
		maxSize:     cfg.MaxSize,
		logger:      logger,
		sem:         semaphore.NewWeighted(int64(cfg.MaxSize)),
		checkedOut:  make(map[*Handle]struct{}),
		closeCtx:    closeCtx,
		closeCancel: closeCancel,
	}
	p.updateGauges()
	return p, nil
}

// Acquire checks out a handle, launching one if none is free and the pool
// is below MaxSize. Otherwise it blocks until a handle is released or ctx
// is done. A launch failure is returned wrapped in ErrLaunch; the pool does
// not retry.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	start := time.Now()

	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.closeCtx, cancel)
	defer stop()

	p.waiting.Add(1)
	PoolWaiting.Inc()
	err := p.sem.Acquire(acquireCtx, 1)
	p.waiting.Add(-1)
	PoolWaiting.Dec()
	PoolAcquireWait.Observe(time.Since(start).Seconds())

	if err != nil {
		if p.closeCtx.Err() != nil && ctx.Err() == nil {
			return nil, ErrPoolClosed
		}
		return nil, err
	}

	h, err := p.checkout(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return h, nil
}

// checkout runs while holding a permit, so either a free handle exists or
// the pool is below MaxSize.
func (p *Pool) checkout(ctx context.Context) (*Handle, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if n := len(p.free); n > 0 {
			h := p.free[n-1]
			p.free = p.free[:n-1]
			p.mu.Unlock()

			if !h.Browser.Alive() {
				p.logger.Warn().
					Str("handle_id", h.ID.String()).
					Dur("age", time.Since(h.CreatedAt)).
					Msg("Discarding dead free handle")
				p.discard(h)
				continue
			}

			p.markCheckedOut(h)
			return h, nil
		}

		if p.live >= p.maxSize {
			// Every live handle is free or owned by a permit holder, so
			// this only happens if accounting is broken.
			p.mu.Unlock()
			return nil, fmt.Errorf("pool: no capacity with permit held (live=%d)", p.live)
		}
		p.live++
		p.mu.Unlock()

		h, err := p.launch(ctx)
		if err != nil {
			return nil, err
		}
		p.markCheckedOut(h)
		return h, nil
	}
}

// launch starts one browser against a reserved live slot. On failure the
// slot is returned.
func (p *Pool) launch(ctx context.Context) (*Handle, error) {
	b, err := p.launcher.Launch(ctx)
	if err != nil {
		p.mu.Lock()
		p.live--
		p.mu.Unlock()
		p.updateGauges()
		PoolLaunchErrors.Inc()
		p.logger.Error().Err(err).Msg("Browser launch failed")
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	h := newHandle(b)
	p.logger.Debug().
		Str("handle_id", h.ID.String()).
		Msg("Browser handle created")
	return h, nil
}

func (p *Pool) markCheckedOut(h *Handle) {
	h.mu.Lock()
	h.state = StateCheckedOut
	h.broken = false
	h.uses++
	h.mu.Unlock()

	p.mu.Lock()
	p.checkedOut[h] = struct{}{}
	p.mu.Unlock()
	p.updateGauges()
}

// Release returns a checked-out handle. Broken outcomes (or handles flagged
// with MarkBroken) are closed and never handed out again.
func (p *Pool) Release(h *Handle, outcome Outcome) error {
	if h == nil {
		return ErrReleased
	}

	p.mu.Lock()
	if _, ok := p.checkedOut[h]; !ok {
		p.mu.Unlock()
		return ErrReleased
	}
	delete(p.checkedOut, h)
	closed := p.closed
	p.mu.Unlock()

	h.mu.Lock()
	broken := outcome == Broken || h.broken
	h.mu.Unlock()

	switch {
	case broken:
		PoolBroken.Inc()
		p.logger.Warn().
			Str("handle_id", h.ID.String()).
			Int("uses", h.Uses()).
			Dur("age", time.Since(h.CreatedAt)).
			Msg("Discarding broken browser handle")
		p.discard(h)
	case closed:
		p.discard(h)
	default:
		h.mu.Lock()
		h.state = StateFree
		h.mu.Unlock()

		p.mu.Lock()
		p.free = append(p.free, h)
		p.mu.Unlock()
		p.updateGauges()
	}

	p.sem.Release(1)
	return nil
}

// discard closes a handle's browser and frees its live slot.
func (p *Pool) discard(h *Handle) {
	h.mu.Lock()
	h.state = StateBroken
	h.mu.Unlock()

	p.mu.Lock()
	p.live--
	p.mu.Unlock()
	p.updateGauges()

	if err := h.Browser.Close(); err != nil {
		p.logger.Debug().Err(err).
			Str("handle_id", h.ID.String()).
			Msg("Closing discarded browser failed")
	}
}

// With acquires a handle, runs fn and releases the handle on every exit
// path. The handle is released as Broken if fn returns an error wrapping
// browser.ErrSessionLost, calls MarkBroken, or panics.
func (p *Pool) With(ctx context.Context, fn func(h *Handle) error) (err error) {
	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	outcome := Broken
	defer func() {
		if relErr := p.Release(h, outcome); relErr != nil {
			p.logger.Error().Err(relErr).Msg("Release failed")
		}
	}()

	err = fn(h)
	if !errors.Is(err, browser.ErrSessionLost) {
		outcome = Healthy
	}
	return err
}

// Warm launches up to n handles ahead of demand, bounded by MaxSize and by
// the permits currently available. It returns the first launch error;
// handles that did start are kept.
func (p *Pool) Warm(ctx context.Context, n int) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	n = min(n, p.maxSize-p.live)
	reserved := 0
	for reserved < n && p.sem.TryAcquire(1) {
		reserved++
	}
	p.live += reserved
	p.mu.Unlock()

	if reserved == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < reserved; i++ {
		g.Go(func() error {
			defer p.sem.Release(1)
			h, err := p.launch(gctx)
			if err != nil {
				return err
			}
			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				p.discard(h)
				return nil
			}
			p.free = append(p.free, h)
			p.mu.Unlock()
			p.updateGauges()
			return nil
		})
	}

	err := g.Wait()
	p.logger.Info().
		Int("requested", reserved).
		Int("free", p.Stats().Free).
		Msg("Browser pool warmed")
	return err
}

// Close stops handing out handles, wakes waiters with ErrPoolClosed and
// closes all free browsers. Checked-out handles are closed on release.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	free := p.free
	p.free = nil
	p.mu.Unlock()

	p.closeCancel()

	var g errgroup.Group
	for _, h := range free {
		h := h
		g.Go(func() error {
			p.discard(h)
			return nil
		})
	}
	err := g.Wait()

	p.logger.Info().Int("closed", len(free)).Msg("Browser pool closed")
	return err
}

// Stats returns current pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		MaxSize:    p.maxSize,
		Live:       p.live,
		Free:       len(p.free),
		CheckedOut: len(p.checkedOut),
		Waiting:    int(p.waiting.Load()),
	}
}

func (p *Pool) updateGauges() {
	s := p.Stats()
	PoolHandles.WithLabelValues(StateFree.String()).Set(float64(s.Free))
	PoolHandles.WithLabelValues(StateCheckedOut.String()).Set(float64(s.CheckedOut))
}
