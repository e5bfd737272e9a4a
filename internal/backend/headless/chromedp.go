// Package headless implements the capture backend on top of the Chrome
// DevTools Protocol via chromedp.
package headless

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagesnap/internal/capture"
	"github.com/JakeFAU/pagesnap/internal/metrics"
)

// Config controls how sessions are obtained from the browser.
type Config struct {
	// RemoteURL is a DevTools websocket endpoint (ws://host:port/...). When
	// empty a local Chrome is launched through the exec allocator.
	RemoteURL      string
	MaxParallel    int
	AcquireTimeout time.Duration
}

// Backend shares one browser connection and hands out sessions that each
// own a fresh browser context (cookies, storage, cache) and a single tab.
type Backend struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger

	mu      sync.Mutex
	browser *browserHandle
}

// browserHandle is one connection to the browser. ready closes once the
// connection attempt finishes; err is only read after that.
type browserHandle struct {
	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}
	err    error
}

// New creates a chromedp-backed capture backend.
func New(cfg Config, logger *zap.Logger) (*Backend, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if cfg.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", "new"),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("hide-scrollbars", true),
			chromedp.Flag("enable-automation", false),
		)
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	return &Backend{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}, nil
}

// Close shuts the browser connection and the allocator. A launched browser
// is closed gracefully; a remote one only loses this process's tab.
func (b *Backend) Close() {
	b.mu.Lock()
	h := b.browser
	b.browser = nil
	b.mu.Unlock()
	if h != nil {
		select {
		case <-h.ready:
			if h.err == nil {
				ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
				if err := chromedp.Cancel(ctx); err != nil {
					b.logger.Debug("close browser", zap.Error(err))
				}
				cancel()
			}
		case <-time.After(5 * time.Second):
		}
		h.cancel()
	}
	b.allocCancel()
}

// browserContext returns the shared browser context, connecting on first use
// and again after the browser goes away. Only ctx bounds the wait; a caller
// giving up does not abort a connection others may be waiting on.
func (b *Backend) browserContext(ctx context.Context) (context.Context, error) {
	b.mu.Lock()
	h := b.browser
	if h == nil || h.ctx.Err() != nil {
		h = b.connect()
		b.browser = h
	}
	b.mu.Unlock()

	select {
	case <-h.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if h.err != nil {
		b.mu.Lock()
		if b.browser == h {
			b.browser = nil
		}
		b.mu.Unlock()
		return nil, h.err
	}
	return h.ctx, nil
}

func (b *Backend) connect() *browserHandle {
	browserCtx, cancel := chromedp.NewContext(b.allocator)
	h := &browserHandle{ctx: browserCtx, cancel: cancel, ready: make(chan struct{})}
	go func() {
		defer close(h.ready)
		// Run with no actions dials or launches the browser.
		if err := chromedp.Run(browserCtx); err != nil {
			cancel()
			h.err = fmt.Errorf("connect browser: %w", err)
			b.logger.Warn("browser connection failed", zap.Error(err))
			return
		}
		b.logger.Info("browser connected", zap.Bool("remote", b.cfg.RemoteURL != ""))
	}()
	return h
}

// Acquire reserves a slot and opens a tab in a new browser context.
// Saturation past AcquireTimeout is reported as capture.ErrOverloaded.
func (b *Backend) Acquire(ctx context.Context) (capture.Session, error) {
	if err := b.acquireSlot(ctx); err != nil {
		return nil, err
	}

	browserCtx, err := b.browserContext(ctx)
	if err != nil {
		b.releaseSlot()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("open browser: %w", ctx.Err())
		}
		return nil, err
	}

	taskCtx, taskCancel := chromedp.NewContext(browserCtx, chromedp.WithNewBrowserContext())
	stopForward := forwardCancel(ctx, taskCancel)
	// Run with no actions creates the browser context and its tab.
	err = chromedp.Run(taskCtx)
	stopForward()
	if err != nil {
		taskCancel()
		b.releaseSlot()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("open browser target: %w", ctx.Err())
		}
		return nil, fmt.Errorf("open browser target: %w", err)
	}

	metrics.IncActiveSessions()
	s := &session{
		id:     uuid.NewString(),
		ctx:    taskCtx,
		cancel: taskCancel,
		done:   b.releaseSlot,
	}
	if c := chromedp.FromContext(taskCtx); c != nil && c.Target != nil {
		s.targetID = string(c.Target.TargetID)
	}
	b.logger.Debug("session acquired", zap.String("session_id", s.id), zap.String("target_id", s.targetID))
	return s, nil
}

func (b *Backend) acquireSlot(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	timer := time.NewTimer(b.cfg.AcquireTimeout)
	defer timer.Stop()
	select {
	case b.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session slot wait canceled: %w", ctx.Err())
	case <-timer.C:
		return fmt.Errorf("%w: all %d sessions busy for %s", capture.ErrOverloaded, cap(b.limiter), b.cfg.AcquireTimeout)
	}
}

func (b *Backend) releaseSlot() {
	if b.limiter == nil {
		return
	}
	select {
	case <-b.limiter:
	default:
	}
}

// forwardCancel cancels the chromedp context when parent ends, until stopped.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
