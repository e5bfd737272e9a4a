package capture

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagesnap/internal/metrics"
)

// freezeStyle stops animations and transitions so the capture is not taken mid-frame.
const freezeStyle = `*, *::before, *::after {
  animation: none !important;
  animation-delay: 0s !important;
  animation-duration: 0s !important;
  transition: none !important;
  transition-delay: 0s !important;
  transition-duration: 0s !important;
  caret-color: transparent !important;
  scroll-behavior: auto !important;
}`

// PNG is the content type every backend capture is encoded as.
const PNG = "image/png"

// State is the lifecycle state of one session.
type State string

// Session lifecycle states.
const (
	StateCreated    State = "created"
	StateNavigated  State = "navigated"
	StateStabilized State = "stabilized"
	StateCaptured   State = "captured"
	StateReleased   State = "released"
	StateFailed     State = "failed"
)

// SessionConfig tunes one pass through the session pipeline.
type SessionConfig struct {
	UserAgent         string
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
	ReleaseTimeout    time.Duration
	// FullPage captures the whole document in full mode instead of the viewport.
	FullPage bool
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 30 * time.Second
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = 5 * time.Second
	}
	return c
}

// SessionRunner drives exactly one backend session per Run call:
// acquire, configure, navigate, stabilize, capture, release.
type SessionRunner struct {
	backend   Backend
	selectors *SelectorEngine
	cfg       SessionConfig
	logger    *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewSessionRunner wires a runner around backend.
func NewSessionRunner(backend Backend, selectors *SelectorEngine, cfg SessionConfig, logger *zap.Logger) *SessionRunner {
	if selectors == nil {
		selectors = NewSelectorEngine(DefaultSelectorWait)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionRunner{
		backend:   backend,
		selectors: selectors,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		sleep:     sleepContext,
	}
}

// Run performs one capture attempt. The session is released on every return
// path, including panics and cancellation of ctx.
func (r *SessionRunner) Run(ctx context.Context, req Request) (img Image, err error) {
	session, err := r.backend.Acquire(ctx)
	if err != nil {
		return Image{}, &StepError{Step: StepAcquire, Err: err}
	}

	lc := &lifecycle{
		state:  StateCreated,
		step:   StepAcquire,
		logger: r.logger.With(zap.String("session_id", session.ID()), zap.String("url", req.URL)),
	}
	start := time.Now()
	defer func() {
		r.release(ctx, session, lc)
		metrics.ObserveSession(string(req.Mode), time.Since(start))
	}()
	defer func() {
		if rec := recover(); rec != nil {
			err = &StepError{Step: lc.step, Err: fmt.Errorf("%w: %v", ErrUnexpectedFault, rec)}
		}
		if err != nil {
			lc.fail(err)
		}
	}()

	return r.run(ctx, session, req, lc)
}

func (r *SessionRunner) run(ctx context.Context, session Session, req Request, lc *lifecycle) (Image, error) {
	lc.step = StepConfigure
	opts := SessionOptions{UserAgent: r.cfg.UserAgent, Width: req.Width, Height: req.Height}
	if err := session.Configure(ctx, opts); err != nil {
		return Image{}, &StepError{Step: StepConfigure, Err: err}
	}

	lc.step = StepNavigate
	navCtx, cancel := context.WithTimeout(ctx, r.cfg.NavigationTimeout)
	err := session.Navigate(navCtx, req.URL)
	cancel()
	if err != nil {
		return Image{}, &StepError{Step: StepNavigate, Err: err}
	}
	lc.transition(StateNavigated)

	lc.step = StepStabilize
	region, found, err := r.stabilize(ctx, session, req)
	if err != nil {
		return Image{}, &StepError{Step: StepStabilize, Err: err}
	}
	lc.transition(StateStabilized)

	lc.step = StepCapture
	var data []byte
	switch {
	case found:
		data, err = session.CaptureElement(ctx, region)
	case req.Mode == ModeRegion:
		data, err = session.CaptureDocument(ctx, true)
	default:
		data, err = session.CaptureDocument(ctx, r.cfg.FullPage)
	}
	if err != nil {
		return Image{}, &StepError{Step: StepCapture, Err: err}
	}
	lc.transition(StateCaptured)

	img := Image{Data: data, ContentType: PNG, Region: region}
	if req.Mode == ModeRegion && !found {
		img.RegionMissing = true
		img.Note = regionMissingNote(req.Selectors)
		lc.logger.Warn("no region selector resolved; captured full document", zap.Strings("selectors", req.Selectors))
	}
	return img, nil
}

// stabilize locates the region (region mode only), waits the settle delay and
// freezes animations.
func (r *SessionRunner) stabilize(ctx context.Context, session Session, req Request) (string, bool, error) {
	var (
		region string
		found  bool
	)
	if req.Mode == ModeRegion {
		var err error
		region, found, err = r.selectors.FindFirst(ctx, session, req.Selectors)
		if err != nil {
			return "", false, err
		}
	}
	if err := r.sleep(ctx, r.cfg.SettleDelay); err != nil {
		return "", false, fmt.Errorf("settle: %w", err)
	}
	if err := session.InjectStyle(ctx, freezeStyle); err != nil {
		return "", false, fmt.Errorf("freeze animations: %w", err)
	}
	return region, found, nil
}

func (r *SessionRunner) release(ctx context.Context, session Session, lc *lifecycle) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ReleaseTimeout)
	defer cancel()
	if err := session.Release(releaseCtx); err != nil {
		lc.logger.Warn("session release failed", zap.Error(err))
	}
	lc.transition(StateReleased)
}

func regionMissingNote(selectors []string) string {
	if len(selectors) == 0 {
		return "region not found: no selectors configured"
	}
	return "region not found: none of " + strings.Join(selectors, ", ") + " resolved"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type lifecycle struct {
	state  State
	step   Step
	logger *zap.Logger
}

func (l *lifecycle) transition(next State) {
	l.logger.Debug("session state", zap.String("from", string(l.state)), zap.String("to", string(next)))
	l.state = next
}

func (l *lifecycle) fail(err error) {
	l.logger.Info("session attempt failed", zap.String("state", string(l.state)), zap.Error(err))
	l.transition(StateFailed)
}
