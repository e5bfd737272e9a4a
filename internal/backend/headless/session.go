package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/pagesnap/internal/capture"
	"github.com/JakeFAU/pagesnap/internal/metrics"
)

// session wraps one chromedp target. Every operation runs on a child of the
// target context bounded by the caller's context, so an expired operation
// never closes the target; only Release does.
type session struct {
	id       string
	targetID string
	ctx      context.Context
	cancel   context.CancelFunc
	done     func()
	once     sync.Once
}

var _ capture.Session = (*session)(nil)

func (s *session) ID() string {
	return s.id
}

func (s *session) Configure(ctx context.Context, opts capture.SessionOptions) error {
	actions := []chromedp.Action{
		emulation.SetEmulatedMedia().WithMedia("screen"),
		chromedp.EmulateViewport(int64(opts.Width), int64(opts.Height)),
	}
	if opts.UserAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(opts.UserAgent))
	}
	return s.run(ctx, actions...)
}

// Navigate returns at DOMContentLoaded. Waiting for network idle never
// finishes on pages that poll.
func (s *session) Navigate(ctx context.Context, url string) error {
	loaded := make(chan struct{})
	var once sync.Once
	listenCtx, stopListening := context.WithCancel(s.ctx)
	defer stopListening()
	chromedp.ListenTarget(listenCtx, func(ev any) {
		if _, ok := ev.(*page.EventDomContentEventFired); ok {
			once.Do(func() { close(loaded) })
		}
	})

	navigate := chromedp.ActionFunc(func(ctx context.Context) error {
		var res page.NavigateReturns
		if err := cdp.Execute(ctx, page.CommandNavigate, page.Navigate(url), &res); err != nil {
			return fmt.Errorf("page navigate: %w", err)
		}
		if res.ErrorText != "" {
			return fmt.Errorf("page load error %s", res.ErrorText)
		}
		return nil
	})
	domReady := chromedp.ActionFunc(func(ctx context.Context) error {
		select {
		case <-loaded:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("wait for DOMContentLoaded: %w", ctx.Err())
		}
	})
	return s.run(ctx, navigate, domReady)
}

func (s *session) WaitForElement(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (s *session) InjectStyle(ctx context.Context, css string) error {
	literal, err := json.Marshal(css)
	if err != nil {
		return fmt.Errorf("encode style: %w", err)
	}
	script := fmt.Sprintf(`(() => {
  const style = document.createElement('style');
  style.setAttribute('data-pagesnap', 'freeze');
  style.textContent = %s;
  (document.head || document.documentElement).appendChild(style);
  return true;
})()`, literal)
	var ok bool
	if err := s.run(ctx, chromedp.Evaluate(script, &ok)); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("style injection returned false")
	}
	return nil
}

func (s *session) CaptureDocument(ctx context.Context, fullPage bool) ([]byte, error) {
	var buf []byte
	action := chromedp.CaptureScreenshot(&buf)
	if fullPage {
		// Quality 100 keeps the PNG encoding.
		action = chromedp.FullScreenshot(&buf, 100)
	}
	if err := s.run(ctx, action); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *session) CaptureElement(ctx context.Context, selector string) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, chromedp.Screenshot(selector, &buf, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Release closes the target and frees the backend slot. Only the first call
// has any effect.
func (s *session) Release(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		defer s.done()
		defer metrics.DecActiveSessions()

		result := make(chan error, 1)
		go func() { result <- chromedp.Cancel(s.ctx) }()
		select {
		case err = <-result:
		case <-ctx.Done():
			err = fmt.Errorf("close browser target: %w", ctx.Err())
		}
		s.cancel()
	})
	return err
}

func (s *session) run(ctx context.Context, actions ...chromedp.Action) error {
	opCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		opCtx, cancelDeadline = context.WithDeadline(opCtx, deadline)
		defer cancelDeadline()
	}
	stopForward := forwardCancel(ctx, cancel)
	defer stopForward()

	if err := chromedp.Run(opCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// The caller is still waiting, so the tab or browser went away
		// underneath us. A new session may well succeed.
		if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: browser target lost: %v", capture.ErrTransient, err)
		}
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}
