package capture

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultSelectorWait bounds how long each candidate selector may take to appear.
const DefaultSelectorWait = 8 * time.Second

// SelectorEngine finds the first candidate selector that resolves on a page.
type SelectorEngine struct {
	wait time.Duration
}

// NewSelectorEngine returns an engine that waits at most wait per candidate.
func NewSelectorEngine(wait time.Duration) *SelectorEngine {
	if wait <= 0 {
		wait = DefaultSelectorWait
	}
	return &SelectorEngine{wait: wait}
}

// FindFirst walks candidates in order and returns the first one whose element
// appears in time. A candidate that times out is not tried again. Running out
// of candidates is reported as found=false with a nil error.
func (e *SelectorEngine) FindFirst(ctx context.Context, session Session, candidates []string) (string, bool, error) {
	for _, selector := range candidates {
		waitCtx, cancel := context.WithTimeout(ctx, e.wait)
		err := session.WaitForElement(waitCtx, selector)
		cancel()

		if err == nil {
			return selector, true, nil
		}
		if ctx.Err() != nil {
			return "", false, fmt.Errorf("wait for %q: %w", selector, ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrElementNotFound) {
			continue
		}
		return "", false, fmt.Errorf("wait for %q: %w", selector, err)
	}
	return "", false, nil
}
