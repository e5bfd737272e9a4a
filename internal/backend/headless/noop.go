package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/pagesnap/internal/capture"
)

// Noop implements capture.Backend but refuses every session. It is used when
// the browser backend is disabled in configuration.
type Noop struct{}

// NewNoop creates a new Noop backend.
func NewNoop() *Noop {
	return &Noop{}
}

// Acquire always fails.
func (Noop) Acquire(_ context.Context) (capture.Session, error) {
	return nil, errors.New("capture backend not configured")
}
