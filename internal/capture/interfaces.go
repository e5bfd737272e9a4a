package capture

import (
	"context"
	"time"
)

// Backend hands out browser sessions. Every call returns a session owned
// exclusively by the caller.
type Backend interface {
	Acquire(ctx context.Context) (Session, error)
}

// Session is one live connection to the rendering backend.
type Session interface {
	ID() string
	// Configure applies the user agent, screen media emulation and viewport.
	Configure(ctx context.Context, opts SessionOptions) error
	// Navigate loads url and returns once the initial DOM is constructed.
	Navigate(ctx context.Context, url string) error
	// WaitForElement blocks until selector matches a visible element or ctx ends.
	WaitForElement(ctx context.Context, selector string) error
	InjectStyle(ctx context.Context, css string) error
	// CaptureDocument captures the whole document, or only the viewport when fullPage is false.
	CaptureDocument(ctx context.Context, fullPage bool) ([]byte, error)
	CaptureElement(ctx context.Context, selector string) ([]byte, error)
	Release(ctx context.Context) error
}

// Store persists cache entries. Get and Put are independent; concurrent Puts
// for the same key may race and the last writer wins.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, entry Entry) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Hasher computes request fingerprints.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Admission decides whether a target may be captured right now.
type Admission interface {
	Allow(target string) bool
}
