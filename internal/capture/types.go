package capture

import (
	"time"
)

// Mode selects what part of the rendered page is captured.
type Mode string

// Capture modes accepted by the resolver.
const (
	ModeFull   Mode = "full"
	ModeRegion Mode = "region"
)

// Request is a normalized capture request. It is read-only once resolved.
type Request struct {
	URL       string   `json:"url"`
	Mode      Mode     `json:"mode"`
	Width     int      `json:"width"`
	Height    int      `json:"height"`
	Selectors []string `json:"selectors,omitempty"`
	Debug     bool     `json:"debug"`
}

// Image is an encoded capture plus the details callers need to label it.
type Image struct {
	Data        []byte
	ContentType string
	// Region is the selector whose bounding box was captured.
	Region string
	// RegionMissing marks a region request that fell back to the full document.
	RegionMissing bool
	Note          string
}

// Kind labels a failed outcome.
type Kind string

// Failure kinds.
const (
	KindInvalidRequest Kind = "invalid_request"
	KindRateLimited    Kind = "rate_limited"
	KindTransient      Kind = "transient"
	KindFatal          Kind = "fatal"
	KindRegionNotFound Kind = "region_not_found"
)

// Failure describes a capture that produced no image.
type Failure struct {
	Kind    Kind
	Detail  string
	Request Request
}

func (f *Failure) Error() string {
	return string(f.Kind) + ": " + f.Detail
}

// Result is the outcome of one capture call. Exactly one of Image and Failure is set.
type Result struct {
	Image    *Image
	Failure  *Failure
	Attempts int
	Cached   bool
}

// Outcome returns a short label for logs and metrics.
func (r Result) Outcome() string {
	switch {
	case r.Failure != nil:
		return string(r.Failure.Kind)
	case r.Image != nil && r.Image.RegionMissing:
		return "soft_failure"
	default:
		return "success"
	}
}

// SessionOptions configures a freshly acquired session.
type SessionOptions struct {
	UserAgent string
	Width     int
	Height    int
}

// Entry is a cached image keyed by request fingerprint.
type Entry struct {
	Data        []byte    `json:"-"`
	ContentType string    `json:"content_type"`
	Region      string    `json:"region,omitempty"`
	StoredAt    time.Time `json:"stored_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Fresh reports whether the entry may still be served at now.
func (e Entry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}
