package capture

import (
	"context"
	"errors"
	"strings"
)

// Classifier maps a backend failure to RateLimited, Transient or Fatal.
type Classifier interface {
	Classify(err error) Kind
}

// The backend exposes no structured error codes, so these markers are matched
// against the lowercased error text. They are a heuristic and will drift as
// browser versions change.
var (
	DefaultRateLimitedMarkers = []string{
		"429",
		"too many requests",
		"rate limit",
		"rate-limit",
		"ratelimit",
		"overloaded",
		"too many sessions",
	}
	DefaultTransientMarkers = []string{
		"frame was detached",
		"navigating frame was detached",
		"execution context was destroyed",
		"cannot find context with specified id",
		"inspected target navigated or closed",
		"target closed",
		"session closed",
		"no target with given id",
		"net::err_aborted",
	}
)

// HeuristicClassifier classifies errors by sentinel first and message text second.
type HeuristicClassifier struct {
	rateLimited []string
	transient   []string
}

// NewHeuristicClassifier builds a classifier from marker lists. Empty lists
// fall back to the defaults.
func NewHeuristicClassifier(rateLimited, transient []string) *HeuristicClassifier {
	if len(rateLimited) == 0 {
		rateLimited = DefaultRateLimitedMarkers
	}
	if len(transient) == 0 {
		transient = DefaultTransientMarkers
	}
	return &HeuristicClassifier{
		rateLimited: lowerAll(rateLimited),
		transient:   lowerAll(transient),
	}
}

// Classify labels err. A nil error is Fatal since nothing can be learned from it.
func (c *HeuristicClassifier) Classify(err error) Kind {
	switch {
	case err == nil:
		return KindFatal
	case errors.Is(err, ErrOverloaded):
		return KindRateLimited
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindFatal
	}

	msg := strings.ToLower(err.Error())
	if containsAny(msg, c.rateLimited) {
		return KindRateLimited
	}
	if containsAny(msg, c.transient) {
		return KindTransient
	}
	return KindFatal
}

func containsAny(msg string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func lowerAll(src []string) []string {
	out := make([]string, 0, len(src))
	for _, s := range src {
		out = append(out, strings.ToLower(strings.TrimSpace(s)))
	}
	return out
}
