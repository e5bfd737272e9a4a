// Package ratelimit admits capture requests through a per-host token bucket.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/pagesnap/internal/capture"
	"github.com/JakeFAU/pagesnap/internal/metrics"
)

// Limiter manages per-host rate limits.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

var _ capture.Admission = (*Limiter)(nil)

// Config holds rate limiter configuration. RPS <= 0 admits everything.
type Config struct {
	RPS   float64
	Burst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

// Allow reports whether a capture of target may start now. It never blocks;
// a denied request surfaces as a rate-limited outcome instead of queueing.
func (l *Limiter) Allow(target string) bool {
	if l.rate == rate.Inf {
		return true
	}
	host := metrics.SanitizeSite(target)
	if l.limiterFor(host).Allow() {
		return true
	}
	metrics.ObserveAdmissionDenied(host)
	return false
}

// Hosts reports how many hosts currently have a bucket.
func (l *Limiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *Limiter) limiterFor(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[host] = limiter
	}
	return limiter
}
