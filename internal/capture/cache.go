package capture

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagesnap/internal/metrics"
)

// DefaultCacheTTL is the freshness window for stored captures.
const DefaultCacheTTL = 5 * time.Minute

// Fingerprint returns the canonical cache identity of req. Selectors are
// excluded because callers cannot choose them.
func Fingerprint(req Request) string {
	return strings.Join([]string{
		req.URL,
		string(req.Mode),
		strconv.Itoa(req.Width),
		strconv.Itoa(req.Height),
		strconv.FormatBool(req.Debug),
	}, "|")
}

// CacheGate short-circuits requests that were captured recently.
type CacheGate struct {
	store  Store
	clock  Clock
	hasher Hasher
	ttl    time.Duration
	logger *zap.Logger
}

// NewCacheGate builds a gate over store.
func NewCacheGate(store Store, clock Clock, hasher Hasher, ttl time.Duration, logger *zap.Logger) (*CacheGate, error) {
	if store == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	if clock == nil || hasher == nil {
		return nil, fmt.Errorf("cache gate requires a clock and a hasher")
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheGate{store: store, clock: clock, hasher: hasher, ttl: ttl, logger: logger}, nil
}

// TTL returns the freshness window.
func (g *CacheGate) TTL() time.Duration {
	return g.ttl
}

// Key hashes the request fingerprint into a store key.
func (g *CacheGate) Key(req Request) (string, error) {
	key, err := g.hasher.Hash([]byte(Fingerprint(req)))
	if err != nil {
		return "", fmt.Errorf("hash fingerprint: %w", err)
	}
	return key, nil
}

// Lookup returns the stored image for key if it is still fresh. Store errors
// are logged and treated as a miss.
func (g *CacheGate) Lookup(ctx context.Context, key string) (Image, bool) {
	entry, ok, err := g.store.Get(ctx, key)
	switch {
	case err != nil:
		g.logger.Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
		metrics.ObserveCacheLookup("error")
		return Image{}, false
	case !ok:
		metrics.ObserveCacheLookup("miss")
		return Image{}, false
	case !entry.Fresh(g.clock.Now()):
		metrics.ObserveCacheLookup("stale")
		return Image{}, false
	}
	metrics.ObserveCacheLookup("hit")
	return Image{Data: entry.Data, ContentType: entry.ContentType, Region: entry.Region}, true
}

// Store saves img under key. Soft failures are not stored so the region gets
// another chance on the next request.
func (g *CacheGate) Store(ctx context.Context, key string, img Image) {
	if img.RegionMissing || len(img.Data) == 0 {
		return
	}
	now := g.clock.Now()
	entry := Entry{
		Data:        img.Data,
		ContentType: img.ContentType,
		Region:      img.Region,
		StoredAt:    now,
		ExpiresAt:   now.Add(g.ttl),
	}
	if err := g.store.Put(ctx, key, entry); err != nil {
		g.logger.Warn("cache store failed", zap.String("key", key), zap.Error(err))
	}
}
