// Package app builds the long-lived capture services from configuration and
// owns their shutdown.
package app

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagesnap/internal/api"
	"github.com/JakeFAU/pagesnap/internal/backend/headless"
	"github.com/JakeFAU/pagesnap/internal/cache/gcs"
	"github.com/JakeFAU/pagesnap/internal/cache/local"
	"github.com/JakeFAU/pagesnap/internal/cache/memory"
	"github.com/JakeFAU/pagesnap/internal/cache/postgres"
	"github.com/JakeFAU/pagesnap/internal/capture"
	"github.com/JakeFAU/pagesnap/internal/clock/system"
	"github.com/JakeFAU/pagesnap/internal/config"
	"github.com/JakeFAU/pagesnap/internal/hash/sha256"
	"github.com/JakeFAU/pagesnap/internal/policy/ratelimit"
)

// App holds the shared services for one process.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	service *capture.Service
	store   capture.Store
	ready   []api.ReadinessCheck
	sweep   func(ctx context.Context) (int64, error)
	closers []func()
}

// New wires backend, cache store, gate, classifier, admission and the
// capture service. It fails fast when a configured dependency cannot start.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	clock := system.New()

	backend, err := a.buildBackend()
	if err != nil {
		a.Close()
		return nil, err
	}

	var gate *capture.CacheGate
	if cfg.Cache.Enabled {
		store, err := a.buildStore(ctx, clock)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.store = store
		gate, err = capture.NewCacheGate(store, clock, sha256.New(), cfg.CacheTTL(), logger.Named("cache"))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("build cache gate: %w", err)
		}
	} else {
		logger.Info("response cache disabled")
	}

	var admission capture.Admission
	if cfg.RateLimit.RPS > 0 {
		admission = ratelimit.New(ratelimit.Config{RPS: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst})
		logger.Info("admission limiter enabled",
			zap.Float64("rps", cfg.RateLimit.RPS),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
	}

	classifier := capture.NewHeuristicClassifier(cfg.Classifier.RateLimitedMarkers, cfg.Classifier.TransientMarkers)
	runner := capture.NewSessionRunner(
		backend,
		capture.NewSelectorEngine(cfg.SelectorWait()),
		capture.SessionConfig{
			UserAgent:         cfg.Capture.UserAgent,
			NavigationTimeout: cfg.NavigationTimeout(),
			SettleDelay:       cfg.SettleDelay(),
			ReleaseTimeout:    cfg.ReleaseTimeout(),
			FullPage:          cfg.Capture.FullPage,
		},
		logger.Named("session"),
	)
	coordinator := capture.NewCoordinator(classifier, logger.Named("retry"))
	a.service = capture.NewService(gate, admission, coordinator, runner, logger.Named("capture"))

	logger.Info("capture services initialized",
		zap.Bool("backend_enabled", cfg.Backend.Enabled),
		zap.Bool("cache_enabled", cfg.Cache.Enabled),
		zap.String("cache_backend", cfg.Cache.Backend),
	)
	return a, nil
}

func (a *App) buildBackend() (capture.Backend, error) {
	if !a.cfg.Backend.Enabled {
		a.logger.Warn("browser backend disabled; every capture will fail")
		return headless.NewNoop(), nil
	}
	backend, err := headless.New(headless.Config{
		RemoteURL:      a.cfg.Backend.WSURL,
		MaxParallel:    a.cfg.Backend.MaxParallel,
		AcquireTimeout: a.cfg.AcquireTimeout(),
	}, a.logger.Named("headless"))
	if err != nil {
		return nil, fmt.Errorf("init browser backend: %w", err)
	}
	a.closers = append(a.closers, backend.Close)
	if a.cfg.Backend.WSURL != "" {
		a.logger.Info("using remote browser", zap.String("ws_url", a.cfg.Backend.WSURL))
	} else {
		a.logger.Info("using local browser")
	}
	return backend, nil
}

func (a *App) buildStore(ctx context.Context, clock capture.Clock) (capture.Store, error) {
	switch a.cfg.Cache.Backend {
	case config.CacheMemory, "":
		store := memory.New(clock)
		a.sweep = func(context.Context) (int64, error) {
			return int64(store.Sweep()), nil
		}
		return store, nil
	case config.CacheLocal:
		store, err := local.New(local.Config{Dir: a.cfg.Cache.Local.Dir}, clock)
		if err != nil {
			return nil, fmt.Errorf("init local cache: %w", err)
		}
		a.sweep = store.Sweep
		return store, nil
	case config.CacheGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				a.logger.Warn("close storage client", zap.Error(err))
			}
		})
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Cache.GCS.Bucket, Prefix: a.cfg.Cache.GCS.Prefix}, clock)
		if err != nil {
			return nil, fmt.Errorf("init gcs cache: %w", err)
		}
		a.sweep = store.Sweep
		return store, nil
	case config.CachePostgres:
		store, err := postgres.New(ctx, postgres.Config{
			DSN:      a.cfg.Cache.Postgres.DSN,
			Table:    a.cfg.Cache.Postgres.Table,
			MaxConns: a.cfg.Cache.Postgres.MaxConns,
		}, clock)
		if err != nil {
			return nil, fmt.Errorf("init postgres cache: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		if a.cfg.Cache.Postgres.EnsureSchema {
			if err := store.EnsureSchema(ctx); err != nil {
				return nil, err
			}
		}
		a.ready = append(a.ready, store.Ping)
		a.sweep = store.DeleteExpired
		return store, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", a.cfg.Cache.Backend)
	}
}

// Service returns the capture service.
func (a *App) Service() *capture.Service {
	return a.service
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// ReadinessChecks lists checks for downstream dependencies.
func (a *App) ReadinessChecks() []api.ReadinessCheck {
	return a.ready
}

// RunMaintenance drops expired cache entries every interval until ctx ends.
// It returns at once when caching is disabled.
func (a *App) RunMaintenance(ctx context.Context, interval time.Duration) {
	if a.sweep == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := a.sweep(ctx)
			if err != nil {
				a.logger.Warn("cache sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				a.logger.Debug("cache sweep", zap.Int64("removed", removed))
			}
		}
	}
}

// Close releases resources in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
