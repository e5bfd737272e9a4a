package capture

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagesnap/internal/metrics"
)

// Service runs the capture pipeline: cache gate, admission, retry
// coordinator and session runner.
type Service struct {
	gate        *CacheGate
	admission   Admission
	coordinator *Coordinator
	runner      *SessionRunner
	logger      *zap.Logger
}

// NewService wires the pipeline. gate and admission are optional.
func NewService(
	gate *CacheGate,
	admission Admission,
	coordinator *Coordinator,
	runner *SessionRunner,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		gate:        gate,
		admission:   admission,
		coordinator: coordinator,
		runner:      runner,
		logger:      logger,
	}
}

// CacheTTL returns the freshness window, or zero when caching is disabled.
func (s *Service) CacheTTL() time.Duration {
	if s.gate == nil {
		return 0
	}
	return s.gate.TTL()
}

// Capture produces a Result for req.
func (s *Service) Capture(ctx context.Context, req Request) Result {
	start := time.Now()
	result := s.capture(ctx, req)
	metrics.ObserveCapture(string(req.Mode), result.Outcome(), time.Since(start))

	fields := []zap.Field{
		zap.String("url", req.URL),
		zap.String("mode", string(req.Mode)),
		zap.Int("width", req.Width),
		zap.Int("height", req.Height),
		zap.String("outcome", result.Outcome()),
		zap.Int("attempts", result.Attempts),
		zap.Bool("cached", result.Cached),
		zap.Duration("duration", time.Since(start)),
	}
	if result.Failure != nil {
		fields = append(fields, zap.String("detail", result.Failure.Detail))
	}
	s.logger.Info("capture finished", fields...)
	return result
}

func (s *Service) capture(ctx context.Context, req Request) Result {
	var key string
	if s.gate != nil {
		k, err := s.gate.Key(req)
		if err != nil {
			s.logger.Warn("cache key unavailable; bypassing cache", zap.Error(err))
		} else {
			key = k
			if img, ok := s.gate.Lookup(ctx, key); ok {
				return Result{Image: &img, Cached: true}
			}
		}
	}

	if s.admission != nil && !s.admission.Allow(req.URL) {
		return Result{Failure: &Failure{
			Kind:    KindRateLimited,
			Detail:  "admission limit reached for target host",
			Request: req,
		}}
	}

	result := s.coordinator.Run(ctx, req, s.runner.Run)
	if key != "" && result.Image != nil {
		s.gate.Store(ctx, key, *result.Image)
	}
	return result
}
