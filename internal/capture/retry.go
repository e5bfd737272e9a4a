package capture

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagesnap/internal/metrics"
)

// RetryState is a state of the retry coordinator.
type RetryState string

// Retry coordinator states.
const (
	RetryIdle       RetryState = "idle"
	RetryAttempting RetryState = "attempting"
	RetryRetrying   RetryState = "retrying"
	RetrySucceeded  RetryState = "succeeded"
	RetryFailed     RetryState = "failed"
)

// maxTransientRetries is the number of extra attempts a Transient failure earns.
const maxTransientRetries = 1

// AttemptFunc performs one full capture attempt on a fresh session.
type AttemptFunc func(ctx context.Context, req Request) (Image, error)

// Coordinator applies the bounded retry policy: RateLimited and Fatal
// failures surface immediately, a Transient failure is retried once with no
// delay, and a second failure is surfaced as-is.
type Coordinator struct {
	classifier Classifier
	logger     *zap.Logger
}

// NewCoordinator builds a coordinator around classifier.
func NewCoordinator(classifier Classifier, logger *zap.Logger) *Coordinator {
	if classifier == nil {
		classifier = NewHeuristicClassifier(nil, nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{classifier: classifier, logger: logger}
}

// Run drives attempt until it succeeds or the policy gives up.
func (c *Coordinator) Run(ctx context.Context, req Request, attempt AttemptFunc) Result {
	logger := c.logger.With(zap.String("url", req.URL), zap.String("mode", string(req.Mode)))
	state := RetryIdle
	advance := func(next RetryState) {
		logger.Debug("retry state", zap.String("from", string(state)), zap.String("to", string(next)))
		state = next
	}

	retries := 0
	for attempts := 1; ; attempts++ {
		advance(RetryAttempting)
		img, err := attempt(ctx, req)
		if err == nil {
			advance(RetrySucceeded)
			metrics.ObserveAttempt("success")
			return Result{Image: &img, Attempts: attempts}
		}

		kind := c.classifier.Classify(err)
		metrics.ObserveAttempt(string(kind))
		if kind == KindTransient && retries < maxTransientRetries && ctx.Err() == nil {
			retries++
			advance(RetryRetrying)
			logger.Info("transient capture failure; retrying with a fresh session",
				zap.Int("attempt", attempts), zap.Error(err))
			continue
		}

		advance(RetryFailed)
		logger.Warn("capture failed",
			zap.Int("attempts", attempts), zap.String("kind", string(kind)), zap.Error(err))
		return Result{
			Failure:  &Failure{Kind: kind, Detail: err.Error(), Request: req},
			Attempts: attempts,
		}
	}
}
