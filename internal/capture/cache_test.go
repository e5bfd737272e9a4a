package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, backend *fakeBackend, store Store, clock Clock) *Service {
	t.Helper()
	gate, err := NewCacheGate(store, clock, plainHasher{}, 5*time.Minute, nil)
	require.NoError(t, err)
	return NewService(gate, nil, NewCoordinator(nil, nil), newTestRunner(backend), nil)
}

func TestFingerprintIgnoresSelectors(t *testing.T) {
	t.Parallel()

	a := regionRequest("#a")
	b := regionRequest("#b", "#c")
	require.Equal(t, Fingerprint(a), Fingerprint(b))

	b.Debug = true
	require.NotEqual(t, Fingerprint(a), Fingerprint(b))

	c := regionRequest("#a")
	c.Width = 1201
	require.NotEqual(t, Fingerprint(a), Fingerprint(c))
}

func TestCacheGateServesWithinFreshnessWindow(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{setup: func(_ int, s *fakeSession) { s.present["#a"] = true }}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	svc := newTestService(t, backend, newFakeStore(), clock)
	req := regionRequest("#a")

	first := svc.Capture(context.Background(), req)
	require.NotNil(t, first.Image)
	require.False(t, first.Cached)

	clock.Advance(4 * time.Minute)
	second := svc.Capture(context.Background(), req)
	require.True(t, second.Cached)
	require.Equal(t, first.Image.Data, second.Image.Data)
	require.Equal(t, "#a", second.Image.Region)
	require.Equal(t, 1, backend.attempts())

	clock.Advance(2 * time.Minute)
	third := svc.Capture(context.Background(), req)
	require.False(t, third.Cached)
	require.Equal(t, 2, backend.attempts())
}

func TestCacheGateNeverStoresFailures(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{setup: func(attempt int, s *fakeSession) {
		if attempt == 1 {
			s.navigateErr = errors.New("Cannot navigate to invalid URL")
		}
	}}
	store := newFakeStore()
	svc := newTestService(t, backend, store, &fakeClock{now: time.Unix(0, 0)})

	failed := svc.Capture(context.Background(), fullRequest())
	require.NotNil(t, failed.Failure)
	require.Zero(t, store.puts)

	recovered := svc.Capture(context.Background(), fullRequest())
	require.NotNil(t, recovered.Image)
	require.Equal(t, 1, store.puts)
	require.Equal(t, 2, backend.attempts())
}

func TestCacheGateSkipsSoftFailures(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	store := newFakeStore()
	svc := newTestService(t, backend, store, &fakeClock{now: time.Unix(0, 0)})

	for i := 0; i < 2; i++ {
		result := svc.Capture(context.Background(), regionRequest("#missing"))
		require.True(t, result.Image.RegionMissing)
		require.False(t, result.Cached)
	}
	require.Zero(t, store.puts)
	require.Equal(t, 2, backend.attempts())
}

func TestCacheGateStoreErrorsDegradeToMiss(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	store := newFakeStore()
	store.getErr = errors.New("connection reset")
	store.putErr = errors.New("bucket unavailable")
	svc := newTestService(t, backend, store, &fakeClock{now: time.Unix(0, 0)})

	result := svc.Capture(context.Background(), fullRequest())
	require.NotNil(t, result.Image)
	require.Equal(t, 1, store.puts)
}

func TestNewCacheGateValidation(t *testing.T) {
	t.Parallel()

	_, err := NewCacheGate(nil, &fakeClock{}, plainHasher{}, time.Minute, nil)
	require.Error(t, err)
	_, err = NewCacheGate(newFakeStore(), nil, plainHasher{}, time.Minute, nil)
	require.Error(t, err)

	gate, err := NewCacheGate(newFakeStore(), &fakeClock{}, plainHasher{}, 0, nil)
	require.NoError(t, err)
	require.Equal(t, DefaultCacheTTL, gate.TTL())
}
