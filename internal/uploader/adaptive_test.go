package uploader

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/acetool-go/internal/config"
	"github.com/yourorg/acetool-go/internal/logging"
)

func newTestStrategy(blobCount int, ov config.Overrides, adaptive bool) *Strategy {
	return NewStrategy(blobCount, ov, adaptive, logging.Nop())
}

func ok(latency time.Duration) Outcome {
	return Outcome{Success: true, Latency: latency}
}

func fail(class ErrorClass, latency time.Duration) Outcome {
	return Outcome{Success: false, Latency: latency, Class: class}
}

func TestWarmupStartsAtMinConcurrency(t *testing.T) {
	s := newTestStrategy(1000, config.Overrides{}, true)
	assert.Equal(t, 1, s.Concurrency())
}

func TestAdaptiveDisabledUsesHeuristic(t *testing.T) {
	s := newTestStrategy(1000, config.Overrides{}, false)
	assert.Equal(t, 3, s.Concurrency())
	assert.Equal(t, 60*time.Second, s.Timeout())
	assert.Equal(t, 50, s.BatchSize())
}

func TestConcurrencyOverridePinsValue(t *testing.T) {
	s := newTestStrategy(1000, config.Overrides{UploadConcurrency: 5}, true)
	assert.Equal(t, 5, s.Concurrency())

	// Pinned concurrency never moves, even under sustained failure.
	for i := 0; i < 60; i++ {
		s.Record(fail(ErrTimeout, 5*time.Second))
	}
	assert.Equal(t, 5, s.Concurrency())
}

func TestTimeoutOverridePinsValue(t *testing.T) {
	s := newTestStrategy(1000, config.Overrides{UploadTimeoutSecs: 120}, true)
	assert.Equal(t, 120*time.Second, s.Timeout())
}

func TestOverridesClampedToBounds(t *testing.T) {
	s := newTestStrategy(100, config.Overrides{UploadConcurrency: 50, UploadTimeoutSecs: 999}, false)
	assert.Equal(t, 8, s.Concurrency())
	assert.Equal(t, 180*time.Second, s.Timeout())
}

func TestWarmupSuccessJumpsToTarget(t *testing.T) {
	s := newTestStrategy(1000, config.Overrides{}, true)
	require.Equal(t, 1, s.Concurrency())

	var jumped bool
	for i := 0; i < warmupRequests; i++ {
		if s.Record(ok(time.Second)) == AdjustUpgrade {
			jumped = true
			break
		}
	}
	assert.True(t, jumped)
	assert.Equal(t, 3, s.Concurrency())
}

func TestWarmupFailureStaysAtMin(t *testing.T) {
	s := newTestStrategy(1000, config.Overrides{}, true)

	for i := 0; i < maxWarmupRequests; i++ {
		if i < 2 {
			s.Record(ok(time.Second))
		} else {
			s.Record(fail(ErrTimeout, time.Second))
		}
	}
	assert.Equal(t, 1, s.Concurrency())
}

func TestSmallProjectWarmupNeverUpgrades(t *testing.T) {
	// 3 files under the small-scale threshold: one batch, one outcome.
	// A single sample is below the warmup requirement, so concurrency
	// stays at 1 for the whole pass.
	s := newTestStrategy(3, config.Overrides{}, true)
	require.Equal(t, 1, s.Concurrency())

	adj := s.Record(ok(500 * time.Millisecond))
	assert.Equal(t, AdjustNone, adj)
	assert.Equal(t, 1, s.Concurrency())
}

// exitWarmup drives the strategy out of warmup with successful outcomes.
func exitWarmup(t *testing.T, s *Strategy) {
	t.Helper()
	for i := 0; i < maxWarmupRequests; i++ {
		if s.Record(ok(time.Second)) == AdjustUpgrade {
			return
		}
	}
	require.False(t, s.warmupActive, "warmup did not exit")
}

func TestBoundsNeverViolated(t *testing.T) {
	s := newTestStrategy(5000, config.Overrides{}, true)

	outcomes := []Outcome{
		ok(100 * time.Millisecond),
		fail(ErrRateLimit, 50*time.Millisecond),
		fail(ErrTimeout, 90*time.Second),
		fail(ErrNetwork, time.Second),
		fail(ErrServer, 10*time.Second),
		ok(200 * time.Second),
	}
	for i := 0; i < 500; i++ {
		s.Record(outcomes[i%len(outcomes)])
		c := s.Concurrency()
		d := s.Timeout()
		require.GreaterOrEqual(t, c, 1, "iteration %d", i)
		require.LessOrEqual(t, c, 8, "iteration %d", i)
		require.GreaterOrEqual(t, d, 15*time.Second, "iteration %d", i)
		require.LessOrEqual(t, d, 180*time.Second, "iteration %d", i)
	}
}

func TestAdditiveIncreaseUntilMax(t *testing.T) {
	s := newTestStrategy(5000, config.Overrides{}, true)
	exitWarmup(t, s)
	require.Equal(t, 4, s.Concurrency())

	// Low latency keeps EWMA healthy; every post-cooldown evaluation with a
	// >95% window adds exactly one slot until the hard maximum.
	prev := s.Concurrency()
	for i := 0; i < 200 && s.Concurrency() < 8; i++ {
		adj := s.Record(ok(100 * time.Millisecond))
		c := s.Concurrency()
		if adj == AdjustUpgrade {
			assert.Equal(t, prev+1, c)
		} else {
			assert.Equal(t, prev, c)
		}
		prev = c
	}
	assert.Equal(t, 8, s.Concurrency())

	// Saturated: further successes never push past the bound.
	for i := 0; i < 50; i++ {
		s.Record(ok(100 * time.Millisecond))
		assert.Equal(t, 8, s.Concurrency())
	}
}

func TestRateLimitHalvesConcurrencyAndStretchesTimeout(t *testing.T) {
	s := newTestStrategy(5000, config.Overrides{}, true)
	exitWarmup(t, s)

	// Fill the window with successes so the evaluation gate is open, then
	// push concurrency up to a known value.
	for i := 0; i < 100 && s.Concurrency() < 8; i++ {
		s.Record(ok(100 * time.Millisecond))
	}
	require.Equal(t, 8, s.Concurrency())
	prevTimeout := s.Timeout()

	// One rate-limited outcome after the cooldown forces the halving.
	var downgraded bool
	for i := 0; i < cooldownRequests+1; i++ {
		if s.Record(fail(ErrRateLimit, 50*time.Millisecond)) == AdjustDowngrade {
			downgraded = true
			break
		}
	}
	require.True(t, downgraded)
	assert.Equal(t, 4, s.Concurrency())
	wantTimeout := time.Duration(float64(prevTimeout) * 1.5)
	if wantTimeout > maxTimeout {
		wantTimeout = maxTimeout
	}
	assert.Equal(t, wantTimeout, s.Timeout())
}

func TestRepeatedDowngradeFloorsAtOne(t *testing.T) {
	s := newTestStrategy(5000, config.Overrides{}, true)
	exitWarmup(t, s)

	for i := 0; i < 300; i++ {
		s.Record(fail(ErrTimeout, 30*time.Second))
	}
	assert.Equal(t, 1, s.Concurrency())
	assert.Equal(t, maxTimeout, s.Timeout())
}

func TestCooldownSuppressesBackToBackAdjustments(t *testing.T) {
	s := newTestStrategy(5000, config.Overrides{}, true)
	exitWarmup(t, s)

	for i := 0; i < minSamples; i++ {
		s.Record(ok(100 * time.Millisecond))
	}
	s.mu.Lock()
	s.m.resetAdjustCounter()
	s.mu.Unlock()

	for i := 0; i < cooldownRequests-1; i++ {
		assert.Equal(t, AdjustNone, s.Record(ok(100*time.Millisecond)))
	}
}

func TestServerErrorsExcludedFromMetrics(t *testing.T) {
	s := newTestStrategy(500, config.Overrides{}, true)
	exitWarmup(t, s)
	before := s.Concurrency()

	for i := 0; i < 100; i++ {
		s.Record(fail(ErrServer, 5*time.Second))
	}
	assert.Equal(t, before, s.Concurrency())
}

func TestEWMASeededByFirstSample(t *testing.T) {
	m := newWindowMetrics(30*time.Second, 0.2, 20)
	m.record(ok(time.Second))
	assert.InDelta(t, 1000, m.ewmaMs, 0.01)

	m.record(ok(2 * time.Second))
	assert.InDelta(t, 0.2*2000+0.8*1000, m.ewmaMs, 0.01)
}

func TestWindowEvictsFIFO(t *testing.T) {
	m := newWindowMetrics(30*time.Second, 0.2, 5)
	m.record(fail(ErrRateLimit, time.Millisecond))
	for i := 0; i < 5; i++ {
		m.record(ok(time.Millisecond))
	}
	assert.Equal(t, 5, m.sampleCount())
	assert.False(t, m.hasRateLimits())
	assert.InDelta(t, 1.0, m.successRate(), 0.001)
}

func TestLatencyHealthBands(t *testing.T) {
	cases := []struct {
		latency time.Duration
		want    latencyHealth
	}{
		{5 * time.Second, latencyHealthy},
		{9 * time.Second, latencyNormal},
		{20 * time.Second, latencyHigh},
	}
	for _, tc := range cases {
		m := newWindowMetrics(30*time.Second, 0.2, 20)
		m.record(ok(tc.latency))
		assert.Equal(t, tc.want, m.health(), "latency %v", tc.latency)
	}
}
