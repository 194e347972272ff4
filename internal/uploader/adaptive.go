// Package uploader drives blob batches to the remote index through a bounded
// concurrent window whose size and deadline are tuned by an AIMD feedback
// loop, the way TCP congestion control reacts to loss and latency.
package uploader

import (
	"sync"
	"time"

	"github.com/yourorg/acetool-go/internal/config"
	"github.com/yourorg/acetool-go/internal/logging"
)

const (
	minConcurrency = 1
	maxConcurrency = 8
	minTimeout     = 15 * time.Second
	maxTimeout     = 180 * time.Second

	minSamples       = 20
	cooldownRequests = 5
	metricsWindow    = 20

	downgradeSuccessRate = 0.70
	upgradeSuccessRate   = 0.95

	warmupRequests         = 5
	maxWarmupRequests      = 10
	warmupSuccessThreshold = 0.90

	ewmaAlpha = 0.2
)

// Adjustment reports how Record changed the strategy.
type Adjustment int

const (
	AdjustNone Adjustment = iota
	AdjustUpgrade
	AdjustDowngrade
)

func (a Adjustment) String() string {
	switch a {
	case AdjustUpgrade:
		return "upgrade"
	case AdjustDowngrade:
		return "downgrade"
	default:
		return "none"
	}
}

// Strategy is the shared adaptive state: one writer (Record), many readers.
// The uploader reads the current concurrency and timeout before admitting
// work; it never holds the lock across a network call.
type Strategy struct {
	mu sync.Mutex

	concurrency int
	timeout     time.Duration

	targetConcurrency int
	targetTimeout     time.Duration
	batchSize         int

	m *windowMetrics

	adaptive       bool
	pinConcurrency bool
	pinTimeout     bool

	warmupActive bool
	warmupCount  int

	logger *logging.Logger
}

func clampConcurrency(n int) int {
	if n < minConcurrency {
		return minConcurrency
	}
	if n > maxConcurrency {
		return maxConcurrency
	}
	return n
}

func clampTimeout(d time.Duration) time.Duration {
	if d < minTimeout {
		return minTimeout
	}
	if d > maxTimeout {
		return maxTimeout
	}
	return d
}

// NewStrategy derives targets from the project-scale heuristic keyed by blob
// count, applies CLI pins, and starts warmup at concurrency 1 when adaptive
// mode is on and concurrency is unpinned.
func NewStrategy(blobCount int, ov config.Overrides, adaptive bool, logger *logging.Logger) *Strategy {
	heuristic := config.StrategyForBlobCount(blobCount)

	pinConcurrency := ov.UploadConcurrency > 0
	pinTimeout := ov.UploadTimeoutSecs > 0

	targetConcurrency := heuristic.Concurrency
	if pinConcurrency {
		targetConcurrency = ov.UploadConcurrency
	}
	targetConcurrency = clampConcurrency(targetConcurrency)

	targetTimeout := heuristic.Timeout
	if pinTimeout {
		targetTimeout = time.Duration(ov.UploadTimeoutSecs) * time.Second
	}
	targetTimeout = clampTimeout(targetTimeout)

	warmup := adaptive && !pinConcurrency
	initial := targetConcurrency
	if warmup {
		initial = minConcurrency
	}

	s := &Strategy{
		concurrency:       initial,
		timeout:           targetTimeout,
		targetConcurrency: targetConcurrency,
		targetTimeout:     targetTimeout,
		batchSize:         heuristic.BatchSize,
		m:                 newWindowMetrics(targetTimeout, ewmaAlpha, metricsWindow),
		adaptive:          adaptive,
		pinConcurrency:    pinConcurrency,
		pinTimeout:        pinTimeout,
		warmupActive:      warmup,
		logger:            logger,
	}
	logger.Info("upload strategy initialized",
		logging.Int("concurrency", s.concurrency),
		logging.Int64("timeout_ms", s.timeout.Milliseconds()),
		logging.Int("batch_size", s.batchSize),
		logging.String("scale", heuristic.ScaleName),
		logging.Any("adaptive", adaptive),
		logging.Any("warmup", warmup),
	)
	return s
}

// Concurrency returns the current admission limit.
func (s *Strategy) Concurrency() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.concurrency
}

// Timeout returns the current per-batch deadline.
func (s *Strategy) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// BatchSize returns the batch count ceiling. Not adaptive.
func (s *Strategy) BatchSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batchSize
}

// Snapshot returns a view of the live state for status reporting.
func (s *Strategy) Snapshot() MetricsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return MetricsSnapshot{
		Concurrency:   s.concurrency,
		TimeoutSecs:   s.timeout.Seconds(),
		BatchSize:     s.batchSize,
		SuccessRate:   s.m.successRate(),
		EWMALatencyMs: s.m.ewmaMs,
		SampleCount:   s.m.sampleCount(),
		Warmup:        s.warmupActive,
	}
}

// Record feeds one batch completion into the metrics window and evaluates the
// state machine.
func (s *Strategy) Record(o Outcome) Adjustment {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.m.record(o)

	if s.warmupActive {
		s.warmupCount++
		return s.checkWarmupExit()
	}

	if !s.adaptive {
		return AdjustNone
	}
	if s.pinConcurrency && s.pinTimeout {
		return AdjustNone
	}
	return s.evaluate()
}

func (s *Strategy) checkWarmupExit() Adjustment {
	if s.warmupCount < warmupRequests {
		return AdjustNone
	}

	if s.warmupCount >= maxWarmupRequests {
		s.logger.Info("warmup forced exit",
			logging.Int("requests", s.warmupCount),
			logging.Float64("success_rate", s.m.successRate()),
		)
		s.warmupActive = false
		return AdjustNone
	}

	if s.m.sampleCount() == 0 {
		return AdjustNone
	}

	rate := s.m.successRate()
	if rate >= warmupSuccessThreshold && s.m.health() != latencyHigh {
		s.warmupActive = false
		if !s.pinConcurrency {
			s.concurrency = s.targetConcurrency
		}
		s.m.resetAdjustCounter()
		s.logger.Info("warmup complete, jumping to target",
			logging.Int("concurrency", s.concurrency),
			logging.Float64("success_rate", rate),
		)
		return AdjustUpgrade
	}
	if rate < downgradeSuccessRate {
		s.warmupActive = false
		s.logger.Warn("warmup degraded, staying at minimum concurrency",
			logging.Float64("success_rate", rate),
		)
	}
	return AdjustNone
}

func (s *Strategy) evaluate() Adjustment {
	if s.m.sampleCount() < minSamples {
		return AdjustNone
	}
	if s.m.sinceAdjust < cooldownRequests {
		return AdjustNone
	}

	rate := s.m.successRate()
	health := s.m.health()
	rateLimited := s.m.hasRateLimits()

	var adj Adjustment
	switch {
	case rate < downgradeSuccessRate || rateLimited || health == latencyHigh:
		adj = s.downgrade(rate, rateLimited, health)
	case rate > upgradeSuccessRate && health == latencyHealthy:
		adj = s.upgrade(rate)
	default:
		adj = AdjustNone
	}

	if adj != AdjustNone {
		s.m.resetAdjustCounter()
	}
	return adj
}

// downgrade halves concurrency and stretches the timeout by 50%.
func (s *Strategy) downgrade(rate float64, rateLimited bool, health latencyHealth) Adjustment {
	oldC, oldT := s.concurrency, s.timeout

	if !s.pinConcurrency {
		s.concurrency = clampConcurrency(s.concurrency / 2)
	}
	if !s.pinTimeout {
		s.timeout = clampTimeout(time.Duration(float64(s.timeout) * 1.5))
	}

	reason := "low_success_rate"
	if rateLimited {
		reason = "rate_limited"
	} else if health == latencyHigh {
		reason = "high_latency"
	}
	s.logger.Warn("upload strategy downgrade",
		logging.String("reason", reason),
		logging.Int("concurrency_from", oldC),
		logging.Int("concurrency_to", s.concurrency),
		logging.Int64("timeout_ms_from", oldT.Milliseconds()),
		logging.Int64("timeout_ms_to", s.timeout.Milliseconds()),
		logging.Float64("success_rate", rate),
		logging.Float64("ewma_ms", s.m.ewmaMs),
	)
	return AdjustDowngrade
}

// upgrade adds one concurrency slot and eases the timeout back toward the
// heuristic target.
func (s *Strategy) upgrade(rate float64) Adjustment {
	oldC, oldT := s.concurrency, s.timeout

	atMaxConcurrency := s.concurrency >= maxConcurrency
	atMinTimeout := s.timeout <= minTimeout || s.timeout <= s.targetTimeout
	if atMaxConcurrency && atMinTimeout {
		return AdjustNone
	}

	if !s.pinConcurrency && !atMaxConcurrency {
		s.concurrency = clampConcurrency(s.concurrency + 1)
	}
	if !s.pinTimeout && !atMinTimeout {
		eased := time.Duration(float64(s.timeout) * 0.8)
		if eased < s.targetTimeout {
			eased = s.targetTimeout
		}
		s.timeout = clampTimeout(eased)
	}

	if s.concurrency == oldC && s.timeout == oldT {
		return AdjustNone
	}
	s.logger.Info("upload strategy upgrade",
		logging.Int("concurrency_from", oldC),
		logging.Int("concurrency_to", s.concurrency),
		logging.Int64("timeout_ms_from", oldT.Milliseconds()),
		logging.Int64("timeout_ms_to", s.timeout.Milliseconds()),
		logging.Float64("success_rate", rate),
	)
	return AdjustUpgrade
}
