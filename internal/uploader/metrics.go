package uploader

import "time"

// ErrorClass classifies a failed batch attempt for the adaptive strategy.
type ErrorClass int

const (
	ErrNone ErrorClass = iota
	ErrTimeout
	ErrRateLimit
	ErrServer
	ErrClient
	ErrNetwork
)

func (c ErrorClass) String() string {
	switch c {
	case ErrTimeout:
		return "timeout"
	case ErrRateLimit:
		return "rate_limit"
	case ErrServer:
		return "server_error"
	case ErrClient:
		return "client_error"
	case ErrNetwork:
		return "network_error"
	default:
		return "none"
	}
}

// Outcome is the result of one completed batch request.
type Outcome struct {
	Success bool
	Latency time.Duration
	Class   ErrorClass
}

// windowMetrics keeps a fixed-size FIFO window of recent outcomes plus an
// EWMA latency. 5xx outcomes are excluded entirely: a struggling backend says
// nothing about how hard the client should push.
type windowMetrics struct {
	alpha       float64
	ewmaMs      float64
	baselineMs  float64
	outcomes    []Outcome
	windowSize  int
	sinceAdjust int
	rateLimits  int
	initialized bool
}

// newWindowMetrics seeds the baseline at 30% of the initial timeout: a healthy
// request should finish well inside its deadline.
func newWindowMetrics(baselineTimeout time.Duration, alpha float64, windowSize int) *windowMetrics {
	baseline := float64(baselineTimeout.Milliseconds()) * 0.3
	if baseline < 1 {
		baseline = 1
	}
	return &windowMetrics{
		alpha:      alpha,
		ewmaMs:     baseline,
		baselineMs: baseline,
		outcomes:   make([]Outcome, 0, windowSize),
		windowSize: windowSize,
	}
}

func (m *windowMetrics) record(o Outcome) {
	if o.Class == ErrServer {
		return
	}

	m.updateEWMA(o.Latency)

	if o.Class == ErrRateLimit {
		m.rateLimits++
	}
	if len(m.outcomes) >= m.windowSize {
		if m.outcomes[0].Class == ErrRateLimit && m.rateLimits > 0 {
			m.rateLimits--
		}
		m.outcomes = m.outcomes[1:]
	}
	m.outcomes = append(m.outcomes, o)
	m.sinceAdjust++
}

func (m *windowMetrics) updateEWMA(latency time.Duration) {
	ms := float64(latency.Milliseconds())
	if !m.initialized {
		m.ewmaMs = ms
		m.initialized = true
		return
	}
	m.ewmaMs = m.alpha*ms + (1-m.alpha)*m.ewmaMs
}

func (m *windowMetrics) successRate() float64 {
	if len(m.outcomes) == 0 {
		return 1.0
	}
	ok := 0
	for _, o := range m.outcomes {
		if o.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(m.outcomes))
}

func (m *windowMetrics) sampleCount() int { return len(m.outcomes) }

func (m *windowMetrics) resetAdjustCounter() { m.sinceAdjust = 0 }

func (m *windowMetrics) hasRateLimits() bool { return m.rateLimits > 0 }

// latencyHealth compares smoothed latency to the fixed baseline.
type latencyHealth int

const (
	latencyHealthy latencyHealth = iota
	latencyNormal
	latencyHigh
)

func (m *windowMetrics) health() latencyHealth {
	ratio := m.ewmaMs / m.baselineMs
	switch {
	case ratio <= 0.8:
		return latencyHealthy
	case ratio <= 1.5:
		return latencyNormal
	default:
		return latencyHigh
	}
}

// MetricsSnapshot is a read-only view for status reporting.
type MetricsSnapshot struct {
	Concurrency   int     `json:"concurrency"`
	TimeoutSecs   float64 `json:"timeout_secs"`
	BatchSize     int     `json:"batch_size"`
	SuccessRate   float64 `json:"success_rate"`
	EWMALatencyMs float64 `json:"ewma_latency_ms"`
	SampleCount   int     `json:"sample_count"`
	Warmup        bool    `json:"warmup"`
}
