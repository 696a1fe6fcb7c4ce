package retry

import (
	"math"
	"sync"
	"time"
)

const (
	defaultAdaptiveWindow     = 20
	defaultAdaptiveMinSamples = 5
	defaultHighSuccessRate    = 0.8
	defaultLowSuccessRate     = 0.3
	defaultFastDelayFactor    = 0.7
	defaultSlowDelayFactor    = 1.5
	defaultRetryShrinkFactor  = 0.5
	defaultLoadDelayFactor    = 1.3
	defaultLoadDepthCacheTTL  = 5 * time.Second
	defaultCircuitCacheTTL    = 5 * time.Second
	defaultHalfOpenProbes     = 1
)

// AdaptiveConfig tunes the success-rate driven policy adjustment.
type AdaptiveConfig struct {
	Disabled bool
	// Window is the number of most recent outcomes considered.
	Window int
	// MinSamples is the number of outcomes required before adjusting.
	MinSamples int
	// HighSuccessRate is the rate above which delays shrink.
	HighSuccessRate float64
	// LowSuccessRate is the rate below which delays grow and retries shrink.
	LowSuccessRate  float64
	FastDelayFactor float64
	SlowDelayFactor float64
	// RetryShrinkFactor scales MaxRetries when the success rate is low.
	RetryShrinkFactor float64
}

func (c *AdaptiveConfig) normalize() {
	if c.Window <= 0 {
		c.Window = defaultAdaptiveWindow
	}
	if c.MinSamples <= 0 {
		c.MinSamples = defaultAdaptiveMinSamples
	}
	if c.MinSamples > c.Window {
		c.MinSamples = c.Window
	}
	if c.HighSuccessRate <= 0 || c.HighSuccessRate > 1 {
		c.HighSuccessRate = defaultHighSuccessRate
	}
	if c.LowSuccessRate <= 0 || c.LowSuccessRate >= c.HighSuccessRate {
		c.LowSuccessRate = defaultLowSuccessRate
	}
	if c.FastDelayFactor <= 0 {
		c.FastDelayFactor = defaultFastDelayFactor
	}
	if c.SlowDelayFactor <= 0 {
		c.SlowDelayFactor = defaultSlowDelayFactor
	}
	if c.RetryShrinkFactor <= 0 || c.RetryShrinkFactor > 1 {
		c.RetryShrinkFactor = defaultRetryShrinkFactor
	}
}

// outcomeWindow is a fixed-size ring of recent outcomes.
type outcomeWindow struct {
	outcomes  []bool
	next      int
	filled    int
	successes int
}

func (w *outcomeWindow) add(success bool) {
	if w.filled == len(w.outcomes) {
		if w.outcomes[w.next] {
			w.successes--
		}
	} else {
		w.filled++
	}
	w.outcomes[w.next] = success
	if success {
		w.successes++
	}
	w.next = (w.next + 1) % len(w.outcomes)
}

type adaptiveTracker struct {
	cfg AdaptiveConfig

	mu      sync.Mutex
	windows map[CircuitKey]*outcomeWindow
}

func newAdaptiveTracker(cfg AdaptiveConfig) *adaptiveTracker {
	cfg.normalize()
	return &adaptiveTracker{cfg: cfg, windows: map[CircuitKey]*outcomeWindow{}}
}

func (t *adaptiveTracker) record(key CircuitKey, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[key]
	if !ok {
		w = &outcomeWindow{outcomes: make([]bool, t.cfg.Window)}
		t.windows[key] = w
	}
	w.add(success)
}

// successRate returns the rolling success rate and the number of samples behind it.
func (t *adaptiveTracker) successRate(key CircuitKey) (float64, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[key]
	if !ok || w.filled == 0 {
		return 0, 0
	}
	return float64(w.successes) / float64(w.filled), w.filled
}

func (t *adaptiveTracker) adjust(key CircuitKey, p Policy) Policy {
	if t.cfg.Disabled || p.MaxRetries == 0 {
		return p
	}
	rate, samples := t.successRate(key)
	if samples < t.cfg.MinSamples {
		return p
	}
	switch {
	case rate > t.cfg.HighSuccessRate:
		p.InitialDelay = scaleDelay(p.InitialDelay, t.cfg.FastDelayFactor, p.MaxDelay)
	case rate < t.cfg.LowSuccessRate:
		p.InitialDelay = scaleDelay(p.InitialDelay, t.cfg.SlowDelayFactor, p.MaxDelay)
		p.MaxRetries = int(math.Floor(float64(p.MaxRetries) * t.cfg.RetryShrinkFactor))
		if p.MaxRetries < 1 {
			p.MaxRetries = 1
		}
	}
	return p
}

func scaleDelay(delay time.Duration, factor float64, maxDelay time.Duration) time.Duration {
	return capDelay(float64(delay)*factor, maxDelay)
}
