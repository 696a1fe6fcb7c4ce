package retry

import (
	"context"
	"sync"
	"time"

	"github.com/nimburion/taskguard/pkg/observability/logger"
)

// LoadProbe reports the current backlog of the system.
type LoadProbe interface {
	QueueDepth(ctx context.Context) (int64, error)
}

// LoadConfig enables load shedding when the queue backlog is deep.
type LoadConfig struct {
	// Threshold is the queue depth above which delays are extended. Zero disables.
	Threshold   int64
	DelayFactor float64
	// CacheTTL bounds how often the probe is consulted.
	CacheTTL time.Duration
}

func (c *LoadConfig) normalize() {
	if c.DelayFactor <= 0 {
		c.DelayFactor = defaultLoadDelayFactor
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultLoadDepthCacheTTL
	}
}

type loadMonitor struct {
	probe LoadProbe
	cfg   LoadConfig
	log   logger.Logger
	now   func() time.Time

	mu        sync.Mutex
	depth     int64
	sampledAt time.Time
}

func newLoadMonitor(probe LoadProbe, cfg LoadConfig, log logger.Logger, now func() time.Time) *loadMonitor {
	cfg.normalize()
	return &loadMonitor{probe: probe, cfg: cfg, log: log, now: now}
}

// overloaded reports whether the last known depth exceeds the threshold. A
// failing probe keeps the previous sample.
func (m *loadMonitor) overloaded(ctx context.Context) bool {
	if m == nil || m.probe == nil || m.cfg.Threshold <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.sampledAt.IsZero() || now.Sub(m.sampledAt) >= m.cfg.CacheTTL {
		depth, err := m.probe.QueueDepth(ctx)
		if err != nil {
			m.log.Debug("queue depth probe failed", "error", err)
		} else {
			m.depth = depth
		}
		m.sampledAt = now
	}
	return m.depth > m.cfg.Threshold
}

func (m *loadMonitor) adjust(ctx context.Context, p Policy) Policy {
	if p.MaxRetries == 0 || !m.overloaded(ctx) {
		return p
	}
	p.InitialDelay = scaleDelay(p.InitialDelay, m.cfg.DelayFactor, 0)
	p.MaxDelay = scaleDelay(p.MaxDelay, m.cfg.DelayFactor, 0)
	return p
}
