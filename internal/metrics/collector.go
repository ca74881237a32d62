package metrics

import (
	"context"
	"time"
)

// GateStatus reports the state of the write gate.
type GateStatus interface {
	InFlight() int
	Closed() bool
}

// TokenStore reports the number of stored access tokens.
type TokenStore interface {
	Len() int
}

// CollectorConfig holds the sources sampled by the collector.
type CollectorConfig struct {
	Gate   GateStatus
	Tokens TokenStore
}

// Collector periodically samples daemon state into gauges.
type Collector struct {
	metrics *DaemonMetrics
	gate    GateStatus
	tokens  TokenStore
}

// NewCollector creates a new metrics collector.
func NewCollector(m *DaemonMetrics, cfg CollectorConfig) *Collector {
	return &Collector{
		metrics: m,
		gate:    cfg.Gate,
		tokens:  cfg.Tokens,
	}
}

// Collect updates all gauges from the current state.
func (c *Collector) Collect() {
	if c.metrics == nil {
		return
	}
	if c.gate != nil {
		c.metrics.WritesInFlight.Set(float64(c.gate.InFlight()))
		if c.gate.Closed() {
			c.metrics.GateClosed.Set(1)
		} else {
			c.metrics.GateClosed.Set(0)
		}
	}
	if c.tokens != nil {
		c.metrics.TokensLive.Set(float64(c.tokens.Len()))
	}
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
