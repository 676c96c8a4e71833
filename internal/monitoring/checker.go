package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Checker periodically refreshes the registry gauges in the background.
type Checker struct {
	collector     *Collector
	metrics       *Metrics
	interval      time.Duration
	lookbackHours int
}

// NewChecker creates a background stats refresher.
func NewChecker(collector *Collector, metrics *Metrics, interval time.Duration, lookbackHours int) *Checker {
	return &Checker{
		collector:     collector,
		metrics:       metrics,
		interval:      interval,
		lookbackHours: lookbackHours,
	}
}

// Run starts the periodic refresh loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := c.interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if c.lookbackHours <= 0 {
		c.lookbackHours = 24
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting registry stats refresher",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.lookbackHours),
	)

	c.check(ctx, log)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("registry stats refresher stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	stats, err := c.collector.Collect(ctx, c.lookbackHours)
	if err != nil {
		log.Error("monitoring: failed to collect registry stats", zap.Error(err))
		return
	}
	c.metrics.SetRegistryStats(stats)
	log.Debug("monitoring: registry stats refreshed",
		zap.Int("runs", stats.RunsTotal),
		zap.Float64("blocked_rate", stats.BlockedRate),
	)
}
