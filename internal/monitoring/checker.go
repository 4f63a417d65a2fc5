package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/health-dataset-builder/internal/config"
)

// Checker watches build health for a long-running server. Each distinct
// alert condition is delivered once while it holds; when it clears and
// later returns, it is delivered again. A failed delivery is retried at
// the next check.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	lookback  int
	interval  time.Duration

	mu     sync.Mutex
	active map[string]struct{}
}

// NewChecker creates a Checker. Intervals below one second default to five
// minutes.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval < time.Second {
		interval = 5 * time.Minute
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		lookback:  cfg.LookbackWindowHours,
		interval:  interval,
		active:    map[string]struct{}{},
	}
}

// Run checks immediately and then once per interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	zap.L().Info("monitoring: watching build health",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		c.Check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check collects a snapshot and delivers the alerts whose condition was not
// already active. It returns the snapshot and the alerts delivered now.
func (c *Checker) Check(ctx context.Context) (*MetricsSnapshot, []Alert) {
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		zap.L().Error("monitoring: collect failed", zap.Error(err))
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[string]struct{})
	var delivered []Alert
	for _, alert := range c.alerter.Evaluate(snap) {
		key := alert.Key()
		if _, ok := c.active[key]; ok {
			next[key] = struct{}{}
			continue
		}
		if err := c.alerter.Deliver(ctx, alert); err != nil {
			zap.L().Error("monitoring: alert delivery failed", zap.String("alert", key), zap.Error(err))
			continue
		}
		next[key] = struct{}{}
		delivered = append(delivered, alert)
	}
	cleared := 0
	for key := range c.active {
		if _, ok := next[key]; !ok {
			cleared++
		}
	}
	c.active = next

	if len(delivered) > 0 || cleared > 0 {
		zap.L().Info("monitoring: alert state changed",
			zap.Int("delivered", len(delivered)),
			zap.Int("cleared", cleared),
			zap.Int("active", len(next)),
		)
	}
	return snap, delivered
}
