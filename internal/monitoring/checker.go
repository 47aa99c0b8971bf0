package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/osa-gateway/internal/audit"
	"github.com/sells-group/osa-gateway/internal/config"
)

const defaultCheckInterval = 5 * time.Minute

// Checker runs periodic health checks and sends alerts.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
}

// NewChecker creates a new Checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{collector: collector, alerter: alerter, cfg: cfg}
}

// Run starts the check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}

	zap.L().Info("monitoring: checker started",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run one check immediately on startup.
	c.check(ctx)

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("monitoring: checker stopped")
			return
		case <-ticker.C:
			c.check(ctx)
		}
	}
}

// CheckOnce performs a single collect, evaluate and send cycle.
func (c *Checker) CheckOnce(ctx context.Context) (*MetricsSnapshot, []Alert, error) {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		return nil, nil, err
	}
	alerts := c.alerter.Evaluate(snap)
	if len(alerts) > 0 {
		c.alerter.SendAlerts(ctx, alerts)
	}
	return snap, alerts, nil
}

func (c *Checker) check(ctx context.Context) {
	snap, alerts, err := c.CheckOnce(ctx)
	if err != nil {
		zap.L().Error("monitoring: collect metrics failed", zap.Error(err))
		return
	}

	zap.L().Debug("monitoring: check complete",
		zap.Int("gate_total", snap.GateTotal),
		zap.Float64("gate_fail_rate", snap.GateFailRate),
		zap.String("overall", string(snap.Overall)),
		zap.Int("alerts", len(alerts)),
	)
}

// WatchSinkErrors counts audit sink failures until errs closes or ctx ends.
func WatchSinkErrors(ctx context.Context, errs <-chan audit.SinkError, m *Metrics) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-errs:
			if !ok {
				return
			}
			if m != nil {
				m.AuditSinkErrors.WithLabelValues(e.Sink).Inc()
			}
		}
	}
}
