// Package monitoring watches gate outcomes and raises webhook alerts.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/osa-gateway/internal/model"
	"github.com/sells-group/osa-gateway/internal/pipeline"
)

// MetricsSnapshot holds a point-in-time view of validation health.
type MetricsSnapshot struct {
	GateTotal     int     `json:"gate_total"`
	GatePassed    int     `json:"gate_passed"`
	GateWarning   int     `json:"gate_warning"`
	GateFailed    int     `json:"gate_failed"`
	GateFailRate  float64 `json:"gate_fail_rate"`
	AvgConfidence float64 `json:"avg_confidence"`
	AvgDurationMs float64 `json:"avg_duration_ms"`

	Overall     model.OverallStatus `json:"overall"`
	RedPages    []string            `json:"red_pages,omitempty"`
	YellowPages []string            `json:"yellow_pages,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// HealthSource reports system health over a lookback window.
type HealthSource interface {
	SystemHealth(ctx context.Context, lookback time.Duration) (*pipeline.SystemHealth, error)
}

// Collector turns system health into a snapshot and publishes page colors.
type Collector struct {
	source  HealthSource
	metrics *Metrics
}

// NewCollector creates a new collector. metrics may be nil.
func NewCollector(source HealthSource, metrics *Metrics) *Collector {
	return &Collector{source: source, metrics: metrics}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	health, err := c.source.SystemHealth(ctx, time.Duration(lookbackHours)*time.Hour)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: system health")
	}

	agg := health.Aggregates
	snap := &MetricsSnapshot{
		GateTotal:     agg.Total,
		GatePassed:    agg.Passed,
		GateWarning:   agg.Warning,
		GateFailed:    agg.Failed,
		AvgConfidence: agg.AvgConfidence,
		AvgDurationMs: agg.AvgDurationMs,
		Overall:       health.Overall,
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}
	if agg.Total > 0 {
		snap.GateFailRate = float64(agg.Failed) / float64(agg.Total)
	}

	for _, p := range health.Pages {
		switch p.Overall {
		case model.OverallRed:
			snap.RedPages = append(snap.RedPages, p.PageID)
		case model.OverallYellow:
			snap.YellowPages = append(snap.YellowPages, p.PageID)
		}
		if c.metrics != nil {
			c.metrics.SetPageOverall(p.PageID, p.Overall)
		}
	}
	return snap, nil
}
