package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/osa-gateway/internal/config"
	"github.com/sells-group/osa-gateway/internal/gate"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertGateFailureRate  AlertType = "gate_failure_rate"
	AlertPagesRed         AlertType = "pages_red"
	AlertDuplicateContent AlertType = "duplicate_content"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// minGateSample is the fewest gate results that can trigger a rate alert.
const minGateSample = 5

// Alerter evaluates a MetricsSnapshot against configured thresholds and
// sends alerts via webhook. It also escalates duplicate content as a
// gate.Notifier.
type Alerter struct {
	cfg     config.MonitoringConfig
	client  *http.Client
	metrics *Metrics

	wg sync.WaitGroup
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig, metrics *Metrics) *Alerter {
	return &Alerter{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		metrics: metrics,
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if snap.GateTotal >= minGateSample && snap.GateFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertGateFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Gate failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d in last %dh)",
				snap.GateFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.GateFailed, snap.GateTotal, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.GateFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.GateFailed,
				"total":        snap.GateTotal,
			},
			Timestamp: now,
		})
	}

	if len(snap.RedPages) > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertPagesRed,
			Severity: "medium",
			Message: fmt.Sprintf("%d page(s) red: %s",
				len(snap.RedPages), strings.Join(snap.RedPages, ", ")),
			Details: map[string]any{
				"red_pages":    snap.RedPages,
				"yellow_pages": snap.YellowPages,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// NotifyDuplicate implements gate.Notifier. Delivery happens in the
// background so the gate never waits on the webhook.
func (a *Alerter) NotifyDuplicate(ctx context.Context, ev gate.DuplicateEvent) {
	if a.metrics != nil {
		a.metrics.DuplicateAlerts.Inc()
	}
	zap.L().Warn("monitoring: duplicate content across pages",
		zap.String("page_id", ev.PageID),
		zap.String("widget_id", ev.WidgetID),
		zap.String("first_page_id", ev.FirstPageID),
		zap.String("content_hash", ev.ContentHash),
	)

	alert := Alert{
		Type:     AlertDuplicateContent,
		Severity: "high",
		Message: fmt.Sprintf("Content for %s/%s duplicates content first seen on page %s",
			ev.PageID, ev.WidgetID, ev.FirstPageID),
		Details: map[string]any{
			"content_hash":    ev.ContentHash,
			"first_page_id":   ev.FirstPageID,
			"first_widget_id": ev.FirstWidgetID,
		},
		Timestamp: time.Now().UTC(),
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.SendAlerts(context.WithoutCancel(ctx), []Alert{alert})
	}()
}

// Wait blocks until background deliveries finish.
func (a *Alerter) Wait() {
	a.wg.Wait()
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
