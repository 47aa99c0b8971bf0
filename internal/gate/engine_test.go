package gate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/osa-gateway/internal/model"
)

func testPages() *model.PageRegistry {
	return model.NewPageRegistry([]model.PageConfig{
		{PageID: "strategy-plans", Tier: 1, TargetWidgets: []string{"kpi-dashboard", "strategy-roadmap"}, RelatedPages: []string{"analytics-insights"}},
		{PageID: "analytics-insights", Tier: 2, TargetWidgets: []string{"kpi-dashboard", "analytics-insights"}},
		{PageID: "experience-optimization", Tier: 3, TargetWidgets: []string{"kpi-dashboard", "dxp-tools"}},
	})
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *memIndex) {
	t.Helper()
	idx := newMemIndex()
	e, err := NewEngine(testPages(), idx, idx, opts...)
	require.NoError(t, err)
	return e, idx
}

func kpiContent() model.Payload {
	return model.Payload{
		"metrics":    map[string]any{"sessions": 1200.0, "conversionRate": "3.4%"},
		"timeframe":  "30d",
		"dataSource": "odp",
	}
}

func TestMapping_FourDistinctReasons(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		page    string
		widget  string
		content model.Payload
		reason  string
	}{
		{"unknown page", "nope", "kpi-dashboard", model.Payload{}, ReasonUnknownPage},
		{"widget not on page", "strategy-plans", "dxp-tools", model.Payload{}, ReasonWidgetNotOnPage},
		{"tier mismatch", "strategy-plans", "kpi-dashboard", model.Payload{"tier": 2.0}, ReasonTierMismatch},
		{"bad maturity", "strategy-plans", "kpi-dashboard", model.Payload{"tier": 1.0, "maturityLevel": "sprint"}, ReasonInvalidMaturity},
	}
	seen := map[string]bool{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := e.RunGate(ctx, tt.page, tt.widget, tt.content, model.GateMapping)
			assert.False(t, r.Passed)
			assert.Equal(t, 0, r.ConfidenceScore)
			assert.Equal(t, model.ActionInvalidMapping, r.ActionTaken)
			assert.Contains(t, r.Reason, tt.reason)
			seen[r.Reason] = true
		})
	}
	assert.Len(t, seen, 4)
}

func TestMapping_Pass(t *testing.T) {
	e, _ := newTestEngine(t)
	r := e.RunGate(context.Background(), "strategy-plans", "kpi-dashboard",
		model.Payload{"tier": "1", "maturityLevel": "Walk"}, model.GateMapping)
	assert.True(t, r.Passed)
	assert.Equal(t, 100, r.ConfidenceScore)
	assert.Equal(t, model.ActionPassed, r.ActionTaken)
}

func TestMapping_TierAndMaturityCheckedOnlyWhenPresent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	for _, c := range []model.Payload{kpiContent(), {"tier": nil, "maturityLevel": nil}} {
		r := e.RunGate(ctx, "strategy-plans", "kpi-dashboard", c, model.GateMapping)
		assert.True(t, r.Passed, r.Reason)
	}

	r := e.RunGate(ctx, "experience-optimization", "dxp-tools", model.Payload{"tier": 1.0}, model.GateMapping)
	assert.False(t, r.Passed)
	assert.Contains(t, r.Reason, ReasonTierMismatch)

	r = e.RunGate(ctx, "experience-optimization", "dxp-tools", model.Payload{"maturityLevel": 3.0}, model.GateMapping)
	assert.False(t, r.Passed)
	assert.Contains(t, r.Reason, ReasonInvalidMaturity)
}

func TestSchema_RequiredFields(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	r := e.RunGate(ctx, "strategy-plans", "kpi-dashboard", model.Payload{"metrics": map[string]any{}}, model.GateSchema)
	assert.False(t, r.Passed)
	assert.Equal(t, model.ActionSchemaViolation, r.ActionTaken)
	assert.Contains(t, r.Reason, "timeframe")
	assert.Contains(t, r.Reason, "dataSource")

	r = e.RunGate(ctx, "strategy-plans", "kpi-dashboard", kpiContent(), model.GateSchema)
	assert.True(t, r.Passed, r.Reason)

	r = e.RunGate(ctx, "strategy-plans", "unlisted-widget", model.Payload{}, model.GateSchema)
	assert.True(t, r.Passed, "unknown widgets only need an object")

	r = e.RunGate(ctx, "strategy-plans", "kpi-dashboard", nil, model.GateSchema)
	assert.False(t, r.Passed)
	assert.Equal(t, "content is null", r.Reason)
}

func TestSchema_Idempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	for _, c := range []model.Payload{kpiContent(), {"metrics": 1.0}} {
		first := e.RunGate(ctx, "strategy-plans", "kpi-dashboard", c, model.GateSchema)
		second := e.RunGate(ctx, "strategy-plans", "kpi-dashboard", c, model.GateSchema)
		assert.Equal(t, first.Passed, second.Passed)
		assert.Equal(t, first.Reason, second.Reason)
	}
}

func TestSchema_MetricOverlapBlocked(t *testing.T) {
	e, _ := newTestEngine(t)
	content := kpiContent()
	content["sourceData"] = map[string]any{"metrics": map[string]any{"sessions": 5.0}, "label": "a"}
	content["enhancementData"] = map[string]any{"metrics": map[string]any{"sessions": 6.0}, "label": "b"}

	r := e.RunGate(context.Background(), "strategy-plans", "kpi-dashboard", content, model.GateSchema)
	assert.False(t, r.Passed)
	assert.Contains(t, r.Reason, "metrics")
	assert.NotContains(t, r.Reason, "label")
}

func TestSchema_NonMetricOverlapAllowed(t *testing.T) {
	e, _ := newTestEngine(t)
	content := kpiContent()
	content["sourceData"] = map[string]any{"sessions": 5.0, "label": "a"}
	content["enhancementData"] = map[string]any{"label": "b", "narrative": "steady growth"}

	r := e.RunGate(context.Background(), "strategy-plans", "kpi-dashboard", content, model.GateSchema)
	assert.True(t, r.Passed, r.Reason)
}

func TestIsMetricKey(t *testing.T) {
	for _, k := range []string{"metrics", "KPI", "sessionCount", "bouncePercentage", "conversion_rate", "totalRevenue", "Score", "value"} {
		assert.True(t, IsMetricKey(k), k)
	}
	for _, k := range []string{"label", "narrative", "timeframe", "dataSource"} {
		assert.False(t, IsMetricKey(k), k)
	}
}

func TestDedup_CrossPageFailsNamingFirstPage(t *testing.T) {
	n := &mockNotifier{}
	n.On("NotifyDuplicate", mock.Anything, mock.MatchedBy(func(ev DuplicateEvent) bool {
		return ev.FirstPageID == "strategy-plans" && ev.PageID == "analytics-insights"
	})).Once()

	e, _ := newTestEngine(t, WithNotifier(n))
	ctx := context.Background()

	r := e.RunGate(ctx, "strategy-plans", "kpi-dashboard", kpiContent(), model.GateDeduplication)
	require.True(t, r.Passed)

	// Same page again passes.
	r = e.RunGate(ctx, "strategy-plans", "kpi-dashboard", kpiContent(), model.GateDeduplication)
	require.True(t, r.Passed)

	// Key order must not matter for the hash.
	reordered := model.Payload{"dataSource": "odp", "timeframe": "30d", "metrics": map[string]any{"conversionRate": "3.4%", "sessions": 1200.0}}
	r = e.RunGate(ctx, "analytics-insights", "kpi-dashboard", reordered, model.GateDeduplication)
	assert.False(t, r.Passed)
	assert.Equal(t, model.ActionDuplicate, r.ActionTaken)
	assert.Contains(t, r.Reason, "strategy-plans")
	n.AssertExpectations(t)
}

func TestContentHash_OrderIndependent(t *testing.T) {
	a, err := ContentHash(model.Payload{"a": 1.0, "b": map[string]any{"x": "y", "z": 2.0}})
	require.NoError(t, err)
	b, err := ContentHash(model.Payload{"b": map[string]any{"z": 2.0, "x": "y"}, "a": 1.0})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestConsistency_DefaultComparatorAlwaysPasses(t *testing.T) {
	e, idx := newTestEngine(t)
	idx.metrics["analytics-insights"] = map[string]float64{"metrics.sessions": 1.0}

	r := e.RunGate(context.Background(), "strategy-plans", "kpi-dashboard", kpiContent(), model.GateCrossPageConsistency)
	assert.True(t, r.Passed, "default comparator is a pass-through extension point")
	assert.Equal(t, 1200.0, idx.metrics["strategy-plans"]["metrics.sessions"], "current metrics saved")

	// Unenforced comparisons pass as a warning so page health shows yellow.
	assert.Less(t, r.ConfidenceScore, 80)
	assert.Contains(t, r.Reason, "not enforced")
	assert.Equal(t, model.GateStatusWarning, model.StatusOf(r))
	assert.Equal(t, model.OverallYellow, model.ReduceOverall(map[model.GateKind]model.GateStatus{
		model.GateMapping:              model.GateStatusPassed,
		model.GateCrossPageConsistency: model.StatusOf(r),
	}))

	// With nothing to compare the gate passes outright.
	r = e.RunGate(context.Background(), "analytics-insights", "kpi-dashboard", kpiContent(), model.GateCrossPageConsistency)
	assert.True(t, r.Passed)
	assert.Equal(t, 100, r.ConfidenceScore)
}

func TestConsistency_ToleranceComparator(t *testing.T) {
	e, idx := newTestEngine(t, WithComparator(ToleranceComparator{}), WithTolerance(0.05))
	ctx := context.Background()

	idx.metrics["analytics-insights"] = map[string]float64{"metrics.sessions": 1190.0}
	r := e.RunGate(ctx, "strategy-plans", "kpi-dashboard", kpiContent(), model.GateCrossPageConsistency)
	assert.True(t, r.Passed, r.Reason)
	assert.Equal(t, 100, r.ConfidenceScore)

	idx.metrics["analytics-insights"] = map[string]float64{"metrics.sessions": 600.0}
	r = e.RunGate(ctx, "strategy-plans", "kpi-dashboard", kpiContent(), model.GateCrossPageConsistency)
	assert.False(t, r.Passed)
	assert.Equal(t, model.ActionInconsistent, r.ActionTaken)
	assert.Contains(t, r.Reason, "analytics-insights")
	assert.Contains(t, r.Reason, "metrics.sessions")
}

func TestRunGate_StoreErrorBecomesErrorFallback(t *testing.T) {
	e, idx := newTestEngine(t)
	idx.err = errors.New("db down")

	r := e.RunGate(context.Background(), "strategy-plans", "kpi-dashboard", kpiContent(), model.GateDeduplication)
	assert.False(t, r.Passed)
	assert.Equal(t, 0, r.ConfidenceScore)
	assert.Equal(t, model.ActionErrorFallback, r.ActionTaken)
}

func TestRunGate_PanicBecomesErrorFallback(t *testing.T) {
	e, err := NewEngine(panicLookup{}, nil, nil)
	require.NoError(t, err)

	var r model.ValidationResult
	assert.NotPanics(t, func() {
		r = e.RunGate(context.Background(), "p", "w", model.Payload{}, model.GateMapping)
	})
	assert.False(t, r.Passed)
	assert.Equal(t, model.ActionErrorFallback, r.ActionTaken)
	assert.Contains(t, r.Reason, "boom")
}

func TestRunGate_UnknownGate(t *testing.T) {
	e, _ := newTestEngine(t)
	r := e.RunGate(context.Background(), "strategy-plans", "kpi-dashboard", kpiContent(), model.GateKind("bogus"))
	assert.False(t, r.Passed)
	assert.Equal(t, model.ActionErrorFallback, r.ActionTaken)
}

func TestRunAll_DefaultsToEveryGate(t *testing.T) {
	e, _ := newTestEngine(t)
	results := e.RunAll(context.Background(), "strategy-plans", "kpi-dashboard", kpiContent())
	require.Len(t, results, 4)
	for i, g := range model.AllGates() {
		assert.Equal(t, g, results[i].Gate)
		assert.True(t, results[i].Passed, "%s: %s", g, results[i].Reason)
	}

	subset := e.RunAll(context.Background(), "strategy-plans", "kpi-dashboard", kpiContent(), model.GateMapping)
	assert.Len(t, subset, 1)
}
