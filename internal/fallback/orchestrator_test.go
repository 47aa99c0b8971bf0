package fallback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/osa-gateway/internal/confidence"
	"github.com/sells-group/osa-gateway/internal/enhance"
	"github.com/sells-group/osa-gateway/internal/model"
)

var testNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) Fetch(ctx context.Context, pageID, widgetID string) (model.Payload, error) {
	args := m.Called(ctx, pageID, widgetID)
	p, _ := args.Get(0).(model.Payload)
	return p, args.Error(1)
}

type panicFetcher struct{}

func (panicFetcher) Fetch(context.Context, string, string) (model.Payload, error) {
	panic("boom")
}

// stubGates fails the listed gates and passes the rest.
type stubGates struct {
	failing map[model.GateKind]string
	calls   []model.GateKind
}

func (s *stubGates) RunGate(_ context.Context, _, _ string, _ model.Payload, gate model.GateKind) model.ValidationResult {
	s.calls = append(s.calls, gate)
	if reason, ok := s.failing[gate]; ok {
		return model.Fail(gate, reason, model.ActionSchemaViolation)
	}
	return model.Pass(gate, "ok", 100)
}

func (s *stubGates) RunAll(ctx context.Context, pageID, widgetID string, content model.Payload, gates ...model.GateKind) []model.ValidationResult {
	if len(gates) == 0 {
		gates = model.AllGates()
	}
	out := make([]model.ValidationResult, 0, len(gates))
	for _, g := range gates {
		out = append(out, s.RunGate(ctx, pageID, widgetID, content, g))
	}
	return out
}

type stubEnhancer struct {
	applied bool
}

func (s stubEnhancer) Enhance(_ context.Context, source model.Payload, _, _ string) (model.Payload, enhance.Outcome) {
	if !s.applied {
		return source, enhance.Outcome{Reason: "enhancement altered numeric fields: x (5 -> 6)"}
	}
	merged, _ := enhance.Merge(source, model.Payload{"summary": "steady"})
	return merged, enhance.Outcome{Applied: true, Attempts: 1}
}

type stubOutputs struct {
	latest *model.AgentOutputAudit
	err    error
}

func (s stubOutputs) LatestOutput(context.Context, string, string) (*model.AgentOutputAudit, error) {
	return s.latest, s.err
}

func testPages() *model.PageRegistry {
	return model.NewPageRegistry([]model.PageConfig{
		{PageID: "strategy-plans", Tier: 1, TargetWidgets: []string{"kpi-dashboard"}},
		{PageID: "analytics-insights", Tier: 3, TargetWidgets: []string{"analytics-insights"}},
	})
}

func newOrchestrator(f SourceFetcher, g Validator, opts ...Option) *Orchestrator {
	opts = append([]Option{WithNow(func() time.Time { return testNow })}, opts...)
	return NewOrchestrator(testPages(), f, g, opts...)
}

func TestGetContent_ToggleOffNeverAttemptsFresh(t *testing.T) {
	f := new(mockFetcher)
	f.On("Fetch", mock.Anything, "strategy-plans", "kpi-dashboard").Return(model.Payload{"x": 5.0}, nil)

	o := newOrchestrator(f, &stubGates{}, WithEnhancer(stubEnhancer{applied: true}), WithOutputs(stubOutputs{}))
	cs := o.GetContent(context.Background(), "strategy-plans", "kpi-dashboard", model.RequestContext{})

	require.NotEmpty(t, cs.Attempts)
	assert.Equal(t, model.SourceCachedEnriched, cs.Attempts[0])
	assert.NotContains(t, cs.Attempts, model.SourceFreshEnriched)
	assert.Equal(t, model.SourceSourceOnly, cs.Kind)
	assert.Equal(t, 100, cs.Confidence)
	assert.Equal(t, model.ValidationUnvalidated, cs.ValidationStatus)
	assert.Contains(t, cs.FallbackReason, "no prior enriched result")
}

func TestGetContent_ToggleOffCachedHitStillHasReason(t *testing.T) {
	prior := &model.AgentOutputAudit{Payload: model.Payload{"x": 5.0}, CreatedAt: testNow.Add(-time.Minute)}
	o := newOrchestrator(new(mockFetcher), &stubGates{}, WithOutputs(stubOutputs{latest: prior}))

	cs := o.GetContent(context.Background(), "strategy-plans", "kpi-dashboard", model.RequestContext{})
	assert.Equal(t, model.SourceCachedEnriched, cs.Kind)
	assert.Equal(t, []model.SourceKind{model.SourceCachedEnriched}, cs.Attempts)
	assert.Equal(t, "enhancement disabled", cs.FallbackReason)
}

func TestGetContent_FreshEnriched(t *testing.T) {
	f := new(mockFetcher)
	f.On("Fetch", mock.Anything, "strategy-plans", "kpi-dashboard").Return(model.Payload{"x": 5.0}, nil).Once()
	gates := &stubGates{}

	o := newOrchestrator(f, gates,
		WithEnhancer(stubEnhancer{applied: true}),
		WithEnhancementEnabled(true),
	)
	cs := o.GetContent(context.Background(), "strategy-plans", "kpi-dashboard", model.RequestContext{RequestID: "r1"})

	assert.Equal(t, model.SourceFreshEnriched, cs.Kind)
	assert.Equal(t, 99, cs.Confidence)
	assert.Equal(t, model.ValidationValidated, cs.ValidationStatus)
	assert.Empty(t, cs.FallbackReason)
	assert.Equal(t, 5.0, cs.Payload["x"])
	assert.Equal(t, map[string]any{"summary": "steady"}, cs.Payload[enhance.EnhancementDataKey])
	assert.Equal(t, model.AllGates(), gates.calls)
	assert.Equal(t, testNow, cs.GeneratedAt)
	f.AssertExpectations(t)
}

func TestGetContent_GateFailureFallsToCached(t *testing.T) {
	f := new(mockFetcher)
	f.On("Fetch", mock.Anything, mock.Anything, mock.Anything).Return(model.Payload{"x": 5.0}, nil)
	prior := &model.AgentOutputAudit{Payload: model.Payload{"x": 4.0}, CreatedAt: testNow.Add(-4 * time.Minute)}

	o := newOrchestrator(f,
		&stubGates{failing: map[model.GateKind]string{model.GateSchema: "widget kpi-dashboard: missing properties: 'timeframe'"}},
		WithEnhancer(stubEnhancer{applied: true}),
		WithEnhancementEnabled(true),
		WithOutputs(stubOutputs{latest: prior}),
	)
	cs := o.GetContent(context.Background(), "strategy-plans", "kpi-dashboard", model.RequestContext{})

	assert.Equal(t, model.SourceCachedEnriched, cs.Kind)
	assert.Equal(t, 95, cs.Confidence)
	assert.Equal(t, 4.0, cs.Payload["x"])
	assert.Equal(t, []model.SourceKind{model.SourceFreshEnriched, model.SourceCachedEnriched}, cs.Attempts)
	assert.Contains(t, cs.FallbackReason, "fresh_enriched: schema gate failed")
	assert.Len(t, cs.Gates, 4)
}

func TestGetContent_ExpiredCacheFallsToSourceOnly(t *testing.T) {
	f := new(mockFetcher)
	f.On("Fetch", mock.Anything, mock.Anything, mock.Anything).Return(model.Payload{"x": 5.0}, nil).Once()
	// Tier 1 keeps results for five minutes.
	prior := &model.AgentOutputAudit{Payload: model.Payload{"x": 4.0}, CreatedAt: testNow.Add(-6 * time.Minute)}

	o := newOrchestrator(f, &stubGates{},
		WithEnhancer(stubEnhancer{applied: false}),
		WithEnhancementEnabled(true),
		WithOutputs(stubOutputs{latest: prior}),
	)
	cs := o.GetContent(context.Background(), "strategy-plans", "kpi-dashboard", model.RequestContext{})

	assert.Equal(t, model.SourceSourceOnly, cs.Kind)
	assert.Equal(t, 5.0, cs.Payload["x"])
	assert.Contains(t, cs.FallbackReason, "enhancement not applied")
	assert.Contains(t, cs.FallbackReason, "limit 5m0s")
	// The fetched source is reused by source_only.
	f.AssertNumberOfCalls(t, "Fetch", 1)
}

func TestGetContent_RolledBackVersionBeatsFresh(t *testing.T) {
	f := new(mockFetcher)
	rolled := &model.AgentOutputAudit{
		Version:   3,
		Payload:   model.Payload{"x": 4.0},
		CreatedAt: testNow.Add(-time.Minute),
		AuditTrail: []model.AuditEvent{
			{Type: model.AuditEventCreated},
			{Type: model.AuditEventRolledBack},
		},
	}
	o := newOrchestrator(f, &stubGates{},
		WithEnhancer(stubEnhancer{applied: true}),
		WithEnhancementEnabled(true),
		WithOutputs(stubOutputs{latest: rolled}),
	)

	cs := o.GetContent(context.Background(), "strategy-plans", "kpi-dashboard", model.RequestContext{ForceRefresh: true})
	assert.Equal(t, model.SourceCachedEnriched, cs.Kind)
	assert.Equal(t, 4.0, cs.Payload["x"])
	assert.Equal(t, []model.SourceKind{model.SourceCachedEnriched}, cs.Attempts)
	assert.Equal(t, "pinned by rollback (version 3)", cs.FallbackReason)
	f.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything, mock.Anything)

	// Past the tier limit the pin lapses and fresh_enriched runs again.
	f.On("Fetch", mock.Anything, "strategy-plans", "kpi-dashboard").Return(model.Payload{"x": 5.0}, nil).Once()
	rolled.CreatedAt = testNow.Add(-6 * time.Minute)
	cs = o.GetContent(context.Background(), "strategy-plans", "kpi-dashboard", model.RequestContext{})
	assert.Equal(t, model.SourceFreshEnriched, cs.Kind)
	f.AssertExpectations(t)
}

func TestGetContent_TierThreeKeepsCacheLonger(t *testing.T) {
	prior := &model.AgentOutputAudit{Payload: model.Payload{"x": 4.0}, CreatedAt: testNow.Add(-12 * time.Minute)}
	o := newOrchestrator(new(mockFetcher), &stubGates{}, WithOutputs(stubOutputs{latest: prior}))

	cs := o.GetContent(context.Background(), "analytics-insights", "analytics-insights", model.RequestContext{})
	assert.Equal(t, model.SourceCachedEnriched, cs.Kind)
}

func TestGetContent_FetchErrorDegradesToStatic(t *testing.T) {
	f := new(mockFetcher)
	f.On("Fetch", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("transport: connection refused"))

	o := newOrchestrator(f, &stubGates{}, WithOutputs(stubOutputs{err: errors.New("store down")}))
	cs := o.GetContent(context.Background(), "strategy-plans", "kpi-dashboard", model.RequestContext{})

	assert.Equal(t, model.SourceStaticFallback, cs.Kind)
	assert.Equal(t, 70, cs.Confidence)
	assert.Equal(t, true, cs.Payload["placeholder"])
	assert.Equal(t, "Kpi Dashboard", cs.Payload["title"])
	assert.Contains(t, cs.FallbackReason, "output lookup failed: store down")
	assert.Contains(t, cs.FallbackReason, "source fetch failed")
	assert.Equal(t, []model.SourceKind{
		model.SourceCachedEnriched, model.SourceSourceOnly, model.SourceStaticFallback,
	}, cs.Attempts)
}

func TestGetContent_MappingFailureDegradesToStatic(t *testing.T) {
	f := new(mockFetcher)
	f.On("Fetch", mock.Anything, mock.Anything, mock.Anything).Return(model.Payload{"x": 5.0}, nil)
	gates := &stubGates{failing: map[model.GateKind]string{model.GateMapping: "widget dxp-tools is not a target of page strategy-plans"}}

	o := newOrchestrator(f, gates)
	cs := o.GetContent(context.Background(), "strategy-plans", "dxp-tools", model.RequestContext{})

	assert.Equal(t, model.SourceStaticFallback, cs.Kind)
	assert.Equal(t, []model.GateKind{model.GateMapping}, gates.calls)
	assert.Contains(t, cs.FallbackReason, "mapping gate failed")
}

func TestGetContent_PanicDegradesToStatic(t *testing.T) {
	o := newOrchestrator(panicFetcher{}, &stubGates{})
	cs := o.GetContent(context.Background(), "strategy-plans", "kpi-dashboard", model.RequestContext{})

	assert.Equal(t, model.SourceStaticFallback, cs.Kind)
	assert.Contains(t, cs.FallbackReason, "internal error: boom")
}

func TestGetContent_ConfidenceAlwaysFromRegistry(t *testing.T) {
	f := new(mockFetcher)
	f.On("Fetch", mock.Anything, mock.Anything, mock.Anything).Return(model.Payload{"x": 5.0}, nil)
	prior := &model.AgentOutputAudit{Payload: model.Payload{"x": 4.0}, CreatedAt: testNow}

	cases := []*Orchestrator{
		newOrchestrator(f, &stubGates{}, WithEnhancer(stubEnhancer{applied: true}), WithEnhancementEnabled(true)),
		newOrchestrator(f, &stubGates{}, WithOutputs(stubOutputs{latest: prior})),
		newOrchestrator(f, &stubGates{}),
		newOrchestrator(f, &stubGates{failing: map[model.GateKind]string{model.GateMapping: "x"}}),
	}
	seen := map[model.SourceKind]bool{}
	for _, o := range cases {
		cs := o.GetContent(context.Background(), "strategy-plans", "kpi-dashboard", model.RequestContext{})
		assert.Equal(t, confidence.For(cs.Kind), cs.Confidence, cs.Kind)
		seen[cs.Kind] = true
	}
	assert.Len(t, seen, 4)
}

func TestSetEnhancementEnabled(t *testing.T) {
	o := newOrchestrator(new(mockFetcher), &stubGates{})
	assert.False(t, o.EnhancementEnabled())
	o.SetEnhancementEnabled(true)
	assert.True(t, o.EnhancementEnabled())
}

func TestStaticPayload(t *testing.T) {
	p := StaticPayload("strategy-plans", "maturity_assessment")
	assert.Equal(t, "Maturity Assessment", p["title"])
	assert.Equal(t, "Strategy Plans", p["page"])
	assert.Equal(t, "Widget", StaticPayload("p", " ")["title"])
}
