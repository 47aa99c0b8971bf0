package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/osa-gateway/internal/auth"
	"github.com/sells-group/osa-gateway/internal/cache"
	"github.com/sells-group/osa-gateway/internal/config"
	"github.com/sells-group/osa-gateway/internal/enhance"
	"github.com/sells-group/osa-gateway/internal/model"
	"github.com/sells-group/osa-gateway/internal/store"
)

const testJWTSecret = "serve-test-secret-0123456789abcdef"

type fixedFetcher struct {
	mu      sync.Mutex
	payload model.Payload
}

func (f *fixedFetcher) set(p model.Payload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payload = p
}

func (f *fixedFetcher) Fetch(context.Context, string, string) (model.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payload.Clone(), nil
}

type noteEnhancer struct{}

func (noteEnhancer) Enhance(context.Context, enhance.Request) (model.Payload, error) {
	return model.Payload{"summary": "sessions are steady"}, nil
}

func kpiPayload(sessions float64) model.Payload {
	return model.Payload{
		"metrics":    map[string]any{"sessions": sessions},
		"timeframe":  "30d",
		"dataSource": "odp",
	}
}

type gatewayEnv struct {
	svc     *services
	srv     *httptest.Server
	fetcher *fixedFetcher
	token   string
}

func newGatewayEnv(t *testing.T) *gatewayEnv {
	t.Helper()

	c := &config.Config{
		Server:      config.ServerConfig{AllowedOrigins: []string{"*"}},
		Auth:        config.AuthConfig{JWTSecret: testJWTSecret, TokenTTL: 60},
		Enhancement: config.EnhancementConfig{MaxAttempts: 1, TimeoutSecs: 5},
		Pipeline:    config.PipelineConfig{EnhancementEnabled: true, ConsistencyTolerance: 0.05},
		Audit:       config.AuditConfig{Dir: t.TempDir(), MaxFiles: 5},
		Monitoring:  config.MonitoringConfig{LookbackWindowHours: 24, FailureRateThreshold: 0.2},
	}

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "osa.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))

	pages := model.NewPageRegistry([]model.PageConfig{
		{PageID: "strategy-plans", Tier: 1, TargetWidgets: []string{"kpi-dashboard"}, Warm: true},
		{PageID: "analytics-insights", Tier: 2, TargetWidgets: []string{"analytics-insights"}},
	})

	fetcher := &fixedFetcher{payload: kpiPayload(120)}
	svc, err := buildServices(c, pages, st, cache.NewMemory(), fetcher, noteEnhancer{}, prometheus.NewRegistry())
	require.NoError(t, err)

	srv := httptest.NewServer(newRouter(svc))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Close(ctx)
	})

	token, err := svc.Signer.Generate("admin-1", auth.GenerateOptions{Role: "admin"})
	require.NoError(t, err)

	return &gatewayEnv{svc: svc, srv: srv, fetcher: fetcher, token: token}
}

func (e *gatewayEnv) do(t *testing.T, method, path string, body any, authed bool) *http.Response {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() }) //nolint:errcheck
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestGateway_PublicRoutes(t *testing.T) {
	env := newGatewayEnv(t)

	resp := env.do(t, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/tools/odp/discovery", nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := decode[map[string]any](t, resp)
	assert.Contains(t, doc, "functions")
	assert.NotContains(t, doc, "tools")
}

func TestGateway_RequiresToken(t *testing.T) {
	env := newGatewayEnv(t)

	for _, path := range []string{"/api/content/strategy-plans/kpi-dashboard", "/api/admin/health", "/api/admin/audit", "/metrics"} {
		resp := env.do(t, http.MethodGet, path, nil, false)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestGateway_ContentAndHealth(t *testing.T) {
	env := newGatewayEnv(t)

	resp := env.do(t, http.MethodGet, "/api/content/strategy-plans/kpi-dashboard", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cs := decode[model.ContentSource](t, resp)
	assert.Equal(t, model.SourceFreshEnriched, cs.Kind, cs.FallbackReason)
	assert.Equal(t, 99, cs.Confidence)
	assert.Equal(t, 120.0, cs.Payload["metrics"].(map[string]any)["sessions"])

	require.Eventually(t, func() bool {
		resp := env.do(t, http.MethodGet, "/api/admin/audit?page_id=strategy-plans", nil, true)
		body := decode[struct {
			Records []model.AuditRecord `json:"records"`
		}](t, resp)
		return len(body.Records) == len(model.AllGates())
	}, 5*time.Second, 20*time.Millisecond)

	resp = env.do(t, http.MethodGet, "/api/admin/health?lookback_hours=1", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Health struct {
			Overall model.OverallStatus `json:"overall"`
			Pages   []struct {
				PageID  string              `json:"page_id"`
				Overall model.OverallStatus `json:"overall"`
			} `json:"pages"`
		} `json:"health"`
		EnhancementEnabled bool `json:"enhancement_enabled"`
	}](t, resp)
	assert.True(t, body.EnhancementEnabled)
	require.Len(t, body.Health.Pages, 2)
	assert.Equal(t, "analytics-insights", body.Health.Pages[0].PageID)
	assert.Equal(t, model.OverallPending, body.Health.Pages[0].Overall)
	assert.Equal(t, model.OverallGreen, body.Health.Pages[1].Overall)

	resp = env.do(t, http.MethodGet, "/api/admin/health?lookback_hours=abc", nil, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGateway_Rollback(t *testing.T) {
	env := newGatewayEnv(t)
	ctx := context.Background()

	env.do(t, http.MethodGet, "/api/content/strategy-plans/kpi-dashboard", nil, true)
	env.fetcher.set(kpiPayload(340))
	env.do(t, http.MethodGet, "/api/content/strategy-plans/kpi-dashboard?force_refresh=true", nil, true)

	v2, err := env.svc.Store.LatestOutput(ctx, "strategy-plans", "kpi-dashboard")
	require.NoError(t, err)
	require.Equal(t, 2, v2.Version)

	resp := env.do(t, http.MethodPost, "/api/admin/rollback/"+v2.ID, nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[model.AgentOutputAudit](t, resp)
	assert.Equal(t, 3, out.Version)
	assert.Equal(t, 1, out.CountEvents(model.AuditEventRolledBack))
	assert.Equal(t, "admin-1", out.AuditTrail[len(out.AuditTrail)-1].Actor)

	// Enhancement is still on; a forced refresh serves the restored payload.
	require.True(t, env.svc.Orchestrator.EnhancementEnabled())
	resp = env.do(t, http.MethodGet, "/api/content/strategy-plans/kpi-dashboard?force_refresh=true", nil, true)
	cs := decode[model.ContentSource](t, resp)
	assert.Equal(t, model.SourceCachedEnriched, cs.Kind)
	assert.Equal(t, 120.0, cs.Payload["metrics"].(map[string]any)["sessions"])

	resp = env.do(t, http.MethodPost, "/api/admin/rollback/missing-id", nil, true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/admin/rollback/"+v2.ID, map[string]int{"target_version": 9}, true)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestGateway_EnhancementToggle(t *testing.T) {
	env := newGatewayEnv(t)

	resp := env.do(t, http.MethodPut, "/api/admin/enhancement", map[string]bool{"enabled": false}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, env.svc.Orchestrator.EnhancementEnabled())

	resp = env.do(t, http.MethodGet, "/api/content/strategy-plans/kpi-dashboard", nil, true)
	cs := decode[model.ContentSource](t, resp)
	assert.Equal(t, model.SourceSourceOnly, cs.Kind)
	assert.NotContains(t, cs.Attempts, model.SourceFreshEnriched)

	resp = env.do(t, http.MethodPut, "/api/admin/enhancement", map[string]string{"on": "yes"}, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGateway_ToolEndpoints(t *testing.T) {
	env := newGatewayEnv(t)

	resp := env.do(t, http.MethodPost, "/api/tools/osa_get_widget_content",
		map[string]any{"page_id": "strategy-plans", "widget_id": "kpi-dashboard"}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cs := decode[model.ContentSource](t, resp)
	assert.Equal(t, "strategy-plans", cs.PageID)

	resp = env.do(t, http.MethodPost, "/api/tools/osa_get_widget_content", map[string]any{"page_id": "strategy-plans"}, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/tools/osa_get_validation_health", nil, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/tools/osa_rollback_agent_output", map[string]any{}, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGateway_Metrics(t *testing.T) {
	env := newGatewayEnv(t)
	env.do(t, http.MethodGet, "/api/content/strategy-plans/kpi-dashboard", nil, true)

	resp := env.do(t, http.MethodGet, "/metrics", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `osa_content_served_total{kind="fresh_enriched",validation_status="validated"} 1`)
}
