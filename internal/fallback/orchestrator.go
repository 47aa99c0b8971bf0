// Package fallback walks the content-source cascade for one widget request
// and always returns a ContentSource.
package fallback

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/osa-gateway/internal/confidence"
	"github.com/sells-group/osa-gateway/internal/enhance"
	"github.com/sells-group/osa-gateway/internal/model"
)

// Validator runs validation gates.
type Validator interface {
	RunGate(ctx context.Context, pageID, widgetID string, content model.Payload, gate model.GateKind) model.ValidationResult
	RunAll(ctx context.Context, pageID, widgetID string, content model.Payload, gates ...model.GateKind) []model.ValidationResult
}

// Enhancer enriches source data. It returns the source unchanged when
// enrichment is rejected.
type Enhancer interface {
	Enhance(ctx context.Context, source model.Payload, pageID, widgetID string) (model.Payload, enhance.Outcome)
}

// OutputLookup finds the latest stored enriched output for a widget.
type OutputLookup interface {
	LatestOutput(ctx context.Context, pageID, widgetID string) (*model.AgentOutputAudit, error)
}

// PageLookup resolves page configs for tier TTLs.
type PageLookup interface {
	Get(pageID string) (model.PageConfig, bool)
}

// Orchestrator runs the cascade fresh_enriched, cached_enriched,
// source_only, static_fallback.
type Orchestrator struct {
	pages    PageLookup
	fetcher  SourceFetcher
	enhancer Enhancer
	gates    Validator
	outputs  OutputLookup

	enhancementEnabled atomic.Bool
	now                func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEnhancer sets the enrichment step used by fresh_enriched.
func WithEnhancer(e Enhancer) Option {
	return func(o *Orchestrator) { o.enhancer = e }
}

// WithOutputs sets where cached_enriched results are read from.
func WithOutputs(l OutputLookup) Option {
	return func(o *Orchestrator) { o.outputs = l }
}

// WithEnhancementEnabled sets the initial fresh_enriched toggle.
func WithEnhancementEnabled(on bool) Option {
	return func(o *Orchestrator) { o.enhancementEnabled.Store(on) }
}

// WithNow sets the clock (for testing).
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(pages PageLookup, fetcher SourceFetcher, gates Validator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		pages:   pages,
		fetcher: fetcher,
		gates:   gates,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetEnhancementEnabled flips the fresh_enriched toggle at runtime.
func (o *Orchestrator) SetEnhancementEnabled(on bool) {
	o.enhancementEnabled.Store(on)
}

// EnhancementEnabled reports the fresh_enriched toggle.
func (o *Orchestrator) EnhancementEnabled() bool {
	return o.enhancementEnabled.Load()
}

// cascade carries per-request state between steps.
type cascade struct {
	pageID    string
	widgetID  string
	requestID string
	attempts  []model.SourceKind
	reasons   []string
	gates     []model.ValidationResult

	source    model.Payload
	sourceErr error
	fetched   bool

	latest    *model.AgentOutputAudit
	latestErr error
	looked    bool
}

func (c *cascade) fail(kind model.SourceKind, reason string) {
	c.reasons = append(c.reasons, fmt.Sprintf("%s: %s", kind, reason))
}

// GetContent returns the best available content for a widget. It never
// fails: internal errors and panics degrade to static_fallback.
func (o *Orchestrator) GetContent(ctx context.Context, pageID, widgetID string, rc model.RequestContext) (out model.ContentSource) {
	c := &cascade{pageID: pageID, widgetID: widgetID, requestID: rc.RequestID}

	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("fallback: panic in cascade",
				zap.String("page_id", pageID),
				zap.String("widget_id", widgetID),
				zap.Any("panic", r),
			)
			c.fail(lastAttempt(c.attempts), fmt.Sprintf("internal error: %v", r))
			out = o.static(c)
		}
	}()

	if o.enhancementEnabled.Load() {
		if cs, ok := o.pinned(ctx, c); ok {
			return cs
		}
		if cs, ok := o.fresh(ctx, c); ok {
			return cs
		}
	}
	if cs, ok := o.cached(ctx, c); ok {
		return cs
	}
	if cs, ok := o.sourceOnly(ctx, c); ok {
		return cs
	}
	return o.static(c)
}

func (o *Orchestrator) fetch(ctx context.Context, c *cascade) (model.Payload, error) {
	if !c.fetched {
		c.fetched = true
		c.source, c.sourceErr = o.fetcher.Fetch(ctx, c.pageID, c.widgetID)
	}
	if c.sourceErr != nil {
		return nil, c.sourceErr
	}
	return c.source.Clone(), nil
}

func (o *Orchestrator) lookup(ctx context.Context, c *cascade) (*model.AgentOutputAudit, error) {
	if !c.looked {
		c.looked = true
		c.latest, c.latestErr = o.outputs.LatestOutput(ctx, c.pageID, c.widgetID)
	}
	return c.latest, c.latestErr
}

// pinned serves a rolled-back version ahead of fresh_enriched until it is
// older than the tier's cache limit. Lookup failures fall through silently;
// cached() reports them.
func (o *Orchestrator) pinned(ctx context.Context, c *cascade) (model.ContentSource, bool) {
	if o.outputs == nil {
		return model.ContentSource{}, false
	}
	latest, err := o.lookup(ctx, c)
	if err != nil || latest == nil || !latest.RolledBack() {
		return model.ContentSource{}, false
	}
	if o.now().Sub(latest.CreatedAt) >= confidence.MaxAge(o.tierOf(c.pageID)) {
		return model.ContentSource{}, false
	}

	c.attempts = append(c.attempts, model.SourceCachedEnriched)
	c.reasons = append(c.reasons, fmt.Sprintf("pinned by rollback (version %d)", latest.Version))
	return o.build(c, model.SourceCachedEnriched, latest.Payload.Clone(), model.ValidationValidated), true
}

func (o *Orchestrator) fresh(ctx context.Context, c *cascade) (model.ContentSource, bool) {
	c.attempts = append(c.attempts, model.SourceFreshEnriched)
	if o.enhancer == nil {
		c.fail(model.SourceFreshEnriched, "no enhancer configured")
		return model.ContentSource{}, false
	}

	source, err := o.fetch(ctx, c)
	if err != nil {
		c.fail(model.SourceFreshEnriched, "source fetch failed: "+err.Error())
		return model.ContentSource{}, false
	}

	enriched, outcome := o.enhancer.Enhance(ctx, source, c.pageID, c.widgetID)
	if !outcome.Applied {
		c.fail(model.SourceFreshEnriched, "enhancement not applied: "+outcome.Reason)
		return model.ContentSource{}, false
	}

	results := o.gates.RunAll(ctx, c.pageID, c.widgetID, enriched)
	c.gates = append(c.gates, results...)
	if failed, ok := model.FirstFailure(results); ok {
		c.fail(model.SourceFreshEnriched, fmt.Sprintf("%s gate failed: %s", failed.Gate, failed.Reason))
		return model.ContentSource{}, false
	}

	return o.build(c, model.SourceFreshEnriched, enriched, model.ValidationValidated), true
}

func (o *Orchestrator) cached(ctx context.Context, c *cascade) (model.ContentSource, bool) {
	c.attempts = append(c.attempts, model.SourceCachedEnriched)
	if o.outputs == nil {
		c.fail(model.SourceCachedEnriched, "no output store configured")
		return model.ContentSource{}, false
	}

	latest, err := o.lookup(ctx, c)
	if err != nil {
		c.fail(model.SourceCachedEnriched, "output lookup failed: "+err.Error())
		return model.ContentSource{}, false
	}
	if latest == nil {
		c.fail(model.SourceCachedEnriched, "no prior enriched result")
		return model.ContentSource{}, false
	}

	maxAge := confidence.MaxAge(o.tierOf(c.pageID))
	age := o.now().Sub(latest.CreatedAt)
	if age >= maxAge {
		c.fail(model.SourceCachedEnriched, fmt.Sprintf("prior result is %s old (limit %s)", age.Round(time.Second), maxAge))
		return model.ContentSource{}, false
	}

	return o.build(c, model.SourceCachedEnriched, latest.Payload.Clone(), model.ValidationValidated), true
}

func (o *Orchestrator) sourceOnly(ctx context.Context, c *cascade) (model.ContentSource, bool) {
	c.attempts = append(c.attempts, model.SourceSourceOnly)

	source, err := o.fetch(ctx, c)
	if err != nil {
		c.fail(model.SourceSourceOnly, "source fetch failed: "+err.Error())
		return model.ContentSource{}, false
	}

	res := o.gates.RunGate(ctx, c.pageID, c.widgetID, source, model.GateMapping)
	c.gates = append(c.gates, res)
	if !res.Passed {
		c.fail(model.SourceSourceOnly, "mapping gate failed: "+res.Reason)
		return model.ContentSource{}, false
	}

	return o.build(c, model.SourceSourceOnly, source, model.ValidationUnvalidated), true
}

func (o *Orchestrator) static(c *cascade) model.ContentSource {
	c.attempts = append(c.attempts, model.SourceStaticFallback)
	return o.build(c, model.SourceStaticFallback, StaticPayload(c.pageID, c.widgetID), model.ValidationUnvalidated)
}

func (o *Orchestrator) build(c *cascade, kind model.SourceKind, payload model.Payload, status model.ValidationStatus) model.ContentSource {
	cs := model.ContentSource{
		Kind:             kind,
		Confidence:       confidence.For(kind),
		Payload:          payload,
		ValidationStatus: status,
		PageID:           c.pageID,
		WidgetID:         c.widgetID,
		GeneratedAt:      o.now().UTC(),
		Attempts:         append([]model.SourceKind(nil), c.attempts...),
		Gates:            append([]model.ValidationResult(nil), c.gates...),
	}
	if len(c.reasons) > 0 {
		cs.FallbackReason = strings.Join(c.reasons, "; ")
	} else if kind != model.SourceFreshEnriched && !o.enhancementEnabled.Load() {
		cs.FallbackReason = "enhancement disabled"
	}

	zap.L().Info("fallback: content resolved",
		zap.String("page_id", c.pageID),
		zap.String("widget_id", c.widgetID),
		zap.String("request_id", c.requestID),
		zap.String("kind", string(kind)),
		zap.Int("confidence", cs.Confidence),
		zap.Int("attempts", len(cs.Attempts)),
	)
	return cs
}

func (o *Orchestrator) tierOf(pageID string) int {
	if o.pages == nil {
		return 0
	}
	if p, ok := o.pages.Get(pageID); ok {
		return p.Tier
	}
	return 0
}

func lastAttempt(attempts []model.SourceKind) model.SourceKind {
	if len(attempts) == 0 {
		return "cascade"
	}
	return attempts[len(attempts)-1]
}
