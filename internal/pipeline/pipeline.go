// Package pipeline is the single entry point for widget content: cache,
// cascade, validation, audit, versioning and rollback.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/osa-gateway/internal/audit"
	"github.com/sells-group/osa-gateway/internal/cache"
	"github.com/sells-group/osa-gateway/internal/confidence"
	"github.com/sells-group/osa-gateway/internal/model"
	"github.com/sells-group/osa-gateway/internal/resilience"
	"github.com/sells-group/osa-gateway/internal/store"
)

// ContentProvider runs the content-source cascade.
type ContentProvider interface {
	GetContent(ctx context.Context, pageID, widgetID string, rc model.RequestContext) model.ContentSource
}

// Validator runs validation gates.
type Validator interface {
	RunAll(ctx context.Context, pageID, widgetID string, content model.Payload, gates ...model.GateKind) []model.ValidationResult
}

// AuditLog records and reads gate decisions.
type AuditLog interface {
	RecordResults(ctx context.Context, pageID, widgetID string, results []model.ValidationResult)
	Query(ctx context.Context, filter store.AuditFilter) ([]model.AuditRecord, error)
	Aggregate(ctx context.Context, filter store.AuditFilter) (audit.Aggregates, error)
}

// Versions persists agent output versions.
type Versions interface {
	CreateOutputVersion(ctx context.Context, out model.AgentOutputAudit) (*model.AgentOutputAudit, error)
	GetOutput(ctx context.Context, id string) (*model.AgentOutputAudit, error)
	LatestOutput(ctx context.Context, pageID, widgetID string) (*model.AgentOutputAudit, error)
	ListOutputVersions(ctx context.Context, pageID, widgetID string) ([]model.AgentOutputAudit, error)
}

// Observer receives one call per served request.
type Observer interface {
	ObserveContent(cs model.ContentSource, cacheHit bool, elapsed time.Duration)
}

// Pipeline composes the cache, the cascade, the gate engine and the audit
// log. Build one per process.
type Pipeline struct {
	pages    *model.PageRegistry
	provider ContentProvider
	gates    Validator
	audit    AuditLog
	versions Versions
	cache    cache.Cache
	observer Observer

	group singleflight.Group
	now   func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithObserver sets a request observer.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

// WithNow sets the clock (for testing).
func WithNow(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a Pipeline.
func New(pages *model.PageRegistry, provider ContentProvider, gates Validator, auditLog AuditLog, versions Versions, c cache.Cache, opts ...Option) *Pipeline {
	p := &Pipeline{
		pages:    pages,
		provider: provider,
		gates:    gates,
		audit:    auditLog,
		versions: versions,
		cache:    c,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get returns content for a widget. It never fails: every path ends in a
// ContentSource with its registry confidence.
func (p *Pipeline) Get(ctx context.Context, pageID, widgetID string, rc model.RequestContext) model.ContentSource {
	start := p.now()
	key := cache.Key(pageID, widgetID)
	log := zap.L().With(
		zap.String("component", "pipeline"),
		zap.String("page_id", pageID),
		zap.String("widget_id", widgetID),
		zap.String("request_id", rc.RequestID),
	)

	if !rc.ForceRefresh {
		if cs, ok := p.fromCache(ctx, key, log); ok {
			p.observe(cs, true, start)
			return cs
		}
	}

	v, _, shared := p.group.Do(key, func() (any, error) {
		// Callers sharing this attempt must not be cut short by the first
		// caller's cancellation; every step carries its own timeout.
		return p.resolve(context.WithoutCancel(ctx), pageID, widgetID, rc, log), nil
	})
	cs := v.(model.ContentSource)
	if shared {
		log.Debug("pipeline: shared in-flight result")
	}
	p.observe(cs, false, start)
	return cs
}

func (p *Pipeline) fromCache(ctx context.Context, key string, log *zap.Logger) (model.ContentSource, bool) {
	hit, err := p.cache.Get(ctx, key)
	if err != nil {
		log.Warn("pipeline: cache read failed", zap.Error(resilience.PersistenceError("cache get", err)))
		return model.ContentSource{}, false
	}
	if hit == nil {
		return model.ContentSource{}, false
	}

	age := p.now().Sub(hit.GeneratedAt).Round(time.Second)
	cs := *hit
	cs.Kind = model.SourceCachedEnriched
	cs.Confidence = confidence.For(model.SourceCachedEnriched)
	cs.Attempts = []model.SourceKind{model.SourceCachedEnriched}
	cs.FallbackReason = fmt.Sprintf("served from cache (age %s)", age)
	cs.Gates = nil
	log.Debug("pipeline: cache hit", zap.Duration("age", age))
	return cs, true
}

func (p *Pipeline) resolve(ctx context.Context, pageID, widgetID string, rc model.RequestContext, log *zap.Logger) model.ContentSource {
	cs := p.provider.GetContent(ctx, pageID, widgetID, rc)
	cs = p.validate(ctx, cs)

	p.audit.RecordResults(ctx, pageID, widgetID, cs.Gates)

	if cs.Kind == model.SourceFreshEnriched {
		if _, err := p.RecordOutput(ctx, cs, "pipeline"); err != nil {
			log.Error("pipeline: record output version", zap.Error(err))
		}
		if err := p.cache.Set(ctx, cache.Key(pageID, widgetID), cs, p.ttl(pageID)); err != nil {
			log.Warn("pipeline: cache write failed", zap.Error(resilience.PersistenceError("cache set", err)))
		}
	}

	state := "VALIDATED"
	if cs.Degraded() {
		state = "DEGRADED"
	}
	log.Info("pipeline: content returned",
		zap.String("state", state),
		zap.String("kind", string(cs.Kind)),
		zap.Int("confidence", cs.Confidence),
		zap.String("validation_status", string(cs.ValidationStatus)),
		zap.String("fallback_reason", cs.FallbackReason),
	)
	return cs
}

// validate runs the gates the cascade skipped on source_only content and
// returns a superseding ContentSource. Other kinds are returned as is.
func (p *Pipeline) validate(ctx context.Context, cs model.ContentSource) model.ContentSource {
	if cs.Kind != model.SourceSourceOnly || cs.ValidationStatus != model.ValidationUnvalidated {
		return cs
	}

	ran := make(map[model.GateKind]bool, len(cs.Gates))
	for _, g := range cs.Gates {
		ran[g.Gate] = true
	}
	var remaining []model.GateKind
	for _, g := range model.AllGates() {
		if !ran[g] {
			remaining = append(remaining, g)
		}
	}

	if len(remaining) == 0 {
		return cs
	}

	results := p.gates.RunAll(ctx, cs.PageID, cs.WidgetID, cs.Payload, remaining...)
	next := cs
	next.Gates = append(append([]model.ValidationResult(nil), cs.Gates...), results...)
	next.ValidationStatus = model.ValidationValidated
	if !model.AllPassed(next.Gates) {
		next.ValidationStatus = model.ValidationFailed
	}
	return next
}

func (p *Pipeline) ttl(pageID string) time.Duration {
	tier := 0
	if p.pages != nil {
		if pc, ok := p.pages.Get(pageID); ok {
			tier = pc.Tier
		}
	}
	return confidence.MaxAge(tier)
}

func (p *Pipeline) observe(cs model.ContentSource, hit bool, start time.Time) {
	if p.observer != nil {
		p.observer.ObserveContent(cs, hit, p.now().Sub(start))
	}
}
