// Package gate runs the independent validation checks applied to widget
// content before it is served.
package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/osa-gateway/internal/model"
)

// PageLookup resolves page configs. *model.PageRegistry satisfies it.
type PageLookup interface {
	Get(pageID string) (model.PageConfig, bool)
}

// DedupIndex records content hashes and returns their first occurrence.
type DedupIndex interface {
	RecordContentHash(ctx context.Context, entry model.DedupEntry) (model.DedupEntry, error)
}

// MetricsStore holds last-known numeric metrics per page.
type MetricsStore interface {
	GetPageMetrics(ctx context.Context, pageID string) (map[string]float64, error)
	SavePageMetrics(ctx context.Context, pageID string, metrics map[string]float64, at time.Time) error
}

// Engine evaluates gates. RunGate never panics and never returns an error;
// internal failures become error_fallback results.
type Engine struct {
	pages      PageLookup
	schemas    *SchemaSet
	dedup      DedupIndex
	metrics    MetricsStore
	notifier   Notifier
	comparator ConsistencyComparator
	tolerance  float64
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets the escalation target for cross-page duplicates.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithComparator replaces the default cross-page comparator.
func WithComparator(c ConsistencyComparator) Option {
	return func(e *Engine) { e.comparator = c }
}

// WithTolerance sets the relative tolerance handed to the comparator.
func WithTolerance(t float64) Option {
	return func(e *Engine) { e.tolerance = t }
}

// WithSchemas replaces the built-in widget schema set.
func WithSchemas(s *SchemaSet) Option {
	return func(e *Engine) { e.schemas = s }
}

// NewEngine creates a gate engine. dedup and metrics may be nil, in which
// case the gates that need them fail with error_fallback.
func NewEngine(pages PageLookup, dedup DedupIndex, metrics MetricsStore, opts ...Option) (*Engine, error) {
	e := &Engine{
		pages:      pages,
		dedup:      dedup,
		metrics:    metrics,
		notifier:   NopNotifier{},
		comparator: PassThroughComparator{},
		tolerance:  0.05,
		now:        time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.schemas == nil {
		s, err := DefaultSchemas()
		if err != nil {
			return nil, err
		}
		e.schemas = s
	}
	return e, nil
}

// RunGate evaluates a single gate against content.
func (e *Engine) RunGate(ctx context.Context, pageID, widgetID string, content model.Payload, gate model.GateKind) (res model.ValidationResult) {
	start := e.now()
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("gate: panic recovered",
				zap.String("gate", string(gate)),
				zap.String("page_id", pageID),
				zap.String("widget_id", widgetID),
				zap.Any("panic", r),
			)
			res = model.Fail(gate, fmt.Sprintf("internal error: %v", r), model.ActionErrorFallback)
		}
		res.Duration = e.now().Sub(start)
	}()

	var err error
	switch gate {
	case model.GateMapping:
		res = e.checkMapping(pageID, widgetID, content)
	case model.GateSchema:
		res, err = e.checkSchema(widgetID, content)
	case model.GateDeduplication:
		res, err = e.checkDedup(ctx, pageID, widgetID, content)
	case model.GateCrossPageConsistency:
		res, err = e.checkConsistency(ctx, pageID, content)
	default:
		err = eris.Errorf("unknown gate %q", gate)
	}
	if err != nil {
		zap.L().Warn("gate: internal error",
			zap.String("gate", string(gate)),
			zap.String("page_id", pageID),
			zap.String("widget_id", widgetID),
			zap.Error(err),
		)
		return model.Fail(gate, "internal error: "+err.Error(), model.ActionErrorFallback)
	}
	return res
}

// RunAll evaluates the given gates in order, or every gate when none are
// given. All gates run even after a failure.
func (e *Engine) RunAll(ctx context.Context, pageID, widgetID string, content model.Payload, gates ...model.GateKind) []model.ValidationResult {
	if len(gates) == 0 {
		gates = model.AllGates()
	}
	results := make([]model.ValidationResult, 0, len(gates))
	for _, g := range gates {
		results = append(results, e.RunGate(ctx, pageID, widgetID, content, g))
	}
	return results
}
