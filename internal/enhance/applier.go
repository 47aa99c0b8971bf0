// Package enhance applies LLM enrichment to vendor data without letting it
// change any number the vendor reported.
package enhance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/osa-gateway/internal/model"
	"github.com/sells-group/osa-gateway/internal/payload"
	"github.com/sells-group/osa-gateway/internal/resilience"
)

// Keys under which merged content carries each side.
const (
	SourceDataKey      = "sourceData"
	EnhancementDataKey = "enhancementData"
)

// Request is one enhancement call.
type Request struct {
	PageID   string
	WidgetID string
	Source   model.Payload
	Attempt  int
}

// Enhancer produces an enriched candidate for source data.
type Enhancer interface {
	Enhance(ctx context.Context, req Request) (model.Payload, error)
}

// Config bounds the applier.
type Config struct {
	MaxAttempts   int
	Backoff       time.Duration
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

// DefaultConfig is two attempts, one second apart, thirty seconds each.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   2,
		Backoff:       time.Second,
		Timeout:       30 * time.Second,
		RatePerSecond: 5,
		Burst:         5,
	}
}

// Outcome describes what the applier did.
type Outcome struct {
	Applied  bool
	Attempts int
	// Conflicts holds the numeric changes that rejected the last attempt.
	Conflicts []payload.Conflict
	// Dropped lists candidate keys discarded because the source owns them.
	Dropped []string
	Reason  string
}

// Applier runs an Enhancer under retry, rate limiting and pre-merge
// numeric validation.
type Applier struct {
	enhancer Enhancer
	limiter  *rate.Limiter
	cfg      Config
}

// NewApplier creates an Applier. Zero config fields take DefaultConfig values.
func NewApplier(enh Enhancer, cfg Config) *Applier {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Applier{
		enhancer: enh,
		limiter:  rate.NewLimiter(limit, burst),
		cfg:      cfg,
	}
}

// conflictError rejects a candidate that changed source numbers.
type conflictError struct {
	conflicts []payload.Conflict
}

func (e *conflictError) Error() string {
	parts := make([]string, len(e.conflicts))
	for i, c := range e.conflicts {
		parts[i] = fmt.Sprintf("%s (%g -> %g)", c.Path, c.Original, c.Altered)
	}
	return "enhancement altered numeric fields: " + strings.Join(parts, ", ")
}

// Enhance returns the merged payload when an attempt passes pre-merge
// validation, or an unchanged copy of source otherwise. It never returns
// an error; the outcome says which path was taken.
func (a *Applier) Enhance(ctx context.Context, source model.Payload, pageID, widgetID string) (model.Payload, Outcome) {
	var out Outcome
	var lastConflicts []payload.Conflict
	original := payload.FromPayload(source)

	policy := resilience.RetryPolicy{
		MaxAttempts:    a.cfg.MaxAttempts,
		Backoff:        a.cfg.Backoff,
		AttemptTimeout: a.cfg.Timeout,
		OnRetry:        resilience.RetryLogger("enhancer", pageID+"/"+widgetID),
	}

	candidate, err := resilience.Do(ctx, policy, func(ctx context.Context, attempt int) (model.Payload, error) {
		out.Attempts = attempt
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, resilience.EnhancementError("rate limit", err)
		}
		cand, err := a.enhancer.Enhance(ctx, Request{
			PageID:   pageID,
			WidgetID: widgetID,
			Source:   source.Clone(),
			Attempt:  attempt,
		})
		if err != nil {
			return nil, resilience.EnhancementError("enhance", err)
		}
		if cand == nil {
			return nil, resilience.EnhancementError("enhance", eris.New("empty candidate"))
		}
		if conflicts := payload.NumericConflicts(original, payload.FromPayload(cand)); len(conflicts) > 0 {
			lastConflicts = conflicts
			return nil, resilience.ValidationViolation("pre-merge", &conflictError{conflicts: conflicts})
		}
		lastConflicts = nil
		return cand, nil
	})
	if err != nil {
		out.Conflicts = lastConflicts
		out.Reason = err.Error()
		zap.L().Warn("enhance: falling back to source data",
			zap.String("page_id", pageID),
			zap.String("widget_id", widgetID),
			zap.Int("attempts", out.Attempts),
			zap.Error(err),
		)
		return source.Clone(), out
	}

	merged, dropped := Merge(source, candidate)
	out.Applied = true
	out.Dropped = dropped
	out.Reason = "enhancement applied"
	return merged, out
}

// Merge carries source fields untouched at the top level and under
// sourceData, and places the candidate's additional fields under
// enhancementData. Candidate keys the source already has are dropped.
func Merge(source, candidate model.Payload) (model.Payload, []string) {
	merged := source.Clone()
	if merged == nil {
		merged = model.Payload{}
	}
	src := source.Clone()
	if src == nil {
		src = model.Payload{}
	}
	delete(src, SourceDataKey)
	delete(src, EnhancementDataKey)

	extra := model.Payload{}
	var dropped []string
	for k, v := range candidate.Clone() {
		if _, owned := source[k]; owned || k == SourceDataKey || k == EnhancementDataKey {
			dropped = append(dropped, k)
			continue
		}
		extra[k] = v
	}
	sort.Strings(dropped)

	merged[SourceDataKey] = map[string]any(src)
	merged[EnhancementDataKey] = map[string]any(extra)
	return merged, dropped
}
