package model

import "time"

// SourceKind identifies where a piece of dashboard content came from.
type SourceKind string

const (
	SourceFreshEnriched  SourceKind = "fresh_enriched"  // live vendor data plus enhancement
	SourceCachedEnriched SourceKind = "cached_enriched" // reused fresh_enriched result
	SourceSourceOnly     SourceKind = "source_only"     // live vendor data, no enhancement
	SourceStaticFallback SourceKind = "static_fallback" // synthesized placeholder
)

// AllSourceKinds returns the cascade in the order it is attempted.
func AllSourceKinds() []SourceKind {
	return []SourceKind{
		SourceFreshEnriched,
		SourceCachedEnriched,
		SourceSourceOnly,
		SourceStaticFallback,
	}
}

// ValidationStatus is the validation state of a ContentSource.
type ValidationStatus string

const (
	ValidationValidated   ValidationStatus = "validated"
	ValidationUnvalidated ValidationStatus = "unvalidated"
	ValidationFailed      ValidationStatus = "failed"
)

// Payload is structured widget data: vendor metrics plus optional
// enhancement fields. Values follow encoding/json decoding rules.
type Payload map[string]any

// Clone returns a deep copy of the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	return cloneValue(map[string]any(p)).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case Payload:
		return Payload(cloneValue(map[string]any(t)).(map[string]any))
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// ContentSource is the unit of data handed to a dashboard renderer.
// Values are never mutated once returned; re-validation produces a new one.
type ContentSource struct {
	Kind             SourceKind       `json:"kind"`
	Confidence       int              `json:"confidence"`
	Payload          Payload          `json:"payload"`
	ValidationStatus ValidationStatus `json:"validation_status"`
	FallbackReason   string           `json:"fallback_reason,omitempty"`
	PageID           string           `json:"page_id"`
	WidgetID         string           `json:"widget_id"`
	GeneratedAt      time.Time        `json:"generated_at"`

	// Attempts lists the cascade steps tried, in order.
	Attempts []SourceKind `json:"attempts,omitempty"`
	// Gates holds the gate results that produced ValidationStatus.
	Gates []ValidationResult `json:"gates,omitempty"`
}

// Degraded reports whether the content came from below the top of the cascade.
func (c ContentSource) Degraded() bool {
	return c.Kind != SourceFreshEnriched
}

// RequestContext carries caller-supplied request metadata.
type RequestContext struct {
	UserID    string `json:"user_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	// ForceRefresh bypasses the facade cache.
	ForceRefresh bool `json:"force_refresh,omitempty"`
}
