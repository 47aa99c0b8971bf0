package model

import "time"

// GateKind identifies one independent validation check.
type GateKind string

const (
	GateMapping              GateKind = "mapping"
	GateSchema               GateKind = "schema"
	GateDeduplication        GateKind = "deduplication"
	GateCrossPageConsistency GateKind = "cross_page_consistency"
)

// AllGates returns the full gate set in evaluation order.
func AllGates() []GateKind {
	return []GateKind{
		GateMapping,
		GateSchema,
		GateDeduplication,
		GateCrossPageConsistency,
	}
}

// Action tags recorded with each gate result.
const (
	ActionPassed          = "passed"
	ActionInvalidMapping  = "blocked_invalid_mapping"
	ActionSchemaViolation = "blocked_schema_violation"
	ActionDuplicate       = "blocked_duplicate"
	ActionInconsistent    = "flagged_inconsistent"
	ActionErrorFallback   = "error_fallback"
)

// ValidationResult is the outcome of one gate.
type ValidationResult struct {
	Gate            GateKind      `json:"gate"`
	Passed          bool          `json:"passed"`
	Reason          string        `json:"reason"`
	ConfidenceScore int           `json:"confidence_score"`
	ActionTaken     string        `json:"action_taken"`
	Duration        time.Duration `json:"duration_ns"`
}

// Pass builds a passing result.
func Pass(gate GateKind, reason string, confidence int) ValidationResult {
	return ValidationResult{
		Gate:            gate,
		Passed:          true,
		Reason:          reason,
		ConfidenceScore: clampConfidence(confidence),
		ActionTaken:     ActionPassed,
	}
}

// Fail builds a failing result. Failing results always carry zero confidence.
func Fail(gate GateKind, reason, action string) ValidationResult {
	return ValidationResult{
		Gate:            gate,
		Passed:          false,
		Reason:          reason,
		ConfidenceScore: 0,
		ActionTaken:     action,
	}
}

func clampConfidence(c int) int {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}

// AllPassed reports whether every result passed. An empty slice passes.
func AllPassed(results []ValidationResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// FirstFailure returns the first failing result, if any.
func FirstFailure(results []ValidationResult) (ValidationResult, bool) {
	for _, r := range results {
		if !r.Passed {
			return r, true
		}
	}
	return ValidationResult{}, false
}

// GateStatus is the recorded status of a gate for audit and projection.
type GateStatus string

const (
	GateStatusPassed  GateStatus = "passed"
	GateStatusFailed  GateStatus = "failed"
	GateStatusWarning GateStatus = "warning"
	GateStatusPending GateStatus = "pending"
)

// StatusOf maps a gate result to its recorded status. A passing result
// with a confidence below 80 is recorded as a warning.
func StatusOf(r ValidationResult) GateStatus {
	switch {
	case !r.Passed:
		return GateStatusFailed
	case r.ConfidenceScore < 80:
		return GateStatusWarning
	default:
		return GateStatusPassed
	}
}

// OverallStatus is the aggregated health color of a page.
type OverallStatus string

const (
	OverallGreen   OverallStatus = "green"
	OverallYellow  OverallStatus = "yellow"
	OverallRed     OverallStatus = "red"
	OverallPending OverallStatus = "pending"
)

// ReduceOverall computes red if any gate failed, else yellow if any gate
// warned, else green. No statuses yields pending.
func ReduceOverall(statuses map[GateKind]GateStatus) OverallStatus {
	if len(statuses) == 0 {
		return OverallPending
	}
	overall := OverallGreen
	for _, s := range statuses {
		switch s {
		case GateStatusFailed:
			return OverallRed
		case GateStatusWarning:
			overall = OverallYellow
		}
	}
	return overall
}

// AuditRecord is one append-only row per validation attempt.
type AuditRecord struct {
	ValidationID    string     `json:"validation_id"`
	PageID          string     `json:"page_id"`
	WidgetID        string     `json:"widget_id"`
	GateKind        GateKind   `json:"gate_kind"`
	Status          GateStatus `json:"status"`
	ConfidenceScore int        `json:"confidence_score"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	DurationMs      int64      `json:"duration_ms"`
	Timestamp       time.Time  `json:"timestamp_utc"`
}

// PageValidationStatus is the mutable per-page projection of last-known
// gate statuses.
type PageValidationStatus struct {
	PageID    string                  `json:"page_id"`
	Gates     map[GateKind]GateStatus `json:"gates"`
	Overall   OverallStatus           `json:"overall"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// Apply sets one gate's status and recomputes Overall.
func (s *PageValidationStatus) Apply(gate GateKind, status GateStatus, at time.Time) {
	if s.Gates == nil {
		s.Gates = make(map[GateKind]GateStatus)
	}
	s.Gates[gate] = status
	s.Overall = ReduceOverall(s.Gates)
	s.UpdatedAt = at
}

// DedupEntry is the first occurrence of a content hash.
type DedupEntry struct {
	ContentHash string    `json:"content_hash"`
	PageID      string    `json:"page_id"`
	WidgetID    string    `json:"widget_id"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}
