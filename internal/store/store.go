package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/osa-gateway/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = eris.New("store: not found")

// AuditFilter specifies criteria for listing and summarizing audit records.
// Zero values match everything.
type AuditFilter struct {
	PageID   string           `json:"page_id,omitempty"`
	WidgetID string           `json:"widget_id,omitempty"`
	Gate     model.GateKind   `json:"gate,omitempty"`
	Status   model.GateStatus `json:"status,omitempty"`
	Since    time.Time        `json:"since,omitempty"`
	Until    time.Time        `json:"until,omitempty"`
	Limit    int              `json:"limit,omitempty"`
}

// AuditSummary holds raw counts and averages over matching audit records.
type AuditSummary struct {
	Total         int     `json:"total"`
	Passed        int     `json:"passed"`
	Warning       int     `json:"warning"`
	Failed        int     `json:"failed"`
	AvgConfidence float64 `json:"avg_confidence"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// Store defines the persistence interface for validation audit data.
type Store interface {
	// Validation audit
	AppendAuditRecord(ctx context.Context, rec model.AuditRecord) error
	ListAuditRecords(ctx context.Context, filter AuditFilter) ([]model.AuditRecord, error)
	SummarizeAudit(ctx context.Context, filter AuditFilter) (AuditSummary, error)

	// Page status projection
	ApplyGateStatus(ctx context.Context, pageID string, gate model.GateKind, status model.GateStatus, at time.Time) error
	GetPageStatus(ctx context.Context, pageID string) (*model.PageValidationStatus, error)
	ListPageStatuses(ctx context.Context) ([]model.PageValidationStatus, error)

	// Dedup index. RecordContentHash stores entry if the hash is new and
	// returns the first occurrence either way.
	RecordContentHash(ctx context.Context, entry model.DedupEntry) (model.DedupEntry, error)

	// Last-known numeric metrics per page, used for cross-page checks.
	SavePageMetrics(ctx context.Context, pageID string, metrics map[string]float64, at time.Time) error
	GetPageMetrics(ctx context.Context, pageID string) (map[string]float64, error)

	// Agent output versions. CreateOutputVersion assigns ID, Version and
	// CreatedAt; existing versions are never updated.
	CreateOutputVersion(ctx context.Context, out model.AgentOutputAudit) (*model.AgentOutputAudit, error)
	GetOutput(ctx context.Context, id string) (*model.AgentOutputAudit, error)
	LatestOutput(ctx context.Context, pageID, widgetID string) (*model.AgentOutputAudit, error)
	ListOutputVersions(ctx context.Context, pageID, widgetID string) ([]model.AgentOutputAudit, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

func auditLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}

// pageStatusFolder folds page_gate_status rows, ordered by page, into
// projections.
type pageStatusFolder struct {
	out []model.PageValidationStatus
}

func (f *pageStatusFolder) add(pageID string, gate model.GateKind, status model.GateStatus, updated time.Time) {
	n := len(f.out)
	if n == 0 || f.out[n-1].PageID != pageID {
		f.out = append(f.out, model.PageValidationStatus{PageID: pageID})
		n++
	}
	cur := &f.out[n-1]
	at := cur.UpdatedAt
	if updated.After(at) {
		at = updated
	}
	cur.Apply(gate, status, at)
}

func (f *pageStatusFolder) result() []model.PageValidationStatus {
	return f.out
}

func marshalOutput(o model.AgentOutputAudit) (payload, trail []byte, err error) {
	payload, err = json.Marshal(o.Payload)
	if err != nil {
		return nil, nil, err
	}
	if o.AuditTrail == nil {
		o.AuditTrail = []model.AuditEvent{}
	}
	trail, err = json.Marshal(o.AuditTrail)
	return payload, trail, err
}

func unmarshalOutput(o *model.AgentOutputAudit, payload, trail []byte) error {
	if err := json.Unmarshal(payload, &o.Payload); err != nil {
		return eris.Wrap(err, "unmarshal output payload")
	}
	if err := json.Unmarshal(trail, &o.AuditTrail); err != nil {
		return eris.Wrap(err, "unmarshal output audit trail")
	}
	return nil
}
