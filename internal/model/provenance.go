package model

import "time"

// AuditEventType labels an entry in an agent output's audit trail.
type AuditEventType string

const (
	AuditEventCreated    AuditEventType = "created"
	AuditEventValidated  AuditEventType = "validated"
	AuditEventRolledBack AuditEventType = "rolled_back"
)

// AuditEvent is one entry in an AgentOutputAudit trail.
type AuditEvent struct {
	Type   AuditEventType `json:"type"`
	At     time.Time      `json:"at"`
	Actor  string         `json:"actor,omitempty"`
	Detail string         `json:"detail,omitempty"`
}

// AgentOutputAudit is one immutable version of generated content for a
// page/widget. Rollback inserts a new version instead of editing history.
type AgentOutputAudit struct {
	ID              string       `json:"id"`
	Version         int          `json:"version"`
	ParentVersionID string       `json:"parent_version_id,omitempty"`
	PageID          string       `json:"page_id"`
	WidgetID        string       `json:"widget_id"`
	ContentHash     string       `json:"content_hash"`
	Payload         Payload      `json:"payload"`
	AuditTrail      []AuditEvent `json:"audit_trail"`
	CreatedAt       time.Time    `json:"created_at"`
}

// CountEvents returns how many trail entries have the given type.
func (a AgentOutputAudit) CountEvents(t AuditEventType) int {
	n := 0
	for _, e := range a.AuditTrail {
		if e.Type == t {
			n++
		}
	}
	return n
}

// RolledBack reports whether the most recent trail entry is a rollback.
func (a AgentOutputAudit) RolledBack() bool {
	if len(a.AuditTrail) == 0 {
		return false
	}
	return a.AuditTrail[len(a.AuditTrail)-1].Type == AuditEventRolledBack
}
