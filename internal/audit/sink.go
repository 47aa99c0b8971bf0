package audit

import (
	"context"

	"github.com/sells-group/osa-gateway/internal/model"
	"github.com/sells-group/osa-gateway/internal/store"
)

// Sink receives audit records. A sink only stores data.
type Sink interface {
	Name() string
	Write(ctx context.Context, rec model.AuditRecord) error
}

// StoreSink writes records to the structured store and updates the page
// status projection.
type StoreSink struct {
	st store.Store
}

// NewStoreSink creates a StoreSink.
func NewStoreSink(st store.Store) *StoreSink {
	return &StoreSink{st: st}
}

// Name implements Sink.
func (s *StoreSink) Name() string { return "store" }

// Write implements Sink.
func (s *StoreSink) Write(ctx context.Context, rec model.AuditRecord) error {
	if err := s.st.AppendAuditRecord(ctx, rec); err != nil {
		return err
	}
	return s.st.ApplyGateStatus(ctx, rec.PageID, rec.GateKind, rec.Status, rec.Timestamp)
}
