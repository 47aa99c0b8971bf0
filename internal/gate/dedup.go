package gate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/osa-gateway/internal/model"
)

// DuplicateEvent describes content first seen on another page.
type DuplicateEvent struct {
	ContentHash   string    `json:"content_hash"`
	PageID        string    `json:"page_id"`
	WidgetID      string    `json:"widget_id"`
	FirstPageID   string    `json:"first_page_id"`
	FirstWidgetID string    `json:"first_widget_id"`
	FirstSeenAt   time.Time `json:"first_seen_at"`
}

// Notifier escalates cross-page duplicates. Implementations must not block
// for long; the gate result does not depend on delivery.
type Notifier interface {
	NotifyDuplicate(ctx context.Context, ev DuplicateEvent)
}

// NopNotifier drops every event.
type NopNotifier struct{}

// NotifyDuplicate implements Notifier.
func (NopNotifier) NotifyDuplicate(context.Context, DuplicateEvent) {}

// ContentHash returns the hex SHA-256 of the RFC 8785 canonical JSON form of
// content. Key order does not affect the result.
func ContentHash(content model.Payload) (string, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return "", eris.Wrap(err, "gate: marshal content")
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", eris.Wrap(err, "gate: canonicalize content")
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

func (e *Engine) checkDedup(ctx context.Context, pageID, widgetID string, content model.Payload) (model.ValidationResult, error) {
	if e.dedup == nil {
		return model.ValidationResult{}, eris.New("gate: dedup index not configured")
	}
	hash, err := ContentHash(content)
	if err != nil {
		return model.ValidationResult{}, err
	}

	first, err := e.dedup.RecordContentHash(ctx, model.DedupEntry{
		ContentHash: hash,
		PageID:      pageID,
		WidgetID:    widgetID,
		FirstSeenAt: e.now().UTC(),
	})
	if err != nil {
		return model.ValidationResult{}, eris.Wrap(err, "gate: record content hash")
	}

	if first.PageID != pageID {
		ev := DuplicateEvent{
			ContentHash:   hash,
			PageID:        pageID,
			WidgetID:      widgetID,
			FirstPageID:   first.PageID,
			FirstWidgetID: first.WidgetID,
			FirstSeenAt:   first.FirstSeenAt,
		}
		zap.L().Warn("gate: duplicate content across pages",
			zap.String("page_id", pageID),
			zap.String("first_page_id", first.PageID),
			zap.String("hash", hash),
		)
		e.notifier.NotifyDuplicate(ctx, ev)
		return model.Fail(model.GateDeduplication,
			fmt.Sprintf("duplicate content: first seen on page %s (widget %s)", first.PageID, first.WidgetID),
			model.ActionDuplicate), nil
	}
	return model.Pass(model.GateDeduplication, "content unique to page", 100), nil
}
