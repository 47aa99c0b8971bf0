package pipeline

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/osa-gateway/internal/cache"
	"github.com/sells-group/osa-gateway/internal/gate"
	"github.com/sells-group/osa-gateway/internal/model"
)

// RecordOutput stores cs as the next output version for its page/widget.
func (p *Pipeline) RecordOutput(ctx context.Context, cs model.ContentSource, actor string) (*model.AgentOutputAudit, error) {
	hash, err := gate.ContentHash(cs.Payload)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: hash output")
	}

	at := p.now().UTC()
	out := model.AgentOutputAudit{
		PageID:      cs.PageID,
		WidgetID:    cs.WidgetID,
		ContentHash: hash,
		Payload:     cs.Payload.Clone(),
		AuditTrail: []model.AuditEvent{{
			Type:   model.AuditEventCreated,
			At:     at,
			Actor:  actor,
			Detail: string(cs.Kind),
		}},
	}
	if cs.ValidationStatus == model.ValidationValidated {
		out.AuditTrail = append(out.AuditTrail, model.AuditEvent{
			Type:   model.AuditEventValidated,
			At:     at,
			Actor:  actor,
			Detail: fmt.Sprintf("%d gates passed", len(cs.Gates)),
		})
	}

	prev, err := p.versions.LatestOutput(ctx, cs.PageID, cs.WidgetID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: latest output")
	}
	if prev != nil {
		out.ParentVersionID = prev.ID
	}

	created, err := p.versions.CreateOutputVersion(ctx, out)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create output version")
	}
	return created, nil
}

// Rollback creates a new version whose payload copies an older version of
// the same page/widget. auditID names the version being rolled back; a
// targetVersion of 0 means the version immediately before it. History is
// never edited and the widget's cache entry is dropped. The new version is
// served ahead of fresh_enriched until it ages past the tier's cache limit.
func (p *Pipeline) Rollback(ctx context.Context, auditID string, targetVersion int, actor string) (*model.AgentOutputAudit, error) {
	cur, err := p.versions.GetOutput(ctx, auditID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: rollback %s", auditID)
	}

	versions, err := p.versions.ListOutputVersions(ctx, cur.PageID, cur.WidgetID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list output versions")
	}
	target, err := pickTarget(versions, cur.Version, targetVersion)
	if err != nil {
		return nil, err
	}

	trail := append([]model.AuditEvent(nil), cur.AuditTrail...)
	trail = append(trail, model.AuditEvent{
		Type:   model.AuditEventRolledBack,
		At:     p.now().UTC(),
		Actor:  actor,
		Detail: fmt.Sprintf("rolled back from version %d to version %d", cur.Version, target.Version),
	})

	created, err := p.versions.CreateOutputVersion(ctx, model.AgentOutputAudit{
		ParentVersionID: cur.ID,
		PageID:          cur.PageID,
		WidgetID:        cur.WidgetID,
		ContentHash:     target.ContentHash,
		Payload:         target.Payload.Clone(),
		AuditTrail:      trail,
	})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create rollback version")
	}

	if err := p.cache.Delete(ctx, cache.Key(cur.PageID, cur.WidgetID)); err != nil {
		zap.L().Warn("pipeline: cache invalidation failed after rollback",
			zap.String("page_id", cur.PageID),
			zap.String("widget_id", cur.WidgetID),
			zap.Error(err),
		)
	}

	zap.L().Info("pipeline: rolled back output",
		zap.String("page_id", cur.PageID),
		zap.String("widget_id", cur.WidgetID),
		zap.Int("from_version", cur.Version),
		zap.Int("to_version", target.Version),
		zap.Int("new_version", created.Version),
		zap.String("actor", actor),
	)
	return created, nil
}

// ErrRollbackTarget reports a target version that cannot be restored.
var ErrRollbackTarget = eris.New("pipeline: invalid rollback target")

func pickTarget(versions []model.AgentOutputAudit, current, requested int) (model.AgentOutputAudit, error) {
	if requested > 0 {
		if requested == current {
			return model.AgentOutputAudit{}, eris.Wrapf(ErrRollbackTarget, "version %d is the version being rolled back", requested)
		}
		for _, v := range versions {
			if v.Version == requested {
				return v, nil
			}
		}
		return model.AgentOutputAudit{}, eris.Wrapf(ErrRollbackTarget, "version %d not found", requested)
	}

	var best *model.AgentOutputAudit
	for i := range versions {
		v := &versions[i]
		if v.Version < current && (best == nil || v.Version > best.Version) {
			best = v
		}
	}
	if best == nil {
		return model.AgentOutputAudit{}, eris.Wrapf(ErrRollbackTarget, "no version before %d", current)
	}
	return *best, nil
}
