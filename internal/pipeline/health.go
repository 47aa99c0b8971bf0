package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/osa-gateway/internal/audit"
	"github.com/sells-group/osa-gateway/internal/model"
	"github.com/sells-group/osa-gateway/internal/store"
)

// healthScanLimit caps the audit rows read for one health report.
const healthScanLimit = 10000

// PageHealth is the derived gate status of one page.
type PageHealth struct {
	PageID    string                              `json:"page_id"`
	Gates     map[model.GateKind]model.GateStatus `json:"gates"`
	Overall   model.OverallStatus                 `json:"overall"`
	UpdatedAt time.Time                           `json:"updated_at,omitempty"`
}

// SystemHealth is the admin health view.
type SystemHealth struct {
	Overall     model.OverallStatus `json:"overall"`
	Pages       []PageHealth        `json:"pages"`
	Aggregates  audit.Aggregates    `json:"aggregates"`
	Lookback    time.Duration       `json:"lookback_ns"`
	GeneratedAt time.Time           `json:"generated_at"`
}

// SystemHealth derives per-page gate statuses from audit records in the
// lookback window. The latest record per page and gate wins. Registered
// pages without records are pending.
func (p *Pipeline) SystemHealth(ctx context.Context, lookback time.Duration) (*SystemHealth, error) {
	now := p.now().UTC()
	filter := store.AuditFilter{Since: now.Add(-lookback), Limit: healthScanLimit}

	recs, err := p.audit.Query(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: query audit")
	}
	agg, err := p.audit.Aggregate(ctx, store.AuditFilter{Since: filter.Since})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: aggregate audit")
	}

	byPage := make(map[string]*model.PageValidationStatus)
	if p.pages != nil {
		for _, pc := range p.pages.All() {
			byPage[pc.PageID] = &model.PageValidationStatus{PageID: pc.PageID, Overall: model.OverallPending}
		}
	}

	// Oldest first so later records overwrite earlier ones.
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Timestamp.Before(recs[j].Timestamp) })
	for _, r := range recs {
		st, ok := byPage[r.PageID]
		if !ok {
			st = &model.PageValidationStatus{PageID: r.PageID}
			byPage[r.PageID] = st
		}
		st.Apply(r.GateKind, r.Status, r.Timestamp)
	}

	health := &SystemHealth{
		Aggregates:  agg,
		Lookback:    lookback,
		GeneratedAt: now,
	}
	for _, st := range byPage {
		gates := st.Gates
		if gates == nil {
			gates = map[model.GateKind]model.GateStatus{}
		}
		health.Pages = append(health.Pages, PageHealth{
			PageID:    st.PageID,
			Gates:     gates,
			Overall:   st.Overall,
			UpdatedAt: st.UpdatedAt,
		})
	}
	sort.Slice(health.Pages, func(i, j int) bool { return health.Pages[i].PageID < health.Pages[j].PageID })
	health.Overall = reducePages(health.Pages)
	return health, nil
}

// reducePages applies the gate reduction to page colors: red wins, then
// yellow, then green. Pending pages do not count.
func reducePages(pages []PageHealth) model.OverallStatus {
	overall := model.OverallPending
	for _, pg := range pages {
		switch pg.Overall {
		case model.OverallRed:
			return model.OverallRed
		case model.OverallYellow:
			overall = model.OverallYellow
		case model.OverallGreen:
			if overall == model.OverallPending {
				overall = model.OverallGreen
			}
		}
	}
	return overall
}
