package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/osa-gateway/internal/model"
)

// WarmTargets returns the pages to keep warm: those marked warm, or every
// tier-1 page when none are marked.
func WarmTargets(pages *model.PageRegistry) []model.PageConfig {
	if pages == nil {
		return nil
	}
	var marked, tier1 []model.PageConfig
	for _, pc := range pages.All() {
		if pc.Warm {
			marked = append(marked, pc)
		}
		if pc.Tier == 1 {
			tier1 = append(tier1, pc)
		}
	}
	if len(marked) > 0 {
		return marked
	}
	return tier1
}

// WarmResult counts the outcome of one warm pass.
type WarmResult struct {
	Widgets  int `json:"widgets"`
	Fresh    int `json:"fresh"`
	Degraded int `json:"degraded"`
}

// Warm refreshes every widget of the warm targets, bypassing the cache,
// with at most concurrency requests in flight.
func (p *Pipeline) Warm(ctx context.Context, concurrency int) (WarmResult, error) {
	if concurrency <= 0 {
		concurrency = 4
	}

	type item struct{ pageID, widgetID string }
	var items []item
	for _, pc := range WarmTargets(p.pages) {
		for _, w := range pc.TargetWidgets {
			items = append(items, item{pc.PageID, w})
		}
	}

	results := make([]model.ContentSource, len(items))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, it := range items {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			results[i] = p.Get(gCtx, it.pageID, it.widgetID, model.RequestContext{
				RequestID:    "warmer",
				ForceRefresh: true,
			})
			return nil
		})
	}
	err := g.Wait()

	res := WarmResult{}
	for _, cs := range results {
		if cs.Kind == "" {
			continue
		}
		res.Widgets++
		if cs.Kind == model.SourceFreshEnriched {
			res.Fresh++
		} else {
			res.Degraded++
		}
	}
	return res, err
}

// RunWarmer warms on every tick until ctx is cancelled.
func (p *Pipeline) RunWarmer(ctx context.Context, interval time.Duration, concurrency int) {
	if interval <= 0 {
		interval = 4 * time.Minute
	}
	log := zap.L().With(zap.String("component", "pipeline.warmer"))
	log.Info("starting cache warmer",
		zap.Duration("interval", interval),
		zap.Int("targets", len(WarmTargets(p.pages))),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("cache warmer stopped")
			return
		case <-ticker.C:
			res, err := p.Warm(ctx, concurrency)
			if err != nil && ctx.Err() == nil {
				log.Warn("pipeline: warm pass incomplete", zap.Error(err))
			}
			log.Info("pipeline: warm pass complete",
				zap.Int("widgets", res.Widgets),
				zap.Int("fresh", res.Fresh),
				zap.Int("degraded", res.Degraded),
			)
		}
	}
}
