package gate

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/osa-gateway/internal/model"
	"github.com/sells-group/osa-gateway/internal/payload"
)

// ConsistencyComparator decides whether a page's metrics agree with a
// related page's last-known metrics. confidence is only read when ok.
type ConsistencyComparator interface {
	Compare(current, related map[string]float64, tolerance float64) (ok bool, confidence int, reason string)
}

// unenforcedConfidence is below the warning threshold so unchecked
// comparisons show as yellow in page health.
const unenforcedConfidence = 70

// PassThroughComparator accepts every comparison with a warning-level
// confidence. It is the default until a cross-page agreement rule is
// chosen per metric.
type PassThroughComparator struct{}

// Compare implements ConsistencyComparator.
func (PassThroughComparator) Compare(_, _ map[string]float64, _ float64) (bool, int, string) {
	return true, unenforcedConfidence, "cross-page comparison not enforced"
}

// ToleranceComparator requires shared numeric paths to agree within a
// relative tolerance of the larger magnitude.
type ToleranceComparator struct{}

// Compare implements ConsistencyComparator.
func (ToleranceComparator) Compare(current, related map[string]float64, tolerance float64) (bool, int, string) {
	var diffs []string
	for path, cur := range current {
		rel, ok := related[path]
		if !ok {
			continue
		}
		scale := math.Max(math.Abs(cur), math.Abs(rel))
		if scale == 0 {
			continue
		}
		if math.Abs(cur-rel)/scale > tolerance {
			diffs = append(diffs, fmt.Sprintf("%s (%g vs %g)", path, cur, rel))
		}
	}
	if len(diffs) > 0 {
		sort.Strings(diffs)
		return false, 0, strings.Join(diffs, ", ")
	}
	return true, 100, "shared metrics within tolerance"
}

func (e *Engine) checkConsistency(ctx context.Context, pageID string, content model.Payload) (model.ValidationResult, error) {
	page, ok := e.pages.Get(pageID)
	if !ok {
		return model.Fail(model.GateCrossPageConsistency,
			fmt.Sprintf("%s: %q", ReasonUnknownPage, pageID), model.ActionInconsistent), nil
	}
	if e.metrics == nil {
		return model.ValidationResult{}, eris.New("gate: metrics store not configured")
	}

	current := payload.NumericFields(payload.FromPayload(content))
	compared, conf := 0, 100
	var note string
	for _, related := range page.RelatedPages {
		theirs, err := e.metrics.GetPageMetrics(ctx, related)
		if err != nil {
			return model.ValidationResult{}, eris.Wrapf(err, "gate: metrics for related page %s", related)
		}
		if len(theirs) == 0 {
			continue
		}
		compared++
		ok, c, reason := e.comparator.Compare(current, theirs, e.tolerance)
		if !ok {
			return model.Fail(model.GateCrossPageConsistency,
				fmt.Sprintf("inconsistent with page %s: %s", related, reason), model.ActionInconsistent), nil
		}
		if c < conf {
			conf, note = c, reason
		}
	}

	if err := e.metrics.SavePageMetrics(ctx, pageID, current, e.now()); err != nil {
		return model.ValidationResult{}, eris.Wrap(err, "gate: save page metrics")
	}
	if compared == 0 {
		return model.Pass(model.GateCrossPageConsistency, "no related page metrics to compare", 100), nil
	}
	msg := fmt.Sprintf("consistent with %d related page(s)", compared)
	if note != "" {
		msg += ": " + note
	}
	return model.Pass(model.GateCrossPageConsistency, msg, conf), nil
}
