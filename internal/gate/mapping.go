package gate

import (
	"fmt"
	"strings"

	"github.com/sells-group/osa-gateway/internal/model"
	"github.com/sells-group/osa-gateway/internal/payload"
)

// Mapping failure reasons. Each names the check that failed.
const (
	ReasonUnknownPage     = "unknown page"
	ReasonWidgetNotOnPage = "widget not targeted by page"
	ReasonTierMismatch    = "tier mismatch"
	ReasonInvalidMaturity = "invalid maturity level"
)

// checkMapping validates the page/widget binding. tier and maturityLevel
// are checked when the content carries them.
func (e *Engine) checkMapping(pageID, widgetID string, content model.Payload) model.ValidationResult {
	page, ok := e.pages.Get(pageID)
	if !ok {
		return model.Fail(model.GateMapping,
			fmt.Sprintf("%s: %q", ReasonUnknownPage, pageID), model.ActionInvalidMapping)
	}
	if !page.HasWidget(widgetID) {
		return model.Fail(model.GateMapping,
			fmt.Sprintf("%s: %q is not a target widget of %q", ReasonWidgetNotOnPage, widgetID, pageID), model.ActionInvalidMapping)
	}
	if raw, ok := content["tier"]; ok && raw != nil {
		tier, ok := asTier(raw)
		if !ok || tier != page.Tier {
			return model.Fail(model.GateMapping,
				fmt.Sprintf("%s: content tier %v, page %q is tier %d", ReasonTierMismatch, raw, pageID, page.Tier), model.ActionInvalidMapping)
		}
	}
	if raw, ok := content["maturityLevel"]; ok && raw != nil {
		lvl, _ := raw.(string)
		if !model.ValidMaturityLevel(strings.ToLower(lvl)) {
			return model.Fail(model.GateMapping,
				fmt.Sprintf("%s: %v (want crawl, walk, run or fly)", ReasonInvalidMaturity, raw), model.ActionInvalidMapping)
		}
	}
	return model.Pass(model.GateMapping, "page and widget mapping valid", 100)
}

func asTier(v any) (int, bool) {
	n, ok := payload.FromAny(v).Numeric()
	if !ok || n != float64(int(n)) {
		return 0, false
	}
	return int(n), true
}
