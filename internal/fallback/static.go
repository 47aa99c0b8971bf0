package fallback

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/osa-gateway/internal/model"
)

const placeholderMessage = "Live data for this widget is temporarily unavailable."

// StaticPayload synthesizes the placeholder shown when nothing better is
// available. It never fails.
func StaticPayload(pageID, widgetID string) model.Payload {
	return model.Payload{
		"title":       displayName(widgetID),
		"page":        displayName(pageID),
		"message":     placeholderMessage,
		"placeholder": true,
	}
}

func displayName(id string) string {
	name := strings.NewReplacer("-", " ", "_", " ").Replace(strings.TrimSpace(id))
	if name == "" {
		return "Widget"
	}
	return cases.Title(language.English).String(name)
}
