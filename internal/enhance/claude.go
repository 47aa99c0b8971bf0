package enhance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/osa-gateway/internal/model"
	"github.com/sells-group/osa-gateway/pkg/anthropic"
)

// guardrailPrompt is sent as a cached system block on every request.
const guardrailPrompt = `You enrich marketing dashboard widget data with context for a strategy team.

Rules:
- Reply with exactly one JSON object and nothing else.
- Never change, recompute, round or restate any number that appears in the input.
- Never rename or remove input fields.
- Only add new fields: narrative summaries, recommendations, labels and context.
- Do not invent metrics. If you have nothing to add, reply with {}.`

// ClaudeEnhancer prompts Claude for additive enrichment.
type ClaudeEnhancer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewClaudeEnhancer creates a ClaudeEnhancer.
func NewClaudeEnhancer(client anthropic.Client, model string, maxTokens int64) *ClaudeEnhancer {
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &ClaudeEnhancer{client: client, model: model, maxTokens: maxTokens}
}

// Enhance implements Enhancer.
func (e *ClaudeEnhancer) Enhance(ctx context.Context, req Request) (model.Payload, error) {
	data, err := json.Marshal(req.Source)
	if err != nil {
		return nil, eris.Wrap(err, "enhance: marshal source")
	}

	resp, err := e.client.Complete(ctx, anthropic.Request{
		Model:       e.model,
		MaxTokens:   e.maxTokens,
		System:      guardrailPrompt,
		CacheSystem: true,
		Prompt:      buildPrompt(req, data),
	})
	if resp != nil {
		resp.Usage.Log(e.model, zap.String("page_id", req.PageID), zap.String("widget_id", req.WidgetID))
	}
	if err != nil {
		return nil, eris.Wrapf(err, "enhance: claude %s/%s", req.PageID, req.WidgetID)
	}

	return ParseReply(resp.Text)
}

func buildPrompt(req Request, data []byte) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Page: %s\nWidget: %s\n", req.PageID, req.WidgetID)
	if req.Attempt > 1 {
		b.WriteString("Your previous reply changed a source number and was rejected. Leave every number exactly as given.\n")
	}
	b.WriteString("\nSource data:\n")
	b.Write(data)
	return b.String()
}

// ParseReply extracts a JSON object from a model reply that may be wrapped
// in markdown fences or prose.
func ParseReply(text string) (model.Payload, error) {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return nil, eris.New("enhance: empty reply")
	}
	var out model.Payload
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return nil, eris.Wrap(err, "enhance: parse reply")
	}
	if out == nil {
		return nil, eris.New("enhance: reply is not an object")
	}
	return out, nil
}

func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}
