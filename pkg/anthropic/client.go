// Package anthropic is a single-turn completion client over the official
// SDK, used to enrich widget payloads.
package anthropic

import (
	"context"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// systemCacheTTL keeps the shared guardrail prompt warm between widgets.
const systemCacheTTL = "1h"

// ErrTruncated is returned when a reply stopped at the token limit.
var ErrTruncated = eris.New("anthropic: reply truncated at max_tokens")

// Client completes one prompt.
type Client interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// Request is a single user prompt under an optional system prompt.
type Request struct {
	Model     string
	MaxTokens int64
	System    string
	// CacheSystem marks System as a prompt-cache breakpoint.
	CacheSystem bool
	Prompt      string
	Temperature float64
}

// Completion is the text reply to a Request.
type Completion struct {
	ID         string
	Model      string
	Text       string
	StopReason string
	Usage      Usage
}

// Usage counts tokens for one call.
type Usage struct {
	Input      int64
	Output     int64
	CacheWrite int64
	CacheRead  int64
}

// $/MTok input, output.
var pricing = map[string][2]float64{
	"claude-haiku-4-5-20251001":  {1.00, 5.00},
	"claude-sonnet-4-5-20250929": {3.00, 15.00},
}

// CostUSD estimates the call cost. Unknown models cost 0.
func (u Usage) CostUSD(model string) float64 {
	p, ok := pricing[model]
	if !ok {
		return 0
	}
	perTok := p[0] / 1e6
	return float64(u.Input)*perTok +
		float64(u.Output)*p[1]/1e6 +
		float64(u.CacheWrite)*perTok*1.25 +
		float64(u.CacheRead)*perTok*0.1
}

// Log records token usage and estimated cost with the caller's fields.
func (u Usage) Log(model string, fields ...zap.Field) {
	zap.L().Info("anthropic: usage", append(fields,
		zap.String("model", model),
		zap.Int64("input_tokens", u.Input),
		zap.Int64("output_tokens", u.Output),
		zap.Int64("cache_read_tokens", u.CacheRead),
		zap.Float64("estimated_cost_usd", u.CostUSD(model)),
	)...)
}

type sdkClient struct {
	client sdk.Client
}

// NewClient creates a Client backed by the SDK.
func NewClient(apiKey string, opts ...option.RequestOption) Client {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &sdkClient{client: sdk.NewClient(opts...)}
}

func (c *sdkClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	params := sdk.MessageNewParams{
		Model:       sdk.Model(req.Model),
		MaxTokens:   req.MaxTokens,
		Messages:    []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
		Temperature: sdk.Float(req.Temperature),
	}
	if req.System != "" {
		block := sdk.TextBlockParam{Text: req.System}
		if req.CacheSystem {
			cc := sdk.NewCacheControlEphemeralParam()
			cc.TTL = sdk.CacheControlEphemeralTTL(systemCacheTTL)
			block.CacheControl = cc
		}
		params.System = []sdk.TextBlockParam{block}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, eris.Wrap(err, "anthropic: create message")
	}

	out := toCompletion(msg)
	if out.StopReason == "max_tokens" {
		return out, eris.Wrapf(ErrTruncated, "after %d output tokens", out.Usage.Output)
	}
	return out, nil
}

func toCompletion(msg *sdk.Message) *Completion {
	var text strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			text.WriteString(b.Text)
		}
	}
	return &Completion{
		ID:         msg.ID,
		Model:      string(msg.Model),
		Text:       text.String(),
		StopReason: string(msg.StopReason),
		Usage: Usage{
			Input:      msg.Usage.InputTokens,
			Output:     msg.Usage.OutputTokens,
			CacheWrite: msg.Usage.CacheCreationInputTokens,
			CacheRead:  msg.Usage.CacheReadInputTokens,
		},
	}
}

// lazyClient resolves its API key on the first call so a missing key does
// not fail process startup.
type lazyClient struct {
	keyFn func() (string, error)
	opts  []option.RequestOption

	once   sync.Once
	client Client
	err    error
}

// NewLazyClient returns a Client that calls keyFn once, on first use. A key
// error is returned from every call.
func NewLazyClient(keyFn func() (string, error), opts ...option.RequestOption) Client {
	return &lazyClient{keyFn: keyFn, opts: opts}
}

func (l *lazyClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	l.once.Do(func() {
		key, err := l.keyFn()
		switch {
		case err != nil:
			l.err = eris.Wrap(err, "anthropic: load api key")
		case key == "":
			l.err = eris.New("anthropic: api key not configured (OSA_ANTHROPIC_KEY)")
		default:
			l.client = NewClient(key, l.opts...)
		}
	})
	if l.err != nil {
		return nil, l.err
	}
	return l.client.Complete(ctx, req)
}
