// Package anthropic drafts research prose through the Anthropic messages API.
package anthropic

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/abi-engine/internal/resilience"
)

// DefaultModel is used when a prompt leaves Model empty.
const DefaultModel = "claude-sonnet-4-5-20250929"

// Role is the author of a turn.
type Role string

// Turn authors.
const (
	User      Role = "user"
	Assistant Role = "assistant"
)

// Turn is one message of the conversation sent to the model.
type Turn struct {
	Role Role
	Text string
}

// Prompt is one completion request.
type Prompt struct {
	Model     string
	MaxTokens int64
	System    string
	// CacheTTL caches the system prompt for "5m" or "1h". Empty disables caching.
	CacheTTL      string
	Turns         []Turn
	Temperature   *float64
	StopSequences []string
}

// Completion is the model's text reply.
type Completion struct {
	ID         string
	Model      string
	Text       string
	StopReason string
	Usage      Usage
}

// Truncated reports whether the reply hit the token ceiling.
func (c *Completion) Truncated() bool {
	return c != nil && c.StopReason == string(sdk.StopReasonMaxTokens)
}

// Usage counts tokens billed for one completion.
type Usage struct {
	Input      int64
	Output     int64
	CacheWrite int64
	CacheRead  int64
}

// price is USD per million input and output tokens.
type price struct{ in, out float64 }

var prices = map[string]price{
	"claude-haiku-4-5-20251001":  {1.00, 5.00},
	"claude-sonnet-4-5-20250929": {3.00, 15.00},
}

// CostUSD estimates the dollar cost of u on model. Unknown models cost 0.
// Cache writes bill at 1.25x input and cache reads at 0.1x.
func (u Usage) CostUSD(model string) float64 {
	p, ok := prices[model]
	if !ok {
		return 0
	}
	const m = 1e6
	return float64(u.Input)/m*p.in +
		float64(u.Output)/m*p.out +
		float64(u.CacheWrite)/m*p.in*1.25 +
		float64(u.CacheRead)/m*p.in*0.1
}

// Fields renders u as log fields.
func (u Usage) Fields(model string) []zap.Field {
	return []zap.Field{
		zap.String("model", model),
		zap.Int64("input_tokens", u.Input),
		zap.Int64("output_tokens", u.Output),
		zap.Int64("cache_write_tokens", u.CacheWrite),
		zap.Int64("cache_read_tokens", u.CacheRead),
		zap.Float64("cost_usd", u.CostUSD(model)),
	}
}

// Completer produces completions.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (*Completion, error)
}

// Option configures the SDK client.
type Option func(*[]option.RequestOption)

// WithBaseURL points the client at another API host.
func WithBaseURL(url string) Option {
	return func(opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithBaseURL(url))
	}
}

// WithMaxRetries sets the SDK's retry count. Research steps retry on their
// own, so callers usually pass 0.
func WithMaxRetries(n int) Option {
	return func(opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithMaxRetries(n))
	}
}

type sdkCompleter struct {
	client sdk.Client
}

// NewClient returns a Completer backed by anthropic-sdk-go.
func NewClient(apiKey string, opts ...Option) Completer {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	for _, o := range opts {
		o(&reqOpts)
	}
	return &sdkCompleter{client: sdk.NewClient(reqOpts...)}
}

func (c *sdkCompleter) Complete(ctx context.Context, p Prompt) (*Completion, error) {
	if len(p.Turns) == 0 {
		return nil, eris.New("anthropic: prompt has no turns")
	}
	msg, err := c.client.Messages.New(ctx, buildParams(p))
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) {
			return nil, resilience.Upstream("anthropic", apiErr.StatusCode, eris.Wrap(err, "anthropic: complete"))
		}
		return nil, eris.Wrap(err, "anthropic: complete")
	}
	return toCompletion(msg), nil
}

func buildParams(p Prompt) sdk.MessageNewParams {
	model := p.Model
	if model == "" {
		model = DefaultModel
	}
	params := sdk.MessageNewParams{
		Model:         sdk.Model(model),
		MaxTokens:     p.MaxTokens,
		Messages:      make([]sdk.MessageParam, 0, len(p.Turns)),
		StopSequences: p.StopSequences,
	}
	for _, t := range p.Turns {
		block := sdk.NewTextBlock(t.Text)
		if t.Role == Assistant {
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, sdk.NewUserMessage(block))
		}
	}
	if p.System != "" {
		sys := sdk.TextBlockParam{Text: p.System}
		if p.CacheTTL != "" {
			cc := sdk.NewCacheControlEphemeralParam()
			cc.TTL = sdk.CacheControlEphemeralTTL(p.CacheTTL)
			sys.CacheControl = cc
		}
		params.System = []sdk.TextBlockParam{sys}
	}
	if p.Temperature != nil {
		params.Temperature = sdk.Float(*p.Temperature)
	}
	return params
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
