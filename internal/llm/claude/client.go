package claude

import (
	"context"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/guardian/internal/investigation"
)

// Client implements investigation.Provider for the Claude API.
type Client struct {
	client  anthropic.Client
	model   string
	limiter *rate.Limiter
}

// Options tunes a Client. Zero values use the defaults.
type Options struct {
	// BaseURL overrides the API endpoint.
	BaseURL string

	// RequestsPerSecond throttles outgoing calls; 0 disables throttling.
	RequestsPerSecond float64
}

// New creates a new Claude API client with the given API key and model name.
// Retries are left to the caller, so the SDK's own retry loop is disabled.
func New(apiKey, model string, o Options) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}),
	}
	if o.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(o.BaseURL))
	}

	c := &Client{
		client: anthropic.NewClient(opts...),
		model:  model,
	}
	if o.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(o.RequestsPerSecond), 1)
	}
	return c
}

// Send sends a request to the Claude API and returns the response.
func (c *Client) Send(ctx context.Context, req *investigation.LLMRequest) (*investigation.LLMResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  toSDKMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("claude api: %w", err)
	}
	return fromSDKResponse(msg), nil
}

func toSDKMessages(msgs []investigation.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Content))
		for _, b := range m.Content {
			if b.Type == "text" {
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			}
		}
		role := anthropic.MessageParamRoleUser
		if m.Role == "assistant" {
			role = anthropic.MessageParamRoleAssistant
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}
	return out
}

func fromSDKResponse(msg *anthropic.Message) *investigation.LLMResponse {
	out := &investigation.LLMResponse{
		StopReason: investigation.StopReason(msg.StopReason),
		Model:      string(msg.Model),
		Usage: investigation.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, b := range msg.Content {
		if b.Type == "text" {
			out.Content = append(out.Content, investigation.ContentBlock{Type: "text", Text: b.Text})
		}
	}
	return out
}
