package llm

import (
	"context"
	"fmt"
	"net/http"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
)

// AnthropicClient implements Client using the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
}

// NewAnthropicClient creates a client that reads ANTHROPIC_API_KEY from the environment.
func NewAnthropicClient(opts ...option.RequestOption) *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(withNoRetries(opts)...),
	}
}

// NewAnthropicClientWithKey creates a client with an explicit API key.
func NewAnthropicClientWithKey(apiKey string, opts ...option.RequestOption) *AnthropicClient {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicClient{
		client: anthropic.NewClient(withNoRetries(opts)...),
	}
}

// NewAnthropicClientWithHTTP creates a client bound to a custom base URL and
// HTTP client. Used to point the SDK at test servers.
func NewAnthropicClientWithHTTP(baseURL, apiKey string, hc *http.Client) *AnthropicClient {
	return NewAnthropicClientWithKey(apiKey,
		option.WithBaseURL(baseURL),
		option.WithHTTPClient(hc),
	)
}

// The SDK retries by default; parley surfaces the first failure instead.
func withNoRetries(opts []option.RequestOption) []option.RequestOption {
	return append([]option.RequestOption{option.WithMaxRetries(0)}, opts...)
}

// Chat sends a non-streaming chat request.
func (c *AnthropicClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	params := c.buildParams(req)

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic chat: %w", err)
	}

	return c.parseResponse(msg), nil
}

func (c *AnthropicClient) buildParams(req ChatRequest) anthropic.MessageNewParams {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System},
		}
	}

	if req.Temperature != nil {
		// Anthropic caps temperature at 1.0.
		t := *req.Temperature
		if t > 1 {
			t = 1
		}
		params.Temperature = param.NewOpt(t)
	}

	return params
}

func (c *AnthropicClient) parseResponse(msg *anthropic.Message) *ChatResponse {
	resp := &ChatResponse{
		StopReason: mapStopReason(msg.StopReason),
		Usage: TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}

	for _, block := range msg.Content {
		if block.Type == "text" {
			resp.Content += block.Text
		}
	}

	return resp
}

func mapStopReason(reason anthropic.StopReason) StopReason {
	switch reason {
	case anthropic.StopReasonEndTurn:
		return StopEndTurn
	case anthropic.StopReasonMaxTokens:
		return StopMaxTokens
	case anthropic.StopReasonStopSequence:
		return StopStopSequence
	default:
		return StopReason(string(reason))
	}
}
