package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIClient implements Client using the OpenAI-compatible chat completions API.
// Works with Groq, Ollama, OpenAI, vLLM, LiteLLM, and any OpenAI-compatible endpoint.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// OpenAIOption configures the OpenAI client.
type OpenAIOption func(*OpenAIClient)

// WithTimeout bounds each round trip, including reading the body.
func WithTimeout(d time.Duration) OpenAIOption {
	return func(o *OpenAIClient) {
		hc := *o.httpClient
		hc.Timeout = d
		o.httpClient = &hc
	}
}

// NewOpenAIClient creates a client for the OpenAI API.
func NewOpenAIClient(apiKey string, opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{
		baseURL:    "https://api.openai.com/v1",
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewOllamaClient creates a client for a local Ollama instance.
func NewOllamaClient(host string, opts ...OpenAIOption) *OpenAIClient {
	if host == "" {
		host = "http://localhost:11434"
	}
	c := &OpenAIClient{
		baseURL:    strings.TrimRight(host, "/") + "/v1",
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewOpenAICompatibleClient creates a client for any OpenAI-compatible endpoint.
func NewOpenAICompatibleClient(baseURL, apiKey string, opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// --- OpenAI API request/response types ---

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiResponse struct {
	Choices []oaiChoice `json:"choices"`
	Usage   oaiUsage    `json:"usage"`
	Error   *oaiError   `json:"error,omitempty"`
}

type oaiChoice struct {
	Message      oaiMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type oaiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Chat sends a non-streaming chat request.
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	oaiReq := c.buildRequest(req)

	body, err := c.doRequest(ctx, oaiReq)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var oaiResp oaiResponse
	if err := json.NewDecoder(body).Decode(&oaiResp); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}

	if oaiResp.Error != nil {
		return nil, fmt.Errorf("openai: %s: %s", oaiResp.Error.Type, oaiResp.Error.Message)
	}
	if len(oaiResp.Choices) == 0 {
		return nil, fmt.Errorf("openai: response has no choices")
	}

	return c.parseResponse(&oaiResp), nil
}

func (c *OpenAIClient) buildRequest(req ChatRequest) oaiRequest {
	messages := make([]oaiMessage, 0, len(req.Messages)+1)

	// System message
	if req.System != "" {
		messages = append(messages, oaiMessage{
			Role:    "system",
			Content: req.System,
		})
	}

	// Conversation messages
	for _, m := range req.Messages {
		switch m.Role {
		case RoleUser:
			messages = append(messages, oaiMessage{Role: "user", Content: m.Content})
		case RoleAssistant:
			messages = append(messages, oaiMessage{Role: "assistant", Content: m.Content})
		}
	}

	oaiReq := oaiRequest{
		Model:    req.Model,
		Messages: messages,
	}

	if req.MaxTokens > 0 {
		oaiReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		oaiReq.Temperature = req.Temperature
	}

	return oaiReq
}

func (c *OpenAIClient) doRequest(ctx context.Context, oaiReq oaiRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(oaiReq)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var oaiErr oaiResponse
		if err := json.NewDecoder(resp.Body).Decode(&oaiErr); err == nil && oaiErr.Error != nil {
			return nil, &HTTPError{StatusCode: resp.StatusCode, Type: oaiErr.Error.Type, Message: oaiErr.Error.Message}
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode}
	}

	return resp.Body, nil
}

func (c *OpenAIClient) parseResponse(resp *oaiResponse) *ChatResponse {
	choice := resp.Choices[0]
	return &ChatResponse{
		Content:    choice.Message.Content,
		StopReason: mapOAIStopReason(choice.FinishReason),
		Usage: TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
}

func mapOAIStopReason(reason string) StopReason {
	switch reason {
	case "length":
		return StopMaxTokens
	default:
		return StopEndTurn
	}
}

// HTTPError is a non-200 reply from an OpenAI-compatible endpoint.
type HTTPError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Type == "" && e.Message == "" {
		return fmt.Sprintf("openai: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("openai: HTTP %d: %s: %s", e.StatusCode, e.Type, e.Message)
}

// RateLimited reports whether the provider refused the call for quota reasons.
func (e *HTTPError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}
