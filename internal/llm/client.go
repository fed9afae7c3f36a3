// Package llm defines the inference client abstraction used by parley.
package llm

import (
	"context"
)

// Role represents a message sender role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// StopReason indicates why the model stopped generating.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
)

// Message represents a single message in a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// TokenUsage tracks token consumption for a single LLM call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns the sum of all token fields.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// ChatRequest contains parameters for an LLM chat call. System carries the
// persona; Messages carry the conversation after it, oldest first.
type ChatRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// ChatResponse contains the LLM's response to a chat request.
type ChatResponse struct {
	Content    string     `json:"content"`
	StopReason StopReason `json:"stop_reason"`
	Usage      TokenUsage `json:"usage"`
}

// Client is the interface for LLM interactions.
type Client interface {
	// Chat sends a request and returns the complete response. It makes a
	// single round trip; retries are the caller's concern.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}
