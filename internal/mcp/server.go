// Package mcp exposes the conversation orchestrator as a Model Context
// Protocol server with a single "converse" tool.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/szaher/parley/internal/conversation"
	"github.com/szaher/parley/internal/history"
)

// ToolName is the name of the conversation tool.
const ToolName = "converse"

// Turn is one history entry on the wire.
type Turn struct {
	Role    string `json:"role" jsonschema:"speaker: human, assistant or system"`
	Content string `json:"content" jsonschema:"message text"`
}

// ConverseInput is the tool's argument object.
type ConverseInput struct {
	HumanInput string `json:"human_input" jsonschema:"the new message from the human"`
	History    []Turn `json:"history,omitempty" jsonschema:"prior turns, oldest first, as returned by the previous call"`
}

// ConverseOutput is the tool's structured result.
type ConverseOutput struct {
	Response string `json:"response" jsonschema:"the assistant reply"`
	History  []Turn `json:"history" jsonschema:"the full history including this exchange; send it back on the next call"`
}

// Server serves the converse tool.
type Server struct {
	orch    *conversation.Orchestrator
	server  *mcpsdk.Server
	logger  *slog.Logger
	timeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithTimeout bounds each tool call.
func WithTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// NewServer creates an MCP server for orch.
func NewServer(orch *conversation.Orchestrator, version string, opts ...Option) *Server {
	s := &Server{
		orch:    orch,
		logger:  slog.Default(),
		timeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.server = mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "parley",
		Version: version,
	}, nil)
	mcpsdk.AddTool(s.server, &mcpsdk.Tool{
		Name:        ToolName,
		Description: "Send a message to the assistant. The server keeps no state: pass the history returned by the previous call to continue a conversation.",
	}, s.converse)
	return s
}

// Run serves on t until the client disconnects or ctx is done.
func (s *Server) Run(ctx context.Context, t mcpsdk.Transport) error {
	return s.server.Run(ctx, t)
}

// Connect starts a session on t and returns without blocking.
func (s *Server) Connect(ctx context.Context, t mcpsdk.Transport) (*mcpsdk.ServerSession, error) {
	return s.server.Connect(ctx, t, nil)
}

func (s *Server) converse(ctx context.Context, _ *mcpsdk.CallToolRequest, in ConverseInput) (*mcpsdk.CallToolResult, ConverseOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.orch.Converse(ctx, in.HumanInput, fromWire(in.History))
	if err != nil {
		s.logger.Warn("converse tool failed", "kind", conversation.KindOf(err), "error", err)
		return nil, ConverseOutput{}, fmt.Errorf("%s: %w", conversation.KindOf(err), err)
	}

	return nil, ConverseOutput{
		Response: res.Reply,
		History:  toWire(res.History),
	}, nil
}

// fromWire drops entries with unknown roles, matching the HTTP API.
func fromWire(turns []Turn) history.History {
	h := make(history.History, 0, len(turns))
	for _, t := range turns {
		role, ok := history.ParseRole(t.Role)
		if !ok {
			continue
		}
		turn, err := history.NewTurn(role, t.Content)
		if err != nil {
			continue
		}
		h = append(h, turn)
	}
	return h
}

func toWire(h history.History) []Turn {
	out := make([]Turn, len(h))
	for i, t := range h {
		out[i] = Turn{Role: string(t.Role()), Content: t.Content()}
	}
	return out
}
