// Package mcpserver exposes the completion engine as an MCP tool over
// streamable HTTP. Tool calls take the same path as HTTP completions, so
// MCP callers are coalesced together with HTTP callers.
package mcpserver

import (
	"context"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rhuss/batchgate/pkg/api"
	"github.com/rhuss/batchgate/pkg/auth"
	"github.com/rhuss/batchgate/pkg/debug"
	"github.com/rhuss/batchgate/pkg/transport"
	"github.com/rhuss/batchgate/pkg/usage"
)

// ToolName is the name of the completion tool.
const ToolName = "complete"

// Config holds MCP server settings.
type Config struct {
	// Name and Version identify the server to MCP clients.
	Name    string
	Version string
}

// CompleteInput is the argument object of the complete tool.
type CompleteInput struct {
	Prompt string         `json:"prompt" jsonschema:"the text prompt to complete"`
	Params map[string]any `json:"params,omitempty" jsonschema:"generation parameters such as model, max_tokens, temperature and n"`
}

// CompleteChoice is one generated candidate.
type CompleteChoice struct {
	Text         string `json:"text"`
	Index        int    `json:"index"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// CompleteOutput is the structured result of the complete tool.
type CompleteOutput struct {
	ID      string           `json:"id"`
	Model   string           `json:"model"`
	Choices []CompleteChoice `json:"choices"`
}

// Server builds MCP servers backed by a CompletionCreator.
type Server struct {
	creator transport.CompletionCreator
	impl    *mcp.Implementation
}

// New creates an MCP front end for creator.
func New(creator transport.CompletionCreator, cfg Config) *Server {
	if cfg.Name == "" {
		cfg.Name = "batchgate"
	}
	if cfg.Version == "" {
		cfg.Version = "v1.0.0"
	}
	return &Server{
		creator: creator,
		impl:    &mcp.Implementation{Name: cfg.Name, Version: cfg.Version},
	}
}

// Handler serves MCP over streamable HTTP. The server runs stateless so
// every HTTP request carries its own caller identity into the tool call.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return s.NewMCPServer(r.Context())
	}, &mcp.StreamableHTTPOptions{Stateless: true})
}

// NewMCPServer returns an MCP server whose tool calls run on behalf of the
// caller found in caller (identity, tenant, request ID).
func (s *Server) NewMCPServer(caller context.Context) *mcp.Server {
	server := mcp.NewServer(s.impl, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolName,
		Description: "Complete a text prompt. Concurrent calls with identical parameters are served by one batched backend request.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in CompleteInput) (*mcp.CallToolResult, CompleteOutput, error) {
		return s.complete(withCaller(ctx, caller), in)
	})

	return server
}

func (s *Server) complete(ctx context.Context, in CompleteInput) (*mcp.CallToolResult, CompleteOutput, error) {
	req := &api.CompletionRequest{Prompt: in.Prompt, Params: in.Params}
	if req.Params == nil {
		req.Params = make(map[string]any)
	}

	debug.Log("mcp", "tool call", "tool", ToolName, "subject", auth.SubjectFromContext(ctx))

	resp, err := s.creator.CreateCompletion(ctx, req)
	if err != nil {
		return nil, CompleteOutput{}, err
	}

	out := CompleteOutput{ID: resp.ID, Model: resp.Model, Choices: make([]CompleteChoice, len(resp.Choices))}
	texts := make([]string, len(resp.Choices))
	for i, c := range resp.Choices {
		out.Choices[i] = CompleteChoice{Text: c.Text, Index: c.Index, FinishReason: c.FinishReason}
		texts[i] = c.Text
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: strings.Join(texts, "\n")}},
	}, out, nil
}

// withCaller copies the caller's identity, tenant and request ID onto ctx.
func withCaller(ctx, caller context.Context) context.Context {
	if id := auth.IdentityFromContext(caller); id != nil {
		ctx = auth.SetIdentity(ctx, id)
	}
	if tenant := usage.GetTenant(caller); tenant != "" {
		ctx = usage.SetTenant(ctx, tenant)
	}
	if rid := transport.RequestIDFromContext(caller); rid != "" {
		ctx = transport.ContextWithRequestID(ctx, rid)
	}
	return ctx
}
