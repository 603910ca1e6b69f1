package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/conversa/internal/dispatch"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Dispatcher Dispatcher
	Registry   Registry
	Stats      Stats
	Version    string
}

// NewMCPServer exposes chat dispatch and the API registry as MCP tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"conversa",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("conversa answers questions by calling registered external APIs."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Send a chat message; the matching registered API is called and its answer returned."),
			mcp.WithString("message", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Session to continue; a new one is created if empty")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("list_apis",
			mcp.WithDescription("List the registered APIs with their intent keywords and parameters."),
			mcp.WithBoolean("include_system", mcp.Description("Include built-in APIs (default true)")),
		),
		mcpListAPIs(deps),
	)

	s.AddTool(
		mcp.NewTool("test_api",
			mcp.WithDescription("Call one registered API directly with explicit parameters, bypassing intent matching and the cache."),
			mcp.WithString("api_id", mcp.Description("Registered API id"), mcp.Required()),
			mcp.WithString("params", mcp.Description("JSON object of parameter values")),
		),
		mcpTestAPI(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"conversa://stats",
			"Usage Statistics",
			mcp.WithResourceDescription("Message and API call counts, popular APIs and success rate"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}
		reply, err := deps.Dispatcher.Dispatch(ctx, dispatch.Request{
			SessionID: req.GetString("session_id", ""),
			Message:   message,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("dispatch failed: %v", err)), nil
		}
		return mcpJSON(reply)
	}
}

func mcpListAPIs(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		type apiSummary struct {
			ID          string   `json:"api_id"`
			Name        string   `json:"api_name"`
			Description string   `json:"description"`
			Category    string   `json:"category"`
			Keywords    []string `json:"intent_keywords"`
			Required    []string `json:"required_params"`
			IsSystem    bool     `json:"is_system"`
		}

		list := deps.Registry.List(req.GetBool("include_system", true))
		out := make([]apiSummary, len(list))
		for i, d := range list {
			required := make([]string, len(d.Parameters.Required))
			for j, p := range d.Parameters.Required {
				required[j] = p.Name
			}
			out[i] = apiSummary{
				ID:          d.ID,
				Name:        d.Name,
				Description: d.Description,
				Category:    d.Category,
				Keywords:    d.IntentKeywords,
				Required:    required,
				IsSystem:    d.IsSystem,
			}
		}
		return mcpJSON(out)
	}
}

func mcpTestAPI(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		apiID, err := req.RequireString("api_id")
		if err != nil {
			return mcpError("api_id is required"), nil
		}
		var raw map[string]any
		if s := req.GetString("params", ""); s != "" {
			if err := json.Unmarshal([]byte(s), &raw); err != nil {
				return mcpError(fmt.Sprintf("invalid params JSON: %v", err)), nil
			}
		}

		res, err := deps.Dispatcher.Test(ctx, apiID, stringParams(raw))
		if err != nil {
			return mcpError(fmt.Sprintf("test failed: %v", err)), nil
		}
		out, err := mcpJSON(res)
		if err == nil && !res.Success {
			out.IsError = true
		}
		return out, err
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		st, err := deps.Stats.UsageStats(popularAPIs)
		if err != nil {
			return nil, fmt.Errorf("failed to get usage stats: %w", err)
		}
		b, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
