package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/azpipe/internal/observability"
	"github.com/kalambet/azpipe/internal/relay"
	"github.com/kalambet/azpipe/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Relay   *relay.Relay
	Store   *storage.Store // optional; if nil, calls are not journaled and azpipe://calls/recent is not registered
	Logger  *slog.Logger
	Version string
}

// NewMCPServer creates an MCP server exposing the relay as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := server.NewMCPServer(
		"azpipe",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("azpipe relays chat completions to Azure AI model inference."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_models",
			mcp.WithDescription("List the Azure AI models this relay offers, as a JSON array of {id, name}."),
		),
		mcpListModels(deps),
	)

	s.AddTool(
		mcp.NewTool("chat",
			mcp.WithDescription("Send a chat completion to Azure AI and return the reply body."),
			mcp.WithString("messages", mcp.Description("JSON array of {role, content} message objects"), mcp.Required()),
			mcp.WithString("model", mcp.Description("Model id; defaults to the configured model")),
			mcp.WithNumber("temperature", mcp.Description("Sampling temperature")),
		),
		mcpChat(deps),
	)

	if deps.Store != nil {
		s.AddResource(
			mcp.NewResource(
				"azpipe://calls/recent",
				"Recent Calls",
				mcp.WithResourceDescription("Last 10 journaled calls"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceRecentCalls(deps),
		)
	}

	return s
}

func mcpListModels(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(deps.Relay.Pipes())
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal models: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpChat(deps MCPDeps) server.ToolHandlerFunc {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		messagesJSON, err := req.RequireString("messages")
		if err != nil {
			return mcpError("messages is required"), nil
		}

		dec := json.NewDecoder(bytes.NewReader([]byte(messagesJSON)))
		dec.UseNumber()
		var messages any
		if err := dec.Decode(&messages); err != nil {
			return mcpError(fmt.Sprintf("invalid messages JSON: %v", err)), nil
		}

		payload := map[string]any{
			"messages": messages,
			"stream":   false,
		}
		if model := req.GetString("model", ""); model != "" {
			payload["model"] = model
		}
		if _, ok := req.GetArguments()["temperature"]; ok {
			payload["temperature"] = req.GetFloat("temperature", 0)
		}

		model := relay.SelectedModel(payload)
		call := startCall(Deps{Store: deps.Store, Logger: deps.Logger}, model, false)
		obs := relay.Observers(statusLogger(deps.Logger.With("call_id", call.id)), observability.StatusCounter(), call)

		start := time.Now()
		res, err := deps.Relay.Do(ctx, payload, obs)
		observability.ObserveCall(model, res, start)
		if err != nil {
			call.finish("invalid", err.Error())
			return mcpError(err.Error()), nil
		}

		switch res.Kind {
		case relay.KindJSON:
			call.finish(res.Kind.String(), "")
			return mcpText(string(res.Raw)), nil
		case relay.KindStream:
			// Upstream ignored stream=false; collect the events as text.
			defer res.Stream.Close()
			b, err := io.ReadAll(res.Stream)
			if err != nil {
				call.finish(relay.KindError.String(), err.Error())
				return mcpError(fmt.Sprintf("reading stream: %v", err)), nil
			}
			call.finishStream()
			return mcpText(string(b)), nil
		case relay.KindError:
			call.finish(res.Kind.String(), res.Text)
			return mcpError(res.Text), nil
		default:
			call.finish(res.Kind.String(), "")
			return mcpText(res.Text), nil
		}
	}
}

func mcpResourceRecentCalls(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		calls, err := deps.Store.RecentCalls(10)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent calls: %w", err)
		}
		if calls == nil {
			calls = []storage.Call{}
		}

		b, err := json.Marshal(calls)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal calls: %w", err)
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
