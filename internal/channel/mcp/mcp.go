// Package mcp executes approved requests as a tool call on an MCP server.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpprotocol "github.com/mark3labs/mcp-go/mcp"

	"vaultline/internal/channel"
	"vaultline/internal/config"
	"vaultline/internal/domain"
)

const typeName = "mcp"

func init() {
	channel.RegisterType(typeName, func(name string, cfg config.Channel, _ string, _ channel.Env) (channel.Channel, error) {
		return New(name, cfg.Tool, StdioDialer(cfg.Command, cfg.Env, cfg.Args...)), nil
	})
}

// Client is the part of an mcp-go client the channel uses.
type Client interface {
	Initialize(ctx context.Context, req mcpprotocol.InitializeRequest) (*mcpprotocol.InitializeResult, error)
	CallTool(ctx context.Context, req mcpprotocol.CallToolRequest) (*mcpprotocol.CallToolResult, error)
	Close() error
}

// Dialer opens a started, not yet initialized client.
type Dialer func(ctx context.Context) (Client, error)

// StdioDialer spawns the server process for each call.
func StdioDialer(command string, env []string, args ...string) Dialer {
	return func(context.Context) (Client, error) {
		return mcpclient.NewStdioMCPClient(command, env, args...)
	}
}

// Channel calls one tool per request with the request's fields as
// arguments. A tool result flagged as an error fails the execution.
type Channel struct {
	name string
	tool string
	dial Dialer
}

func New(name, tool string, dial Dialer) *Channel {
	return &Channel{name: name, tool: tool, dial: dial}
}

func (c *Channel) Name() string { return c.name }

func (c *Channel) Execute(ctx context.Context, r domain.ApprovalRequest) error {
	if c.tool == "" || c.dial == nil {
		return channel.ErrNotConfigured
	}
	cl, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("mcp %s: start: %w", c.name, err)
	}
	defer cl.Close() //nolint:errcheck // best-effort cleanup

	initReq := mcpprotocol.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpprotocol.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpprotocol.Implementation{Name: "vaultline", Version: "0.1.0"}
	if _, err := cl.Initialize(ctx, initReq); err != nil {
		return fmt.Errorf("mcp %s: initialize: %w", c.name, err)
	}

	req := mcpprotocol.CallToolRequest{}
	req.Params.Name = c.tool
	req.Params.Arguments = map[string]any{
		"request_id":  r.ID,
		"task_id":     r.TaskID,
		"action_kind": r.ActionKind,
		"amount":      r.Amount,
		"payload":     r.Payload,
		"body":        r.Body,
	}
	res, err := cl.CallTool(ctx, req)
	if err != nil {
		return fmt.Errorf("mcp %s: call %s: %w", c.name, c.tool, err)
	}
	if res.IsError {
		msg := text(res.Content)
		if msg == "" {
			msg = "tool reported an error"
		}
		return fmt.Errorf("mcp %s: %s: %w", c.name, c.tool, errors.New(msg))
	}
	return nil
}

func text(content []mcpprotocol.Content) string {
	var parts []string
	for _, ct := range content {
		switch t := ct.(type) {
		case mcpprotocol.TextContent:
			parts = append(parts, t.Text)
		case *mcpprotocol.TextContent:
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, "\n")
}
