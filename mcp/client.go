package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/petal-labs/bridgeflow/core"
)

const (
	defaultProtocolVersion = "2025-06-18"
	defaultClientName      = "bridgeflow"
	defaultClientVersion   = "dev"
)

// Transport carries JSON-RPC messages to and from an MCP server.
type Transport interface {
	Send(ctx context.Context, message Message) error
	Receive(ctx context.Context) (Message, error)
	Close(ctx context.Context) error
}

// ClientOptions configures client identity and capabilities.
type ClientOptions struct {
	ProtocolVersion string
	ClientInfo      ClientInfo
	Capabilities    map[string]any
	Logger          *slog.Logger
}

// Client is a JSON-RPC based MCP client. Request/response correlation is by
// id; unrelated server messages received while waiting are skipped.
type Client struct {
	transport Transport
	options   ClientOptions
	logger    *slog.Logger

	mu          sync.Mutex
	nextID      int64
	initialized bool
	serverInfo  ServerInfo
}

// NewClient returns a new MCP client for the given transport.
func NewClient(transport Transport, options ClientOptions) *Client {
	if options.ProtocolVersion == "" {
		options.ProtocolVersion = defaultProtocolVersion
	}
	if options.ClientInfo.Name == "" {
		options.ClientInfo.Name = defaultClientName
	}
	if options.ClientInfo.Version == "" {
		options.ClientInfo.Version = defaultClientVersion
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		transport: transport,
		options:   options,
		logger:    logger,
		nextID:    1,
	}
}

// Initialize negotiates the MCP session and sends the initialized
// notification. Calling it on an initialized client is a no-op.
func (c *Client) Initialize(ctx context.Context) (ServerInfo, error) {
	if c == nil {
		return ServerInfo{}, errors.New("mcp: client is nil")
	}

	c.mu.Lock()
	if c.initialized {
		info := c.serverInfo
		c.mu.Unlock()
		return info, nil
	}
	c.mu.Unlock()

	params := InitializeParams{
		ProtocolVersion: c.options.ProtocolVersion,
		Capabilities:    c.options.Capabilities,
		ClientInfo:      c.options.ClientInfo,
	}

	var result InitializeResult
	if err := c.call(ctx, "initialize", params, &result); err != nil {
		return ServerInfo{}, err
	}
	if err := c.notify(ctx, "notifications/initialized", map[string]any{}); err != nil {
		return ServerInfo{}, err
	}

	c.mu.Lock()
	c.initialized = true
	c.serverInfo = result.ServerInfo
	c.mu.Unlock()

	c.logger.Debug("mcp session initialized",
		"server", result.ServerInfo.Name,
		"protocol_version", result.ProtocolVersion)
	return result.ServerInfo, nil
}

// ListTools discovers the server's tools and returns them as catalog tools.
func (c *Client) ListTools(ctx context.Context) ([]core.Tool, error) {
	var result toolsListResult
	if err := c.call(ctx, "tools/list", map[string]any{}, &result); err != nil {
		return nil, err
	}
	return toCatalog(result.Tools), nil
}

// CallTool executes a tool by name. Text content blocks are joined into a
// single string result; structured content takes precedence when present.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (any, error) {
	var result toolsCallResult
	params := toolsCallParams{Name: name, Arguments: arguments}
	if err := c.call(ctx, "tools/call", params, &result); err != nil {
		return nil, err
	}

	if result.IsError {
		return nil, core.NewError(core.ErrServer,
			fmt.Sprintf("tool %q reported an error: %s", name, joinText(result.Content)),
			"Inspect the tool host logs for details.", nil)
	}
	if result.StructuredContent != nil {
		return result.StructuredContent, nil
	}
	return joinText(result.Content), nil
}

// Close sends the close notification and releases the transport.
func (c *Client) Close(ctx context.Context) error {
	if c == nil || c.transport == nil {
		return nil
	}
	_ = c.notify(ctx, "close", map[string]any{})
	return c.transport.Close(ctx)
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	if c == nil || c.transport == nil {
		return core.NewConnectionError(fmt.Sprintf("mcp request %q has no transport", method), nil)
	}

	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return core.NewError(core.ErrUnknown, fmt.Sprintf("mcp encode %q params", method), "", err)
	}

	id := c.nextRequestID()
	request := Message{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Method:  method,
		Params:  paramsRaw,
	}
	if err := c.transport.Send(ctx, request); err != nil {
		return core.NewConnectionError(fmt.Sprintf("mcp request %q failed", method), err)
	}

	for {
		response, err := c.transport.Receive(ctx)
		if err != nil {
			return core.NewConnectionError(fmt.Sprintf("mcp response for %q failed", method), err)
		}
		if response.JSONRPC != "" && response.JSONRPC != jsonRPCVersion {
			return core.NewError(core.ErrServer,
				fmt.Sprintf("mcp response for %q uses unsupported jsonrpc version %q", method, response.JSONRPC), "", nil)
		}

		// Server-initiated messages and stale responses are not ours.
		if response.ID == 0 || response.ID != id {
			continue
		}

		if response.Error != nil {
			return core.NewError(response.Error.classify(), response.Error.Message, "", response.Error)
		}
		if out == nil || len(response.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(response.Result, out); err != nil {
			return core.NewError(core.ErrServer,
				fmt.Sprintf("mcp decode %q result", method), "", err)
		}
		return nil
	}
}

func (c *Client) notify(ctx context.Context, method string, params any) error {
	if c == nil || c.transport == nil {
		return nil
	}
	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return core.NewError(core.ErrUnknown, fmt.Sprintf("mcp encode %q params", method), "", err)
	}
	return c.transport.Send(ctx, Message{
		JSONRPC: jsonRPCVersion,
		Method:  method,
		Params:  paramsRaw,
	})
}

func (c *Client) nextRequestID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	return id
}

func joinText(blocks []ContentBlock) string {
	var parts []string
	for _, block := range blocks {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}
