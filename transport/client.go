// Package transport pairs an LLM chat client with an MCP tool host behind
// the core Transport contract. The pair is what a bridge actually talks to:
// messages go to the model, tool calls go to the host.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/petal-labs/bridgeflow/core"
	"github.com/petal-labs/bridgeflow/mcp"
)

// ChatClient is the LLM side of a bridge transport.
type ChatClient interface {
	Complete(ctx context.Context, opts core.BridgeOptions, history []core.ChatMessage, text string) (string, error)
	Stream(ctx context.Context, opts core.BridgeOptions, history []core.ChatMessage, text string) (<-chan core.StreamEvent, error)
}

// ToolHost is the tool side of a bridge transport. *mcp.Client satisfies it.
type ToolHost interface {
	Initialize(ctx context.Context) (mcp.ServerInfo, error)
	ListTools(ctx context.Context) ([]core.Tool, error)
	CallTool(ctx context.Context, name string, arguments map[string]any) (any, error)
	Close(ctx context.Context) error
}

// Client is the composite transport. It keeps its own conversation memory so
// each completion carries the turns that came before it on this connection.
type Client struct {
	chat   ChatClient
	tools  ToolHost
	opts   core.BridgeOptions
	logger *slog.Logger

	mu        sync.Mutex
	connected bool
	history   []core.ChatMessage
}

// NewClient builds a composite transport. tools may be nil for an LLM-only
// bridge; tool operations then fail with NotFound.
func NewClient(chat ChatClient, tools ToolHost, opts core.BridgeOptions, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{chat: chat, tools: tools, opts: opts, logger: logger}
}

// Connect initializes the tool host session. Reconnecting an already
// connected client resets the conversation memory.
func (c *Client) Connect(ctx context.Context) error {
	if c.tools != nil {
		info, err := c.tools.Initialize(ctx)
		if err != nil {
			return err
		}
		c.logger.Debug("tool host session open", "server", info.Name, "version", info.Version)
	}

	c.mu.Lock()
	if c.connected {
		c.history = nil
	}
	c.connected = true
	c.mu.Unlock()
	return nil
}

// SendMessage runs one non-streaming turn and remembers both sides.
func (c *Client) SendMessage(ctx context.Context, text string) (string, error) {
	reply, err := c.chat.Complete(ctx, c.opts, c.snapshotHistory(), text)
	if err != nil {
		return "", err
	}
	c.remember(text, reply)
	return reply, nil
}

// StreamMessage runs one streaming turn. The returned channel relays the
// chat client's events; the accumulated reply is remembered when the stream
// finishes cleanly.
func (c *Client) StreamMessage(ctx context.Context, text string) (<-chan core.StreamEvent, error) {
	events, err := c.chat.Stream(ctx, c.opts, c.snapshotHistory(), text)
	if err != nil {
		return nil, err
	}

	out := make(chan core.StreamEvent, 1)
	go func() {
		defer close(out)
		var buffer strings.Builder
		for event := range events {
			if event.Delta != "" {
				buffer.WriteString(event.Delta)
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
			if event.Done {
				if event.Err == nil {
					c.remember(text, buffer.String())
				}
				return
			}
		}
	}()
	return out, nil
}

// CallTool forwards a call to the tool host. MCP tools expose one function
// apiece under the tool's own name, so the function name adds nothing here.
func (c *Client) CallTool(ctx context.Context, toolName, functionName string, params map[string]any) (any, error) {
	if c.tools == nil {
		return nil, core.NewNotFoundError(
			fmt.Sprintf("bridge has no tool host; cannot call %q", toolName))
	}
	return c.tools.CallTool(ctx, toolName, params)
}

// ListTools fetches the tool host's catalog.
func (c *Client) ListTools(ctx context.Context) ([]core.Tool, error) {
	if c.tools == nil {
		return []core.Tool{}, nil
	}
	return c.tools.ListTools(ctx)
}

// Close shuts the tool host session.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	if c.tools == nil {
		return nil
	}
	return c.tools.Close(ctx)
}

func (c *Client) snapshotHistory() []core.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.ChatMessage, len(c.history))
	copy(out, c.history)
	return out
}

func (c *Client) remember(userText, reply string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history,
		core.ChatMessage{Role: core.RoleUser, Content: userText},
		core.ChatMessage{Role: core.RoleAssistant, Content: reply},
	)
}

var (
	_ core.Transport          = (*Client)(nil)
	_ core.StreamingTransport = (*Client)(nil)
)
