package transport

import (
	"context"
	"log/slog"

	"github.com/petal-labs/bridgeflow/bridge"
	"github.com/petal-labs/bridgeflow/core"
	"github.com/petal-labs/bridgeflow/llmclient"
	"github.com/petal-labs/bridgeflow/mcp"
)

// ToolHostConfig describes how to reach a bridge's MCP tool host.
// A stdio host spawns a subprocess; an endpoint host posts to a URL.
// An options Endpoint, when set, overrides the configured URL per bridge.
type ToolHostConfig struct {
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	Reconnect mcp.ReconnectConfig `json:"-" yaml:"-"`
}

// configured reports whether any tool host is declared.
func (c ToolHostConfig) configured() bool {
	return c.Command != "" || c.URL != ""
}

// FactoryConfig configures the default transport factory.
type FactoryConfig struct {
	// APIKeys maps provider names to credentials, looked up per bridge.
	APIKeys map[string]string

	// ToolHost is the default tool host for every bridge.
	ToolHost ToolHostConfig

	Logger *slog.Logger
}

// NewFactory returns the registry's transport factory: for each starting
// bridge it builds an iris chat client for the bridge's provider and dials
// the tool host through a reconnecting MCP transport.
func NewFactory(cfg FactoryConfig) bridge.TransportFactory {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, opts core.BridgeOptions) (core.Transport, error) {
		chat, err := llmclient.New(opts.Provider, cfg.APIKeys[opts.Provider], logger)
		if err != nil {
			return nil, err
		}

		host := cfg.ToolHost
		if opts.Endpoint != "" {
			host.Command = ""
			host.URL = opts.Endpoint
		}

		var tools ToolHost
		if host.configured() {
			mcpTransport, err := mcp.NewReconnectingTransport(ctx, dialerFor(host), host.Reconnect)
			if err != nil {
				return nil, core.NewConnectionError("dialing tool host", err)
			}
			tools = mcp.NewClient(mcpTransport, mcp.ClientOptions{Logger: logger})
		}

		return NewClient(chat, tools, opts, logger), nil
	}
}

func dialerFor(host ToolHostConfig) mcp.Dialer {
	if host.Command != "" {
		return func(ctx context.Context) (mcp.Transport, error) {
			return mcp.NewStdioTransport(ctx, mcp.StdioConfig{
				Command: host.Command,
				Args:    host.Args,
				Env:     host.Env,
			})
		}
	}
	return func(ctx context.Context) (mcp.Transport, error) {
		return mcp.NewEndpointTransport(mcp.EndpointConfig{
			URL:     host.URL,
			Headers: host.Headers,
		})
	}
}
