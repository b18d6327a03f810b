package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// EndpointConfig configures an HTTP endpoint MCP transport. Each request is
// one JSON-RPC POST; the response body, when non-empty, is the reply.
type EndpointConfig struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

// EndpointTransport speaks JSON-RPC to a remote MCP server over HTTP.
type EndpointTransport struct {
	cfg    EndpointConfig
	recvCh chan Message

	mu     sync.Mutex
	closed bool
}

// NewEndpointTransport creates an HTTP-backed MCP transport.
func NewEndpointTransport(cfg EndpointConfig) (*EndpointTransport, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("mcp: endpoint url is required")
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	return &EndpointTransport{
		cfg:    cfg,
		recvCh: make(chan Message, 64),
	}, nil
}

// Send posts one message and enqueues the response body, if any.
func (t *EndpointTransport) Send(ctx context.Context, message Message) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return errors.New("mcp: endpoint transport is closed")
	}

	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("mcp: endpoint encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("mcp: endpoint request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for key, value := range t.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := t.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("mcp: endpoint post: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("mcp: endpoint read: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("mcp: endpoint returned status %d", resp.StatusCode)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}

	var response Message
	if err := json.Unmarshal(payload, &response); err != nil {
		return fmt.Errorf("mcp: endpoint decode: %w", err)
	}
	select {
	case t.recvCh <- response:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive waits for the next queued response.
func (t *EndpointTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case message := <-t.recvCh:
		return message, nil
	}
}

// Close marks the transport closed.
func (t *EndpointTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
