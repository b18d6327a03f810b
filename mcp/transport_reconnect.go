package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Dialer opens a fresh MCP transport connection.
type Dialer func(ctx context.Context) (Transport, error)

// ReconnectConfig bounds the redial loop of a ReconnectingTransport.
type ReconnectConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
}

// ReconnectingTransport redials through its Dialer when a send or receive
// fails, with exponential backoff between attempts. It hides short outages
// of the tool host; sustained failures surface to the caller and become the
// registry's problem.
type ReconnectingTransport struct {
	dialer Dialer
	config ReconnectConfig

	mu      sync.Mutex
	current Transport
	closed  bool
}

// NewReconnectingTransport dials the initial connection and wraps it.
func NewReconnectingTransport(ctx context.Context, dialer Dialer, cfg ReconnectConfig) (*ReconnectingTransport, error) {
	if dialer == nil {
		return nil, errors.New("mcp: reconnect dialer is nil")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 200 * time.Millisecond
	}

	initial, err := dialer(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: initial dial: %w", err)
	}

	return &ReconnectingTransport{
		dialer:  dialer,
		config:  cfg,
		current: initial,
	}, nil
}

// Send forwards the message, redialing on failure.
func (t *ReconnectingTransport) Send(ctx context.Context, message Message) error {
	for attempt := 0; attempt < t.config.MaxAttempts; attempt++ {
		current, err := t.active()
		if err != nil {
			return err
		}
		if err := current.Send(ctx, message); err == nil {
			return nil
		}
		if err := t.redial(ctx, attempt); err != nil {
			return err
		}
	}
	return errors.New("mcp: send failed after reconnect attempts")
}

// Receive waits for a message, redialing on failure.
func (t *ReconnectingTransport) Receive(ctx context.Context) (Message, error) {
	for attempt := 0; attempt < t.config.MaxAttempts; attempt++ {
		current, err := t.active()
		if err != nil {
			return Message{}, err
		}
		message, err := current.Receive(ctx)
		if err == nil {
			return message, nil
		}
		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
		if err := t.redial(ctx, attempt); err != nil {
			return Message{}, err
		}
	}
	return Message{}, errors.New("mcp: receive failed after reconnect attempts")
}

// Close shuts the active connection and disables redialing.
func (t *ReconnectingTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	current := t.current
	t.current = nil
	t.mu.Unlock()

	if current != nil {
		return current.Close(ctx)
	}
	return nil
}

func (t *ReconnectingTransport) active() (Transport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("mcp: reconnecting transport is closed")
	}
	if t.current == nil {
		return nil, errors.New("mcp: reconnecting transport has no connection")
	}
	return t.current, nil
}

func (t *ReconnectingTransport) redial(ctx context.Context, attempt int) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("mcp: reconnecting transport is closed")
	}
	stale := t.current
	t.current = nil
	t.mu.Unlock()

	if stale != nil {
		_ = stale.Close(ctx)
	}

	backoff := t.config.BaseBackoff * time.Duration(1<<attempt)
	timer := time.NewTimer(backoff)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
	}

	next, err := t.dialer(ctx)
	if err != nil {
		return fmt.Errorf("mcp: redial attempt %d: %w", attempt+1, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = next.Close(ctx)
		return errors.New("mcp: reconnecting transport is closed")
	}
	t.current = next
	t.mu.Unlock()
	return nil
}
