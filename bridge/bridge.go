// Package bridge pairs one language-model connection with one discovered tool
// catalog, and manages many such pairs through a registry that owns their
// lifecycle state machine, status, and caches.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/petal-labs/bridgeflow/core"
	"github.com/petal-labs/bridgeflow/retry"
	"github.com/petal-labs/bridgeflow/stream"
	"github.com/petal-labs/bridgeflow/tool"
)

// ErrStreamInFlight is returned when a second stream is requested while one
// is still open. Streams are rejected rather than queued.
var ErrStreamInFlight = errors.New("bridge: a stream is already in flight")

// ErrStreamingUnsupported is returned when StreamMessage is called on a
// bridge whose transport has no streaming capability.
var ErrStreamingUnsupported = errors.New("bridge: transport does not support streaming")

// ToolCallListener observes asynchronous tool-call resolution during a stream.
type ToolCallListener func(bridgeID string, call core.ToolCall)

// Bridge is a single LLM-connection plus tool-catalog unit. It composes the
// stream coordinator and the tool invoker; lifecycle and status are owned by
// the registry, never by the bridge itself.
type Bridge struct {
	id          string
	opts        core.BridgeOptions
	transport   core.Transport
	streaming   core.StreamingTransport // nil when the transport cannot stream
	coordinator *stream.Coordinator
	invoker     *tool.Invoker
	logger      *slog.Logger
	onToolCall  ToolCallListener
	retryPolicy retry.Policy

	mu         sync.Mutex
	catalog    []core.Tool
	streamOpen bool
}

// newBridge wires a bridge around a transport. Streaming capability is
// resolved here, once, by a type assertion; callers never probe at call time.
func newBridge(id string, opts core.BridgeOptions, transport core.Transport, logger *slog.Logger, onToolCall ToolCallListener) *Bridge {
	b := &Bridge{
		id:          id,
		opts:        opts,
		transport:   transport,
		coordinator: stream.NewCoordinator(logger),
		invoker:     tool.NewInvoker(transport),
		logger:      logger,
		onToolCall:  onToolCall,
		retryPolicy: retry.Policy{MaxRetries: retry.DefaultMaxRetries, Delay: retry.DefaultDelay},
	}
	if streaming, ok := transport.(core.StreamingTransport); ok {
		b.streaming = streaming
	}
	return b
}

// ID returns the bridge's immutable identifier.
func (b *Bridge) ID() string {
	return b.id
}

// Options returns the bridge's current LLM options.
func (b *Bridge) Options() core.BridgeOptions {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opts
}

// SupportsStreaming reports the capability resolved at construction.
func (b *Bridge) SupportsStreaming() bool {
	return b.streaming != nil
}

// Catalog returns a snapshot of the discovered tool catalog.
func (b *Bridge) Catalog() []core.Tool {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]core.Tool, len(b.catalog))
	copy(out, b.catalog)
	return out
}

func (b *Bridge) setCatalog(catalog []core.Tool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.catalog = catalog
}

func (b *Bridge) setOptions(opts core.BridgeOptions) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opts = opts
}

// connect establishes the transport and discovers the tool catalog,
// retrying transient connection failures.
func (b *Bridge) connect(ctx context.Context) ([]core.Tool, error) {
	catalog, err := retry.Run(ctx, fmt.Sprintf("bridge %s connect", b.id), b.retryPolicy,
		func(ctx context.Context) ([]core.Tool, error) {
			if err := b.transport.Connect(ctx); err != nil {
				return nil, err
			}
			return b.transport.ListTools(ctx)
		})
	if err != nil {
		return nil, err
	}
	b.setCatalog(catalog)
	return catalog, nil
}

// reconnectOnce makes a single recovery attempt. The registry's reconnect
// loop owns the backoff and attempt budget, so no retry wrapper here.
func (b *Bridge) reconnectOnce(ctx context.Context) ([]core.Tool, error) {
	if err := b.transport.Connect(ctx); err != nil {
		return nil, err
	}
	catalog, err := b.transport.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	b.setCatalog(catalog)
	return catalog, nil
}

// SendMessage performs a non-streaming round trip and returns the assistant
// message. Inline tool-call encodings in the response are parsed the same way
// the coordinator parses a finished stream buffer.
func (b *Bridge) SendMessage(ctx context.Context, text string) (core.ChatMessage, error) {
	reply, err := b.transport.SendMessage(ctx, text)
	if err != nil {
		return core.ChatMessage{}, err
	}
	return core.ChatMessage{
		Role:      core.RoleAssistant,
		Content:   reply,
		ToolCalls: stream.ParseToolCalls(reply, b.logger),
	}, nil
}

// StreamMessage streams a completion through the coordinator. Only one
// stream may be open per bridge; concurrent attempts fail with
// ErrStreamInFlight. Live tool calls surfaced by the transport are executed
// asynchronously; the stream keeps flowing while they run and their results
// are republished through the bridge's tool-call listener.
func (b *Bridge) StreamMessage(ctx context.Context, text string, handlers stream.Handlers) error {
	if err := b.openStream(); err != nil {
		return err
	}
	defer b.closeStream()
	return b.runStream(ctx, text, handlers)
}

// openStream reserves the bridge's single stream slot without starting the
// stream. Callers that stage state before streaming use it to fail fast;
// every successful open must be paired with closeStream.
func (b *Bridge) openStream() error {
	if b.streaming == nil {
		return ErrStreamingUnsupported
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streamOpen {
		return ErrStreamInFlight
	}
	b.streamOpen = true
	return nil
}

func (b *Bridge) closeStream() {
	b.mu.Lock()
	b.streamOpen = false
	b.mu.Unlock()
}

// runStream drives an accepted stream through the coordinator. The stream
// slot must already be held.
func (b *Bridge) runStream(ctx context.Context, text string, handlers stream.Handlers) error {
	events, err := b.streaming.StreamMessage(ctx, text)
	if err != nil {
		return err
	}

	var pending sync.WaitGroup
	wrapped := handlers
	userOnToolCall := handlers.OnToolCall
	wrapped.OnToolCall = func(call core.ToolCall) {
		if userOnToolCall != nil {
			userOnToolCall(call)
		}
		pending.Add(1)
		go func() {
			defer pending.Done()
			b.resolveStreamedCall(ctx, call)
		}()
	}

	consumeErr := b.coordinator.Consume(ctx, events, wrapped)
	pending.Wait()
	return consumeErr
}

// resolveStreamedCall executes a live tool call off the stream path and
// republishes the call with its result (or an error marker) filled in.
func (b *Bridge) resolveStreamedCall(ctx context.Context, call core.ToolCall) {
	result, err := b.CallTool(ctx, call.Name, "", call.Parameters)
	if ctx.Err() != nil {
		// The bridge was stopped mid-call; nothing may escape past a stop.
		return
	}
	if err != nil {
		call.Result = fmt.Sprintf("Error: %v", err)
	} else {
		call.Result = result
	}
	if b.onToolCall != nil {
		b.onToolCall(b.id, call)
	}
}

// CallTool validates and executes a tool call against the discovered catalog.
func (b *Bridge) CallTool(ctx context.Context, toolName, functionName string, params map[string]any) (any, error) {
	return b.invoker.Execute(ctx, b.Catalog(), toolName, functionName, params)
}

// ListTools performs a live catalog fetch, used for health probing and
// scheduled refresh. The registry decides whether to adopt the result.
func (b *Bridge) ListTools(ctx context.Context) ([]core.Tool, error) {
	return b.transport.ListTools(ctx)
}

// close releases the transport. Errors are logged, not propagated: a bridge
// being stopped must always reach Stopped.
func (b *Bridge) close(ctx context.Context) {
	if err := b.transport.Close(ctx); err != nil {
		b.logger.Warn("closing bridge transport", "bridge_id", b.id, "error", err)
	}
}

// Probe measures a lightweight catalog fetch for health classification.
// The result is discarded; only the round-trip time and error matter.
func (b *Bridge) Probe(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := b.transport.ListTools(ctx); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}
