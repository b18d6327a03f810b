package stream

import (
	"context"
	"log/slog"
	"strings"

	"github.com/petal-labs/bridgeflow/core"
)

// Handlers receives the coordinator's outputs. OnContent and OnToolCall fire
// during the stream; OnComplete fires exactly once after both, with the final
// aggregated message. Nil handlers are skipped.
type Handlers struct {
	OnContent  func(chunk string)
	OnToolCall func(call core.ToolCall)
	OnComplete func(message core.ChatMessage)
}

// Coordinator consumes a transport's incremental events in arrival order and
// produces a final aggregated assistant message.
type Coordinator struct {
	logger *slog.Logger
}

// NewCoordinator creates a stream coordinator.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{logger: logger}
}

// Consume drains events until the terminal event or cancellation.
//
// Content deltas are appended to an internal buffer and forwarded immediately.
// Transport-surfaced tool calls are forwarded and recorded as live. On
// completion the full buffer is re-scanned for inline tool-call encodings and
// the parsed calls are merged behind the live ones. OnComplete fires exactly
// once, including when the stream fails partway; the streaming error is the
// return value, never silently dropped.
//
// Cancellation is terminal: when ctx is done (a stopped bridge), Consume
// returns without invoking any further handlers.
func (c *Coordinator) Consume(ctx context.Context, events <-chan core.StreamEvent, h Handlers) error {
	var (
		buffer    strings.Builder
		liveCalls []core.ToolCall
		streamErr error
	)

loop:
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				break loop
			}
			if event.Delta != "" {
				buffer.WriteString(event.Delta)
				if h.OnContent != nil {
					h.OnContent(event.Delta)
				}
			}
			if event.ToolCall != nil {
				call := *event.ToolCall
				liveCalls = append(liveCalls, call)
				if h.OnToolCall != nil {
					h.OnToolCall(call)
				}
			}
			if event.Err != nil {
				streamErr = event.Err
			}
			if event.Done {
				break loop
			}
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	content := buffer.String()
	parsed := ParseToolCalls(content, c.logger)
	merged := MergeToolCalls(liveCalls, parsed)

	if h.OnComplete != nil {
		h.OnComplete(core.ChatMessage{
			Role:        core.RoleAssistant,
			Content:     content,
			ToolCalls:   merged,
			IsStreaming: false,
		})
	}

	return streamErr
}
