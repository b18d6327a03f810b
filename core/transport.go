package core

import "context"

// StreamEvent is a single incremental event from a streaming transport.
// Exactly one of Delta, ToolCall, or the terminal Done/Err pair is meaningful.
type StreamEvent struct {
	Delta    string    // incremental text content
	ToolCall *ToolCall // tool call surfaced directly by the transport
	Done     bool      // final event indicator
	Err      error     // streaming error, reported on the final event
}

// Transport abstracts the remote side of a bridge: one LLM connection plus
// one tool host. Implementations must be safe for use from a single bridge;
// the registry never shares a transport between bridges.
type Transport interface {
	// Connect establishes the underlying connections. It must be called
	// before any other operation and is idempotent.
	Connect(ctx context.Context) error

	// SendMessage performs a non-streaming completion round trip.
	SendMessage(ctx context.Context, text string) (string, error)

	// CallTool invokes a function on a remote tool and returns its result.
	CallTool(ctx context.Context, toolName, functionName string, params map[string]any) (any, error)

	// ListTools returns the tool catalog declared by the remote host.
	ListTools(ctx context.Context) ([]Tool, error)

	// Close releases the underlying connections.
	Close(ctx context.Context) error
}

// StreamingTransport extends Transport with incremental delivery.
// The returned channel is closed after the terminal event (Done=true).
// Capability is resolved once at bridge construction, not probed per call.
type StreamingTransport interface {
	Transport
	StreamMessage(ctx context.Context, text string) (<-chan StreamEvent, error)
}
