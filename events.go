package bridgeflow

import (
	"time"
)

// EventKind identifies the type of event emitted by the bridge registry.
type EventKind string

const (
	// EventBridgeCreated is emitted when a bridge is registered.
	EventBridgeCreated EventKind = "bridge_created"

	// EventBridgeRemoved is emitted when a bridge is removed from the registry.
	EventBridgeRemoved EventKind = "bridge_removed"

	// EventBridgeStarted is emitted when a bridge reaches Running.
	EventBridgeStarted EventKind = "bridge_started"

	// EventBridgeStopped is emitted when a bridge returns to Stopped.
	EventBridgeStopped EventKind = "bridge_stopped"

	// EventBridgeError is emitted when a bridge drops to Error.
	// The payload carries the error message under "error".
	EventBridgeError EventKind = "bridge_error"

	// EventBridgeToolsDiscovered is emitted after catalog discovery.
	// The payload carries the catalog under "tools".
	EventBridgeToolsDiscovered EventKind = "bridge_tools_discovered"

	// EventBridgeSettingsUpdated is emitted when bridge options change.
	EventBridgeSettingsUpdated EventKind = "bridge_settings_updated"

	// EventBridgeStatusChanged is emitted on every lifecycle transition.
	// The payload carries "from" and "to" status strings.
	EventBridgeStatusChanged EventKind = "bridge_status_changed"

	// EventBridgeHealth is emitted by the health monitor after each probe.
	// The payload carries "health", "response_time_ms", and optionally "error".
	EventBridgeHealth EventKind = "bridge_health"

	// EventToolCallResolved is emitted when an asynchronous stream-triggered
	// tool call resolves or fails. The payload carries the updated call.
	EventToolCallResolved EventKind = "tool_call_resolved"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured, streamable record of a registry or monitor action.
// Events should be kept small; large payloads belong in stores, not events.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind

	// BridgeID is the bridge this event concerns (empty for registry-level events).
	BridgeID string

	// Time is when the event occurred.
	Time time.Time

	// Seq is a monotonically increasing sequence number assigned by the
	// event journal; zero until stored.
	Seq uint64

	// Payload contains event-specific data.
	Payload map[string]any
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, bridgeID string) Event {
	return Event{
		Kind:     kind,
		BridgeID: bridgeID,
		Time:     time.Now(),
		Payload:  make(map[string]any),
	}
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventHandler is a function type for handling events.
// Implementations can log, store, or forward events as needed.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// Events are dropped if the channel is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
			// Drop event if channel is full
		}
	}
}
