// Package otel provides OpenTelemetry integration for bridge lifecycle events.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/bridgeflow"
)

// TracingHandler translates bridge lifecycle events into OpenTelemetry
// spans. Each bridge session (started through stopped, errored, or removed)
// becomes one span; catalog discovery, settings changes, health probes, and
// tool resolutions are recorded as span events on it.
type TracingHandler struct {
	tracer trace.Tracer

	mu    sync.RWMutex
	spans map[string]trace.Span // bridgeID -> session span
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer
// to create spans from bridge events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer: tracer,
		spans:  make(map[string]trace.Span),
	}
}

// Handle processes a bridge event and creates or ends spans accordingly.
// It implements bridgeflow.EventHandler semantics.
func (h *TracingHandler) Handle(e bridgeflow.Event) {
	switch e.Kind {
	case bridgeflow.EventBridgeStarted:
		h.handleStarted(e)
	case bridgeflow.EventBridgeStopped, bridgeflow.EventBridgeRemoved:
		h.endSession(e, codes.Ok, "")
	case bridgeflow.EventBridgeError:
		h.endSession(e, codes.Error, payloadString(e, "error"))
	case bridgeflow.EventBridgeToolsDiscovered,
		bridgeflow.EventBridgeSettingsUpdated,
		bridgeflow.EventBridgeStatusChanged,
		bridgeflow.EventBridgeHealth,
		bridgeflow.EventToolCallResolved:
		h.annotate(e)
	}
}

// handleStarted opens a session span for the bridge. A session already open
// for this bridge (a restart racing the previous stop) is ended first.
func (h *TracingHandler) handleStarted(e bridgeflow.Event) {
	_, span := h.tracer.Start(context.Background(), "bridge:"+e.BridgeID,
		trace.WithAttributes(
			attribute.String("bridgeflow.bridge_id", e.BridgeID),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	previous, ok := h.spans[e.BridgeID]
	h.spans[e.BridgeID] = span
	h.mu.Unlock()

	if ok {
		previous.End()
	}
}

func (h *TracingHandler) endSession(e bridgeflow.Event, code codes.Code, message string) {
	h.mu.Lock()
	span, ok := h.spans[e.BridgeID]
	if ok {
		delete(h.spans, e.BridgeID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	if code == codes.Error && message == "" {
		message = "bridge failed"
	}
	span.SetStatus(code, message)
	span.End(trace.WithTimestamp(e.Time))
}

// annotate adds a span event to the active session, if any.
func (h *TracingHandler) annotate(e bridgeflow.Event) {
	h.mu.RLock()
	span, ok := h.spans[e.BridgeID]
	h.mu.RUnlock()

	if !ok {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("bridgeflow.event_kind", string(e.Kind)),
	}
	switch e.Kind {
	case bridgeflow.EventBridgeStatusChanged:
		attrs = append(attrs,
			attribute.String("bridgeflow.status.from", payloadString(e, "from")),
			attribute.String("bridgeflow.status.to", payloadString(e, "to")),
		)
	case bridgeflow.EventBridgeHealth:
		attrs = append(attrs, attribute.String("bridgeflow.health", payloadString(e, "health")))
	case bridgeflow.EventToolCallResolved:
		attrs = append(attrs, attribute.String("bridgeflow.tool_name", resolvedToolName(e)))
	}

	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

// ActiveSpanContext returns the SpanContext for the bridge's active session
// span. Returns an empty SpanContext if none is open.
func (h *TracingHandler) ActiveSpanContext(bridgeID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.spans[bridgeID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}
