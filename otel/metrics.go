package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/bridgeflow"
	"github.com/petal-labs/bridgeflow/core"
)

// MetricsHandler translates bridge lifecycle events into OpenTelemetry
// metrics: counters for starts, errors, and reconnect attempts, plus a
// histogram of probe response times.
type MetricsHandler struct {
	bridgeStarts    metric.Int64Counter
	bridgeErrors    metric.Int64Counter
	reconnects      metric.Int64Counter
	toolResolutions metric.Int64Counter
	probeLatency    metric.Float64Histogram
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create instruments for recording bridge metrics.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	starts, err := meter.Int64Counter("bridgeflow.bridge.starts",
		metric.WithDescription("Number of successful bridge starts"),
	)
	if err != nil {
		return nil, err
	}

	bridgeErrors, err := meter.Int64Counter("bridgeflow.bridge.errors",
		metric.WithDescription("Number of bridge failures"),
	)
	if err != nil {
		return nil, err
	}

	reconnects, err := meter.Int64Counter("bridgeflow.bridge.reconnects",
		metric.WithDescription("Number of reconnect sequences entered"),
	)
	if err != nil {
		return nil, err
	}

	resolutions, err := meter.Int64Counter("bridgeflow.tool.resolutions",
		metric.WithDescription("Number of stream-triggered tool calls resolved"),
	)
	if err != nil {
		return nil, err
	}

	probeLatency, err := meter.Float64Histogram("bridgeflow.bridge.probe.latency",
		metric.WithDescription("Health probe response time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		bridgeStarts:    starts,
		bridgeErrors:    bridgeErrors,
		reconnects:      reconnects,
		toolResolutions: resolutions,
		probeLatency:    probeLatency,
	}, nil
}

// Handle processes a bridge event and records the appropriate metrics.
// It implements bridgeflow.EventHandler semantics.
func (h *MetricsHandler) Handle(e bridgeflow.Event) {
	ctx := context.Background()
	switch e.Kind {
	case bridgeflow.EventBridgeStarted:
		h.bridgeStarts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("bridge_id", e.BridgeID),
		))
	case bridgeflow.EventBridgeError:
		h.bridgeErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("bridge_id", e.BridgeID),
		))
	case bridgeflow.EventBridgeStatusChanged:
		if payloadString(e, "to") == core.StatusReconnecting.String() {
			h.reconnects.Add(ctx, 1, metric.WithAttributes(
				attribute.String("bridge_id", e.BridgeID),
			))
		}
	case bridgeflow.EventToolCallResolved:
		h.toolResolutions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("bridge_id", e.BridgeID),
			attribute.String("tool_name", resolvedToolName(e)),
		))
	case bridgeflow.EventBridgeHealth:
		h.handleHealth(ctx, e)
	}
}

func (h *MetricsHandler) handleHealth(ctx context.Context, e bridgeflow.Event) {
	ms, ok := e.Payload["response_time_ms"].(int64)
	if !ok {
		return
	}
	h.probeLatency.Record(ctx, float64(ms)/1000, metric.WithAttributes(
		attribute.String("bridge_id", e.BridgeID),
		attribute.String("health", payloadString(e, "health")),
	))
}

func payloadString(e bridgeflow.Event, key string) string {
	if value, ok := e.Payload[key].(string); ok {
		return value
	}
	return ""
}

func resolvedToolName(e bridgeflow.Event) string {
	if call, ok := e.Payload["call"].(core.ToolCall); ok {
		return call.Name
	}
	return ""
}
