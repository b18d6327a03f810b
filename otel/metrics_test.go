package otel_test

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/petal-labs/bridgeflow"
	"github.com/petal-labs/bridgeflow/core"
	bridgeotel "github.com/petal-labs/bridgeflow/otel"
)

// newTestMeter returns a meter backed by a manual reader for collecting metrics in tests.
func newTestMeter() (*metric.ManualReader, *metric.MeterProvider) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	return reader, mp
}

func collectMetrics(t *testing.T, reader *metric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func TestMetricsHandler_CountsStartsAndErrors(t *testing.T) {
	reader, mp := newTestMeter()

	h, err := bridgeotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	h.Handle(bridgeflow.NewEvent(bridgeflow.EventBridgeStarted, "b1"))
	h.Handle(bridgeflow.NewEvent(bridgeflow.EventBridgeStarted, "b2"))
	h.Handle(bridgeflow.NewEvent(bridgeflow.EventBridgeError, "b1"))

	rm := collectMetrics(t, reader)

	startMetric := findMetric(rm, "bridgeflow.bridge.starts")
	if startMetric == nil {
		t.Fatal("bridgeflow.bridge.starts metric not found")
	}
	startSum, ok := startMetric.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected Sum[int64] data, got %T", startMetric.Data)
	}
	// One data point per bridge_id attribute.
	if len(startSum.DataPoints) != 2 {
		t.Fatalf("expected 2 start data points, got %d", len(startSum.DataPoints))
	}

	errMetric := findMetric(rm, "bridgeflow.bridge.errors")
	if errMetric == nil {
		t.Fatal("bridgeflow.bridge.errors metric not found")
	}
	errSum, ok := errMetric.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected Sum[int64] data, got %T", errMetric.Data)
	}
	if len(errSum.DataPoints) != 1 || errSum.DataPoints[0].Value != 1 {
		t.Fatalf("error data points = %+v", errSum.DataPoints)
	}
}

func TestMetricsHandler_CountsReconnectTransitions(t *testing.T) {
	reader, mp := newTestMeter()

	h, err := bridgeotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	h.Handle(bridgeflow.NewEvent(bridgeflow.EventBridgeStatusChanged, "b1").
		WithPayload("from", "running").
		WithPayload("to", "reconnecting"))
	h.Handle(bridgeflow.NewEvent(bridgeflow.EventBridgeStatusChanged, "b1").
		WithPayload("from", "reconnecting").
		WithPayload("to", "running"))

	rm := collectMetrics(t, reader)

	m := findMetric(rm, "bridgeflow.bridge.reconnects")
	if m == nil {
		t.Fatal("bridgeflow.bridge.reconnects metric not found")
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected Sum[int64] data, got %T", m.Data)
	}
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Fatalf("reconnect data points = %+v, want a single count of 1", sum.DataPoints)
	}
}

func TestMetricsHandler_RecordsProbeLatency(t *testing.T) {
	reader, mp := newTestMeter()

	h, err := bridgeotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	h.Handle(bridgeflow.NewEvent(bridgeflow.EventBridgeHealth, "b1").
		WithPayload("health", "degraded").
		WithPayload("response_time_ms", int64(750)))

	rm := collectMetrics(t, reader)

	m := findMetric(rm, "bridgeflow.bridge.probe.latency")
	if m == nil {
		t.Fatal("bridgeflow.bridge.probe.latency metric not found")
	}
	hist, ok := m.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("expected Histogram[float64] data, got %T", m.Data)
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("expected 1 data point, got %d", len(hist.DataPoints))
	}
	if hist.DataPoints[0].Sum != 0.75 {
		t.Fatalf("latency sum = %f, want 0.75s", hist.DataPoints[0].Sum)
	}

	healthFound := false
	for _, attr := range hist.DataPoints[0].Attributes.ToSlice() {
		if string(attr.Key) == "health" && attr.Value.AsString() == "degraded" {
			healthFound = true
		}
	}
	if !healthFound {
		t.Error("expected health attribute on probe latency histogram")
	}
}

func TestMetricsHandler_CountsToolResolutions(t *testing.T) {
	reader, mp := newTestMeter()

	h, err := bridgeotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	call := core.ToolCall{Name: "calculator", Parameters: map[string]any{"a": 1.0}}
	h.Handle(bridgeflow.NewEvent(bridgeflow.EventToolCallResolved, "b1").
		WithPayload("call", call))

	rm := collectMetrics(t, reader)

	m := findMetric(rm, "bridgeflow.tool.resolutions")
	if m == nil {
		t.Fatal("bridgeflow.tool.resolutions metric not found")
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected Sum[int64] data, got %T", m.Data)
	}
	if len(sum.DataPoints) != 1 {
		t.Fatalf("expected 1 data point, got %d", len(sum.DataPoints))
	}

	toolFound := false
	for _, attr := range sum.DataPoints[0].Attributes.ToSlice() {
		if string(attr.Key) == "tool_name" && attr.Value.AsString() == "calculator" {
			toolFound = true
		}
	}
	if !toolFound {
		t.Error("expected tool_name attribute on resolution counter")
	}
}

func TestMetricsHandler_IgnoresIrrelevantEvents(t *testing.T) {
	reader, mp := newTestMeter()

	h, err := bridgeotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	h.Handle(bridgeflow.NewEvent(bridgeflow.EventBridgeCreated, "b1"))
	h.Handle(bridgeflow.NewEvent(bridgeflow.EventBridgeToolsDiscovered, "b1"))
	h.Handle(bridgeflow.NewEvent(bridgeflow.EventBridgeStatusChanged, "b1").
		WithPayload("from", "stopped").
		WithPayload("to", "connecting"))

	rm := collectMetrics(t, reader)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					if dp.Value != 0 {
						t.Errorf("expected no metrics recorded, but %s has value %d", m.Name, dp.Value)
					}
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					if dp.Count != 0 {
						t.Errorf("expected no metrics recorded, but %s has count %d", m.Name, dp.Count)
					}
				}
			}
		}
	}
}
