package otel_test

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/petal-labs/bridgeflow"
	bridgeotel "github.com/petal-labs/bridgeflow/otel"
)

func newTestTracer(t *testing.T) (*tracetest.SpanRecorder, *bridgeotel.TracingHandler) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return recorder, bridgeotel.NewTracingHandler(provider.Tracer("test"))
}

func TestTracingHandler_SessionSpanEndsOnStop(t *testing.T) {
	recorder, h := newTestTracer(t)

	h.Handle(bridgeflow.NewEvent(bridgeflow.EventBridgeStarted, "b1"))
	if !h.ActiveSpanContext("b1").IsValid() {
		t.Fatal("no active span after start")
	}
	h.Handle(bridgeflow.NewEvent(bridgeflow.EventBridgeStopped, "b1"))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	span := spans[0]
	if span.Name() != "bridge:b1" {
		t.Fatalf("span name = %q", span.Name())
	}
	if span.Status().Code != codes.Ok {
		t.Fatalf("status = %v, want Ok", span.Status())
	}
	if h.ActiveSpanContext("b1").IsValid() {
		t.Fatal("span still active after stop")
	}
}

func TestTracingHandler_ErrorEndsSpanWithErrorStatus(t *testing.T) {
	recorder, h := newTestTracer(t)

	h.Handle(bridgeflow.NewEvent(bridgeflow.EventBridgeStarted, "b1"))
	h.Handle(bridgeflow.NewEvent(bridgeflow.EventBridgeError, "b1").
		WithPayload("error", "connection refused"))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	status := spans[0].Status()
	if status.Code != codes.Error || status.Description != "connection refused" {
		t.Fatalf("status = %+v", status)
	}
}

func TestTracingHandler_AnnotatesSessionSpan(t *testing.T) {
	recorder, h := newTestTracer(t)

	h.Handle(bridgeflow.NewEvent(bridgeflow.EventBridgeStarted, "b1"))
	h.Handle(bridgeflow.NewEvent(bridgeflow.EventBridgeHealth, "b1").
		WithPayload("health", "healthy"))
	h.Handle(bridgeflow.NewEvent(bridgeflow.EventBridgeStatusChanged, "b1").
		WithPayload("from", "running").
		WithPayload("to", "reconnecting"))
	h.Handle(bridgeflow.NewEvent(bridgeflow.EventBridgeStopped, "b1"))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 2 {
		t.Fatalf("span events = %d, want 2", len(events))
	}
	if events[0].Name != "bridge_health" || events[1].Name != "bridge_status_changed" {
		t.Fatalf("events = %q, %q", events[0].Name, events[1].Name)
	}
}

func TestTracingHandler_IgnoresEventsWithoutSession(t *testing.T) {
	recorder, h := newTestTracer(t)

	h.Handle(bridgeflow.NewEvent(bridgeflow.EventBridgeHealth, "b1"))
	h.Handle(bridgeflow.NewEvent(bridgeflow.EventBridgeStopped, "b1"))

	if len(recorder.Ended()) != 0 {
		t.Fatalf("ended spans = %d, want 0", len(recorder.Ended()))
	}
	if h.ActiveSpanContext("b1").IsValid() {
		t.Fatal("unexpected active span")
	}
}

func TestTracingHandler_RestartReplacesSession(t *testing.T) {
	recorder, h := newTestTracer(t)

	h.Handle(bridgeflow.NewEvent(bridgeflow.EventBridgeStarted, "b1"))
	first := h.ActiveSpanContext("b1")
	h.Handle(bridgeflow.NewEvent(bridgeflow.EventBridgeStarted, "b1"))
	second := h.ActiveSpanContext("b1")

	if first.SpanID() == second.SpanID() {
		t.Fatal("restart did not open a new span")
	}
	if len(recorder.Ended()) != 1 {
		t.Fatalf("ended spans = %d, want the stale session closed", len(recorder.Ended()))
	}
}
