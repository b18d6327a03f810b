// Package sse streams bridge lifecycle events to HTTP clients over
// Server-Sent Events, replaying journaled events before switching to the
// live bus feed.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/petal-labs/bridgeflow"
	"github.com/petal-labs/bridgeflow/bus"
)

// HeartbeatInterval is the interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// sseEvent is the wire shape of one event on the SSE stream.
type sseEvent struct {
	Kind     string         `json:"kind"`
	BridgeID string         `json:"bridge_id"`
	Time     time.Time      `json:"time"`
	Seq      uint64         `json:"seq"`
	Payload  map[string]any `json:"payload"`
}

func toSSEEvent(e bridgeflow.Event) sseEvent {
	return sseEvent{
		Kind:     string(e.Kind),
		BridgeID: e.BridgeID,
		Time:     e.Time,
		Seq:      e.Seq,
		Payload:  e.Payload,
	}
}

// Handler serves SSE streams of bridge events.
//
// With an "id" path value it streams one bridge: journaled events are
// replayed first (resumable via the ?after= sequence cursor), then the live
// feed, closing when the bridge is removed. Without an id it streams the
// live feed for every bridge.
//
// SSE format:
//
//	id: {seq}
//	event: {kind}
//	data: {json}
//
// A heartbeat comment ": ping\n\n" is sent every 15 seconds.
type Handler struct {
	store bus.EventStore
	bus   bus.EventBus
}

// NewHandler creates an SSE handler over the given journal and bus.
func NewHandler(store bus.EventStore, eventBus bus.EventBus) *Handler {
	return &Handler{store: store, bus: eventBus}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	var afterSeq uint64
	if afterStr := r.URL.Query().Get("after"); afterStr != "" {
		parsed, err := strconv.ParseUint(afterStr, 10, 64)
		if err != nil {
			http.Error(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		afterSeq = parsed
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	bridgeID := r.PathValue("id")

	// Subscribe before replaying so nothing published in between is lost.
	var sub bus.Subscription
	if bridgeID != "" {
		sub = h.bus.Subscribe(bridgeID)
	} else {
		sub = h.bus.SubscribeAll()
	}
	defer sub.Close()

	lastSeq := afterSeq
	if bridgeID != "" {
		removed, err := h.replayStored(ctx, w, flusher, bridgeID, afterSeq, &lastSeq)
		if err != nil || removed {
			return
		}
	}

	h.streamLive(ctx, w, flusher, sub, &lastSeq, bridgeID != "")
}

// replayStored writes journaled events for one bridge. It returns true when
// the replay ends with the bridge's removal, after which there is nothing
// left to stream.
func (h *Handler) replayStored(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	bridgeID string,
	afterSeq uint64,
	lastSeq *uint64,
) (removed bool, err error) {
	events, err := h.store.List(ctx, bridgeID, afterSeq, 0)
	if err != nil {
		return false, err
	}

	for _, event := range events {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err := writeSSEEvent(w, event); err != nil {
			return false, err
		}
		flusher.Flush()

		if event.Seq > *lastSeq {
			*lastSeq = event.Seq
		}
		if event.Kind == bridgeflow.EventBridgeRemoved {
			return true, nil
		}
	}
	return false, nil
}

// streamLive forwards bus events, skipping anything already sent in replay.
func (h *Handler) streamLive(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	sub bus.Subscription,
	lastSeq *uint64,
	closeOnRemove bool,
) {
	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if event.Seq != 0 && event.Seq <= *lastSeq {
				continue
			}
			if err := writeSSEEvent(w, event); err != nil {
				return
			}
			flusher.Flush()

			if event.Seq > *lastSeq {
				*lastSeq = event.Seq
			}
			if closeOnRemove && event.Kind == bridgeflow.EventBridgeRemoved {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, event bridgeflow.Event) error {
	data, err := json.Marshal(toSSEEvent(event))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, event.Kind, data)
	return err
}
