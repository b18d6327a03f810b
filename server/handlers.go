package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/petal-labs/bridgeflow/core"
	"github.com/petal-labs/bridgeflow/stream"
)

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createBridgeRequest is bridge options plus an optional persistence name.
type createBridgeRequest struct {
	Name string `json:"name,omitempty"`
	core.BridgeOptions
}

// handleCreateBridge registers a new bridge in the stopped state.
func (s *Server) handleCreateBridge(w http.ResponseWriter, r *http.Request) {
	var req createBridgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "parse_error", err.Error())
		return
	}

	fieldErrors := map[string]string{}
	if strings.TrimSpace(req.Provider) == "" {
		fieldErrors["provider"] = "provider is required"
	}
	if strings.TrimSpace(req.Model) == "" {
		fieldErrors["model"] = "model is required"
	}
	if len(fieldErrors) > 0 {
		writeBridgeError(w, core.NewValidationError(fieldErrors))
		return
	}

	id := s.registry.CreateBridge(req.BridgeOptions)
	if s.bridgeStore != nil {
		if err := s.bridgeStore.Save(r.Context(), id, req.Name, req.BridgeOptions); err != nil {
			s.logger.Error("persisting bridge failed", "bridge_id", id, "error", err)
		}
	}

	info, _ := s.registry.GetBridgeInfo(id)
	writeJSON(w, http.StatusCreated, info)
}

// handleListBridges returns a snapshot of every registered bridge.
func (s *Server) handleListBridges(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.GetAllBridges())
}

// handleGetBridge returns a single bridge snapshot.
func (s *Server) handleGetBridge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, ok := s.registry.GetBridgeInfo(id)
	if !ok {
		writeBridgeError(w, core.NewNotFoundError(fmt.Sprintf("bridge %q not found", id)))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleStartBridge connects the bridge and discovers its tool catalog.
func (s *Server) handleStartBridge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, ok := s.registry.GetBridgeInfo(id)
	if !ok {
		writeBridgeError(w, core.NewNotFoundError(fmt.Sprintf("bridge %q not found", id)))
		return
	}
	switch info.Status {
	case core.StatusStopped, core.StatusError:
	default:
		writeError(w, http.StatusConflict, "conflict",
			fmt.Sprintf("bridge %q is %s; stop it before starting again", id, info.Status))
		return
	}

	if !s.registry.StartBridge(r.Context(), id) {
		info, _ := s.registry.GetBridgeInfo(id)
		message := info.StatusInfo.LastError
		if message == "" {
			message = fmt.Sprintf("bridge %q failed to start", id)
		}
		writeError(w, http.StatusBadGateway, string(core.ErrConnection), message)
		return
	}

	info, _ = s.registry.GetBridgeInfo(id)
	writeJSON(w, http.StatusOK, info)
}

// handleStopBridge stops the bridge. Stopping a stopped bridge succeeds.
func (s *Server) handleStopBridge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.registry.GetBridgeInfo(id); !ok {
		writeBridgeError(w, core.NewNotFoundError(fmt.Sprintf("bridge %q not found", id)))
		return
	}
	s.registry.StopBridge(r.Context(), id)
	info, _ := s.registry.GetBridgeInfo(id)
	writeJSON(w, http.StatusOK, info)
}

// handleRemoveBridge stops and deletes the bridge.
func (s *Server) handleRemoveBridge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.registry.RemoveBridge(r.Context(), id) {
		writeBridgeError(w, core.NewNotFoundError(fmt.Sprintf("bridge %q not found", id)))
		return
	}
	if s.bridgeStore != nil {
		if err := s.bridgeStore.Delete(r.Context(), id); err != nil {
			s.logger.Error("deleting persisted bridge failed", "bridge_id", id, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUpdateSettings replaces the bridge options. A running bridge picks
// the new options up on its next message.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req createBridgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "parse_error", err.Error())
		return
	}

	if !s.registry.UpdateBridgeSettings(id, req.BridgeOptions) {
		writeBridgeError(w, core.NewNotFoundError(fmt.Sprintf("bridge %q not found", id)))
		return
	}
	if s.bridgeStore != nil {
		if err := s.bridgeStore.Save(r.Context(), id, req.Name, req.BridgeOptions); err != nil {
			s.logger.Error("persisting bridge failed", "bridge_id", id, "error", err)
		}
	}

	info, _ := s.registry.GetBridgeInfo(id)
	writeJSON(w, http.StatusOK, info)
}

type messageRequest struct {
	Text string `json:"text"`
}

// handleSendMessage relays one chat turn and returns the full reply.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "parse_error", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeBridgeError(w, core.NewValidationError(map[string]string{"text": "text is required"}))
		return
	}

	reply, err := s.registry.SendMessage(r.Context(), id, req.Text)
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": reply})
}

// handleStreamMessage relays one chat turn as an SSE stream of content
// chunks, tool calls, and a final aggregated message.
func (s *Server) handleStreamMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "parse_error", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeBridgeError(w, core.NewValidationError(map[string]string{"text": "text is required"}))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Tool calls resolve on their own goroutines, so frame writes need a lock.
	var mu sync.Mutex
	writeFrame := func(event string, payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		mu.Lock()
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
		mu.Unlock()
	}

	err := s.registry.StreamMessage(r.Context(), id, req.Text, stream.Handlers{
		OnContent: func(chunk string) {
			writeFrame("content", map[string]string{"delta": chunk})
		},
		OnToolCall: func(call core.ToolCall) {
			writeFrame("tool_call", call)
		},
		OnComplete: func(message core.ChatMessage) {
			writeFrame("complete", message)
		},
	})
	if err != nil {
		writeFrame("error", map[string]string{
			"kind":    string(core.KindOf(err)),
			"message": err.Error(),
		})
	}
}

type callToolRequest struct {
	Tool       string         `json:"tool"`
	Function   string         `json:"function"`
	Parameters map[string]any `json:"parameters"`
}

// handleCallTool invokes one tool function directly.
func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req callToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "parse_error", err.Error())
		return
	}
	if strings.TrimSpace(req.Tool) == "" {
		writeBridgeError(w, core.NewValidationError(map[string]string{"tool": "tool is required"}))
		return
	}

	result, err := s.registry.CallTool(r.Context(), id, req.Tool, req.Function, req.Parameters)
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

// handleListTools returns the discovered catalog from the latest snapshot.
func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, ok := s.registry.GetBridgeInfo(id)
	if !ok {
		writeBridgeError(w, core.NewNotFoundError(fmt.Sprintf("bridge %q not found", id)))
		return
	}
	tools := info.Tools
	if tools == nil {
		tools = []core.Tool{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

// handleRefreshCatalog re-fetches the tool catalog from the live transport.
func (s *Server) handleRefreshCatalog(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.registry.RefreshCatalog(r.Context(), id); err != nil {
		writeBridgeError(w, err)
		return
	}
	info, _ := s.registry.GetBridgeInfo(id)
	writeJSON(w, http.StatusOK, map[string]any{"tools": info.Tools})
}

// handleGetHistory returns the bridge's conversation history.
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	history, ok := s.registry.History(id)
	if !ok {
		writeBridgeError(w, core.NewNotFoundError(fmt.Sprintf("bridge %q not found", id)))
		return
	}
	if history == nil {
		history = []core.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": history})
}

// handleClearHistory drops the bridge's conversation history.
func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.registry.ClearHistory(id) {
		writeBridgeError(w, core.NewNotFoundError(fmt.Sprintf("bridge %q not found", id)))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
