// Package server exposes the bridge registry over HTTP: bridge lifecycle,
// messaging, tool invocation, and an SSE event feed.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/petal-labs/bridgeflow/bridge"
	"github.com/petal-labs/bridgeflow/bus"
	"github.com/petal-labs/bridgeflow/config"
	"github.com/petal-labs/bridgeflow/core"
	"github.com/petal-labs/bridgeflow/sse"
)

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Registry    *bridge.Registry
	BridgeStore *config.BridgeStore // optional persistence; nil disables it
	EventStore  bus.EventStore
	Bus         bus.EventBus
	CORSOrigin  string
	MaxBody     int64
	Logger      *slog.Logger
}

// Server is the BridgeFlow HTTP API server.
type Server struct {
	registry    *bridge.Registry
	bridgeStore *config.BridgeStore
	events      *sse.Handler
	corsOrigin  string
	maxBody     int64
	logger      *slog.Logger
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	return &Server{
		registry:    cfg.Registry,
		bridgeStore: cfg.BridgeStore,
		events:      sse.NewHandler(cfg.EventStore, cfg.Bus),
		corsOrigin:  corsOrigin,
		maxBody:     maxBody,
		logger:      logger,
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)

	return handler
}

// RegisterRoutes mounts the bridge API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /v1/bridges", s.handleListBridges)
	mux.HandleFunc("POST /v1/bridges", s.handleCreateBridge)
	mux.HandleFunc("GET /v1/bridges/{id}", s.handleGetBridge)
	mux.HandleFunc("GET /v1/bridges/{id}/info", s.handleGetBridge)
	mux.HandleFunc("DELETE /v1/bridges/{id}", s.handleRemoveBridge)
	mux.HandleFunc("POST /v1/bridges/{id}/start", s.handleStartBridge)
	mux.HandleFunc("POST /v1/bridges/{id}/stop", s.handleStopBridge)
	mux.HandleFunc("PATCH /v1/bridges/{id}/settings", s.handleUpdateSettings)

	mux.HandleFunc("POST /v1/bridges/{id}/message", s.handleSendMessage)
	mux.HandleFunc("POST /v1/bridges/{id}/stream", s.handleStreamMessage)
	mux.HandleFunc("POST /v1/bridges/{id}/call", s.handleCallTool)
	mux.HandleFunc("GET /v1/bridges/{id}/tools", s.handleListTools)
	mux.HandleFunc("POST /v1/bridges/{id}/refresh", s.handleRefreshCatalog)
	mux.HandleFunc("GET /v1/bridges/{id}/history", s.handleGetHistory)
	mux.HandleFunc("DELETE /v1/bridges/{id}/history", s.handleClearHistory)

	mux.Handle("GET /v1/events", s.events)
	mux.Handle("GET /v1/bridges/{id}/events", s.events)
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Kind        string            `json:"kind"`
	Message     string            `json:"message"`
	Suggestion  string            `json:"suggestion,omitempty"`
	FieldErrors map[string]string `json:"field_errors,omitempty"`
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, apiError{Error: apiErrorBody{Kind: kind, Message: message}})
}

// writeBridgeError maps a classified failure onto an HTTP status, carrying
// the suggestion and field errors through to the client.
func writeBridgeError(w http.ResponseWriter, err error) {
	var bridgeErr *core.BridgeError
	if !errors.As(err, &bridgeErr) || bridgeErr == nil {
		writeError(w, http.StatusInternalServerError, string(core.ErrUnknown), err.Error())
		return
	}
	writeJSON(w, statusForKind(bridgeErr.Kind), apiError{Error: apiErrorBody{
		Kind:        string(bridgeErr.Kind),
		Message:     bridgeErr.Error(),
		Suggestion:  bridgeErr.Suggestion,
		FieldErrors: bridgeErr.FieldErrors,
	}})
}

func statusForKind(kind core.ErrorKind) int {
	switch kind {
	case core.ErrValidation:
		return http.StatusUnprocessableEntity
	case core.ErrNotFound:
		return http.StatusNotFound
	case core.ErrPermission:
		return http.StatusForbidden
	case core.ErrConnection:
		return http.StatusServiceUnavailable
	case core.ErrServer, core.ErrDownload:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
