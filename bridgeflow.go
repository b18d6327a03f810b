// Package bridgeflow connects language-model clients to dynamically discovered
// catalogs of callable remote tools. A bridge pairs one LLM configuration with
// one tool catalog; the registry manages many bridges, drives their lifecycle,
// publishes events, and keeps them healthy.
//
// This file provides re-exports for the most commonly used types from the core
// subpackage, so callers can work with bridgeflow.* without extra imports.
//
// For new code, consider importing subpackages directly for clearer dependencies:
//
//	import "github.com/petal-labs/bridgeflow/core"
//	import "github.com/petal-labs/bridgeflow/bridge"
//	import "github.com/petal-labs/bridgeflow/stream"
package bridgeflow

import (
	"github.com/petal-labs/bridgeflow/core"
)

// Type aliases from core package
type (
	// BridgeStatus identifies where a bridge is in its lifecycle.
	BridgeStatus = core.BridgeStatus

	// HealthState classifies a bridge's measured responsiveness.
	HealthState = core.HealthState

	// BridgeOptions configures the LLM side of a bridge.
	BridgeOptions = core.BridgeOptions

	// StatusInfo is the registry-owned health snapshot for a bridge.
	StatusInfo = core.StatusInfo

	// Tool is a named capability exposing one or more callable functions.
	Tool = core.Tool

	// Function is a single callable operation on a tool.
	Function = core.Function

	// ParameterSchema is a JSON-schema-like parameter definition.
	ParameterSchema = core.ParameterSchema

	// ToolCall is a concrete invocation request and its eventual result.
	ToolCall = core.ToolCall

	// ChatMessage is a chat-style message exchanged through a bridge.
	ChatMessage = core.ChatMessage

	// ValidationResult reports field-level schema violations.
	ValidationResult = core.ValidationResult

	// BridgeError is a structured, classified failure.
	BridgeError = core.BridgeError

	// ErrorKind classifies a bridge failure.
	ErrorKind = core.ErrorKind

	// Transport abstracts the remote side of a bridge.
	Transport = core.Transport

	// StreamingTransport extends Transport with incremental delivery.
	StreamingTransport = core.StreamingTransport

	// StreamEvent is a single incremental event from a streaming transport.
	StreamEvent = core.StreamEvent
)

// Bridge lifecycle states.
const (
	StatusStopped      = core.StatusStopped
	StatusConnecting   = core.StatusConnecting
	StatusRunning      = core.StatusRunning
	StatusReconnecting = core.StatusReconnecting
	StatusError        = core.StatusError
)

// Health classifications.
const (
	HealthUnknown   = core.HealthUnknown
	HealthHealthy   = core.HealthHealthy
	HealthDegraded  = core.HealthDegraded
	HealthUnhealthy = core.HealthUnhealthy
)

// Error kinds.
const (
	ErrConnection = core.ErrConnection
	ErrNotFound   = core.ErrNotFound
	ErrPermission = core.ErrPermission
	ErrServer     = core.ErrServer
	ErrDownload   = core.ErrDownload
	ErrValidation = core.ErrValidation
	ErrUnknown    = core.ErrUnknown
)
