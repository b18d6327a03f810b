// Package core provides the foundational types and interfaces for BridgeFlow.
//
// This package contains:
//   - Data model: Tool, Function, ToolCall, ChatMessage, BridgeOptions, StatusInfo
//   - Interfaces: Transport, StreamingTransport
//   - The typed error taxonomy shared by every subsystem
package core

import (
	"reflect"
	"time"
)

// BridgeStatus identifies where a bridge is in its lifecycle.
// Transitions are driven exclusively by the bridge registry.
type BridgeStatus string

const (
	StatusStopped      BridgeStatus = "stopped"
	StatusConnecting   BridgeStatus = "connecting"
	StatusRunning      BridgeStatus = "running"
	StatusReconnecting BridgeStatus = "reconnecting"
	StatusError        BridgeStatus = "error"
)

// String returns the string representation of the BridgeStatus.
func (s BridgeStatus) String() string {
	return string(s)
}

// HealthState is a coarse classification of a bridge's measured responsiveness.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// DefaultCategory is assigned to tools that declare no category.
const DefaultCategory = "Uncategorized"

// BridgeOptions configures the LLM side of a bridge.
type BridgeOptions struct {
	Provider         string   `json:"provider" yaml:"provider"`
	Model            string   `json:"model" yaml:"model"`
	Endpoint         string   `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	TopP             *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty" yaml:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty" yaml:"presence_penalty,omitempty"`
	SystemPrompt     string   `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
}

// StatusInfo is the registry-owned health snapshot for a bridge.
type StatusInfo struct {
	LastConnection time.Time   `json:"last_connection,omitempty"`
	ResponseTimeMS int64       `json:"response_time_ms,omitempty"`
	Health         HealthState `json:"health"`
	LastError      string      `json:"last_error,omitempty"`
}

// Tool is a named capability exposing one or more callable functions.
type Tool struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Category    string     `json:"category,omitempty"`
	Functions   []Function `json:"functions"`
}

// CategoryOrDefault returns the tool category, defaulting when unset.
func (t Tool) CategoryOrDefault() string {
	if t.Category == "" {
		return DefaultCategory
	}
	return t.Category
}

// Function is a single callable operation on a tool.
type Function struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  ParameterSchema `json:"parameters"`
}

// ParameterSchema is a JSON-schema-like parameter definition.
type ParameterSchema struct {
	Properties map[string]PropertySpec `json:"properties,omitempty"`
	Required   []string                `json:"required,omitempty"`
}

// PropertySpec declares the type of a single parameter.
type PropertySpec struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// ToolCall is a concrete invocation request and its eventual result.
// Result is set at most once, after the call resolves or fails.
type ToolCall struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
	Result     any            `json:"result,omitempty"`
}

// Equal reports whether two tool calls identify the same invocation:
// same name and deep-equal parameters. Results are not part of identity.
func (c ToolCall) Equal(other ToolCall) bool {
	return c.Name == other.Name && reflect.DeepEqual(c.Parameters, other.Parameters)
}

// Chat message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatMessage is a chat-style message exchanged through a bridge.
type ChatMessage struct {
	Role        string     `json:"role"`
	Content     string     `json:"content"`
	ToolCalls   []ToolCall `json:"tool_calls,omitempty"`
	IsStreaming bool       `json:"is_streaming,omitempty"`
}

// ValidationResult reports field-level schema violations.
// Valid is true iff Errors is empty.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors map[string]string `json:"errors,omitempty"`
}
