package bridge

import (
	"github.com/petal-labs/bridgeflow/core"
)

// History returns a snapshot of a bridge's conversation history, oldest first.
func (r *Registry) History(id string) ([]core.ChatMessage, bool) {
	m, ok := r.lookup(id)
	if !ok {
		return nil, false
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()
	out := make([]core.ChatMessage, len(m.history))
	copy(out, m.history)
	return out, true
}

// ClearHistory discards a bridge's conversation history.
func (r *Registry) ClearHistory(id string) bool {
	m, ok := r.lookup(id)
	if !ok {
		return false
	}

	m.opMu.Lock()
	m.history = nil
	m.opMu.Unlock()
	return true
}

func (r *Registry) appendHistory(m *managedBridge, msg core.ChatMessage) {
	m.opMu.Lock()
	m.history = append(m.history, msg)
	m.opMu.Unlock()
}

// beginStreamingHistory appends the in-flight assistant placeholder. At most
// one history entry per bridge carries IsStreaming at any instant; streams
// are serialized by the bridge so the placeholder is always the last entry.
func (r *Registry) beginStreamingHistory(m *managedBridge) {
	r.appendHistory(m, core.ChatMessage{Role: core.RoleAssistant, IsStreaming: true})
}

// finishStreamingHistory replaces the streaming placeholder with the final
// assistant message and stamps in any results that resolved before the
// message settled.
func (r *Registry) finishStreamingHistory(m *managedBridge, final core.ChatMessage) {
	final.IsStreaming = false

	m.opMu.Lock()
	defer m.opMu.Unlock()

	for _, resolved := range m.pendingResolved {
		for j := range final.ToolCalls {
			if final.ToolCalls[j].Equal(resolved) && final.ToolCalls[j].Result == nil {
				final.ToolCalls[j].Result = resolved.Result
				break
			}
		}
	}
	m.pendingResolved = nil

	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].IsStreaming {
			m.history[i] = final
			return
		}
	}
	m.history = append(m.history, final)
}

// clearStreamingHistory drops a placeholder left behind by a stream that
// ended without an OnComplete, such as a cancellation at stop.
func (r *Registry) clearStreamingHistory(m *managedBridge) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].IsStreaming {
			m.history = append(m.history[:i], m.history[i+1:]...)
			return
		}
	}
}

// resolveHistoryCall stamps an asynchronously resolved result into the most
// recent matching unresolved call in history. A result is set at most once.
// Results that beat the final message into history are parked and applied
// when the stream settles.
func (r *Registry) resolveHistoryCall(m *managedBridge, call core.ToolCall) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	for i := len(m.history) - 1; i >= 0; i-- {
		msg := &m.history[i]
		for j := range msg.ToolCalls {
			if msg.ToolCalls[j].Equal(call) && msg.ToolCalls[j].Result == nil {
				msg.ToolCalls[j].Result = call.Result
				return
			}
		}
	}
	m.pendingResolved = append(m.pendingResolved, call)
}
