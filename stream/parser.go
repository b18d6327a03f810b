// Package stream coordinates incremental model output. It forwards content
// chunks without delay, collects tool calls surfaced by the transport, and
// re-scans the finished buffer for inline tool-call encodings before
// finalizing the message exactly once.
package stream

import (
	"encoding/json"
	"log/slog"
	"regexp"

	"github.com/petal-labs/bridgeflow/core"
)

// NoResultSentinel marks a parsed tool call that has not been executed yet.
const NoResultSentinel = "no result available"

var (
	toolCallTagPattern = regexp.MustCompile(`(?s)<tool_call>(.*?)</tool_call>`)
	fencedJSONPattern  = regexp.MustCompile("(?s)```json\\n(.*?)\\n```")
)

// inlineCall is the JSON shape accepted inside both inline encodings.
type inlineCall struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
}

// ParseToolCalls extracts tool-call requests from accumulated stream content.
// Two encodings are recognized: <tool_call>{...}</tool_call> regions and
// json-tagged fenced blocks carrying the same object shape. Malformed
// candidates are skipped and logged; they never abort the scan.
func ParseToolCalls(buffer string, logger *slog.Logger) []core.ToolCall {
	if logger == nil {
		logger = slog.Default()
	}

	calls := make([]core.ToolCall, 0)
	for _, match := range toolCallTagPattern.FindAllStringSubmatch(buffer, -1) {
		if call, ok := decodeInlineCall(match[1], "tool_call", logger); ok {
			calls = append(calls, call)
		}
	}
	for _, match := range fencedJSONPattern.FindAllStringSubmatch(buffer, -1) {
		if call, ok := decodeInlineCall(match[1], "fenced_json", logger); ok {
			calls = append(calls, call)
		}
	}
	return calls
}

func decodeInlineCall(raw, encoding string, logger *slog.Logger) (core.ToolCall, bool) {
	var candidate inlineCall
	if err := json.Unmarshal([]byte(raw), &candidate); err != nil {
		logger.Warn("skipping malformed inline tool call",
			"encoding", encoding,
			"error", err)
		return core.ToolCall{}, false
	}
	if candidate.Name == "" {
		// Fenced json blocks are common in ordinary model output; only
		// blocks that carry the tool-call shape are candidates.
		if encoding == "tool_call" {
			logger.Warn("skipping inline tool call without a name", "encoding", encoding)
		}
		return core.ToolCall{}, false
	}

	params := candidate.Parameters
	if params == nil {
		params = make(map[string]any)
	}
	return core.ToolCall{
		Name:       candidate.Name,
		Parameters: params,
		Result:     NoResultSentinel,
	}, true
}

// MergeToolCalls combines live calls with buffer-parsed calls, dropping any
// parsed call whose (name, parameters) identity already appears. Parameters
// are compared structurally, not by reference.
func MergeToolCalls(live, parsed []core.ToolCall) []core.ToolCall {
	merged := make([]core.ToolCall, 0, len(live)+len(parsed))
	merged = append(merged, live...)

	for _, candidate := range parsed {
		duplicate := false
		for _, existing := range merged {
			if existing.Equal(candidate) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			merged = append(merged, candidate)
		}
	}
	return merged
}
