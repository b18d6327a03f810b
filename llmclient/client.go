// Package llmclient adapts iris chat providers to the bridge conversation
// model. One Chat serves one bridge; the provider registry supplies the
// concrete backend by name.
package llmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	iriscore "github.com/petal-labs/iris/core"
	"github.com/petal-labs/iris/providers"

	// Auto-register common providers.
	_ "github.com/petal-labs/iris/providers/anthropic"
	_ "github.com/petal-labs/iris/providers/ollama"
	_ "github.com/petal-labs/iris/providers/openai"

	"github.com/petal-labs/bridgeflow/core"
)

// Chat wraps an iris provider for one bridge's conversations.
type Chat struct {
	provider iriscore.Provider
	logger   *slog.Logger
}

// New creates a Chat backed by the named iris provider.
func New(providerName, apiKey string, logger *slog.Logger) (*Chat, error) {
	provider, err := providers.Create(providerName, apiKey)
	if err != nil {
		return nil, core.NewError(core.ErrNotFound,
			fmt.Sprintf("creating provider %q", providerName),
			"Check the provider name against the supported list.", err)
	}
	return NewFromProvider(provider, logger), nil
}

// NewFromProvider wraps an already-constructed provider. Used by tests and
// by callers that manage provider construction themselves.
func NewFromProvider(provider iriscore.Provider, logger *slog.Logger) *Chat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chat{provider: provider, logger: logger}
}

// ProviderID returns the underlying provider's identifier.
func (c *Chat) ProviderID() string {
	return c.provider.ID()
}

// SupportsChat reports whether the provider can serve chat requests.
func (c *Chat) SupportsChat() bool {
	return c.provider.Supports(iriscore.FeatureChat)
}

// Models lists the provider's available model identifiers.
func (c *Chat) Models() []string {
	infos := c.provider.Models()
	ids := make([]string, 0, len(infos))
	for _, info := range infos {
		ids = append(ids, string(info.ID))
	}
	return ids
}

// Complete performs one synchronous chat turn. Provider-native tool calls in
// the response are rendered into the inline tool-call encoding so the reply
// text is self-contained for downstream parsing.
func (c *Chat) Complete(ctx context.Context, opts core.BridgeOptions, history []core.ChatMessage, text string) (string, error) {
	req := c.buildRequest(opts, history, text)

	resp, err := c.provider.Chat(ctx, req)
	if err != nil {
		return "", core.NewConnectionError(
			fmt.Sprintf("provider %s chat failed", c.provider.ID()), err)
	}

	output := resp.Output
	for _, tc := range resp.ToolCalls {
		output += renderInlineCall(tc)
	}
	c.logger.Debug("chat turn complete",
		"provider", c.provider.ID(),
		"model", string(resp.Model),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)
	return output, nil
}

// Stream performs one streaming chat turn, converting provider chunks into
// bridge stream events. Provider-native tool calls surface as ToolCall
// events from the final response, ahead of the terminal Done event.
func (c *Chat) Stream(ctx context.Context, opts core.BridgeOptions, history []core.ChatMessage, text string) (<-chan core.StreamEvent, error) {
	req := c.buildRequest(opts, history, text)

	chatStream, err := c.provider.StreamChat(ctx, req)
	if err != nil {
		return nil, core.NewConnectionError(
			fmt.Sprintf("provider %s stream failed", c.provider.ID()), err)
	}

	out := make(chan core.StreamEvent, 1)
	go func() {
		defer close(out)

		for chunk := range chatStream.Ch {
			if chunk.Delta == "" {
				continue
			}
			select {
			case out <- core.StreamEvent{Delta: chunk.Delta}:
			case <-ctx.Done():
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		select {
		case err, ok := <-chatStream.Err:
			if ok && err != nil {
				out <- core.StreamEvent{
					Done: true,
					Err: core.NewConnectionError(
						fmt.Sprintf("provider %s stream broke", c.provider.ID()), err),
				}
				return
			}
		default:
		}

		select {
		case resp, ok := <-chatStream.Final:
			if ok && resp != nil {
				for _, tc := range resp.ToolCalls {
					call := toToolCall(tc)
					select {
					case out <- core.StreamEvent{ToolCall: &call}:
					case <-ctx.Done():
						return
					}
				}
			}
		case <-ctx.Done():
			return
		}

		out <- core.StreamEvent{Done: true}
	}()

	return out, nil
}

// buildRequest folds bridge options and history into an iris chat request.
func (c *Chat) buildRequest(opts core.BridgeOptions, history []core.ChatMessage, text string) *iriscore.ChatRequest {
	messages := make([]iriscore.Message, 0, len(history)+2)
	if opts.SystemPrompt != "" {
		messages = append(messages, iriscore.Message{
			Role:    iriscore.RoleSystem,
			Content: opts.SystemPrompt,
		})
	}
	for _, m := range history {
		if m.IsStreaming || m.Content == "" {
			continue
		}
		messages = append(messages, iriscore.Message{
			Role:    toIrisRole(m.Role),
			Content: m.Content,
		})
	}
	messages = append(messages, iriscore.Message{
		Role:    iriscore.RoleUser,
		Content: text,
	})

	req := &iriscore.ChatRequest{
		Model:    iriscore.ModelID(opts.Model),
		Messages: messages,
	}
	if opts.Temperature != nil {
		temp := float32(*opts.Temperature)
		req.Temperature = &temp
	}
	if opts.MaxTokens != nil {
		req.MaxTokens = opts.MaxTokens
	}
	return req
}

func toIrisRole(role string) iriscore.Role {
	switch role {
	case core.RoleSystem:
		return iriscore.RoleSystem
	case core.RoleAssistant:
		return iriscore.RoleAssistant
	default:
		return iriscore.RoleUser
	}
}

func toToolCall(tc iriscore.ToolCall) core.ToolCall {
	params := map[string]any{}
	if len(tc.Arguments) > 0 {
		_ = json.Unmarshal(tc.Arguments, &params)
	}
	return core.ToolCall{Name: tc.Name, Parameters: params}
}

// renderInlineCall encodes a provider-native tool call in the inline
// tool-call format carried inside reply text.
func renderInlineCall(tc iriscore.ToolCall) string {
	params := map[string]any{}
	if len(tc.Arguments) > 0 {
		_ = json.Unmarshal(tc.Arguments, &params)
	}
	encoded, err := json.Marshal(map[string]any{
		"name":       tc.Name,
		"parameters": params,
	})
	if err != nil {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n<tool_call>")
	b.Write(encoded)
	b.WriteString("</tool_call>")
	return b.String()
}
