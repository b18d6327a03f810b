package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	iriscore "github.com/petal-labs/iris/core"

	"github.com/petal-labs/bridgeflow/core"
)

// mockProvider is a scriptable iriscore.Provider.
type mockProvider struct {
	id           string
	chatResponse *iriscore.ChatResponse
	chatError    error
	streamFn     func(ctx context.Context, req *iriscore.ChatRequest) (*iriscore.ChatStream, error)
	lastRequest  *iriscore.ChatRequest
}

func (m *mockProvider) ID() string { return m.id }

func (m *mockProvider) Chat(ctx context.Context, req *iriscore.ChatRequest) (*iriscore.ChatResponse, error) {
	m.lastRequest = req
	if m.chatError != nil {
		return nil, m.chatError
	}
	return m.chatResponse, nil
}

func (m *mockProvider) StreamChat(ctx context.Context, req *iriscore.ChatRequest) (*iriscore.ChatStream, error) {
	m.lastRequest = req
	if m.streamFn != nil {
		return m.streamFn(ctx, req)
	}
	return nil, errors.New("StreamChat not configured")
}

func (m *mockProvider) Models() []iriscore.ModelInfo {
	return []iriscore.ModelInfo{{ID: "mock-model"}}
}

func (m *mockProvider) Supports(feature iriscore.Feature) bool {
	return feature == iriscore.FeatureChat
}

// newMockStream builds a ChatStream from deltas, an optional final response,
// and an optional stream error.
func newMockStream(deltas []string, final *iriscore.ChatResponse, streamErr error) *iriscore.ChatStream {
	chunkCh := make(chan iriscore.ChatChunk, len(deltas))
	errCh := make(chan error, 1)
	finalCh := make(chan *iriscore.ChatResponse, 1)

	for _, d := range deltas {
		chunkCh <- iriscore.ChatChunk{Delta: d}
	}
	close(chunkCh)

	if streamErr != nil {
		errCh <- streamErr
	}
	close(errCh)

	if final != nil {
		finalCh <- final
	}
	close(finalCh)

	return &iriscore.ChatStream{Ch: chunkCh, Err: errCh, Final: finalCh}
}

func TestCompleteBuildsRequestFromOptions(t *testing.T) {
	mock := &mockProvider{
		id:           "mock",
		chatResponse: &iriscore.ChatResponse{Output: "hi there"},
	}
	temp := 0.2
	maxTokens := 512
	chat := NewFromProvider(mock, nil)

	history := []core.ChatMessage{
		{Role: core.RoleUser, Content: "earlier question"},
		{Role: core.RoleAssistant, Content: "earlier answer"},
		{Role: core.RoleAssistant, IsStreaming: true}, // in-flight, excluded
	}
	opts := core.BridgeOptions{
		Model:        "llama3",
		SystemPrompt: "be terse",
		Temperature:  &temp,
		MaxTokens:    &maxTokens,
	}

	reply, err := chat.Complete(context.Background(), opts, history, "new question")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if reply != "hi there" {
		t.Fatalf("reply = %q", reply)
	}

	req := mock.lastRequest
	if string(req.Model) != "llama3" {
		t.Fatalf("model = %q", req.Model)
	}
	if req.Temperature == nil || *req.Temperature != float32(0.2) {
		t.Fatalf("temperature = %v", req.Temperature)
	}
	if req.MaxTokens == nil || *req.MaxTokens != 512 {
		t.Fatalf("max tokens = %v", req.MaxTokens)
	}

	// System prompt, two settled history turns, then the new user message.
	if len(req.Messages) != 4 {
		t.Fatalf("len(messages) = %d, want 4", len(req.Messages))
	}
	if req.Messages[0].Role != iriscore.RoleSystem || req.Messages[0].Content != "be terse" {
		t.Fatalf("messages[0] = %+v, want the system prompt", req.Messages[0])
	}
	if req.Messages[3].Role != iriscore.RoleUser || req.Messages[3].Content != "new question" {
		t.Fatalf("messages[3] = %+v, want the new user message", req.Messages[3])
	}
}

func TestCompleteRendersNativeToolCallsInline(t *testing.T) {
	args, _ := json.Marshal(map[string]any{"a": 2, "b": 3})
	mock := &mockProvider{
		id: "mock",
		chatResponse: &iriscore.ChatResponse{
			Output:    "Let me add those.",
			ToolCalls: []iriscore.ToolCall{{ID: "tc1", Name: "calculator", Arguments: args}},
		},
	}
	chat := NewFromProvider(mock, nil)

	reply, err := chat.Complete(context.Background(), core.BridgeOptions{Model: "m"}, nil, "add")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !strings.Contains(reply, "<tool_call>") || !strings.Contains(reply, `"calculator"`) {
		t.Fatalf("reply = %q, want an inline tool call encoding", reply)
	}
}

func TestCompleteProviderFailureIsConnectionKind(t *testing.T) {
	mock := &mockProvider{id: "mock", chatError: errors.New("dial tcp: refused")}
	chat := NewFromProvider(mock, nil)

	_, err := chat.Complete(context.Background(), core.BridgeOptions{}, nil, "hi")
	if !core.IsRetryable(err) {
		t.Fatalf("err = %v, want a retryable connection error", err)
	}
}

func TestStreamConvertsDeltasAndToolCalls(t *testing.T) {
	args, _ := json.Marshal(map[string]any{"path": "/tmp"})
	mock := &mockProvider{
		id: "mock",
		streamFn: func(ctx context.Context, req *iriscore.ChatRequest) (*iriscore.ChatStream, error) {
			return newMockStream(
				[]string{"Hello", " world"},
				&iriscore.ChatResponse{
					Output:    "Hello world",
					ToolCalls: []iriscore.ToolCall{{Name: "list_dir", Arguments: args}},
				},
				nil,
			), nil
		},
	}
	chat := NewFromProvider(mock, nil)

	events, err := chat.Stream(context.Background(), core.BridgeOptions{Model: "m"}, nil, "hi")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var deltas []string
	var calls []core.ToolCall
	sawDone := false
	for event := range events {
		if event.Delta != "" {
			deltas = append(deltas, event.Delta)
		}
		if event.ToolCall != nil {
			calls = append(calls, *event.ToolCall)
		}
		if event.Done {
			sawDone = true
			if event.Err != nil {
				t.Fatalf("terminal event carried error: %v", event.Err)
			}
		}
	}

	if len(deltas) != 2 || deltas[0] != "Hello" {
		t.Fatalf("deltas = %v", deltas)
	}
	if len(calls) != 1 || calls[0].Name != "list_dir" || calls[0].Parameters["path"] != "/tmp" {
		t.Fatalf("calls = %+v", calls)
	}
	if !sawDone {
		t.Fatal("no terminal Done event")
	}
}

func TestStreamErrorSurfacesOnTerminalEvent(t *testing.T) {
	mock := &mockProvider{
		id: "mock",
		streamFn: func(ctx context.Context, req *iriscore.ChatRequest) (*iriscore.ChatStream, error) {
			return newMockStream([]string{"partial"}, nil, errors.New("connection reset")), nil
		},
	}
	chat := NewFromProvider(mock, nil)

	events, err := chat.Stream(context.Background(), core.BridgeOptions{}, nil, "hi")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var streamErr error
	for event := range events {
		if event.Done {
			streamErr = event.Err
		}
	}
	if !core.IsRetryable(streamErr) {
		t.Fatalf("terminal err = %v, want retryable connection error", streamErr)
	}
}

func TestChatCapabilities(t *testing.T) {
	chat := NewFromProvider(&mockProvider{id: "mock"}, nil)
	if chat.ProviderID() != "mock" {
		t.Fatalf("ProviderID = %q", chat.ProviderID())
	}
	if !chat.SupportsChat() {
		t.Fatal("SupportsChat = false")
	}
	models := chat.Models()
	if len(models) != 1 || models[0] != "mock-model" {
		t.Fatalf("models = %v", models)
	}
}
