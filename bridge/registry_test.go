package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/bridgeflow"
	"github.com/petal-labs/bridgeflow/core"
	"github.com/petal-labs/bridgeflow/stream"
)

// fakeTransport is a scriptable core.Transport. Unset hooks succeed with
// benign defaults.
type fakeTransport struct {
	mu         sync.Mutex
	connectErr error
	sendFn     func(ctx context.Context, text string) (string, error)
	callFn     func(ctx context.Context, toolName, functionName string, params map[string]any) (any, error)
	listFn     func(ctx context.Context) ([]core.Tool, error)
	closed     bool
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectErr
}

func (f *fakeTransport) SendMessage(ctx context.Context, text string) (string, error) {
	if f.sendFn != nil {
		return f.sendFn(ctx, text)
	}
	return "ok: " + text, nil
}

func (f *fakeTransport) CallTool(ctx context.Context, toolName, functionName string, params map[string]any) (any, error) {
	if f.callFn != nil {
		return f.callFn(ctx, toolName, functionName, params)
	}
	return "result", nil
}

func (f *fakeTransport) ListTools(ctx context.Context) ([]core.Tool, error) {
	if f.listFn != nil {
		return f.listFn(ctx)
	}
	return []core.Tool{{
		Name: "calculator",
		Functions: []core.Function{{
			Name: "add",
			Parameters: core.ParameterSchema{
				Properties: map[string]core.PropertySpec{
					"a": {Type: "number"},
					"b": {Type: "number"},
				},
				Required: []string{"a", "b"},
			},
		}},
	}}, nil
}

func (f *fakeTransport) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeStreamingTransport adds a scriptable stream to fakeTransport.
type fakeStreamingTransport struct {
	fakeTransport
	streamFn func(ctx context.Context, text string) (<-chan core.StreamEvent, error)
}

func (f *fakeStreamingTransport) StreamMessage(ctx context.Context, text string) (<-chan core.StreamEvent, error) {
	return f.streamFn(ctx, text)
}

// eventRecorder captures published events in order.
type eventRecorder struct {
	mu     sync.Mutex
	events []bridgeflow.Event
}

func (rec *eventRecorder) handler(e bridgeflow.Event) {
	rec.mu.Lock()
	rec.events = append(rec.events, e)
	rec.mu.Unlock()
}

func (rec *eventRecorder) kinds() []bridgeflow.EventKind {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	kinds := make([]bridgeflow.EventKind, len(rec.events))
	for i, e := range rec.events {
		kinds[i] = e.Kind
	}
	return kinds
}

func newTestRegistry(t *testing.T, transport core.Transport, rec *eventRecorder) *Registry {
	t.Helper()
	cfg := Config{
		Factory: func(ctx context.Context, opts core.BridgeOptions) (core.Transport, error) {
			return transport, nil
		},
		Reconnect: ReconnectPolicy{Attempts: 2, Backoff: 5 * time.Millisecond},
	}
	if rec != nil {
		cfg.Publish = rec.handler
	}
	return NewRegistry(cfg)
}

func waitForStatus(t *testing.T, r *Registry, id string, want core.BridgeStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		info, ok := r.GetBridgeInfo(id)
		if ok && info.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	info, _ := r.GetBridgeInfo(id)
	t.Fatalf("bridge never reached %s, stuck at %s", want, info.Status)
}

func TestCreateBridgeStartsStopped(t *testing.T) {
	rec := &eventRecorder{}
	r := newTestRegistry(t, &fakeTransport{}, rec)

	id := r.CreateBridge(core.BridgeOptions{Provider: "ollama", Model: "llama3"})
	if id == "" {
		t.Fatal("CreateBridge returned empty id")
	}

	info, ok := r.GetBridgeInfo(id)
	if !ok {
		t.Fatal("GetBridgeInfo: bridge missing after create")
	}
	if info.Status != core.StatusStopped {
		t.Fatalf("status = %s, want stopped", info.Status)
	}
	if info.StatusInfo.Health != core.HealthUnknown {
		t.Fatalf("health = %s, want unknown", info.StatusInfo.Health)
	}
	kinds := rec.kinds()
	if len(kinds) != 1 || kinds[0] != bridgeflow.EventBridgeCreated {
		t.Fatalf("events = %v, want [bridge_created]", kinds)
	}
}

func TestStartBridgeLifecycleEvents(t *testing.T) {
	rec := &eventRecorder{}
	r := newTestRegistry(t, &fakeTransport{}, rec)
	id := r.CreateBridge(core.BridgeOptions{})

	if !r.StartBridge(context.Background(), id) {
		t.Fatal("StartBridge returned false")
	}

	info, _ := r.GetBridgeInfo(id)
	if info.Status != core.StatusRunning {
		t.Fatalf("status = %s, want running", info.Status)
	}
	if len(info.Tools) != 1 || info.Tools[0].Name != "calculator" {
		t.Fatalf("tools = %+v, want the discovered calculator", info.Tools)
	}

	want := []bridgeflow.EventKind{
		bridgeflow.EventBridgeCreated,
		bridgeflow.EventBridgeStatusChanged, // stopped -> connecting
		bridgeflow.EventBridgeStatusChanged, // connecting -> running
		bridgeflow.EventBridgeStarted,
		bridgeflow.EventBridgeToolsDiscovered,
	}
	kinds := rec.kinds()
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("events[%d] = %s, want %s", i, kinds[i], want[i])
		}
	}

	rec.mu.Lock()
	transition := rec.events[2]
	rec.mu.Unlock()
	if transition.Payload["from"] != "connecting" || transition.Payload["to"] != "running" {
		t.Fatalf("transition payload = %v, want connecting -> running", transition.Payload)
	}
}

func TestStartBridgeConnectFailureDropsToError(t *testing.T) {
	rec := &eventRecorder{}
	transport := &fakeTransport{connectErr: core.NewError(core.ErrPermission, "bad key", "", nil)}
	r := newTestRegistry(t, transport, rec)
	id := r.CreateBridge(core.BridgeOptions{})

	if r.StartBridge(context.Background(), id) {
		t.Fatal("StartBridge succeeded with a failing transport")
	}

	info, _ := r.GetBridgeInfo(id)
	if info.Status != core.StatusError {
		t.Fatalf("status = %s, want error", info.Status)
	}
	if info.StatusInfo.LastError == "" {
		t.Fatal("LastError empty after failed start")
	}

	sawError := false
	for _, kind := range rec.kinds() {
		if kind == bridgeflow.EventBridgeError {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("no bridge_error event published")
	}
}

func TestStartBridgeRejectsLiveBridge(t *testing.T) {
	r := newTestRegistry(t, &fakeTransport{}, nil)
	id := r.CreateBridge(core.BridgeOptions{})

	if !r.StartBridge(context.Background(), id) {
		t.Fatal("first start failed")
	}
	if r.StartBridge(context.Background(), id) {
		t.Fatal("second start of a running bridge succeeded")
	}
}

func TestStopBridgeClosesTransport(t *testing.T) {
	rec := &eventRecorder{}
	transport := &fakeTransport{}
	r := newTestRegistry(t, transport, rec)
	id := r.CreateBridge(core.BridgeOptions{})
	r.StartBridge(context.Background(), id)

	if !r.StopBridge(context.Background(), id) {
		t.Fatal("StopBridge returned false")
	}

	info, _ := r.GetBridgeInfo(id)
	if info.Status != core.StatusStopped {
		t.Fatalf("status = %s, want stopped", info.Status)
	}
	if !transport.wasClosed() {
		t.Fatal("transport not closed on stop")
	}

	// Stopping again is a no-op success.
	if !r.StopBridge(context.Background(), id) {
		t.Fatal("stop of a stopped bridge returned false")
	}
}

func TestRemoveBridgeStopsFirst(t *testing.T) {
	transport := &fakeTransport{}
	r := newTestRegistry(t, transport, nil)
	id := r.CreateBridge(core.BridgeOptions{})
	r.StartBridge(context.Background(), id)

	if !r.RemoveBridge(context.Background(), id) {
		t.Fatal("RemoveBridge returned false")
	}
	if !transport.wasClosed() {
		t.Fatal("transport not closed on remove")
	}
	if _, ok := r.GetBridgeInfo(id); ok {
		t.Fatal("bridge still registered after remove")
	}
	if r.RemoveBridge(context.Background(), id) {
		t.Fatal("second remove succeeded")
	}
}

func TestUpdateBridgeSettings(t *testing.T) {
	r := newTestRegistry(t, &fakeTransport{}, nil)
	id := r.CreateBridge(core.BridgeOptions{Provider: "ollama", Model: "llama3"})

	if !r.UpdateBridgeSettings(id, core.BridgeOptions{Provider: "openai", Model: "gpt-4o"}) {
		t.Fatal("UpdateBridgeSettings returned false")
	}

	info, _ := r.GetBridgeInfo(id)
	if info.Options.Provider != "openai" || info.Options.Model != "gpt-4o" {
		t.Fatalf("options = %+v, want updated provider and model", info.Options)
	}
}

func TestSendMessageRecordsHistory(t *testing.T) {
	r := newTestRegistry(t, &fakeTransport{}, nil)
	id := r.CreateBridge(core.BridgeOptions{})
	r.StartBridge(context.Background(), id)

	reply, err := r.SendMessage(context.Background(), id, "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if reply.Role != core.RoleAssistant || reply.Content != "ok: hello" {
		t.Fatalf("reply = %+v", reply)
	}

	history, _ := r.History(id)
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
	if history[0].Role != core.RoleUser || history[0].Content != "hello" {
		t.Fatalf("history[0] = %+v, want the user message", history[0])
	}
	if history[1].Content != "ok: hello" {
		t.Fatalf("history[1] = %+v, want the assistant reply", history[1])
	}
}

func TestSendMessageRequiresRunning(t *testing.T) {
	r := newTestRegistry(t, &fakeTransport{}, nil)
	id := r.CreateBridge(core.BridgeOptions{})

	_, err := r.SendMessage(context.Background(), id, "hello")
	if core.KindOf(err) != core.ErrConnection {
		t.Fatalf("err = %v, want a connection-kind error", err)
	}

	_, err = r.SendMessage(context.Background(), "missing", "hello")
	if core.KindOf(err) != core.ErrNotFound {
		t.Fatalf("err = %v, want not_found", err)
	}
}

func TestStreamMessageFinishesHistory(t *testing.T) {
	transport := &fakeStreamingTransport{
		streamFn: func(ctx context.Context, text string) (<-chan core.StreamEvent, error) {
			ch := make(chan core.StreamEvent, 3)
			ch <- core.StreamEvent{Delta: "Hello"}
			ch <- core.StreamEvent{Delta: " world"}
			ch <- core.StreamEvent{Done: true}
			close(ch)
			return ch, nil
		},
	}
	r := newTestRegistry(t, transport, nil)
	id := r.CreateBridge(core.BridgeOptions{})
	r.StartBridge(context.Background(), id)

	var chunks []string
	var final core.ChatMessage
	err := r.StreamMessage(context.Background(), id, "hi", stream.Handlers{
		OnContent:  func(chunk string) { chunks = append(chunks, chunk) },
		OnComplete: func(msg core.ChatMessage) { final = msg },
	})
	if err != nil {
		t.Fatalf("StreamMessage: %v", err)
	}
	if len(chunks) != 2 || final.Content != "Hello world" {
		t.Fatalf("chunks = %v, final = %+v", chunks, final)
	}

	history, _ := r.History(id)
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
	if history[1].Content != "Hello world" || history[1].IsStreaming {
		t.Fatalf("history[1] = %+v, want the settled assistant message", history[1])
	}
}

func TestStreamMessageRejectsSecondStream(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	transport := &fakeStreamingTransport{
		streamFn: func(ctx context.Context, text string) (<-chan core.StreamEvent, error) {
			ch := make(chan core.StreamEvent)
			go func() {
				close(started)
				<-release
				ch <- core.StreamEvent{Done: true}
				close(ch)
			}()
			return ch, nil
		},
	}
	r := newTestRegistry(t, transport, nil)
	id := r.CreateBridge(core.BridgeOptions{})
	r.StartBridge(context.Background(), id)

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- r.StreamMessage(context.Background(), id, "one", stream.Handlers{})
	}()
	<-started

	b, ok := r.GetBridge(id)
	if !ok {
		t.Fatal("GetBridge: missing")
	}
	err := b.StreamMessage(context.Background(), "two", stream.Handlers{})
	if !errors.Is(err, ErrStreamInFlight) {
		t.Fatalf("err = %v, want ErrStreamInFlight", err)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first stream failed: %v", err)
	}
}

func TestStreamMessageRejectionLeavesHistoryUntouched(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	transport := &fakeStreamingTransport{
		streamFn: func(ctx context.Context, text string) (<-chan core.StreamEvent, error) {
			ch := make(chan core.StreamEvent)
			go func() {
				close(started)
				<-release
				ch <- core.StreamEvent{Delta: "Hello"}
				ch <- core.StreamEvent{Done: true}
				close(ch)
			}()
			return ch, nil
		},
	}
	r := newTestRegistry(t, transport, nil)
	id := r.CreateBridge(core.BridgeOptions{})
	r.StartBridge(context.Background(), id)

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- r.StreamMessage(context.Background(), id, "one", stream.Handlers{})
	}()
	<-started

	err := r.StreamMessage(context.Background(), id, "two", stream.Handlers{})
	if !errors.Is(err, ErrStreamInFlight) {
		t.Fatalf("err = %v, want ErrStreamInFlight", err)
	}

	// The rejected stream must leave no trace: only the first stream's user
	// turn and its single streaming placeholder may exist right now.
	history, _ := r.History(id)
	if len(history) != 2 {
		t.Fatalf("len(history) = %d after rejection, want 2: %+v", len(history), history)
	}
	for _, msg := range history {
		if msg.Content == "two" {
			t.Fatalf("rejected stream's user turn persisted in history: %+v", history)
		}
	}
	streaming := 0
	for _, msg := range history {
		if msg.IsStreaming {
			streaming++
		}
	}
	if streaming != 1 {
		t.Fatalf("streaming placeholders = %d, want exactly 1", streaming)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first stream failed: %v", err)
	}

	history, _ = r.History(id)
	if len(history) != 2 || history[1].Content != "Hello" || history[1].IsStreaming {
		t.Fatalf("history = %+v, want the first stream settled cleanly", history)
	}
}

func TestStreamMessageUnsupportedTransport(t *testing.T) {
	r := newTestRegistry(t, &fakeTransport{}, nil)
	id := r.CreateBridge(core.BridgeOptions{})
	r.StartBridge(context.Background(), id)

	info, _ := r.GetBridgeInfo(id)
	if info.SupportsStreaming {
		t.Fatal("plain transport reported as streaming")
	}
	err := r.StreamMessage(context.Background(), id, "hi", stream.Handlers{})
	if !errors.Is(err, ErrStreamingUnsupported) {
		t.Fatalf("err = %v, want ErrStreamingUnsupported", err)
	}
}

func TestStreamToolCallResolvedAsynchronously(t *testing.T) {
	transport := &fakeStreamingTransport{
		streamFn: func(ctx context.Context, text string) (<-chan core.StreamEvent, error) {
			ch := make(chan core.StreamEvent, 3)
			ch <- core.StreamEvent{Delta: "Adding."}
			ch <- core.StreamEvent{ToolCall: &core.ToolCall{
				Name:       "calculator",
				Parameters: map[string]any{"a": float64(2), "b": float64(3)},
			}}
			ch <- core.StreamEvent{Done: true}
			close(ch)
			return ch, nil
		},
	}
	transport.callFn = func(ctx context.Context, toolName, functionName string, params map[string]any) (any, error) {
		return float64(5), nil
	}

	rec := &eventRecorder{}
	r := newTestRegistry(t, transport, rec)
	id := r.CreateBridge(core.BridgeOptions{})
	r.StartBridge(context.Background(), id)

	err := r.StreamMessage(context.Background(), id, "add 2 and 3", stream.Handlers{})
	if err != nil {
		t.Fatalf("StreamMessage: %v", err)
	}

	var resolved *bridgeflow.Event
	rec.mu.Lock()
	for i := range rec.events {
		if rec.events[i].Kind == bridgeflow.EventToolCallResolved {
			resolved = &rec.events[i]
		}
	}
	rec.mu.Unlock()
	if resolved == nil {
		t.Fatal("no tool_call_resolved event published")
	}
	call, ok := resolved.Payload["call"].(core.ToolCall)
	if !ok || call.Result != float64(5) {
		t.Fatalf("resolved payload = %+v, want result 5", resolved.Payload)
	}

	history, _ := r.History(id)
	last := history[len(history)-1]
	if len(last.ToolCalls) != 1 || last.ToolCalls[0].Result != float64(5) {
		t.Fatalf("history call = %+v, want result stamped in", last.ToolCalls)
	}
}

func TestConnectionFailureTriggersReconnect(t *testing.T) {
	transport := &fakeTransport{
		sendFn: func(ctx context.Context, text string) (string, error) {
			return "", core.NewConnectionError("broken pipe", nil)
		},
	}
	rec := &eventRecorder{}
	r := newTestRegistry(t, transport, rec)
	id := r.CreateBridge(core.BridgeOptions{})
	r.StartBridge(context.Background(), id)

	if _, err := r.SendMessage(context.Background(), id, "hello"); err == nil {
		t.Fatal("SendMessage succeeded with a broken transport")
	}

	// Connect still works, so the reconnect loop restores Running.
	waitForStatus(t, r, id, core.StatusRunning)

	sawReconnecting := false
	rec.mu.Lock()
	for _, e := range rec.events {
		if e.Kind == bridgeflow.EventBridgeStatusChanged && e.Payload["to"] == "reconnecting" {
			sawReconnecting = true
		}
	}
	rec.mu.Unlock()
	if !sawReconnecting {
		t.Fatal("bridge never entered reconnecting")
	}
}

func TestReconnectExhaustionDropsToError(t *testing.T) {
	transport := &fakeTransport{
		sendFn: func(ctx context.Context, text string) (string, error) {
			return "", core.NewConnectionError("broken pipe", nil)
		},
	}
	r := newTestRegistry(t, transport, nil)
	id := r.CreateBridge(core.BridgeOptions{})
	r.StartBridge(context.Background(), id)

	// Break Connect after the successful start.
	transport.mu.Lock()
	transport.connectErr = core.NewConnectionError("refused", nil)
	transport.mu.Unlock()

	if _, err := r.SendMessage(context.Background(), id, "hello"); err == nil {
		t.Fatal("SendMessage succeeded with a broken transport")
	}
	waitForStatus(t, r, id, core.StatusError)

	// Manual restart recovers once Connect works again.
	transport.mu.Lock()
	transport.connectErr = nil
	transport.mu.Unlock()
	if !r.StartBridge(context.Background(), id) {
		t.Fatal("manual restart from Error failed")
	}
}

func TestStopDuringReconnectWins(t *testing.T) {
	transport := &fakeTransport{
		sendFn: func(ctx context.Context, text string) (string, error) {
			return "", core.NewConnectionError("broken pipe", nil)
		},
	}
	r := newTestRegistry(t, transport, nil)
	id := r.CreateBridge(core.BridgeOptions{})
	r.StartBridge(context.Background(), id)

	_, _ = r.SendMessage(context.Background(), id, "hello")
	r.StopBridge(context.Background(), id)

	// The abandoned reconnect loop must not resurrect the bridge.
	time.Sleep(50 * time.Millisecond)
	info, _ := r.GetBridgeInfo(id)
	if info.Status != core.StatusStopped {
		t.Fatalf("status = %s, want stopped to win over reconnect", info.Status)
	}
}

func TestApplyHealthUpdatesStatusInfo(t *testing.T) {
	rec := &eventRecorder{}
	r := newTestRegistry(t, &fakeTransport{}, rec)
	id := r.CreateBridge(core.BridgeOptions{})
	r.StartBridge(context.Background(), id)

	if !r.ApplyHealth(id, core.HealthDegraded, 750, nil) {
		t.Fatal("ApplyHealth returned false")
	}

	info, _ := r.GetBridgeInfo(id)
	if info.StatusInfo.Health != core.HealthDegraded {
		t.Fatalf("health = %s, want degraded", info.StatusInfo.Health)
	}
	if info.StatusInfo.ResponseTimeMS != 750 {
		t.Fatalf("response time = %d, want 750", info.StatusInfo.ResponseTimeMS)
	}

	sawHealth := false
	for _, kind := range rec.kinds() {
		if kind == bridgeflow.EventBridgeHealth {
			sawHealth = true
		}
	}
	if !sawHealth {
		t.Fatal("no bridge_health event published")
	}
}

func TestApplyHealthIgnoresStoppedBridge(t *testing.T) {
	rec := &eventRecorder{}
	r := newTestRegistry(t, &fakeTransport{}, rec)
	id := r.CreateBridge(core.BridgeOptions{})
	r.StartBridge(context.Background(), id)
	r.StopBridge(context.Background(), id)

	// A probe launched before the stop resolves after it; the late result
	// must not mark the cleanly stopped bridge unhealthy.
	probeErr := core.NewConnectionError("bridge is stopped, not running", nil)
	if r.ApplyHealth(id, core.HealthUnhealthy, 0, probeErr) {
		t.Fatal("ApplyHealth applied a result to a stopped bridge")
	}

	info, _ := r.GetBridgeInfo(id)
	if info.StatusInfo.Health == core.HealthUnhealthy {
		t.Fatalf("health = %s, want the pre-stop state preserved", info.StatusInfo.Health)
	}
	if info.StatusInfo.LastError != "" {
		t.Fatalf("LastError = %q, want empty after a clean stop", info.StatusInfo.LastError)
	}
	for _, kind := range rec.kinds() {
		if kind == bridgeflow.EventBridgeHealth {
			t.Fatal("bridge_health event published after stop")
		}
	}

	// The late connection error must not kick off a reconnect either.
	time.Sleep(20 * time.Millisecond)
	info, _ = r.GetBridgeInfo(id)
	if info.Status != core.StatusStopped {
		t.Fatalf("status = %s, want stopped", info.Status)
	}
}

func TestAdoptBridgeKeepsID(t *testing.T) {
	rec := &eventRecorder{}
	r := newTestRegistry(t, &fakeTransport{}, rec)

	if !r.AdoptBridge("restored-1", core.BridgeOptions{Provider: "ollama", Model: "llama3"}) {
		t.Fatal("AdoptBridge rejected a fresh id")
	}
	if r.AdoptBridge("restored-1", core.BridgeOptions{Provider: "openai", Model: "gpt-4o"}) {
		t.Fatal("AdoptBridge accepted a duplicate id")
	}

	info, ok := r.GetBridgeInfo("restored-1")
	if !ok {
		t.Fatal("adopted bridge missing")
	}
	if info.Status != core.StatusStopped || info.Options.Provider != "ollama" {
		t.Fatalf("info = %+v", info)
	}

	if !r.StartBridge(context.Background(), "restored-1") {
		t.Fatal("adopted bridge failed to start")
	}
	waitForStatus(t, r, "restored-1", core.StatusRunning)
}
