package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/bridgeflow"
	"github.com/petal-labs/bridgeflow/core"
	"github.com/petal-labs/bridgeflow/stream"
)

// TransportFactory builds the transport for a bridge when it starts.
type TransportFactory func(ctx context.Context, opts core.BridgeOptions) (core.Transport, error)

// ReconnectPolicy governs automatic recovery of a running bridge after a
// transient failure: Attempts reconnects with a fixed Backoff between them,
// then the bridge falls to Error and requires a manual start.
type ReconnectPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultReconnectPolicy is applied when a config leaves the policy unset.
var DefaultReconnectPolicy = ReconnectPolicy{Attempts: 3, Backoff: 2 * time.Second}

// Config configures a bridge registry.
type Config struct {
	// Factory builds transports for starting bridges. Required.
	Factory TransportFactory

	// Publish receives every lifecycle event. Optional.
	Publish bridgeflow.EventHandler

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Reconnect defaults to DefaultReconnectPolicy.
	Reconnect ReconnectPolicy
}

// Registry owns the set of bridges keyed by id. It is the only writer of
// bridge status, catalog, history, and health info. Operations on one id are
// serialized; operations on different ids proceed concurrently.
type Registry struct {
	factory   TransportFactory
	publish   bridgeflow.EventHandler
	logger    *slog.Logger
	reconnect ReconnectPolicy

	mu      sync.RWMutex
	bridges map[string]*managedBridge
}

// managedBridge is the registry's per-bridge record. opMu serializes
// lifecycle transitions for the id; it is never held across a suspension.
type managedBridge struct {
	opMu sync.Mutex

	id      string
	opts    core.BridgeOptions
	status  core.BridgeStatus
	info    core.StatusInfo
	bridge  *Bridge
	history []core.ChatMessage

	// pendingResolved holds tool-call results that arrived before the
	// stream's final message reached history.
	pendingResolved []core.ToolCall

	runCtx context.Context
	cancel context.CancelFunc
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reconnect := cfg.Reconnect
	if reconnect.Attempts <= 0 {
		reconnect.Attempts = DefaultReconnectPolicy.Attempts
	}
	if reconnect.Backoff <= 0 {
		reconnect.Backoff = DefaultReconnectPolicy.Backoff
	}
	return &Registry{
		factory:   cfg.Factory,
		publish:   cfg.Publish,
		logger:    logger,
		reconnect: reconnect,
		bridges:   make(map[string]*managedBridge),
	}
}

func (r *Registry) emit(event bridgeflow.Event) {
	if r.publish != nil {
		r.publish(event)
	}
}

// setStatus applies a lifecycle transition and publishes it.
// Callers must hold m.opMu.
func (r *Registry) setStatus(m *managedBridge, to core.BridgeStatus) {
	from := m.status
	if from == to {
		return
	}
	m.status = to
	r.logger.Debug("bridge status changed",
		"bridge_id", m.id,
		"from", from.String(),
		"to", to.String())
	r.emit(bridgeflow.NewEvent(bridgeflow.EventBridgeStatusChanged, m.id).
		WithPayload("from", from.String()).
		WithPayload("to", to.String()))
}

func (r *Registry) lookup(id string) (*managedBridge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.bridges[id]
	return m, ok
}

// CreateBridge registers a new bridge in the Stopped state and returns its id.
func (r *Registry) CreateBridge(opts core.BridgeOptions) string {
	id := uuid.NewString()

	m := &managedBridge{
		id:     id,
		opts:   opts,
		status: core.StatusStopped,
		info:   core.StatusInfo{Health: core.HealthUnknown},
	}

	r.mu.Lock()
	r.bridges[id] = m
	r.mu.Unlock()

	r.emit(bridgeflow.NewEvent(bridgeflow.EventBridgeCreated, id).
		WithPayload("provider", opts.Provider).
		WithPayload("model", opts.Model))
	return id
}

// AdoptBridge registers a bridge under a pre-existing ID, used when
// restoring persisted bridges at startup. Returns false if the ID is taken.
func (r *Registry) AdoptBridge(id string, opts core.BridgeOptions) bool {
	m := &managedBridge{
		id:     id,
		opts:   opts,
		status: core.StatusStopped,
		info:   core.StatusInfo{Health: core.HealthUnknown},
	}

	r.mu.Lock()
	if _, exists := r.bridges[id]; exists {
		r.mu.Unlock()
		return false
	}
	r.bridges[id] = m
	r.mu.Unlock()

	r.emit(bridgeflow.NewEvent(bridgeflow.EventBridgeCreated, id).
		WithPayload("provider", opts.Provider).
		WithPayload("model", opts.Model))
	return true
}

// StartBridge drives Stopped→Connecting→Running (or →Error). It returns
// false when the bridge does not exist, is already live, or fails to connect.
func (r *Registry) StartBridge(ctx context.Context, id string) bool {
	m, ok := r.lookup(id)
	if !ok {
		return false
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	switch m.status {
	case core.StatusStopped:
	case core.StatusError:
		// A restart from Error releases whatever the failed run left behind.
		if m.cancel != nil {
			m.cancel()
			m.cancel = nil
		}
		if m.bridge != nil {
			m.bridge.close(ctx)
			m.bridge = nil
		}
	default:
		return false
	}

	transport, err := r.factory(ctx, m.opts)
	if err != nil {
		r.failBridge(m, fmt.Errorf("building transport: %w", err))
		return false
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.runCtx = runCtx
	m.cancel = cancel
	m.bridge = newBridge(id, m.opts, transport, r.logger, r.toolCallResolved)

	r.setStatus(m, core.StatusConnecting)

	catalog, err := m.bridge.connect(runCtx)
	if err != nil {
		cancel()
		m.bridge.close(context.Background())
		m.bridge = nil
		r.failBridge(m, err)
		return false
	}

	m.info.LastConnection = time.Now()
	m.info.LastError = ""
	r.setStatus(m, core.StatusRunning)
	r.emit(bridgeflow.NewEvent(bridgeflow.EventBridgeStarted, id))
	r.emit(bridgeflow.NewEvent(bridgeflow.EventBridgeToolsDiscovered, id).
		WithPayload("tools", catalog))
	return true
}

// failBridge records an error and drops the bridge to Error.
// Callers must hold m.opMu.
func (r *Registry) failBridge(m *managedBridge, err error) {
	m.info.LastError = err.Error()
	m.info.Health = core.HealthUnhealthy
	r.setStatus(m, core.StatusError)
	r.emit(bridgeflow.NewEvent(bridgeflow.EventBridgeError, m.id).
		WithPayload("error", err.Error()))
}

// StopBridge transitions a bridge to Stopped, cancelling in-flight work.
// Stopping an already stopped bridge is a no-op success.
func (r *Registry) StopBridge(ctx context.Context, id string) bool {
	m, ok := r.lookup(id)
	if !ok {
		return false
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()
	return r.stopLocked(ctx, m)
}

// stopLocked performs the stop transition. Callers must hold m.opMu.
func (r *Registry) stopLocked(ctx context.Context, m *managedBridge) bool {
	if m.status == core.StatusStopped {
		return true
	}

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.bridge != nil {
		m.bridge.close(ctx)
		m.bridge = nil
	}
	m.runCtx = nil
	r.setStatus(m, core.StatusStopped)
	r.emit(bridgeflow.NewEvent(bridgeflow.EventBridgeStopped, m.id))
	return true
}

// RemoveBridge stops a bridge if needed and deletes it from the registry.
func (r *Registry) RemoveBridge(ctx context.Context, id string) bool {
	m, ok := r.lookup(id)
	if !ok {
		return false
	}

	m.opMu.Lock()
	r.stopLocked(ctx, m)
	m.opMu.Unlock()

	r.mu.Lock()
	delete(r.bridges, id)
	r.mu.Unlock()

	r.emit(bridgeflow.NewEvent(bridgeflow.EventBridgeRemoved, id))
	return true
}

// UpdateBridgeSettings replaces a bridge's options. A running bridge keeps
// its current transport; the new options take effect on the next start.
func (r *Registry) UpdateBridgeSettings(id string, opts core.BridgeOptions) bool {
	m, ok := r.lookup(id)
	if !ok {
		return false
	}

	m.opMu.Lock()
	m.opts = opts
	if m.bridge != nil {
		m.bridge.setOptions(opts)
	}
	m.opMu.Unlock()

	r.emit(bridgeflow.NewEvent(bridgeflow.EventBridgeSettingsUpdated, id).
		WithPayload("provider", opts.Provider).
		WithPayload("model", opts.Model))
	return true
}

// Info is a read-only snapshot of a bridge's registry state.
type Info struct {
	ID                string              `json:"id"`
	Status            core.BridgeStatus   `json:"status"`
	Options           core.BridgeOptions  `json:"options"`
	Tools             []core.Tool         `json:"tools,omitempty"`
	StatusInfo        core.StatusInfo     `json:"status_info"`
	SupportsStreaming bool                `json:"supports_streaming"`
}

func (r *Registry) snapshot(m *managedBridge) Info {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	info := Info{
		ID:         m.id,
		Status:     m.status,
		Options:    m.opts,
		StatusInfo: m.info,
	}
	if m.bridge != nil {
		info.Tools = m.bridge.Catalog()
		info.SupportsStreaming = m.bridge.SupportsStreaming()
	}
	return info
}

// GetBridge returns the operational bridge handle for a live bridge.
func (r *Registry) GetBridge(id string) (*Bridge, bool) {
	m, ok := r.lookup(id)
	if !ok {
		return nil, false
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.bridge == nil {
		return nil, false
	}
	return m.bridge, true
}

// GetBridgeInfo returns a snapshot of a bridge's state.
func (r *Registry) GetBridgeInfo(id string) (Info, bool) {
	m, ok := r.lookup(id)
	if !ok {
		return Info{}, false
	}
	return r.snapshot(m), true
}

// GetAllBridges returns snapshots of every registered bridge.
func (r *Registry) GetAllBridges() []Info {
	r.mu.RLock()
	managed := make([]*managedBridge, 0, len(r.bridges))
	for _, m := range r.bridges {
		managed = append(managed, m)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(managed))
	for _, m := range managed {
		infos = append(infos, r.snapshot(m))
	}
	return infos
}

// RunningBridgeIDs returns the ids of bridges currently in Running,
// for the health monitor's polling sweep.
func (r *Registry) RunningBridgeIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0)
	for id, m := range r.bridges {
		m.opMu.Lock()
		running := m.status == core.StatusRunning
		m.opMu.Unlock()
		if running {
			ids = append(ids, id)
		}
	}
	return ids
}

// SendMessage performs a non-streaming exchange on a running bridge and
// records both sides in the bridge's conversation history.
func (r *Registry) SendMessage(ctx context.Context, id, text string) (core.ChatMessage, error) {
	m, b, err := r.liveBridge(id)
	if err != nil {
		return core.ChatMessage{}, err
	}

	opCtx, release := m.opContext(ctx)
	defer release()

	r.appendHistory(m, core.ChatMessage{Role: core.RoleUser, Content: text})

	reply, err := b.SendMessage(opCtx, text)
	if err != nil {
		r.noteFailure(m, err)
		return core.ChatMessage{}, err
	}
	r.appendHistory(m, reply)
	return reply, nil
}

// StreamMessage streams an exchange on a running bridge. The final message
// replaces the in-flight placeholder in history, keeping the invariant that
// at most one history entry per bridge is streaming at any instant.
func (r *Registry) StreamMessage(ctx context.Context, id, text string, handlers stream.Handlers) error {
	m, b, err := r.liveBridge(id)
	if err != nil {
		return err
	}

	opCtx, release := m.opContext(ctx)
	defer release()

	// Claim the stream slot before touching history: a rejected stream must
	// leave no trace in the conversation.
	if err := b.openStream(); err != nil {
		return err
	}
	defer b.closeStream()

	r.appendHistory(m, core.ChatMessage{Role: core.RoleUser, Content: text})
	r.beginStreamingHistory(m)

	wrapped := handlers
	userOnComplete := handlers.OnComplete
	wrapped.OnComplete = func(final core.ChatMessage) {
		r.finishStreamingHistory(m, final)
		if userOnComplete != nil {
			userOnComplete(final)
		}
	}

	streamErr := b.runStream(opCtx, text, wrapped)
	if streamErr != nil {
		r.clearStreamingHistory(m)
		r.noteFailure(m, streamErr)
	}
	return streamErr
}

// CallTool validates and executes a tool call on a running bridge.
func (r *Registry) CallTool(ctx context.Context, id, toolName, functionName string, params map[string]any) (any, error) {
	m, b, err := r.liveBridge(id)
	if err != nil {
		return nil, err
	}

	opCtx, release := m.opContext(ctx)
	defer release()

	result, err := b.CallTool(opCtx, toolName, functionName, params)
	if err != nil {
		r.noteFailure(m, err)
		return nil, err
	}
	return result, nil
}

// RefreshCatalog re-discovers a running bridge's tools and publishes the
// updated catalog. Used by the daemon's scheduled refresh.
func (r *Registry) RefreshCatalog(ctx context.Context, id string) error {
	m, b, err := r.liveBridge(id)
	if err != nil {
		return err
	}

	opCtx, release := m.opContext(ctx)
	defer release()

	catalog, err := b.ListTools(opCtx)
	if err != nil {
		r.noteFailure(m, err)
		return err
	}
	b.setCatalog(catalog)
	r.emit(bridgeflow.NewEvent(bridgeflow.EventBridgeToolsDiscovered, id).
		WithPayload("tools", catalog))
	return nil
}

// ProbeBridge measures one health round trip against a running bridge.
func (r *Registry) ProbeBridge(ctx context.Context, id string) (time.Duration, error) {
	m, b, err := r.liveBridge(id)
	if err != nil {
		return 0, err
	}

	opCtx, release := m.opContext(ctx)
	defer release()
	return b.Probe(opCtx)
}

// ApplyHealth records a health probe outcome on a still-running bridge.
// The registry is the sole writer of status info; the monitor only
// classifies. Results arriving after a stop are discarded.
func (r *Registry) ApplyHealth(id string, state core.HealthState, responseTimeMS int64, probeErr error) bool {
	m, ok := r.lookup(id)
	if !ok {
		return false
	}

	m.opMu.Lock()
	if m.status != core.StatusRunning {
		// The bridge stopped between the monitor's sweep and the probe;
		// a clean stop must not be stamped unhealthy.
		m.opMu.Unlock()
		return false
	}
	event := bridgeflow.NewEvent(bridgeflow.EventBridgeHealth, id).
		WithPayload("health", string(state))
	if probeErr != nil {
		m.info.Health = core.HealthUnhealthy
		m.info.LastError = probeErr.Error()
		event = event.WithPayload("error", probeErr.Error())
	} else {
		m.info.Health = state
		m.info.LastConnection = time.Now()
		m.info.ResponseTimeMS = responseTimeMS
		m.info.LastError = ""
		event = event.WithPayload("response_time_ms", responseTimeMS)
	}
	m.opMu.Unlock()

	r.emit(event)

	if probeErr != nil && core.KindOf(probeErr) == core.ErrConnection {
		r.beginReconnect(id)
	}
	return true
}

// liveBridge returns the managed record and handle for a Running bridge.
func (r *Registry) liveBridge(id string) (*managedBridge, *Bridge, error) {
	m, ok := r.lookup(id)
	if !ok {
		return nil, nil, core.NewNotFoundError(fmt.Sprintf("bridge %q is not registered", id))
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.status != core.StatusRunning || m.bridge == nil {
		return nil, nil, core.NewError(core.ErrConnection,
			fmt.Sprintf("bridge %q is %s, not running", id, m.status), "Start the bridge first.", nil)
	}
	return m, m.bridge, nil
}

// opContext derives a context cancelled by either the caller or a stop of
// the bridge. Callers must hold no locks; the bridge may stop mid-operation.
func (m *managedBridge) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx := m.runCtx
	if runCtx == nil {
		return context.WithCancel(ctx)
	}
	merged, cancel := context.WithCancel(ctx)
	detach := context.AfterFunc(runCtx, cancel)
	return merged, func() {
		detach()
		cancel()
	}
}

// noteFailure inspects an operation error and, for transient connection
// failures on a running bridge, begins automatic reconnection.
func (r *Registry) noteFailure(m *managedBridge, err error) {
	if core.KindOf(err) != core.ErrConnection {
		return
	}
	r.beginReconnect(m.id)
}

// beginReconnect moves a running bridge to Reconnecting and attempts
// recovery in the background: up to Attempts reconnects with a fixed
// backoff, then Error. A stop at any point aborts the loop silently.
func (r *Registry) beginReconnect(id string) {
	m, ok := r.lookup(id)
	if !ok {
		return
	}

	m.opMu.Lock()
	if m.status != core.StatusRunning || m.bridge == nil || m.runCtx == nil {
		m.opMu.Unlock()
		return
	}
	b := m.bridge
	runCtx := m.runCtx
	r.setStatus(m, core.StatusReconnecting)
	m.opMu.Unlock()

	go r.reconnectLoop(m, b, runCtx)
}

func (r *Registry) reconnectLoop(m *managedBridge, b *Bridge, runCtx context.Context) {
	for attempt := 1; attempt <= r.reconnect.Attempts; attempt++ {
		timer := time.NewTimer(r.reconnect.Backoff)
		select {
		case <-runCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		r.logger.Info("reconnecting bridge",
			"bridge_id", m.id,
			"attempt", attempt,
			"max_attempts", r.reconnect.Attempts)

		catalog, err := b.reconnectOnce(runCtx)
		if err == nil {
			m.opMu.Lock()
			if m.status == core.StatusReconnecting {
				m.info.LastConnection = time.Now()
				m.info.LastError = ""
				r.setStatus(m, core.StatusRunning)
				r.emit(bridgeflow.NewEvent(bridgeflow.EventBridgeToolsDiscovered, m.id).
					WithPayload("tools", catalog))
			}
			m.opMu.Unlock()
			return
		}
		if runCtx.Err() != nil {
			return
		}
		r.logger.Warn("bridge reconnect attempt failed",
			"bridge_id", m.id,
			"attempt", attempt,
			"error", err)
	}

	m.opMu.Lock()
	if m.status == core.StatusReconnecting {
		r.failBridge(m, core.WrapUnknown(
			fmt.Sprintf("bridge %s did not recover after %d reconnect attempts", m.id, r.reconnect.Attempts), nil))
	}
	m.opMu.Unlock()
}

// toolCallResolved republishes an asynchronously resolved stream tool call
// and stamps the result into the bridge's history.
func (r *Registry) toolCallResolved(bridgeID string, call core.ToolCall) {
	m, ok := r.lookup(bridgeID)
	if ok {
		r.resolveHistoryCall(m, call)
	}
	r.emit(bridgeflow.NewEvent(bridgeflow.EventToolCallResolved, bridgeID).
		WithPayload("call", call))
}
