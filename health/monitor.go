// Package health polls running bridges and classifies their responsiveness.
// The monitor only observes and classifies; the registry remains the sole
// writer of bridge status info.
package health

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/petal-labs/bridgeflow/core"
)

const (
	// DefaultInterval is the probe cadence when none is configured.
	DefaultInterval = 30 * time.Second

	// DefaultProbeTimeout bounds a single probe round trip.
	DefaultProbeTimeout = 5 * time.Second

	healthyThreshold  = 500 * time.Millisecond
	degradedThreshold = 2000 * time.Millisecond
)

// Classify maps a probe round-trip time to a health state.
func Classify(elapsed time.Duration) core.HealthState {
	switch {
	case elapsed < healthyThreshold:
		return core.HealthHealthy
	case elapsed < degradedThreshold:
		return core.HealthDegraded
	default:
		return core.HealthUnhealthy
	}
}

// Target is the registry surface the monitor needs: enumerate running
// bridges, probe them, and hand classified results back.
type Target interface {
	RunningBridgeIDs() []string
	ProbeBridge(ctx context.Context, id string) (time.Duration, error)
	ApplyHealth(id string, state core.HealthState, responseTimeMS int64, probeErr error) bool
}

// MonitorConfig controls background health polling behavior.
type MonitorConfig struct {
	Target       Target
	Interval     time.Duration
	ProbeTimeout time.Duration
	Logger       *slog.Logger
}

// Monitor periodically probes every running bridge.
type Monitor struct {
	target       Target
	interval     time.Duration
	probeTimeout time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a health monitor.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Target == nil {
		return nil, errors.New("health: monitor target is nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Monitor{
		target:       cfg.Target,
		interval:     cfg.Interval,
		probeTimeout: cfg.ProbeTimeout,
		logger:       cfg.Logger,
	}, nil
}

// Start begins monitor execution.
func (m *Monitor) Start(ctx context.Context) error {
	if m == nil {
		return errors.New("health: monitor is nil")
	}

	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		m.RunOnce(loopCtx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.RunOnce(loopCtx)
			}
		}
	}()

	return nil
}

// Stop terminates monitor execution, waiting for the current pass to finish.
func (m *Monitor) Stop(ctx context.Context) error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce probes every running bridge concurrently and reports the
// classified results to the target.
func (m *Monitor) RunOnce(ctx context.Context) {
	ids := m.target.RunningBridgeIDs()
	if len(ids) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.probeOne(ctx, id)
		}(id)
	}
	wg.Wait()
}

func (m *Monitor) probeOne(ctx context.Context, id string) {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	elapsed, err := m.target.ProbeBridge(probeCtx, id)
	if ctx.Err() != nil {
		// Monitor stopped mid-probe; the result is no longer meaningful.
		return
	}
	if err != nil {
		m.logger.Warn("health probe failed", "bridge_id", id, "error", err)
		m.target.ApplyHealth(id, core.HealthUnhealthy, 0, err)
		return
	}

	state := Classify(elapsed)
	m.logger.Debug("health probe",
		"bridge_id", id,
		"state", string(state),
		"elapsed_ms", elapsed.Milliseconds())
	m.target.ApplyHealth(id, state, elapsed.Milliseconds(), nil)
}
