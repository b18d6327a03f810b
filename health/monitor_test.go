package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/bridgeflow/core"
)

func TestClassifyThresholds(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		want    core.HealthState
	}{
		{"instant", 0, core.HealthHealthy},
		{"just under healthy cutoff", 499 * time.Millisecond, core.HealthHealthy},
		{"at healthy cutoff", 500 * time.Millisecond, core.HealthDegraded},
		{"mid degraded", 1500 * time.Millisecond, core.HealthDegraded},
		{"just under unhealthy cutoff", 1999 * time.Millisecond, core.HealthDegraded},
		{"at unhealthy cutoff", 2 * time.Second, core.HealthUnhealthy},
		{"very slow", 10 * time.Second, core.HealthUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.elapsed); got != tt.want {
				t.Fatalf("Classify(%v) = %s, want %s", tt.elapsed, got, tt.want)
			}
		})
	}
}

type report struct {
	id    string
	state core.HealthState
	ms    int64
	err   error
}

// fakeTarget scripts per-bridge probe outcomes and records applied reports.
type fakeTarget struct {
	mu       sync.Mutex
	ids      []string
	probes   map[string]time.Duration
	probeErr map[string]error
	applied  []report
}

func (f *fakeTarget) RunningBridgeIDs() []string { return f.ids }

func (f *fakeTarget) ProbeBridge(ctx context.Context, id string) (time.Duration, error) {
	if err := f.probeErr[id]; err != nil {
		return 0, err
	}
	return f.probes[id], nil
}

func (f *fakeTarget) ApplyHealth(id string, state core.HealthState, responseTimeMS int64, probeErr error) bool {
	f.mu.Lock()
	f.applied = append(f.applied, report{id: id, state: state, ms: responseTimeMS, err: probeErr})
	f.mu.Unlock()
	return true
}

func (f *fakeTarget) reportFor(t *testing.T, id string) report {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.applied {
		if r.id == id {
			return r
		}
	}
	t.Fatalf("no report applied for %s", id)
	return report{}
}

func TestRunOnceClassifiesEveryRunningBridge(t *testing.T) {
	target := &fakeTarget{
		ids: []string{"fast", "slow", "broken"},
		probes: map[string]time.Duration{
			"fast": 50 * time.Millisecond,
			"slow": 900 * time.Millisecond,
		},
		probeErr: map[string]error{
			"broken": core.NewConnectionError("refused", nil),
		},
	}
	m, err := NewMonitor(MonitorConfig{Target: target})
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}

	m.RunOnce(context.Background())

	fast := target.reportFor(t, "fast")
	if fast.state != core.HealthHealthy || fast.ms != 50 {
		t.Fatalf("fast report = %+v, want healthy at 50ms", fast)
	}
	slow := target.reportFor(t, "slow")
	if slow.state != core.HealthDegraded {
		t.Fatalf("slow report = %+v, want degraded", slow)
	}
	broken := target.reportFor(t, "broken")
	if broken.state != core.HealthUnhealthy || broken.err == nil {
		t.Fatalf("broken report = %+v, want unhealthy with error", broken)
	}
}

func TestRunOnceNoBridges(t *testing.T) {
	target := &fakeTarget{}
	m, err := NewMonitor(MonitorConfig{Target: target})
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}

	m.RunOnce(context.Background())

	if len(target.applied) != 0 {
		t.Fatalf("applied = %+v, want none", target.applied)
	}
}

func TestMonitorStartPollsAndStops(t *testing.T) {
	target := &fakeTarget{
		ids:    []string{"b1"},
		probes: map[string]time.Duration{"b1": time.Millisecond},
	}
	m, err := NewMonitor(MonitorConfig{Target: target, Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Start is idempotent.
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		target.mu.Lock()
		n := len(target.applied)
		target.mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	target.mu.Lock()
	n := len(target.applied)
	target.mu.Unlock()
	if n < 2 {
		t.Fatalf("applied %d reports, want at least the initial pass plus one tick", n)
	}

	// Stop is idempotent.
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestNewMonitorRequiresTarget(t *testing.T) {
	if _, err := NewMonitor(MonitorConfig{}); err == nil {
		t.Fatal("NewMonitor accepted a nil target")
	}
}
