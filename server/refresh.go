package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/petal-labs/bridgeflow/bridge"
)

const refreshTimeout = 30 * time.Second

// RefreshScheduler periodically re-discovers the tool catalog of every
// running bridge on a cron schedule (e.g. "@every 10m" or "0 * * * *").
type RefreshScheduler struct {
	registry *bridge.Registry
	cron     *cron.Cron
	logger   *slog.Logger
}

// NewRefreshScheduler validates the schedule and prepares the job.
func NewRefreshScheduler(registry *bridge.Registry, schedule string, logger *slog.Logger) (*RefreshScheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	clean := strings.TrimSpace(schedule)
	if clean == "" {
		return nil, fmt.Errorf("refresh schedule is required")
	}

	s := &RefreshScheduler{
		registry: registry,
		cron:     cron.New(),
		logger:   logger,
	}
	if _, err := s.cron.AddFunc(clean, s.refreshAll); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", clean, err)
	}
	return s, nil
}

// Start begins scheduled refreshes.
func (s *RefreshScheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for an in-flight refresh to finish.
func (s *RefreshScheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *RefreshScheduler) refreshAll() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	for _, id := range s.registry.RunningBridgeIDs() {
		if err := s.registry.RefreshCatalog(ctx, id); err != nil {
			s.logger.Warn("catalog refresh failed", "bridge_id", id, "error", err)
			continue
		}
		s.logger.Debug("catalog refreshed", "bridge_id", id)
	}
}
