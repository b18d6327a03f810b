package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/petal-labs/bridgeflow"
	"github.com/petal-labs/bridgeflow/bridge"
	"github.com/petal-labs/bridgeflow/bus"
	"github.com/petal-labs/bridgeflow/config"
	"github.com/petal-labs/bridgeflow/health"
	bridgeotel "github.com/petal-labs/bridgeflow/otel"
	"github.com/petal-labs/bridgeflow/server"
	"github.com/petal-labs/bridgeflow/transport"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge daemon HTTP server",
		RunE:  runServe,
	}

	cmd.Flags().String("config", "", "Path to bridgeflow.yaml")
	cmd.Flags().String("listen", "", "Listen address (overrides config)")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 60*time.Second, "HTTP write timeout")
	cmd.Flags().String("otlp-endpoint", "", "OTLP/HTTP trace endpoint (empty disables export)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	otlpEndpoint, _ := cmd.Flags().GetString("otlp-endpoint")
	explicitConfigPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	logger := newLogger(verbose)
	slog.SetDefault(logger)

	cfg, err := loadServeConfig(cmd, explicitConfigPath)
	if err != nil {
		return err
	}

	listen, _ := cmd.Flags().GetString("listen")
	if listen == "" {
		listen = cfg.Listen
	}

	telemetry, err := bridgeotel.Setup(cmd.Context(), otlpEndpoint)
	if err != nil {
		return exitError(exitRuntime, "initializing telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	metrics, err := bridgeotel.NewMetricsHandler(otelapi.GetMeterProvider().Meter("bridgeflow/bridge"))
	if err != nil {
		return exitError(exitRuntime, "initializing metrics: %v", err)
	}
	tracing := bridgeotel.NewTracingHandler(otelapi.GetTracerProvider().Tracer("bridgeflow/bridge"))

	// --- Event plumbing ---
	eventStore, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{
		DSN:            cfg.Events.Path,
		RetentionAge:   cfg.Events.RetentionAge.Std(),
		RetentionCount: cfg.Events.RetentionCount,
	})
	if err != nil {
		return exitError(exitRuntime, "opening event journal: %v", err)
	}
	defer func() {
		_ = eventStore.Close()
	}()

	eventBus := bus.NewMemBus(bus.MemBusConfig{})
	journal := bus.NewJournal(eventStore, eventBus, logger)

	// --- Registry ---
	factory := transport.NewFactory(transport.FactoryConfig{
		APIKeys:  cfg.APIKeys,
		ToolHost: cfg.ToolHost,
		Logger:   logger,
	})
	registry := bridge.NewRegistry(bridge.Config{
		Factory: factory,
		Publish: bridgeflow.MultiEventHandler(journal.Publish, metrics.Handle, tracing.Handle),
		Logger:  logger,
	})

	bridgeStore, err := config.NewBridgeStore(cfg.Events.Path)
	if err != nil {
		return exitError(exitRuntime, "opening bridge store: %v", err)
	}
	defer func() {
		_ = bridgeStore.Close()
	}()

	if err := restoreBridges(cmd.Context(), registry, bridgeStore, logger); err != nil {
		return err
	}
	declareBridges(cmd.Context(), cfg, registry, bridgeStore, logger)

	// --- Background workers ---
	monitor, err := health.NewMonitor(health.MonitorConfig{
		Target:   registry,
		Interval: cfg.HealthInterval.Std(),
		Logger:   logger,
	})
	if err != nil {
		return exitError(exitRuntime, "creating health monitor: %v", err)
	}
	if err := monitor.Start(cmd.Context()); err != nil {
		return exitError(exitRuntime, "starting health monitor: %v", err)
	}
	defer func() {
		_ = monitor.Stop(context.Background())
	}()

	if cfg.RefreshSchedule != "" {
		refresher, err := server.NewRefreshScheduler(registry, cfg.RefreshSchedule, logger)
		if err != nil {
			return exitError(exitConfig, "%v", err)
		}
		refresher.Start()
		defer refresher.Stop()
	}

	// --- HTTP server ---
	apiServer := server.NewServer(server.ServerConfig{
		Registry:    registry,
		BridgeStore: bridgeStore,
		EventStore:  eventStore,
		Bus:         eventBus,
		CORSOrigin:  corsOrigin,
		MaxBody:     maxBody,
		Logger:      logger,
	})

	httpServer := &http.Server{
		Addr:         listen,
		Handler:      apiServer.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "BridgeFlow daemon listening on %s\n", listen)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		stopBridges(shutdownCtx, registry)
		_ = eventBus.Close()
		return nil
	case err := <-errCh:
		_ = eventBus.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadServeConfig(cmd *cobra.Command, explicitPath string) (config.File, error) {
	path, found, err := config.DiscoverPath(explicitPath)
	if err != nil {
		return config.File{}, exitError(exitConfig, "%v", err)
	}
	if !found {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.File{}, exitError(exitConfig, "%v", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Loaded config from %s\n", path)
	return cfg, nil
}

// restoreBridges re-registers bridges persisted by earlier runs, keeping
// their IDs stable across restarts.
func restoreBridges(ctx context.Context, registry *bridge.Registry, store *config.BridgeStore, logger *slog.Logger) error {
	stored, err := store.List(ctx)
	if err != nil {
		return exitError(exitRuntime, "listing persisted bridges: %v", err)
	}
	for _, b := range stored {
		if !registry.AdoptBridge(b.ID, b.Options) {
			logger.Warn("skipping persisted bridge with duplicate id", "bridge_id", b.ID)
			continue
		}
		logger.Info("restored bridge", "bridge_id", b.ID, "name", b.Name)
	}
	return nil
}

// declareBridges creates the bridges declared in the config file and starts
// the ones marked auto_start. A declared bridge whose name is already
// persisted is not duplicated.
func declareBridges(ctx context.Context, cfg config.File, registry *bridge.Registry, store *config.BridgeStore, logger *slog.Logger) {
	persisted := map[string]string{}
	if stored, err := store.List(ctx); err == nil {
		for _, b := range stored {
			persisted[b.Name] = b.ID
		}
	}

	for _, name := range cfg.BridgeNames() {
		decl := cfg.Bridges[name]

		id, restored := persisted[name]
		if !restored {
			opts := decl.Options()
			id = registry.CreateBridge(opts)
			if err := store.Save(ctx, id, name, opts); err != nil {
				logger.Error("persisting declared bridge failed", "name", name, "error", err)
			}
			logger.Info("declared bridge created", "bridge_id", id, "name", name)
		}

		if decl.AutoStart {
			if !registry.StartBridge(ctx, id) {
				logger.Warn("auto-start failed", "bridge_id", id, "name", name)
			}
		}
	}
}

func stopBridges(ctx context.Context, registry *bridge.Registry) {
	for _, id := range registry.RunningBridgeIDs() {
		registry.StopBridge(ctx, id)
	}
}
