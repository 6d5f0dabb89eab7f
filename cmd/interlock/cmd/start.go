package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	inboundhttp "github.com/interlock-hie/interlock/internal/adapter/inbound/http"
	"github.com/interlock-hie/interlock/internal/adapter/outbound/cel"
	"github.com/interlock-hie/interlock/internal/adapter/outbound/sqlstore"
	"github.com/interlock-hie/interlock/internal/config"
	"github.com/interlock-hie/interlock/internal/domain/maps"
	"github.com/interlock-hie/interlock/internal/service"
)

var startDevMode bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the engine",
	Long: `Start loads the configuration, opens the message store, deploys the
configured channels, runs crash recovery for each, and serves until
interrupted. A first interrupt stops channels cooperatively; a second
interrupt halts in-flight work.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVar(&startDevMode, "dev", false, "enable development mode (verbose logging, development storage)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return err
	}
	if startDevMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	logger := newLogger(cfg)
	if path := config.ConfigFileUsed(); path != "" {
		logger.Info("configuration loaded", "path", path)
	} else {
		logger.Info("no config file found, using environment")
	}

	// First interrupt stops cooperatively; restoring default handling means
	// a second interrupt halts hard.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
	}()

	return run(ctx, cfg, logger)
}

func run(ctx context.Context, cfg *config.EngineConfig, logger *slog.Logger) error {
	store, err := sqlstore.New(ctx, sqlstore.Config{
		DSN:             cfg.Database.Name,
		Mode:            sqlstore.SchemaMode(cfg.Database.Mode),
		PoolSize:        cfg.Database.PoolSize,
		AcquireTimeout:  cfg.Database.AcquireTimeout,
		DeadlockRetries: cfg.Database.DeadlockRetries,
	}, logger)
	if err != nil {
		return fmt.Errorf("open message store: %w", err)
	}
	defer func() { _ = store.Close() }()

	executor, err := cel.NewExecutor()
	if err != nil {
		return fmt.Errorf("create script executor: %w", err)
	}

	globals := maps.NewManager()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := inboundhttp.NewMetrics(registry)

	engine := service.NewEngineService(cfg, store, executor, globals, metrics, logger)
	if err := engine.DeployChannels(ctx); err != nil {
		return err
	}

	transport := inboundhttp.NewTransport(engine,
		inboundhttp.WithAddr(cfg.Server.HTTPAddr),
		inboundhttp.WithLogger(logger),
		inboundhttp.WithMetrics(registry, metrics),
	)
	if err := transport.Start(ctx); err != nil {
		return fmt.Errorf("start admin listener: %w", err)
	}

	if err := engine.StartAll(ctx); err != nil {
		_ = transport.Stop(context.Background())
		return err
	}
	logger.Info("engine started",
		"server_id", engine.ServerID(),
		"channels", len(engine.Channels()),
	)

	<-ctx.Done()
	logger.Info("shutdown requested, draining channels")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if err := engine.StopAll(shutdownCtx); err != nil {
		firstErr = err
	}
	if err := transport.Stop(shutdownCtx); err != nil && firstErr == nil {
		firstErr = err
	}
	logger.Info("engine stopped")
	return firstErr
}

// newLogger builds the process logger from configuration.
func newLogger(cfg *config.EngineConfig) *slog.Logger {
	level := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// parseLogLevel converts a string log level to slog.Level. Unrecognized
// values map to info.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
