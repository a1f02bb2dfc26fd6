package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/harun/switchboard/internal/config"
	"github.com/harun/switchboard/internal/logger"
	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
	"github.com/harun/switchboard/pkg/adapter"
	"github.com/harun/switchboard/pkg/dispatch"
	"github.com/harun/switchboard/pkg/memorystore"
	"github.com/harun/switchboard/pkg/router"
	"github.com/harun/switchboard/pkg/toolexec"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the switchboard gateway",
	Long: `Start the switchboard gateway. Clients connect over websocket and are
routed to the entry agent; handoffs, session memory, and the idle sweep run
until the process receives SIGINT or SIGTERM.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	appLogger, err := logger.New(logger.Config{
		Level:     level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    true,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	if err := tracing.InitOpenTelemetry("switchboard", cfg.Tracing.SampleRatio); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	observability.EnsureRegistered()

	if cfg.DataDir != "" {
		if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, "audit.log")); err != nil {
			log.Warn().Err(err).Msg("audit log unavailable, falling back to stderr")
		}
	}
	defer observability.GetAuditLogger().Close()

	zlog := appLogger.GetZerolog()

	store, err := memorystore.New(memorystore.Config{
		Addr:     cfg.Store.Addr,
		Password: cfg.Store.Password,
		DB:       cfg.Store.DB,
		TTL:      cfg.Policies.MemoryExpiry(),
	}, zlog)
	if err != nil {
		return fmt.Errorf("failed to connect to session store: %w", err)
	}
	defer store.Close()

	tools, err := toolexec.NewHTTPService(cfg.ToolService, cfg.Tools, zlog)
	if err != nil {
		return fmt.Errorf("failed to initialize tool service: %w", err)
	}

	dispatcher := dispatch.New(cfg.Policies.DedupWindow(), cfg.Policies.MaxVerifyAttempts, zlog)
	defer dispatcher.Stop()

	registry := config.NewRegistry(cfg.Agents)

	rt := router.New(cfg, registry, store, tools, dispatcher, adapter.NewFactory(zlog), zlog)

	sweeper, err := router.NewSweeper(rt, cfg.Policies.SweepSpec, zlog)
	if err != nil {
		return fmt.Errorf("failed to schedule idle sweep: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	// Live agent-registry reload on config change
	if cfgFile != "" {
		watcher, err := config.NewWatcher(cfgFile, func(next *config.Config) error {
			registry.Replace(next.Agents)
			observability.RecordConfigAudit(context.Background(), "reload", cfgFile, map[string]interface{}{
				"agents": len(next.Agents),
			})
			return nil
		})
		if err != nil {
			log.Warn().Err(err).Msg("config watch unavailable")
		} else if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("config watch failed to start")
		} else {
			defer watcher.Stop()
		}
	}

	gateway := router.NewGateway(cfg.Gateway, rt, zlog)

	errCh := make(chan error, 1)
	go func() {
		errCh <- gateway.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := gateway.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown incomplete: %w", err)
	}
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		log.Warn().Err(err).Msg("tracer shutdown failed")
	}

	return nil
}
