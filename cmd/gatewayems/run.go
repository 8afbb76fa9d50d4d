package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/KevinKickass/gatewayems/internal/api/rest"
	"github.com/KevinKickass/gatewayems/internal/interfaces"
	"github.com/KevinKickass/gatewayems/internal/system"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the gateway",
	Long: `Run the gateway until interrupted.

The gateway watches the command file and opens connections, starts and
stops polling as its two booleans change. SIGHUP logs the current status.
With server.address set, /health, /metrics, /api/v1/status and the
/api/v1/readings event stream are served there.

Example:
  gatewayems run -c config.yaml`,
	RunE: runGateway,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Config loaded", zap.String("version", version))

	lm, err := system.NewLifecycleManager(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	return serve(cmd.Context(), lm, logger)
}

func serve(ctx context.Context, lm interfaces.LifecycleManager, logger *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := lm.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	var httpServer *rest.Server
	if addr := lm.Config().Server.Address; addr != "" {
		httpServer = rest.NewServer(addr, lm, logger.Named("http"))
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", zap.Error(err))
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	waitForStop(ctx, sigChan, lm, logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), lm.Config().Server.ShutdownTimeout)
	defer shutdownCancel()

	// the gateway closes the readings streams, so it goes first
	err := lm.Shutdown(shutdownCtx)
	if httpServer != nil {
		if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
			logger.Error("HTTP server shutdown failed", zap.Error(serr))
		}
	}
	if err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		return err
	}

	logger.Info("Gateway stopped")
	return nil
}

// waitForStop blocks until SIGINT/SIGTERM or ctx is done. SIGHUP only logs the status.
func waitForStop(ctx context.Context, sigChan <-chan os.Signal, lm interfaces.LifecycleManager, logger *zap.Logger) {
	for {
		select {
		case sig := <-sigChan:
			if sig != syscall.SIGHUP {
				logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
				return
			}
			status := lm.GetCurrentStatus()
			logger.Info("Status",
				zap.String("state", status.State),
				zap.String("orchestrator", status.Orchestrator),
				zap.String("task_id", status.TaskID),
				zap.Int("connections", status.Connections),
				zap.Int("devices", status.Devices),
				zap.String("last_error", status.LastError))
		case <-ctx.Done():
			logger.Info("Context cancelled")
			return
		}
	}
}
