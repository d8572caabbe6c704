// Command syncd runs the multi-device sync service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/contextfs/syncd/internal/config"
	"github.com/contextfs/syncd/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "syncd",
		Short:         "Multi-device sync service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default $CONFIG_PATH or ./config.yaml)")

	root.AddCommand(
		newServeCmd(&configPath),
		newMigrateCmd(&configPath),
		newConfigCmd(&configPath),
	)
	return root
}

// bootstrap loads configuration and builds the logger.
func bootstrap(configPath string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting syncd",
		zap.String("database_driver", cfg.Database.Driver),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("auth_enabled", cfg.Auth.Enabled),
		zap.Bool("redis_enabled", cfg.Redis.Enabled))

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	serverErrors := make(chan error, 2)

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(cfg.Metrics, a.registry)
		go func() {
			logger.Info("Starting metrics server", zap.String("address", metricsServer.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErrors <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	go func() {
		if err := a.server.Start(); err != nil {
			serverErrors <- err
		}
	}()

	var runErr error
	select {
	case runErr = <-serverErrors:
		logger.Error("Server error", zap.Error(runErr))
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	}

	logger.Info("Shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down HTTP server", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shut down metrics server", zap.Error(err))
		}
	}

	logger.Info("syncd stopped")
	return runErr
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			syncStore, err := openStore(cmd.Context(), cfg.Database, logger)
			if err != nil {
				return fmt.Errorf("failed to open sync store: %w", err)
			}
			defer syncStore.Close()

			if err := syncStore.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			logger.Info("Migrations applied", zap.String("driver", cfg.Database.Driver))
			return nil
		},
	}
}

func newConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
