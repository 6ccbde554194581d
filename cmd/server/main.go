package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lh20005/geo-xi-tong-sub013/internal/config"
	"github.com/lh20005/geo-xi-tong-sub013/internal/server"
	"github.com/lh20005/geo-xi-tong-sub013/pkg/logger"
)

var (
	configPath string
	version    = "0.1.0"
	gitCommit  = "unknown"
	buildTime  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "publisher",
	Short: "Publisher - multi-platform article publishing core",
	Long: `Publisher runs batches of articles against platform accounts, one task at a time per batch
with a pause between tasks, and reports every result to the backend system of record.`,
	RunE: runServer,
}

var noScheduler bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the HTTP API",
	RunE:  runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("Publisher %s (commit %s, built %s)\n", version, gitCommit, buildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/server.yaml", "config file path")
	serveCmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve the API only; another process runs the batches")
	rootCmd.AddCommand(serveCmd, versionCmd, newBatchCmd(), newTaskCmd(), newTOTPCmd())
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	appLogger, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, appLogger, nil
}

func runServer(*cobra.Command, []string) error {
	cfg, appLogger, err := loadConfig()
	if err != nil {
		return err
	}
	defer appLogger.Sync()

	if noScheduler {
		cfg.Scheduler.Disabled = true
	}

	appLogger.Info("Starting publisher server",
		zap.String("version", version),
		zap.Bool("scheduler", !cfg.Scheduler.Disabled))

	srv, err := server.NewServer(cfg, appLogger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Start must not see the signal; Shutdown stops the scheduler.
	served := make(chan error, 1)
	go func() { served <- srv.Start(context.Background()) }()

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var serveErr error
	select {
	case <-sigCtx.Done():
		appLogger.Info("Shutdown signal received")
	case serveErr = <-served:
		if serveErr != nil {
			appLogger.Error("Server stopped unexpectedly", zap.Error(serveErr))
		}
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		appLogger.Error("Shutdown finished with errors", zap.Error(err))
		return errors.Join(serveErr, err)
	}

	appLogger.Info("Server exited")
	return serveErr
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
