package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hpe-storage/truenas-csp/internal/config"
	"github.com/hpe-storage/truenas-csp/pkg/api"
	"github.com/hpe-storage/truenas-csp/pkg/logging"
	"github.com/hpe-storage/truenas-csp/pkg/metrics"
)

var (
	version = "dev"
)

func main() {
	root := &cobra.Command{
		Use:   "truenas-csp",
		Short: "Container Storage Provider for TrueNAS and FreeNAS appliances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:    cfg.Logging.Level,
		Encoding: cfg.Logging.Encoding,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting TrueNAS CSP",
		zap.String("version", version),
		zap.String("listen", cfg.Server.Listen))

	var exporter *metrics.Exporter
	if cfg.Metrics.Enabled {
		exporter = metrics.NewExporter(metrics.Config{
			Enabled: cfg.Metrics.Enabled,
			Port:    cfg.Metrics.Port,
			Path:    cfg.Metrics.Path,
			Logger:  logger.Logger,
		})
		if err := exporter.Start(); err != nil {
			return fmt.Errorf("failed to start metrics exporter: %w", err)
		}
	}

	server, err := api.NewServer(api.Config{
		Cfg:      cfg,
		Logger:   logger,
		Exporter: exporter,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize CSP server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start CSP server: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("CSP server started successfully")
	<-sigChan

	logger.Info("Shutting down CSP server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error during shutdown")
		return err
	}

	if exporter != nil {
		if err := exporter.Stop(); err != nil {
			logger.WithError(err).Error("Error stopping metrics exporter")
		}
	}

	logger.Info("CSP server stopped")
	return nil
}
