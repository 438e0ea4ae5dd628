package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/amphorastore/amphora/pkg/api"
	"github.com/amphorastore/amphora/pkg/backend"
	"github.com/amphorastore/amphora/pkg/config"
	"github.com/amphorastore/amphora/pkg/events"
	"github.com/amphorastore/amphora/pkg/log"
	"github.com/amphorastore/amphora/pkg/metrics"
	"github.com/amphorastore/amphora/pkg/quotaholder"
	"github.com/amphorastore/amphora/pkg/reconciler"
)

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the storage server",
	Long: `Run the storage server: the HTTP API, the embedded quota
service, the event broker, and the commission reconciler.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("listen-addr"); addr != "" {
			cfg.ListenAddr = addr
		}
		if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
			cfg.DataDir = dir
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		fmt.Println("Starting Amphora storage server...")
		fmt.Printf("  Data Directory: %s\n", cfg.DataDir)
		fmt.Printf("  API Address: %s\n", cfg.ListenAddr)
		fmt.Printf("  Block Size: %d\n", cfg.BlockSize)
		fmt.Println()

		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		qh, err := quotaholder.Open(filepath.Join(cfg.DataDir, "quota.db"))
		if err != nil {
			return fmt.Errorf("failed to open quota service: %w", err)
		}
		defer qh.Close()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		b, err := backend.Open(cfg, qh, broker)
		if err != nil {
			return fmt.Errorf("failed to open backend: %w", err)
		}
		defer b.Close()
		fmt.Println("✓ Backend opened")

		recon := reconciler.New(b.Coordinator(), cfg.ReconcileInterval)
		recon.Start()
		defer recon.Stop()
		fmt.Println("✓ Reconciler started")

		apiServer := api.NewServer(b, cfg.ListenAddr)
		errCh := make(chan error, 1)
		go func() {
			if err := apiServer.Start(); err != nil {
				errCh <- fmt.Errorf("API server error: %w", err)
			}
		}()

		// metrics get a dedicated listener so scrapes bypass API middleware
		var metricsServer *http.Server
		if cfg.MetricsAddr != "" && cfg.MetricsAddr != cfg.ListenAddr {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
			go func() {
				if err := metricsServer.ListenAndServe(); err != nil &&
					err != http.ErrServerClosed {
					logger := log.WithComponent("metrics")
					logger.Error().Err(err).
						Msg("metrics server failed")
				}
			}()
		}

		fmt.Println()
		fmt.Println("Server is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown API server: %w", err)
		}
		if metricsServer != nil {
			metricsServer.Shutdown(ctx)
		}

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	serverCmd.Flags().String("listen-addr", "", "Override the API listen address")
	serverCmd.Flags().String("data-dir", "", "Override the data directory")
}
