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

	"github.com/loopgate/loopgate/internal/application"
	"github.com/loopgate/loopgate/internal/infrastructure/config"
	"github.com/loopgate/loopgate/internal/infrastructure/logger"
	"github.com/loopgate/loopgate/internal/infrastructure/toolserver"
)

const (
	appName    = "loopgate"
	appVersion = "0.1.0"

	// shutdownTimeout bounds graceful shutdown after SIGINT/SIGTERM.
	shutdownTimeout = 30 * time.Second
)

func main() {
	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Loopgate — reasoning reverse proxy for chat completions",
		Long: `Loopgate sits between OpenAI-compatible clients and an upstream model.
Each chat completion first runs through a reasoning pipeline that plans
against the registered tool servers, executes the useful calls, and folds
the results into the request before streaming the upstream answer back.`,
		SilenceUsage: true,
		RunE:         runServe,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:          "serve",
		Short:        "Start the proxy (the default when no command is given)",
		SilenceUsage: true,
		RunE:         runServe,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:          "servers",
		Short:        "List the configured tool-server fleet",
		SilenceUsage: true,
		RunE:         runServers,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	log.Info("Starting Loopgate",
		zap.String("version", appVersion),
		zap.String("upstream", cfg.Upstream.BaseURL),
		zap.String("model", cfg.Upstream.Model),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := application.NewApp(cfg, appVersion, log)
	if err != nil {
		log.Error("Failed to initialize application", zap.Error(err))
		return err
	}

	if err := app.Start(ctx); err != nil {
		log.Error("Failed to start application", zap.Error(err))
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		return err
	}
	return nil
}

func runServers(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	entries, err := config.LoadServers(cfg.Servers.File)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Printf("No tool servers configured in %s\n", cfg.Servers.File)
		return nil
	}

	fmt.Printf("Tool servers (%s):\n\n", cfg.Servers.File)
	for _, sc := range entries {
		target := sc.Command
		if sc.Transport == toolserver.TransportHTTPSSE {
			target = sc.URL
		}
		state := "enabled"
		if !sc.Enabled {
			state = "disabled"
		}
		fmt.Printf("  %-20s %-10s %-9s %s\n", sc.Name, sc.Transport, state, target)
	}
	return nil
}
