// hearthd is the home-automation control plane daemon. Configuration comes
// from HEARTH_-prefixed environment variables; see internal/config.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hearth/internal/app"
	"hearth/internal/config"
	"hearth/internal/devices"
	"hearth/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hearthd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	logger.Info("starting hearthd (env=%s, port=%d)", cfg.Environment, cfg.HTTPPort)

	// The external device SDK is out of scope; the demo manager stands in
	// until a real adapter is plugged here.
	manager := devices.NewDemoManager()

	application, err := app.New(cfg, logger, manager)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result := application.Start(ctx)
	logger.Info("modules loaded: %d/%d ready", result.Ready, result.Total)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- application.Gateway.Start()
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	application.Shutdown(shutdownCtx)
	logger.Info("hearthd stopped")
	return nil
}
