package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"consentgrid/internal/platform/config"
	"consentgrid/internal/platform/httpserver"
	"consentgrid/internal/platform/logger"
)

// main parses flags, builds the application and keeps the server lifecycle
// small. Business logic lives in internal packages.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flagSet := pflag.NewFlagSet("consentgrid", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "YAML file with connectors and data needs")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if configPath != "" {
		if cfg.File, err = config.LoadFile(configPath); err != nil {
			return err
		}
	}
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	app.start(ctx)

	srv := httpserver.New(cfg.Server, app.router)
	log.Info("starting consentgrid", "addr", cfg.Server.Addr)
	serveErr := httpserver.Serve(ctx, srv, cfg.Server.ShutdownTimeout, log)

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	stop()
	app.close(closeCtx)
	log.Info("stopped", "uptime", time.Since(app.startedAt).Round(time.Second))
	return serveErr
}
