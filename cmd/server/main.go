package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"marketsense/internal/bootstrap"
	"marketsense/internal/config"
	"marketsense/internal/server"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := config.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	slog.SetDefault(logger)

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("close application", "err", err)
		}
	}()

	srv, err := server.New(cfg.Server, app.Service, logger)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}
