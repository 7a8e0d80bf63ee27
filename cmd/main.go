package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"marketsense/handler"
	"marketsense/internal/bootstrap"
	"marketsense/internal/config"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := config.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	slog.SetDefault(logger)

	// ---- Clients and services ----
	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		slog.Error("failed to build application", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(app.Service)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
