package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"fundage/internal/infrastructure"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := infrastructure.Bootstrap(ctx)
	if err != nil {
		slog.Error("bootstrap failed", "error", err)
		if cleanup != nil {
			cleanup()
		}
		os.Exit(1)
	}
	defer cleanup()

	slog.Info("fundage is running")
	if err := app.Run(ctx); err != nil {
		slog.Error("run failed", "error", err)
		os.Exit(1)
	}
	slog.Info("fundage stopped")
}
