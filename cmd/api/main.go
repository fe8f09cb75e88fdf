package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Dan9191/loans-finder/internal/app"
	"github.com/Dan9191/loans-finder/internal/config"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load configuration
	cfg, err := config.NewConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logger, logFile := app.NewLogger(cfg)
	defer logFile.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize layers
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Errorf("Server failed: %v", err)
		a.Close()
		os.Exit(1)
	}
	logger.Info("Server stopped")
}
