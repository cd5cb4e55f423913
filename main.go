package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	clts "whalewatch/clients"
	"whalewatch/config"
	"whalewatch/internal/app"
)

func main() {
	// Best effort: a missing .env just means env vars come from the shell
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// Load config from environment variables
	envConfig := config.Load()
	if result := envConfig.Validate(); !result.Valid {
		logger.Fatal("invalid configuration",
			zap.Error(&config.ConfigValidationError{Errors: result.Errors}))
	}
	logger.Info("starting whale watcher", zap.Bool("isProd", envConfig.IsProd))

	// Create LiveConfig with env config as initial value
	liveConfig := config.NewLiveConfig(envConfig)

	logger.Info("instantiating clients")
	clients := clts.NewClients(logger, envConfig)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	runner := app.NewRunner(clients, liveConfig)
	if err := runner.Run(ctx); err != nil {
		logger.Fatal("runner failed", zap.Error(err))
	}
}
