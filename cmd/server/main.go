package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/Dhoini/license-service/internal/app"
	"github.com/Dhoini/license-service/internal/config"
	"github.com/Dhoini/license-service/pkg/logger"
	_ "go.uber.org/automaxprocs"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ./config.yaml)")
	flag.Parse()

	// Загрузка конфигурации
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.New(logger.INFO).Fatal("Failed to load configuration: %v", err)
	}

	log := logger.New(logger.ParseLevel(cfg.App.LogLevel))
	defer func() { _ = log.Sync() }()
	log.Infow("License service starting up", "env", cfg.App.Env)

	// Контекст отменяется по SIGINT/SIGTERM, это запускает graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatalw("Failed to initialize application", "error", err)
	}
	defer application.Close()

	if err := application.Run(ctx); err != nil {
		log.Errorw("Service stopped with error", "error", err)
		application.Close()
		os.Exit(1)
	}
	log.Info("Service stopped")
}
