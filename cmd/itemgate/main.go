package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/syntrixbase/itemgate/internal/config"
	"github.com/syntrixbase/itemgate/internal/logging"
	"github.com/syntrixbase/itemgate/internal/services"
)

func main() {
	os.Exit(run())
}

func run() int {
	configDir := flag.String("config", "config", "Directory holding config.yml and config.local.yml")
	flag.Parse()

	// 1. Load Configuration
	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
		log.Printf("Failed to load configuration: %v", err)
		return 2
	}

	if err := logging.Initialize(cfg.Logging); err != nil {
		log.Printf("Failed to initialize logging: %v", err)
		return 2
	}
	defer func() {
		if err := logging.Shutdown(); err != nil {
			log.Printf("Failed to flush logs: %v", err)
		}
	}()
	logger := slog.Default()
	logger.Info("Starting itemgate", "config", *configDir)

	// 2. Initialize Service Manager
	mgr := services.NewManager(cfg, services.Options{Logger: logger})

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = mgr.Init(initCtx)
	initCancel()
	if err != nil {
		logger.Error("Failed to initialize services", "error", err)
		return 1
	}

	// 3. Start Services
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	mgr.Start(ctx)

	// 4. Wait for a signal or a fatal failure
	done := make(chan error, 1)
	go func() { done <- mgr.Wait() }()

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("Shutting down services...")
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Services stopped", "error", err)
			code = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Session.CloseTimeout+5*time.Second)
	defer cancel()
	mgr.Shutdown(shutdownCtx)

	logger.Info("All services stopped")
	return code
}
