package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quotaledger-go/internal/services/ledger/server"
	"github.com/quotaledger-go/pkg/config"
	"github.com/quotaledger-go/pkg/logger"
)

func main() {
	cfg, err := config.Load("ledger-service")
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.Logger.ToLoggerConfig())

	srv, err := server.New(cfg, log)
	if err != nil {
		log.Fatal("Failed to create server", "error", err)
	}

	go func() {
		log.Info("Starting ledger service", "port", cfg.Server.Port)
		if err := srv.Start(); err != nil {
			log.Fatal("Failed to start server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down ledger service...")

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	log.Info("Ledger service exited")
}
