package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rentledger/observability/logging"
)

func main() {
	logger := logging.Setup("rental-gateway", os.Getenv("RENTLEDGER_ENV"))

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		logger.Error("load configuration", "error", err)
		os.Exit(1)
	}

	store, err := OpenStorage(cfg.DatabasePath)
	if err != nil {
		logger.Error("open storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	node := NewNodeClient(cfg.NodeURL, cfg.NodeAuthToken)
	auth := NewAuthenticator(cfg.JWTSecret)
	queue := NewWebhookQueue(cfg.WebhookURL, 1024, logger)
	watcher := NewWatcher(node, store, queue, cfg.PollInterval, logger)
	server := NewServer(auth, node, store, logger, cfg.RatePerSecond, cfg.RateBurst)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go queue.Run(ctx)
	go watcher.Run(ctx)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("gateway listening", "address", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
}
