package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"picfit/internal/app"
	"picfit/internal/config"
	"picfit/internal/handler"
	"picfit/pkg/logger"

	"go.uber.org/zap"
)

func main() {
	path := os.Getenv("PICFIT_CONFIG")
	if path == "" {
		path = "config/config.yaml"
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("init app", zap.Error(err))
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("close app", zap.Error(err))
		}
	}()

	workers, err := a.Workers()
	if err != nil {
		log.Fatal("init workers", zap.Error(err))
	}
	workers.Start(ctx)

	h := handler.NewHandler(a.Ledger, a.Payments, a.Generation, a.Stats, cfg, log)
	router := handler.SetupRouter(h, a.Guard, cfg, log)
	// a path base_url means results are served by this process
	if strings.HasPrefix(cfg.Storage.BaseURL, "/") {
		router.Static(cfg.Storage.BaseURL, a.Store.Dir())
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	// in-flight requests finish first; their failures still refund
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Generation.ProviderTimeout()+5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown", zap.Error(err))
	}

	cancel()
	if err := workers.Stop(); err != nil {
		log.Warn("stop workers", zap.Error(err))
	}

	log.Info("server stopped")
}
