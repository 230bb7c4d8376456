package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/newsletter-engine/internal/api"
	"github.com/ignite/newsletter-engine/internal/app"
	"github.com/ignite/newsletter-engine/internal/config"
	"github.com/ignite/newsletter-engine/internal/pkg/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config.yaml (optional)")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		logger.Error("load config", "component", "server", "error", err)
		os.Exit(1)
	}
	app.ConfigureLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		logger.Error("start services", "component", "server", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	addr := cfg.Server.Addr()
	server := api.NewServer(a.Newsletters, a.Contacts, api.Options{
		Addr:           addr,
		AdminToken:     cfg.Server.AdminToken,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Metrics:        a.Metrics,
		Health:         api.NewHealthChecker(a.DB, a.Redis),
	})
	if cfg.Server.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN not set; newsletter routes are unauthenticated", "component", "server")
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "component", "server", "addr", addr, "storage", cfg.Storage.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down", "component", "server")
	case err := <-errCh:
		logger.Error("server error", "component", "server", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", "component", "server", "error", err)
	}
	logger.Info("server stopped", "component", "server")
}
