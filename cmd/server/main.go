package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"opsdash/backend/internal/app"
	"opsdash/backend/internal/config"
	"opsdash/backend/internal/httpapi"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(cfg.LogLevel, os.Stdout)
	if err := validateSecurityConfig(cfg); err != nil {
		logger.WithError(err).Fatal("invalid security configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	stack, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("startup failed")
	}
	if err := stack.SeedAdmin(ctx, cfg.SeedAdminPassword); err != nil {
		config.LogError(logger, "main", "main", "seed admin", nil, err)
	}

	auth := httpapi.NewAuthManager(ctx, cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, stack.Repo)
	api := httpapi.New(stack.Service, auth, cfg.AllowedOrigin, logger)

	// Costing runs can page through many lines, so writes get a longer budget
	// than the read timeout.
	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.Address()).Info("costing backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown error")
	}
	if err := stack.Close(); err != nil {
		logger.WithError(err).Warn("close error")
	}

	logger.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.DatabaseURL != "" && cfg.SeedAdminPassword != "" && len(cfg.SeedAdminPassword) < 12 {
		return fmt.Errorf("SEED_ADMIN_PASSWORD must be at least 12 characters")
	}
	return nil
}
