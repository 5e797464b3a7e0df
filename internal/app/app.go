// Package app wires the storage, sync and HTTP layers together.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/CraigBell/strava-connect/internal/config"
	"github.com/CraigBell/strava-connect/internal/coordinator"
	"github.com/CraigBell/strava-connect/internal/events"
	"github.com/CraigBell/strava-connect/internal/gear"
	"github.com/CraigBell/strava-connect/internal/httpapi"
	"github.com/CraigBell/strava-connect/internal/registry"
	"github.com/CraigBell/strava-connect/internal/store"
	"github.com/CraigBell/strava-connect/internal/webhook"
)

// App is the assembled service.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	db    *store.DB
	coord *coordinator.Coordinator
	srv   *http.Server
}

// New builds the service from config. The returned App is ready to Run.
func New(cfg *config.Config) (*App, error) {
	logger := newLogger(cfg.Log)

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	verifyToken := cfg.Server.VerifyToken
	if verifyToken == "" {
		// Ephemeral token: subscriptions are reconciled at startup, so a
		// per-process value is enough for the handshake.
		verifyToken = randomToken()
		logger.Info("no verify token configured, generated one for this process")
	}

	bus := events.NewBus()
	resolver := gear.NewResolver(db, bus, logger)
	webhooks := webhook.NewManager(cfg.Server.PublicURL, verifyToken, db, logger)
	redirectURL := ""
	if cfg.Server.PublicURL != "" {
		redirectURL = cfg.Server.PublicURL + httpapi.OAuthCallbackPath
	}
	coord := coordinator.New(db, bus, resolver, webhooks, redirectURL, logger)

	server := httpapi.NewServer(db, registry.New(db), coord, cfg.Server.PublicURL, verifyToken, logger)

	return &App{
		cfg:    cfg,
		logger: logger,
		db:     db,
		coord:  coord,
		srv: &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           server,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run restores persisted tenants and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.coord.Restore(ctx); err != nil {
		return fmt.Errorf("restoring tenants: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", "addr", a.cfg.Server.ListenAddr)
		if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http shutdown failed", "error", err)
	}

	a.coord.Shutdown()
	return a.db.Close()
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func randomToken() string {
	buf := make([]byte, 16)
	rand.Read(buf) //nolint:errcheck
	return hex.EncodeToString(buf)
}
