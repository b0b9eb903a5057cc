// Package app wires the enigmad configuration, persistence and HTTP transport
// and runs them until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/blowfish/enigma/internal/server/config"
	"github.com/blowfish/enigma/internal/server/db"
)

// App owns the daemon's long-lived resources.
type App struct {
	cfg          config.ServerConfig
	logger       *slog.Logger
	store        db.Store
	httpServer   *http.Server
	shutdownWait time.Duration
}

// New constructs the daemon application.
func New(cfg config.ServerConfig, logger *slog.Logger, store db.Store, mux http.Handler) (*App, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store must not be nil")
	}
	if mux == nil {
		mux = http.NewServeMux()
	}

	// No write timeout: websocket streams stay open indefinitely.
	httpServer := &http.Server{
		Addr:              cfg.APIListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return &App{
		cfg:          cfg,
		logger:       logger,
		store:        store,
		httpServer:   httpServer,
		shutdownWait: 15 * time.Second,
	}, nil
}

// SeedAdmin creates or resets the configured admin operator. It does nothing
// when no admin password is configured.
func (a *App) SeedAdmin(ctx context.Context) error {
	if a.cfg.AdminUser == "" || a.cfg.AdminPassword == "" {
		a.logger.Info("admin seed skipped", "reason", "ENIGMA_ADMIN_PASSWORD not set")
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(a.cfg.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	if err := a.store.Queries().Users().Upsert(ctx, a.cfg.AdminUser, hash); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	a.logger.Info("admin user seeded", "username", a.cfg.AdminUser)
	return nil
}

// Run seeds the admin user and serves HTTP on the configured address, blocking
// until context cancellation.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.httpServer.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	if err := a.SeedAdmin(ctx); err != nil {
		_ = ln.Close()
		return err
	}
	if a.cfg.EphemeralSecret {
		a.logger.Warn("ENIGMA_JWT_SECRET not set; sessions will not survive a restart")
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("api server listening", "addr", ln.Addr().String())
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownWait)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http shutdown", "error", err)
		}
		if err := a.store.Close(shutdownCtx); err != nil {
			a.logger.Error("store close", "error", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Store returns the persistence layer.
func (a *App) Store() db.Store {
	return a.store
}
