package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/blowfish/enigma/internal/server/app"
	"github.com/blowfish/enigma/internal/server/authn"
	"github.com/blowfish/enigma/internal/server/config"
	"github.com/blowfish/enigma/internal/server/db/sqlite"
	"github.com/blowfish/enigma/internal/server/eventbus/memory"
	"github.com/blowfish/enigma/internal/server/httpapi"
	"github.com/blowfish/enigma/internal/shared/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logging.New("enigmad")

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	store, err := sqlite.Open(ctx, cfg.DatabasePath)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}

	issuer, err := authn.NewIssuer(cfg.JWTSecret, cfg.AccessTTL, cfg.RefreshTTL)
	if err != nil {
		logger.Error("init token issuer", "error", err)
		os.Exit(1)
	}

	events := memory.New(logger)
	handler := httpapi.New(httpapi.Options{
		Logger:     logger,
		Store:      store,
		Bus:        events,
		Issuer:     issuer,
		AllowCIDRs: cfg.AllowCIDRs,
	})

	daemon, err := app.New(cfg, logger, store, handler)
	if err != nil {
		logger.Error("init app", "error", err)
		os.Exit(1)
	}

	if err := daemon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon exit", "error", err)
		os.Exit(1)
	}
}
