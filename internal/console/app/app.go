// Package app wires the console's services together: one event bus, the auth
// provider, the auth-retrying data provider and the reference resolver.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/blowfish/enigma/internal/console/auth"
	"github.com/blowfish/enigma/internal/console/config"
	"github.com/blowfish/enigma/internal/console/dataprovider"
	"github.com/blowfish/enigma/internal/console/eventbus"
	"github.com/blowfish/enigma/internal/console/reference"
	"github.com/blowfish/enigma/internal/console/watch"
	"github.com/blowfish/enigma/internal/shared/logging"
)

// Options configures New. Only Config is required.
type Options struct {
	Config config.Config
	// LogOutput receives console logs; defaults to stderr.
	LogOutput io.Writer
	// Sessions overrides the file-backed session store.
	Sessions   auth.SessionStore
	HTTPClient *http.Client
}

// Console owns the long-lived services shared by the CLI and the TUI.
type Console struct {
	cfg      config.Config
	logger   *slog.Logger
	bus      *eventbus.Bus
	auth     *auth.TokenProvider
	checker  dataprovider.AuthChecker
	retrying *dataprovider.AuthRetrying
	data     *dataprovider.Notifying
	refs     *reference.Resolver
}

// New builds a Console from opts.
func New(opts Options) (*Console, error) {
	cfg := opts.Config
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	logger := logging.NewConsole(out, cfg.LogLevel)

	sessions := opts.Sessions
	if sessions == nil {
		store, err := auth.NewFileSessionStore(cfg.SessionPath)
		if err != nil {
			return nil, fmt.Errorf("app: session store: %w", err)
		}
		sessions = store
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	provider, err := auth.NewTokenProvider(auth.Options{
		BaseURL:    cfg.APIBase,
		HTTPClient: httpClient,
		Store:      sessions,
		Logger:     logger.With("component", "auth"),
	})
	if err != nil {
		return nil, err
	}

	rest, err := dataprovider.NewREST(cfg.APIBase, provider, httpClient, logger.With("component", "rest"))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	checker := &expiryNotifier{next: provider, bus: bus, logger: logger}

	retryOpts := []dataprovider.RetrierOption{dataprovider.WithLogger(logger.With("component", "retry"))}
	if cfg.CoalesceRefresh {
		retryOpts = append(retryOpts, dataprovider.WithCoalescedRefresh())
	}
	retrying := dataprovider.WithAuthRetry(rest, checker, retryOpts...)
	data := dataprovider.WithNotifications(retrying, bus)

	refs := reference.New(data, bus, cfg.ReferenceCache.Size, cfg.ReferenceCache.TTL, logger.With("component", "reference"))

	return &Console{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		auth:     provider,
		checker:  checker,
		retrying: retrying,
		data:     data,
		refs:     refs,
	}, nil
}

// Config returns the configuration the console was built with.
func (c *Console) Config() config.Config { return c.cfg }

// Logger returns the console logger.
func (c *Console) Logger() *slog.Logger { return c.logger }

// Bus returns the console's single event bus. Every call returns the same
// instance.
func (c *Console) Bus() *eventbus.Bus { return c.bus }

// Auth returns the session provider used for login, logout and identity.
func (c *Console) Auth() *auth.TokenProvider { return c.auth }

// Data returns the data provider: retried on 401 and announcing mutations on
// the bus.
func (c *Console) Data() dataprovider.DataProvider { return c.data }

// References returns the shared reference label resolver.
func (c *Console) References() *reference.Resolver { return c.refs }

// CheckAuth validates the session, refreshing it when needed. An expired
// session is announced on the bus.
func (c *Console) CheckAuth(ctx context.Context, params auth.CheckParams) error {
	return c.checker.CheckAuth(ctx, params)
}

// Watcher builds a change stream that shares the data provider's credential
// checks and dispatches onto the console bus.
func (c *Console) Watcher(opts ...func(*watch.Options)) (*watch.Stream, error) {
	o := watch.Options{
		BaseURL: c.cfg.APIBase,
		Tokens:  c.auth,
		Retrier: c.retrying.Retrier(),
		Bus:     c.bus,
		Logger:  c.logger.With("component", "watch"),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return watch.New(o)
}

// Close releases bus subscriptions held by console services.
func (c *Console) Close() {
	c.refs.Close()
}

// expiryNotifier dispatches session.expired when the refresh token is rejected.
type expiryNotifier struct {
	next   dataprovider.AuthChecker
	bus    *eventbus.Bus
	logger *slog.Logger
}

func (e *expiryNotifier) CheckAuth(ctx context.Context, params auth.CheckParams) error {
	err := e.next.CheckAuth(ctx, params)
	if errors.Is(err, auth.ErrSessionExpired) {
		e.logger.Warn("session expired, sign in again")
		e.bus.Dispatch(eventbus.EventSessionExpired, nil)
	}
	return err
}
