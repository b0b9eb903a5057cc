package app

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blowfish/enigma/internal/console/auth"
	"github.com/blowfish/enigma/internal/console/config"
	"github.com/blowfish/enigma/internal/console/dataprovider"
	"github.com/blowfish/enigma/internal/console/eventbus"
	"github.com/blowfish/enigma/internal/console/httperr"
	"github.com/blowfish/enigma/internal/console/resources"
	"github.com/blowfish/enigma/internal/enigmatest"
	"github.com/blowfish/enigma/internal/server/authn"
	"github.com/blowfish/enigma/internal/shared/listquery"
)

func newConsole(t *testing.T, srv *enigmatest.Server, sessions auth.SessionStore) *Console {
	t.Helper()
	c, err := New(Options{
		Config: config.Config{
			APIBase:         srv.URL,
			SessionPath:     filepath.Join(t.TempDir(), "session.json"),
			Timeout:         5 * time.Second,
			CoalesceRefresh: true,
		},
		LogOutput: io.Discard,
		Sessions:  sessions,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func login(t *testing.T, c *Console) {
	t.Helper()
	require.NoError(t, c.Auth().Login(context.Background(), auth.Credentials{
		Username: enigmatest.Username,
		Password: enigmatest.Password,
	}))
}

func TestBusIsSharedByEveryService(t *testing.T) {
	c := newConsole(t, enigmatest.Start(t), auth.NewMemorySessionStore())

	assert.Same(t, c.Bus(), c.Bus())
	// The reference resolver listens on the same bus.
	assert.Equal(t, 1, c.Bus().Subscribers(eventbus.EventRecordUpdated))
	c.Close()
	assert.Zero(t, c.Bus().Subscribers(eventbus.EventRecordUpdated))
}

func TestNewUsesFileSessionStoreByDefault(t *testing.T) {
	srv := enigmatest.Start(t)
	c := newConsole(t, srv, nil)
	login(t, c)

	path := c.Config().SessionPath
	store, err := auth.NewFileSessionStore(path)
	require.NoError(t, err)
	session, err := store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, enigmatest.Username, session.Username)
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	_, err := New(Options{
		Config:    config.Config{APIBase: "not a url", Timeout: time.Second},
		LogOutput: io.Discard,
		Sessions:  auth.NewMemorySessionStore(),
	})
	assert.Error(t, err)
}

func TestExpiredAccessTokenIsRefreshedOnce(t *testing.T) {
	srv := enigmatest.Start(t)
	srv.Seed(t, "transactions", "tx-1", map[string]any{"amount": 10, "status": "settled"})

	stale := srv.StaleTokens(t, 10*time.Minute)
	sessions := auth.NewMemorySessionStore()
	require.NoError(t, sessions.Save(context.Background(), auth.Session{
		Username:     enigmatest.Username,
		AccessToken:  stale.AccessToken,
		RefreshToken: stale.RefreshToken,
		ExpiresAt:    stale.ExpiresAt,
	}))

	// Without a refresh the server refuses the stored token.
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/transactions", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+stale.AccessToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	c := newConsole(t, srv, sessions)
	result, err := c.Data().GetList(context.Background(), "transactions", dataprovider.GetListParams{Query: listquery.New()})
	require.NoError(t, err)
	require.Len(t, result.Data, 1)
	assert.Equal(t, "tx-1", result.Data[0].ID())

	session, err := sessions.Load(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, stale.AccessToken, session.AccessToken)
	// enigmad rotates the refresh token on every refresh; the rotated one is kept.
	assert.NotEqual(t, stale.RefreshToken, session.RefreshToken)
	_, err = srv.Issuer.Verify(session.RefreshToken, authn.TypeRefresh)
	assert.NoError(t, err)
}

func TestRejectedRefreshDispatchesSessionExpired(t *testing.T) {
	srv := enigmatest.Start(t)
	stale := srv.StaleTokens(t, 10*time.Minute)
	sessions := auth.NewMemorySessionStore()
	require.NoError(t, sessions.Save(context.Background(), auth.Session{
		Username:     enigmatest.Username,
		AccessToken:  stale.AccessToken,
		RefreshToken: "not-a-token",
	}))

	c := newConsole(t, srv, sessions)
	var expired atomic.Int32
	c.Bus().Register(eventbus.EventSessionExpired, func(payload any) {
		assert.Nil(t, payload)
		expired.Add(1)
	})

	_, err := c.Data().GetOne(context.Background(), "transactions", dataprovider.GetOneParams{ID: "tx-1"})
	assert.ErrorIs(t, err, auth.ErrSessionExpired)
	assert.Equal(t, int32(1), expired.Load())

	session, err := sessions.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestReverseTwiceConflictsAndNotifiesOnce(t *testing.T) {
	srv := enigmatest.Start(t)
	srv.Seed(t, "transactions", "tx-1", map[string]any{"amount": 10, "status": "settled"})
	c := newConsole(t, srv, auth.NewMemorySessionStore())
	login(t, c)

	var reversed []eventbus.TransactionReversed
	c.Bus().Register(eventbus.EventTransactionReversed, func(payload any) {
		reversed = append(reversed, payload.(eventbus.TransactionReversed))
	})

	ctx := context.Background()
	rec, err := c.Data().Action(ctx, "transactions", dataprovider.ActionParams{ID: "tx-1", Action: "reverse"})
	require.NoError(t, err)
	assert.Equal(t, "reversed", rec["status"])
	require.Len(t, reversed, 1)
	assert.Equal(t, "tx-1", reversed[0].ID)
	assert.False(t, reversed[0].ReversedAt.IsZero())

	_, err = c.Data().Action(ctx, "transactions", dataprovider.ActionParams{ID: "tx-1", Action: "reverse"})
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, httperr.StatusOf(err))
	assert.Len(t, reversed, 1)
}

func TestReferencesResolveThroughAPI(t *testing.T) {
	srv := enigmatest.Start(t)
	srv.Seed(t, "merchants", "m-1", map[string]any{"name": "Acme"})
	srv.Seed(t, "transactions", "tx-1", map[string]any{"merchant_id": "m-1", "status": "settled"})
	c := newConsole(t, srv, auth.NewMemorySessionStore())
	login(t, c)

	ctx := context.Background()
	list, err := c.Data().GetList(ctx, "transactions", dataprovider.GetListParams{Query: listquery.New()})
	require.NoError(t, err)

	def := resources.MustLookup("transactions")
	require.NoError(t, c.References().Prefetch(ctx, def, list.Data))
	ref, _ := def.Reference("merchant_id")
	assert.Equal(t, "Acme", c.References().Label(ref, "m-1"))

	// A local update evicts the cached merchant.
	_, err = c.Data().Update(ctx, "merchants", dataprovider.UpdateParams{ID: "m-1", Data: dataprovider.Record{"name": "Acme Ltd"}})
	require.NoError(t, err)
	assert.Zero(t, c.References().Len())
}

func TestWatcherDeliversRemoteChanges(t *testing.T) {
	srv := enigmatest.Start(t)
	c := newConsole(t, srv, auth.NewMemorySessionStore())
	login(t, c)

	var (
		mu     sync.Mutex
		remote []eventbus.RecordChange
	)
	c.Bus().Register(eventbus.EventRecordCreated, func(payload any) {
		change := payload.(eventbus.RecordChange)
		if !change.Remote {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		remote = append(remote, change)
	})

	stream, err := c.Watcher()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- stream.Run(ctx) }()

	require.Eventually(t, func() bool { return srv.StreamSubscribers() == 1 }, 5*time.Second, 10*time.Millisecond)

	_, err = c.Data().Create(ctx, "merchants", dataprovider.CreateParams{Data: dataprovider.Record{"id": "m-7", "name": "Initech"}})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(remote) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "merchants", remote[0].Resource)
	assert.Equal(t, []string{"m-7"}, remote[0].IDs)
}
