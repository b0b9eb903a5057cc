// Package enigmatest runs an in-process enigmad for console tests.
package enigmatest

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/blowfish/enigma/internal/server/authn"
	"github.com/blowfish/enigma/internal/server/db"
	"github.com/blowfish/enigma/internal/server/db/sqlite"
	"github.com/blowfish/enigma/internal/server/eventbus/memory"
	"github.com/blowfish/enigma/internal/server/httpapi"
	"github.com/blowfish/enigma/internal/shared/changes"
	"github.com/blowfish/enigma/internal/shared/logging"
)

const (
	Username = "admin"
	Password = "hunter2"
)

// Secret signs every token issued by the test server.
var Secret = []byte(strings.Repeat("k", 32))

// Server is a running enigmad backed by a temporary sqlite database.
type Server struct {
	*httptest.Server
	Store  db.Store
	Bus    *memory.Bus
	Issuer *authn.Issuer
}

// Start launches a server with the admin user seeded. It is shut down when the
// test ends.
func Start(t testing.TB) *Server {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "enigmad.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	hash, err := bcrypt.GenerateFromPassword([]byte(Password), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, store.Queries().Users().Upsert(ctx, Username, hash))

	issuer, err := authn.NewIssuer(Secret, time.Minute, time.Hour)
	require.NoError(t, err)
	bus := memory.New(nil)

	srv := httptest.NewServer(httpapi.New(httpapi.Options{
		Logger: logging.Discard(),
		Store:  store,
		Bus:    bus,
		Issuer: issuer,
	}))
	t.Cleanup(srv.Close)
	return &Server{Server: srv, Store: store, Bus: bus, Issuer: issuer}
}

// Seed stores data as a record of resource directly, bypassing the API.
func (s *Server) Seed(t testing.TB, resource, id string, data map[string]any) {
	t.Helper()
	rec := &db.Record{Resource: resource, ID: id, Data: data}
	require.NoError(t, s.Store.Queries().Records().Create(context.Background(), rec))
}

// StaleTokens returns tokens issued age ago: with age beyond a minute the
// access token is expired while the refresh token still works.
func (s *Server) StaleTokens(t testing.TB, age time.Duration) authn.Tokens {
	t.Helper()
	past, err := authn.NewIssuer(Secret, time.Minute, time.Hour, authn.WithClock(func() time.Time {
		return time.Now().Add(-age)
	}))
	require.NoError(t, err)
	tokens, err := past.Issue(Username)
	require.NoError(t, err)
	return tokens
}

// StreamSubscribers reports how many websocket clients follow the change stream.
func (s *Server) StreamSubscribers() int {
	return s.Bus.Subscribers(changes.TopicChanges)
}
