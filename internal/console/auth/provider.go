// Package auth implements the console's credential handling against the enigma
// token endpoints.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/blowfish/enigma/internal/console/httperr"
)

var (
	// ErrNotAuthenticated is returned when no session is stored.
	ErrNotAuthenticated = errors.New("auth: not authenticated")
	// ErrSessionExpired is returned when the server rejects the refresh token.
	ErrSessionExpired = errors.New("auth: session expired")
)

// Credentials are exchanged for a session by Login.
type Credentials struct {
	Username string
	Password string
}

// CheckParams tunes CheckAuth.
type CheckParams struct {
	// ForceRefresh refreshes the access token even if it still looks valid.
	ForceRefresh bool
}

// Identity describes the signed-in operator.
type Identity struct {
	Username  string
	ExpiresAt time.Time
}

// Provider is the authentication surface used by the console.
type Provider interface {
	Login(ctx context.Context, creds Credentials) error
	Logout(ctx context.Context) error
	CheckAuth(ctx context.Context, params CheckParams) error
	Identity(ctx context.Context) (Identity, error)
}

// DefaultSkew is how close to expiry an access token is treated as expired.
const DefaultSkew = 30 * time.Second

// Options configures a TokenProvider.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Store      SessionStore
	Logger     *slog.Logger
	Skew       time.Duration
	Now        func() time.Time
}

// TokenProvider keeps a JWT session fresh using the /auth endpoints.
type TokenProvider struct {
	baseURL    *url.URL
	httpClient *http.Client
	store      SessionStore
	logger     *slog.Logger
	skew       time.Duration
	now        func() time.Time

	// refreshMu serialises refreshes so concurrent callers do not burn the same
	// refresh token twice.
	refreshMu sync.Mutex
}

var _ Provider = (*TokenProvider)(nil)

// NewTokenProvider validates opts and builds a TokenProvider.
func NewTokenProvider(opts Options) (*TokenProvider, error) {
	trimmed := strings.TrimSpace(opts.BaseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("auth: base url required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("auth: parse base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("auth: base url must include scheme and host")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("auth: session store required")
	}
	p := &TokenProvider{
		baseURL:    parsed,
		httpClient: opts.HTTPClient,
		store:      opts.Store,
		logger:     opts.Logger,
		skew:       opts.Skew,
		now:        opts.Now,
	}
	if p.httpClient == nil {
		p.httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.skew <= 0 {
		p.skew = DefaultSkew
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Username     string    `json:"username"`
}

// Login exchanges credentials for a session and stores it.
func (p *TokenProvider) Login(ctx context.Context, creds Credentials) error {
	if strings.TrimSpace(creds.Username) == "" || creds.Password == "" {
		return fmt.Errorf("auth: username and password required")
	}
	var tokens tokenResponse
	if err := p.post(ctx, "/auth/login", "", loginRequest{Username: creds.Username, Password: creds.Password}, &tokens); err != nil {
		return fmt.Errorf("auth: login: %w", err)
	}
	if tokens.Username == "" {
		tokens.Username = creds.Username
	}
	p.logger.Info("signed in", "username", tokens.Username)
	return p.save(ctx, tokens)
}

// Logout revokes the session server-side when possible and always forgets it locally.
func (p *TokenProvider) Logout(ctx context.Context) error {
	session, err := p.store.Load(ctx)
	if err != nil {
		return err
	}
	if session != nil && session.AccessToken != "" {
		if err := p.post(ctx, "/auth/logout", session.AccessToken, nil, nil); err != nil {
			p.logger.Warn("server logout failed", "error", err)
		}
	}
	return p.store.Clear(ctx)
}

// CheckAuth succeeds when the stored access token is usable, refreshing it first
// when it is about to expire or when params.ForceRefresh is set.
func (p *TokenProvider) CheckAuth(ctx context.Context, params CheckParams) error {
	session, err := p.store.Load(ctx)
	if err != nil {
		return err
	}
	if session == nil || session.AccessToken == "" {
		return ErrNotAuthenticated
	}
	if !params.ForceRefresh && !p.expiring(session.AccessToken, session.ExpiresAt) {
		return nil
	}

	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	// Another caller may have refreshed while we waited.
	current, err := p.store.Load(ctx)
	if err != nil {
		return err
	}
	if current == nil {
		return ErrNotAuthenticated
	}
	if current.AccessToken != session.AccessToken && !p.expiring(current.AccessToken, current.ExpiresAt) {
		return nil
	}
	return p.refresh(ctx, current)
}

// Identity returns the operator bound to the stored session.
func (p *TokenProvider) Identity(ctx context.Context) (Identity, error) {
	session, err := p.store.Load(ctx)
	if err != nil {
		return Identity{}, err
	}
	if session == nil {
		return Identity{}, ErrNotAuthenticated
	}
	return Identity{Username: session.Username, ExpiresAt: p.expiry(session.AccessToken, session.ExpiresAt)}, nil
}

// AccessToken returns the stored access token as is. It never refreshes; callers
// that get a 401 are expected to go through CheckAuth.
func (p *TokenProvider) AccessToken(ctx context.Context) (string, error) {
	session, err := p.store.Load(ctx)
	if err != nil {
		return "", err
	}
	if session == nil || session.AccessToken == "" {
		return "", ErrNotAuthenticated
	}
	return session.AccessToken, nil
}

func (p *TokenProvider) refresh(ctx context.Context, session *Session) error {
	if session.RefreshToken == "" {
		_ = p.store.Clear(ctx)
		return ErrSessionExpired
	}
	var tokens tokenResponse
	err := p.post(ctx, "/auth/refresh", "", refreshRequest{RefreshToken: session.RefreshToken}, &tokens)
	if err != nil {
		if httperr.IsUnauthorized(err) {
			p.logger.Warn("refresh rejected, clearing session", "username", session.Username)
			if clearErr := p.store.Clear(ctx); clearErr != nil {
				p.logger.Error("clear session", "error", clearErr)
			}
			return fmt.Errorf("%w: %w", ErrSessionExpired, err)
		}
		return fmt.Errorf("auth: refresh: %w", err)
	}
	if tokens.Username == "" {
		tokens.Username = session.Username
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = session.RefreshToken
	}
	p.logger.Debug("access token refreshed", "username", tokens.Username)
	return p.save(ctx, tokens)
}

func (p *TokenProvider) save(ctx context.Context, tokens tokenResponse) error {
	if tokens.AccessToken == "" {
		return fmt.Errorf("auth: server returned no access token")
	}
	return p.store.Save(ctx, Session{
		Username:     tokens.Username,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    p.expiry(tokens.AccessToken, tokens.ExpiresAt),
	})
}

func (p *TokenProvider) expiring(token string, fallback time.Time) bool {
	exp := p.expiry(token, fallback)
	if exp.IsZero() {
		return false
	}
	return !p.now().Add(p.skew).Before(exp)
}

// expiry reads the exp claim without verifying the signature; the server remains
// the authority on validity.
func (p *TokenProvider) expiry(token string, fallback time.Time) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return fallback
}

func (p *TokenProvider) post(ctx context.Context, suffix, bearer string, body, out any) error {
	full := *p.baseURL
	full.Path = path.Join("/", p.baseURL.Path, suffix)

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, full.String(), &buf)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return httperr.FromResponse(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
