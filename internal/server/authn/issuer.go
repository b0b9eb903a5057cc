// Package authn issues and verifies the JWTs that guard the enigmad API.
package authn

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Token types carried in the typ claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

const issuerName = "enigmad"

var (
	// ErrInvalidToken covers malformed, expired, mistyped or revoked tokens.
	ErrInvalidToken = errors.New("authn: invalid token")
)

// Claims are the JWT claims enigmad signs.
type Claims struct {
	Type      string `json:"typ"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Tokens is a freshly issued access/refresh pair.
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Username     string    `json:"username"`
}

// Issuer signs HS256 tokens and remembers revoked sessions until their refresh
// tokens could no longer be used anyway. The revocation set is unbounded in
// size; entries leave only when the refresh lifetime has passed.
type Issuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	revoked    *expirable.LRU[string, struct{}]
	now        func() time.Time
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer builds an Issuer. The secret must be at least 32 bytes.
func NewIssuer(secret []byte, accessTTL, refreshTTL time.Duration, opts ...IssuerOption) (*Issuer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("authn: secret must be at least 32 bytes")
	}
	if accessTTL <= 0 || refreshTTL <= 0 {
		return nil, fmt.Errorf("authn: token lifetimes must be positive")
	}
	i := &Issuer{
		secret:     secret,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		revoked:    expirable.NewLRU[string, struct{}](0, nil, refreshTTL),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue starts a new session for username.
func (i *Issuer) Issue(username string) (Tokens, error) {
	return i.issue(username, uuid.NewString())
}

// Refresh exchanges a valid refresh token for a new pair within the same session.
func (i *Issuer) Refresh(refreshToken string) (Tokens, error) {
	claims, err := i.Verify(refreshToken, TypeRefresh)
	if err != nil {
		return Tokens{}, err
	}
	return i.issue(claims.Subject, claims.SessionID)
}

// Revoke ends the session the token belongs to. Both its access and refresh
// tokens stop verifying.
func (i *Issuer) Revoke(claims *Claims) {
	if claims == nil || claims.SessionID == "" {
		return
	}
	i.revoked.Add(claims.SessionID, struct{}{})
}

// Verify parses token and checks signature, expiry, type and revocation.
func (i *Issuer) Verify(token, wantType string) (*Claims, error) {
	claims := &Claims{}
	// Time-based claims are checked below against the issuer's clock.
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ExpiresAt == nil || !i.now().Before(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("%w: token expired", ErrInvalidToken)
	}
	if claims.Type != wantType {
		return nil, fmt.Errorf("%w: expected %s token", ErrInvalidToken, wantType)
	}
	if _, revoked := i.revoked.Get(claims.SessionID); revoked {
		return nil, fmt.Errorf("%w: session revoked", ErrInvalidToken)
	}
	return claims, nil
}

func (i *Issuer) issue(username, sessionID string) (Tokens, error) {
	now := i.now()
	accessExp := now.Add(i.accessTTL)
	access, err := i.sign(username, sessionID, TypeAccess, now, accessExp)
	if err != nil {
		return Tokens{}, err
	}
	refresh, err := i.sign(username, sessionID, TypeRefresh, now, now.Add(i.refreshTTL))
	if err != nil {
		return Tokens{}, err
	}
	return Tokens{AccessToken: access, RefreshToken: refresh, ExpiresAt: accessExp.UTC(), Username: username}, nil
}

func (i *Issuer) sign(username, sessionID, typ string, now, exp time.Time) (string, error) {
	claims := Claims{
		Type:      typ,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuerName,
			Subject:   username,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("authn: sign %s token: %w", typ, err)
	}
	return signed, nil
}
