package authn

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/blowfish/enigma/internal/server/db"
)

// UserLookup resolves operators by name.
type UserLookup interface {
	GetByUsername(ctx context.Context, username string) (*db.User, error)
}

// Handler serves the /auth endpoints.
type Handler struct {
	issuer *Issuer
	users  UserLookup
	logger *slog.Logger
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// NewRouter returns the chi router for login, refresh and logout. It is meant
// to be mounted with its prefix stripped.
func NewRouter(issuer *Issuer, users UserLookup, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{issuer: issuer, users: users, logger: logger}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/login", h.handleLogin)
	r.Post("/refresh", h.handleRefresh)
	r.Post("/logout", h.handleLogout)
	return r
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	user, err := h.users.GetByUsername(r.Context(), req.Username)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		h.logger.Error("lookup user", "username", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if user == nil || bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(req.Password)) != nil {
		h.logger.Warn("login rejected", "username", req.Username, "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	tokens, err := h.issuer.Issue(user.Username)
	if err != nil {
		h.logger.Error("issue tokens", "username", user.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "issue tokens failed")
		return
	}
	h.logger.Info("login", "username", user.Username)
	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refresh_token required")
		return
	}
	tokens, err := h.issuer.Refresh(req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

// handleLogout revokes the session of the presented access token. Unusable
// tokens are ignored so logout always succeeds.
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token, ok := BearerToken(r.Header.Get("Authorization")); ok {
		if claims, err := h.issuer.Verify(token, TypeAccess); err == nil {
			h.issuer.Revoke(claims)
			h.logger.Info("logout", "username", claims.Subject)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
