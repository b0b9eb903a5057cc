// Package httpapi exposes the enigmad REST and websocket API.
package httpapi

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/blowfish/enigma/internal/server/authn"
	"github.com/blowfish/enigma/internal/server/db"
	"github.com/blowfish/enigma/internal/server/eventbus"
)

const usernameKey = "enigma.username"

// Options carries the dependencies of the API router.
type Options struct {
	Logger     *slog.Logger
	Store      db.Store
	Bus        eventbus.Bus
	Issuer     *authn.Issuer
	AllowCIDRs []*net.IPNet
	// Now overrides the clock used for action timestamps, for tests.
	Now func() time.Time
}

type apiServer struct {
	logger *slog.Logger
	store  db.Store
	bus    eventbus.Bus
	now    func() time.Time
}

// New constructs the HTTP API router.
func New(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))
	if len(opts.AllowCIDRs) > 0 {
		r.Use(ipFilterMiddleware(logger, opts.AllowCIDRs))
	}

	api := &apiServer{logger: logger, store: opts.Store, bus: opts.Bus, now: now}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authRouter := http.StripPrefix("/auth", authn.NewRouter(opts.Issuer, opts.Store.Queries().Users(), logger))
	r.POST("/auth/*path", gin.WrapH(authRouter))

	requireToken := bearerAuthMiddleware(logger, opts.Issuer)

	v1 := r.Group("/api/v1", requireToken)
	{
		res := v1.Group("/:resource", resourceMiddleware())
		{
			res.GET("", api.listRecords)
			res.POST("", api.createRecord)
			res.PUT("", api.updateMany)
			res.DELETE("", api.deleteMany)
			res.GET("/:id", api.getRecord)
			res.PUT("/:id", api.replaceRecord)
			res.DELETE("/:id", api.deleteRecord)
			res.POST("/:id/:action", api.runAction)
		}
	}

	ws := r.Group("/ws/v1", requireToken)
	{
		ws.GET("/events", api.changesWebSocket)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return r
}

// requestLogger adapts slog to Gin's middleware interface.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		args := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.String("latency", time.Since(start).String()),
			slog.String("client_ip", c.ClientIP()),
		}
		if id := c.GetHeader("X-Request-ID"); id != "" {
			args = append(args, slog.String("request_id", id))
		}
		if user := c.GetString(usernameKey); user != "" {
			args = append(args, slog.String("user", user))
		}
		switch {
		case len(c.Errors) > 0:
			args = append(args, slog.String("error", c.Errors.String()))
			logger.Error("http request", args...)
		case c.Writer.Status() >= http.StatusInternalServerError:
			logger.Error("http request", args...)
		default:
			logger.Info("http request", args...)
		}
	}
}

func ipFilterMiddleware(logger *slog.Logger, networks []*net.IPNet) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := net.ParseIP(c.ClientIP())
		if ip == nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid client IP"})
			return
		}
		for _, network := range networks {
			if network.Contains(ip) {
				c.Next()
				return
			}
		}
		logger.Warn("request blocked by CIDR filter", "ip", ip.String())
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access denied"})
	}
}

// bearerAuthMiddleware requires a valid access token. Websocket clients that
// cannot set headers may pass it as the access_token query parameter.
func bearerAuthMiddleware(logger *slog.Logger, issuer *authn.Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := authn.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			token = strings.TrimSpace(c.Query("access_token"))
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := issuer.Verify(token, authn.TypeAccess)
		if err != nil {
			logger.Debug("token rejected", "error", err, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(usernameKey, claims.Subject)
		c.Next()
	}
}

func resourceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !db.KnownResource(c.Param("resource")) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown resource " + c.Param("resource")})
			return
		}
		c.Next()
	}
}

func statusFromError(err error) int {
	switch {
	case errors.Is(err, db.ErrNotFound), errors.Is(err, errUnknownAction):
		return http.StatusNotFound
	case errors.Is(err, db.ErrConflict), errors.Is(err, errActionConflict):
		return http.StatusConflict
	case errors.Is(err, db.ErrInvalidField), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (api *apiServer) fail(c *gin.Context, err error) {
	status := statusFromError(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
