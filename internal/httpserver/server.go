// Package httpserver wires the gateway's Gin HTTP surface: the Messages
// API, the admin CRUD surface, and the health/metrics endpoints, the way
// the teacher's internal/api.Server assembles its engine and middleware
// chain.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"kirogateway/internal/apikey"
	"kirogateway/internal/appconfig"
	"kirogateway/internal/health"
	"kirogateway/internal/logging"
	"kirogateway/internal/pool"
	"kirogateway/internal/ratelimiter"
	"kirogateway/internal/relay"
)

// Deps collects every collaborator the HTTP surface routes requests
// through.
type Deps struct {
	Pools     *pool.Manager
	APIKeys   *apikey.Store
	Config    *appconfig.Store
	Limiter   *ratelimiter.Limiter
	Health    *health.Reporter
	Relay     *relay.Relay
	AdminKey  string
	SessionID func(*http.Request) string
}

// Server wraps the Gin engine and the underlying *http.Server.
type Server struct {
	deps   Deps
	engine *gin.Engine
	http   *http.Server
	csrf   *csrfStore
}

// New builds the full route tree: /v1/models, /v1/messages,
// /cc/v1/messages, /v1/messages/count_tokens, /health, /metrics, /admin,
// /api/admin/....
func New(deps Deps) *Server {
	if deps.SessionID == nil {
		deps.SessionID = defaultSessionID
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(corsMiddleware())

	s := &Server{deps: deps, engine: engine, csrf: newCSRFStore()}

	engine.GET("/health", deps.Health.Handler())
	engine.GET("/metrics", deps.Health.MetricsHandler())
	engine.GET("/admin", adminStubHandler)

	v1 := engine.Group("/v1")
	v1.Use(s.authMiddleware(), s.rateLimitMiddleware())
	{
		v1.GET("/models", modelsHandler)
		v1.POST("/messages", s.messagesHandler(relay.ModeStandard))
		v1.POST("/messages/count_tokens", s.countTokensHandler)
	}

	cc := engine.Group("/cc/v1")
	cc.Use(s.authMiddleware(), s.rateLimitMiddleware())
	{
		cc.POST("/messages", s.messagesHandler(relay.ModeBuffered))
	}

	admin := engine.Group("/api/admin")
	admin.Use(s.adminAuthMiddleware())
	{
		admin.GET("/csrf-token", s.issueCSRFToken)
		admin.GET("/pools", s.listPools)
		admin.POST("/pools", s.csrfProtected(s.createPool))
		admin.DELETE("/pools/:id", s.csrfProtected(s.deletePool))
		admin.PATCH("/pools/:id", s.csrfProtected(s.setPoolEnabled))

		admin.GET("/pools/:id/credentials", s.listCredentials)
		admin.POST("/pools/:id/credentials", s.csrfProtected(s.addCredential))
		admin.DELETE("/pools/:id/credentials/:credId", s.csrfProtected(s.deleteCredential))
		admin.PATCH("/pools/:id/credentials/:credId", s.csrfProtected(s.patchCredential))

		admin.GET("/api-keys", s.listAPIKeys)
		admin.POST("/api-keys", s.csrfProtected(s.createAPIKey))
		admin.DELETE("/api-keys/:id", s.csrfProtected(s.deleteAPIKey))
		admin.PATCH("/api-keys/:id", s.csrfProtected(s.setAPIKeyEnabled))

		admin.GET("/config", s.getConfig)
		admin.PUT("/config", s.csrfProtected(s.putConfig))
	}

	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", deps.Config.Get().Host, deps.Config.Get().Port),
		Handler: engine,
	}
	return s
}

// Start blocks until the server stops or fails to start.
func (s *Server) Start() error {
	log.Infof("httpserver: listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("httpserver: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := strings.TrimSpace(c.GetHeader("Origin"))
		if origin != "" {
			c.Header("Access-Control-Allow-Origin", "*")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "*")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func adminStubHandler(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, "<html><body><h1>kirogateway admin</h1><p>the admin UI is out of scope; use /api/admin/...</p></body></html>")
}

func defaultSessionID(r *http.Request) string {
	if sid := r.Header.Get("X-Session-Id"); sid != "" {
		return sid
	}
	return ""
}
