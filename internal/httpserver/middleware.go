package httpserver

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"kirogateway/internal/apikey"
	apperrors "kirogateway/internal/errors"
)

const (
	ctxAPIKeyEntry = "apiKeyEntry"
	ctxPoolBinding = "poolBinding"
)

// extractCredential reads x-api-key or a Bearer Authorization header.
func extractCredential(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return ""
}

// authMiddleware authenticates inbound Messages-API traffic against the
// api-key store and stashes the resolved entry for downstream handlers.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := extractCredential(c.Request)
		entry, err := s.deps.APIKeys.Authenticate(presented)
		if err != nil {
			writeAppError(c, apperrors.Unauthorized("invalid or missing api key", err))
			c.Abort()
			return
		}
		c.Set(ctxAPIKeyEntry, entry)
		c.Next()
	}
}

// adminAuthMiddleware authenticates /api/admin/... traffic in constant
// time against the configured admin key.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := extractCredential(c.Request)
		adminKey := s.deps.AdminKey
		if adminKey == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(adminKey)) != 1 {
			writeAppError(c, apperrors.Unauthorized("invalid admin credentials", nil))
			c.Abort()
			return
		}
		c.Next()
	}
}

// rateLimitMiddleware enforces the global and per-key sliding-window
// ceilings, keyed on the authenticated entry's id.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := ""
		if entry, ok := c.Get(ctxAPIKeyEntry); ok {
			if e, ok := entry.(*apikey.Entry); ok {
				key = e.ID
			}
		}
		if err := s.deps.Limiter.Check(key); err != nil {
			writeAppError(c, apperrors.TooManyRequests("rate limit exceeded", err))
			c.Abort()
			return
		}
		s.deps.Limiter.Record(key)
		c.Next()
	}
}

// csrfProtected wraps a mutating admin handler, requiring a valid one-use
// x-csrf-token header first.
func (s *Server) csrfProtected(handler gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("x-csrf-token")
		if !s.csrf.consume(token) {
			writeAppError(c, apperrors.Forbidden("missing or invalid csrf token", nil))
			c.Abort()
			return
		}
		handler(c)
	}
}

func writeAppError(c *gin.Context, appErr *apperrors.AppError) {
	c.Data(appErr.HTTPStatusCode, "application/json; charset=utf-8", appErr.ToAnthropicJSON())
}
