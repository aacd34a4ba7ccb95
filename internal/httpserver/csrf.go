package httpserver

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// csrfTokenTTL bounds how long an issued token may sit unused before it is
// no longer honoured.
const csrfTokenTTL = time.Hour

// csrfStore tracks issued, unused CSRF tokens. Tokens are one-use: a
// successful consume immediately removes the entry.
type csrfStore struct {
	mu     sync.Mutex
	tokens map[string]time.Time
}

func newCSRFStore() *csrfStore {
	return &csrfStore{tokens: make(map[string]time.Time)}
}

func (s *csrfStore) issue() string {
	token := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	s.tokens[token] = time.Now().Add(csrfTokenTTL)
	return token
}

// consume validates and deletes token in one step so a replayed token is
// always rejected.
func (s *csrfStore) consume(token string) bool {
	if token == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.tokens[token]
	delete(s.tokens, token)
	if !ok {
		return false
	}
	return time.Now().Before(expiry)
}

func (s *csrfStore) sweepLocked() {
	now := time.Now()
	for t, expiry := range s.tokens {
		if now.After(expiry) {
			delete(s.tokens, t)
		}
	}
}

// issueCSRFToken hands a freshly minted token to an authenticated admin
// caller, required before any mutating /api/admin/... request.
func (s *Server) issueCSRFToken(c *gin.Context) {
	c.JSON(200, gin.H{"csrf_token": s.csrf.issue()})
}
