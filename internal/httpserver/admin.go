package httpserver

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"kirogateway/internal/appconfig"
	"kirogateway/internal/credential"
	apperrors "kirogateway/internal/errors"
	"kirogateway/internal/pool"
)

// credentialView is the admin-facing projection of a credential: the
// refresh/access tokens never leave the process.
type credentialView struct {
	ID                       int64                     `json:"id"`
	AuthMethod               credential.AuthMethod     `json:"auth_method"`
	Region                   string                    `json:"region,omitempty"`
	MachineID                string                    `json:"machine_id,omitempty"`
	Priority                 int                       `json:"priority"`
	ProfileArn               string                    `json:"profile_arn,omitempty"`
	Disabled                 bool                      `json:"disabled"`
	DisabledReason           credential.DisabledReason `json:"disabled_reason,omitempty"`
	SuccessCount             int64                     `json:"success_count"`
	FailureCount             int64                     `json:"failure_count"`
	LastCallMs               int64                     `json:"last_call_ms,omitempty"`
	TokenRefreshCount        int64                     `json:"token_refresh_count,omitempty"`
	TokenRefreshFailureCount int64                     `json:"token_refresh_failure_count,omitempty"`
}

func viewCredential(c *credential.Credential) credentialView {
	return credentialView{
		ID:                       c.ID,
		AuthMethod:               c.AuthMethod,
		Region:                   c.Region,
		MachineID:                c.MachineID,
		Priority:                 c.Priority,
		ProfileArn:               c.ProfileArn,
		Disabled:                 c.Disabled,
		DisabledReason:           c.DisabledReason,
		SuccessCount:             c.SuccessCount,
		FailureCount:             c.FailureCount,
		LastCallMs:               c.LastCallMs,
		TokenRefreshCount:        c.TokenRefreshCount,
		TokenRefreshFailureCount: c.TokenRefreshFailureCount,
	}
}

// listPools returns every pool's config alongside its credential counts.
func (s *Server) listPools(c *gin.Context) {
	configs := s.deps.Pools.List()
	out := make([]gin.H, 0, len(configs))
	for _, cfg := range configs {
		rt, err := s.deps.Pools.GetPoolForAPIKey(&cfg.ID)
		available, total := 0, 0
		if err == nil {
			available = rt.Manager.AvailableCount()
			total = len(rt.Manager.List())
		}
		out = append(out, gin.H{
			"id": cfg.ID, "name": cfg.Name, "enabled": cfg.Enabled,
			"scheduling_mode": cfg.Mode, "priority": cfg.Priority,
			"created_at": cfg.CreatedAt, "available_credentials": available,
			"total_credentials": total,
		})
	}
	c.JSON(http.StatusOK, gin.H{"pools": out})
}

type createPoolRequest struct {
	ID       string                    `json:"id" binding:"required"`
	Name     string                    `json:"name" binding:"required"`
	Mode     credential.SchedulingMode `json:"scheduling_mode"`
	Priority int                       `json:"priority"`
	Proxy    *credential.ProxyConfig   `json:"proxy"`
}

func (s *Server) createPool(c *gin.Context) {
	var req createPoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAppError(c, apperrors.BadRequest("invalid pool payload", err))
		return
	}
	if req.Mode == "" {
		req.Mode = credential.SchedulingRoundRobin
	}
	cfg := pool.Config{ID: req.ID, Name: req.Name, Enabled: true, Mode: req.Mode, Priority: req.Priority, Proxy: req.Proxy}
	if err := s.deps.Pools.Create(cfg); err != nil {
		writeAppError(c, apperrors.BadRequest("unable to create pool", err))
		return
	}
	c.JSON(http.StatusCreated, cfg)
}

func (s *Server) deletePool(c *gin.Context) {
	if err := s.deps.Pools.Delete(c.Param("id")); err != nil {
		writeAppError(c, apperrors.BadRequest("unable to delete pool", err))
		return
	}
	c.Status(http.StatusNoContent)
}

type setEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) setPoolEnabled(c *gin.Context) {
	var req setEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAppError(c, apperrors.BadRequest("invalid payload", err))
		return
	}
	if err := s.deps.Pools.SetEnabled(c.Param("id"), req.Enabled); err != nil {
		writeAppError(c, apperrors.NotFound("pool not found", err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) poolManager(c *gin.Context) (*pool.Runtime, bool) {
	id := c.Param("id")
	rt, err := s.deps.Pools.GetPoolForAPIKey(&id)
	if err != nil {
		writeAppError(c, apperrors.NotFound("pool not found", err))
		return nil, false
	}
	return rt, true
}

func (s *Server) listCredentials(c *gin.Context) {
	rt, ok := s.poolManager(c)
	if !ok {
		return
	}
	creds := rt.Manager.List()
	out := make([]credentialView, 0, len(creds))
	for _, cr := range creds {
		out = append(out, viewCredential(cr))
	}
	c.JSON(http.StatusOK, gin.H{"credentials": out})
}

type addCredentialRequest struct {
	RefreshToken string                  `json:"refresh_token" binding:"required"`
	AuthMethod   string                  `json:"auth_method"`
	ClientID     string                  `json:"client_id"`
	ClientSecret string                  `json:"client_secret"`
	Region       string                  `json:"region"`
	Priority     int                     `json:"priority"`
	Proxy        *credential.ProxyConfig `json:"proxy"`
}

func (s *Server) addCredential(c *gin.Context) {
	rt, ok := s.poolManager(c)
	if !ok {
		return
	}
	var req addCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAppError(c, apperrors.BadRequest("invalid credential payload", err))
		return
	}
	authMethod := credential.CanonicalizeAuthMethod(req.AuthMethod)
	if req.AuthMethod == "" && req.ClientID != "" && req.ClientSecret != "" {
		authMethod = credential.AuthMethodIdc
	}
	cred := &credential.Credential{
		RefreshToken: req.RefreshToken,
		AuthMethod:   authMethod,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		Region:       req.Region,
		PoolID:       rt.Config.ID,
		Priority:     req.Priority,
		Proxy:        req.Proxy,
	}
	created, err := rt.Manager.AddCredential(cred)
	if err != nil {
		writeAppError(c, apperrors.BadRequest("unable to add credential", err))
		return
	}
	c.JSON(http.StatusCreated, viewCredential(created))
}

func (s *Server) parseCredID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("credId"), 10, 64)
	if err != nil {
		writeAppError(c, apperrors.BadRequest("invalid credential id", err))
		return 0, false
	}
	return id, true
}

func (s *Server) deleteCredential(c *gin.Context) {
	rt, ok := s.poolManager(c)
	if !ok {
		return
	}
	id, ok := s.parseCredID(c)
	if !ok {
		return
	}
	if err := rt.Manager.DeleteCredential(id); err != nil {
		writeAppError(c, apperrors.BadRequest("unable to delete credential", err))
		return
	}
	c.Status(http.StatusNoContent)
}

type patchCredentialRequest struct {
	Disabled *bool `json:"disabled"`
	Priority *int  `json:"priority"`
}

func (s *Server) patchCredential(c *gin.Context) {
	rt, ok := s.poolManager(c)
	if !ok {
		return
	}
	id, ok := s.parseCredID(c)
	if !ok {
		return
	}
	var req patchCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAppError(c, apperrors.BadRequest("invalid payload", err))
		return
	}
	if req.Disabled != nil {
		if err := rt.Manager.SetDisabled(id, *req.Disabled); err != nil {
			writeAppError(c, apperrors.NotFound("credential not found", err))
			return
		}
	}
	if req.Priority != nil {
		if err := rt.Manager.SetPriority(id, *req.Priority); err != nil {
			writeAppError(c, apperrors.NotFound("credential not found", err))
			return
		}
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listAPIKeys(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"api_keys": s.deps.APIKeys.List()})
}

type createAPIKeyRequest struct {
	Name   string  `json:"name" binding:"required"`
	PoolID *string `json:"pool_id"`
}

func (s *Server) createAPIKey(c *gin.Context) {
	var req createAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAppError(c, apperrors.BadRequest("invalid api key payload", err))
		return
	}
	entry, err := s.deps.APIKeys.Create(req.Name, req.PoolID)
	if err != nil {
		writeAppError(c, apperrors.BadRequest("unable to create api key", err))
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (s *Server) deleteAPIKey(c *gin.Context) {
	if err := s.deps.APIKeys.Delete(c.Param("id")); err != nil {
		writeAppError(c, apperrors.NotFound("api key not found", err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) setAPIKeyEnabled(c *gin.Context) {
	var req setEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAppError(c, apperrors.BadRequest("invalid payload", err))
		return
	}
	if err := s.deps.APIKeys.SetEnabled(c.Param("id"), req.Enabled); err != nil {
		writeAppError(c, apperrors.NotFound("api key not found", err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Config.Get())
}

func (s *Server) putConfig(c *gin.Context) {
	var next appconfig.Config
	if err := c.ShouldBindJSON(&next); err != nil {
		writeAppError(c, apperrors.BadRequest("invalid config payload", err))
		return
	}
	prev := s.deps.Config.Get()
	next.Host = prev.Host
	next.Port = prev.Port
	s.deps.Config.Swap(&next)
	c.JSON(http.StatusOK, next)
}
