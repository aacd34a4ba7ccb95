// Package credential owns the fleet of upstream OAuth credentials that
// back a single pool: their runtime state, scheduling, sticky-session
// affinity, failure accounting, and JSON persistence.
package credential

import (
	"strings"
	"time"
)

// AuthMethod distinguishes the two OAuth refresh contracts the upstream
// accepts.
type AuthMethod string

const (
	AuthMethodSocial AuthMethod = "social"
	AuthMethodIdc    AuthMethod = "idc"
)

// CanonicalizeAuthMethod maps the accepted aliases (builder-id, iam) onto
// the two canonical methods. An empty or unrecognised value canonicalises
// to Social, the more common case for interactively-installed credentials.
func CanonicalizeAuthMethod(s string) AuthMethod {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "idc", "builder-id", "iam":
		return AuthMethodIdc
	default:
		return AuthMethodSocial
	}
}

// DisabledReason records why a credential is currently unavailable for
// scheduling. The zero value means the credential is enabled.
type DisabledReason string

const (
	DisabledReasonNone               DisabledReason = ""
	DisabledReasonManual             DisabledReason = "manual"
	DisabledReasonTooManyFailures    DisabledReason = "too_many_failures"
	DisabledReasonQuotaExceeded      DisabledReason = "quota_exceeded"
	DisabledReasonTokenRefreshFailed DisabledReason = "token_refresh_failed"
)

// autoHealable reports whether self-healing is allowed to clear this
// disable reason. Manual and QuotaExceeded disables are never auto-cleared.
func (r DisabledReason) autoHealable() bool {
	return r == DisabledReasonTooManyFailures || r == DisabledReasonTokenRefreshFailed
}

// ProxyConfig is an outbound HTTP proxy triple. Only a credential's own
// Proxy reaches outbound calls (via CallContext.Proxy); pool-level and
// global proxies are stored but not applied to any request.
type ProxyConfig struct {
	URL      string `json:"url,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Credential is the persisted, at-rest shape of one upstream OAuth
// credential. The same struct also carries the runtime state (disabled
// flag and reason, failure count) and the usage counters.
type Credential struct {
	ID           int64      `json:"id"`
	RefreshToken string     `json:"refresh_token"`
	AccessToken  string     `json:"access_token,omitempty"`
	TokenExpiry  *time.Time `json:"token_expiry,omitempty"`
	AuthMethod   AuthMethod `json:"auth_method"`

	// ClientID/ClientSecret are only populated for AuthMethodIdc.
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`

	Region     string       `json:"region,omitempty"`
	MachineID  string       `json:"machine_id,omitempty"`
	PoolID     string       `json:"pool_id,omitempty"`
	Proxy      *ProxyConfig `json:"proxy,omitempty"`
	Priority   int          `json:"priority"`
	ProfileArn string       `json:"profile_arn,omitempty"`

	Disabled       bool           `json:"disabled"`
	DisabledReason DisabledReason `json:"disabled_reason,omitempty"`

	// Usage counters, surfaced to admin clients and never consulted by
	// scheduling itself.
	SuccessCount             int64 `json:"success_count"`
	FailureCount             int64 `json:"failure_count"`
	LastCallMs               int64 `json:"last_call_ms,omitempty"`
	TotalResponseMs          int64 `json:"total_response_ms,omitempty"`
	TokenRefreshCount        int64 `json:"token_refresh_count,omitempty"`
	TokenRefreshFailureCount int64 `json:"token_refresh_failure_count,omitempty"`
	LastTokenRefreshMs       int64 `json:"last_token_refresh_ms,omitempty"`
}

// Clone returns a deep copy safe to hand to a caller outside the manager's
// lock, mirroring the defensive-copy idiom the teacher's Auth.Clone uses.
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	cp := *c
	if c.TokenExpiry != nil {
		t := *c.TokenExpiry
		cp.TokenExpiry = &t
	}
	if c.Proxy != nil {
		p := *c.Proxy
		cp.Proxy = &p
	}
	return &cp
}

// Validate checks the invariants load/add must enforce before the
// credential is trusted: a refresh token that looks real.
func (c *Credential) Validate() error {
	tok := strings.TrimSpace(c.RefreshToken)
	if tok == "" {
		return errInvalidRefreshToken("refresh token is empty")
	}
	if len(tok) < 100 {
		return errInvalidRefreshToken("refresh token is implausibly short")
	}
	if strings.Contains(tok, "...") {
		return errInvalidRefreshToken("refresh token appears truncated")
	}
	if c.AuthMethod == AuthMethodIdc && (c.ClientID == "" || c.ClientSecret == "") {
		return errInvalidRefreshToken("idc credentials require client_id and client_secret")
	}
	return nil
}

// consecutiveFailureLimit disables a credential after this many
// back-to-back report_failure calls with no intervening success.
const consecutiveFailureLimit = 3

// isExpired reports whether the access token must be refreshed before use.
func (c *Credential) isExpired(now time.Time) bool {
	return c.TokenExpiry == nil || !c.TokenExpiry.After(now.Add(5*time.Minute))
}

// isExpiringSoon is the wider window used to proactively refresh ahead of
// the hard expiry check.
func (c *Credential) isExpiringSoon(now time.Time) bool {
	return c.TokenExpiry == nil || !c.TokenExpiry.After(now.Add(10*time.Minute))
}

type validationError struct{ msg string }

func (e validationError) Error() string { return e.msg }

func errInvalidRefreshToken(msg string) error { return validationError{msg: msg} }
