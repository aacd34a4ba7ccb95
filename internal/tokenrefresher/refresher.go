// Package tokenrefresher implements the two OAuth refresh contracts the
// Kiro/CodeWhisperer upstream accepts (Social and AWS IAM Identity
// Center), plus the usage-limits query, grounded on the teacher's
// kiro_auth.go refresh flows but targeting the upstream's own endpoints.
package tokenrefresher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/proxy"
	"golang.org/x/oauth2"
	"kirogateway/internal/credential"
)

const (
	defaultRegion     = "us-east-1"
	awsSDKUserAgent   = "aws-sdk-js/3.738.0 ua/2.1 os/other lang/js md/nodejs#20.0.0 api/sso_oidc#3.738.0"
	kiroClientVersion = "0.1.0"
)

// Refresher implements credential.Refresher against the real upstream
// OAuth endpoints.
type Refresher struct {
	client *http.Client
}

// New constructs a Refresher with a pooled HTTP client matching the
// teacher's transport-tuning idiom. Refresh reuses it unless a proxy is
// given, in which case it builds a one-off proxied client for that call.
func New() *Refresher {
	return &Refresher{client: newPooledClient(nil)}
}

func newPooledClient(p *credential.ProxyConfig) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	if p != nil && p.URL != "" {
		if dialer, err := proxyDialerFromConfig(p); err == nil {
			transport.Dial = dialer.Dial
		}
	}
	return &http.Client{Transport: transport, Timeout: 30 * time.Second}
}

func proxyDialerFromConfig(p *credential.ProxyConfig) (proxy.Dialer, error) {
	u, err := url.Parse(p.URL)
	if err != nil {
		return nil, err
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return proxy.FromURL(u, proxy.Direct)
}

// tokenExpiry computes an absolute expiry from the upstream's
// expires-in-seconds field, held in an oauth2.Token.
func tokenExpiry(expiresIn int) time.Time {
	tok := &oauth2.Token{Expiry: time.Now().Add(time.Duration(expiresIn) * time.Second)}
	return tok.Expiry
}

// region picks the credential's region override, else the global default.
func region(cred *credential.Credential) string {
	if cred.Region != "" {
		return cred.Region
	}
	return defaultRegion
}

// Refresh dispatches to the Social or IdC flow based on the credential's
// canonicalised auth method.
func (r *Refresher) Refresh(ctx context.Context, cred *credential.Credential, proxyCfg *credential.ProxyConfig) (*credential.Credential, error) {
	client := r.client
	if proxyCfg != nil {
		client = newPooledClient(proxyCfg)
	}
	switch cred.AuthMethod {
	case credential.AuthMethodIdc:
		return refreshIdc(ctx, client, cred)
	default:
		return refreshSocial(ctx, client, cred)
	}
}

type socialRefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ProfileArn   string `json:"profileArn"`
	ExpiresIn    int    `json:"expiresIn"`
}

// refreshSocial targets Kiro's own refresh endpoint, used for
// interactively-installed (Google/social) credentials.
func refreshSocial(ctx context.Context, client *http.Client, cred *credential.Credential) (*credential.Credential, error) {
	reg := region(cred)
	endpoint := fmt.Sprintf("https://prod.%s.auth.desktop.kiro.dev/refreshToken", reg)

	body, _ := json.Marshal(map[string]string{"refreshToken": cred.RefreshToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("tokenrefresher: building social refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", fmt.Sprintf("KiroIDE-%s-%s", kiroClientVersion, cred.MachineID))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tokenrefresher: social refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tokenrefresher: reading social refresh response: %w", err)
	}
	if err := statusError(resp.StatusCode, payload); err != nil {
		return nil, err
	}

	var parsed socialRefreshResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("tokenrefresher: parsing social refresh response: %w", err)
	}

	out := cred.Clone()
	out.AccessToken = parsed.AccessToken
	if parsed.RefreshToken != "" {
		out.RefreshToken = parsed.RefreshToken
	}
	if parsed.ProfileArn != "" {
		out.ProfileArn = parsed.ProfileArn
	}
	expiry := tokenExpiry(parsed.ExpiresIn)
	out.TokenExpiry = &expiry
	return out, nil
}

type idcRefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

// refreshIdc targets AWS SSO OIDC, used for IAM Identity Center (Builder
// ID) credentials.
func refreshIdc(ctx context.Context, client *http.Client, cred *credential.Credential) (*credential.Credential, error) {
	reg := region(cred)
	endpoint := fmt.Sprintf("https://oidc.%s.amazonaws.com/token", reg)

	body, _ := json.Marshal(map[string]string{
		"clientId":     cred.ClientID,
		"clientSecret": cred.ClientSecret,
		"refreshToken": cred.RefreshToken,
		"grantType":    "refresh_token",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("tokenrefresher: building idc refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-amz-user-agent", awsSDKUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tokenrefresher: idc refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tokenrefresher: reading idc refresh response: %w", err)
	}
	if err := statusError(resp.StatusCode, payload); err != nil {
		return nil, err
	}

	var parsed idcRefreshResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("tokenrefresher: parsing idc refresh response: %w", err)
	}

	out := cred.Clone()
	out.AccessToken = parsed.AccessToken
	if parsed.RefreshToken != "" {
		out.RefreshToken = parsed.RefreshToken
	}
	expiry := tokenExpiry(parsed.ExpiresIn)
	out.TokenExpiry = &expiry
	return out, nil
}

// RefreshError carries the upstream status code so callers can classify
// expired/permission/throttled failures without string matching.
type RefreshError struct {
	StatusCode int
	Body       string
}

func (e *RefreshError) Error() string {
	reason := "refresh failed"
	switch {
	case e.StatusCode == 401:
		reason = "expired or invalid"
	case e.StatusCode == 403:
		reason = "permission denied"
	case e.StatusCode == 429:
		reason = "throttled"
	case e.StatusCode >= 500:
		reason = "upstream OAuth unavailable"
	}
	return fmt.Sprintf("tokenrefresher: %s (upstream returned %d): %s", reason, e.StatusCode, e.Body)
}

// HTTPStatus lets credential.Manager classify refresh failures (429/5xx are
// transient, worth trying the next credential without disabling this one)
// without importing this package.
func (e *RefreshError) HTTPStatus() int {
	return e.StatusCode
}

func statusError(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	return &RefreshError{StatusCode: status, Body: string(body)}
}

// UsageLimits is the parsed response of getUsageLimits.
type UsageLimits struct {
	Raw json.RawMessage
}

// GetUsageLimits queries the upstream's quota endpoint. The global region
// is always used here, regardless of any per-credential region override.
func (r *Refresher) GetUsageLimits(ctx context.Context, cred *credential.Credential, token string) (*UsageLimits, error) {
	endpoint := fmt.Sprintf("https://q.%s.amazonaws.com/getUsageLimits?origin=AI_EDITOR&resourceType=AGENTIC_REQUEST", defaultRegion)
	if cred.ProfileArn != "" {
		endpoint += "&profileArn=" + url.QueryEscape(cred.ProfileArn)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("amz-sdk-invocation-id", uuid.New().String())

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if err := statusError(resp.StatusCode, payload); err != nil {
		return nil, err
	}
	return &UsageLimits{Raw: payload}, nil
}
