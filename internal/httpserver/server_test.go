package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"kirogateway/internal/apikey"
	"kirogateway/internal/appconfig"
	"kirogateway/internal/credential"
	"kirogateway/internal/eventstream"
	"kirogateway/internal/health"
	"kirogateway/internal/pool"
	"kirogateway/internal/ratelimiter"
	"kirogateway/internal/relay"
)

type stubRefresher struct{}

func (stubRefresher) Refresh(_ context.Context, cred *credential.Credential, _ *credential.ProxyConfig) (*credential.Credential, error) {
	return cred.Clone(), nil
}

func freshCredential(id int64) *credential.Credential {
	exp := time.Now().Add(time.Hour)
	return &credential.Credential{
		ID:           id,
		RefreshToken: string(bytes.Repeat([]byte("a"), 120)),
		AccessToken:  "token",
		TokenExpiry:  &exp,
		AuthMethod:   credential.AuthMethodSocial,
	}
}

func newTestServer(t *testing.T, upstream *httptest.Server) (*Server, string, string) {
	t.Helper()
	dir := t.TempDir()

	mgr := pool.New(filepath.Join(dir, "credentials.json"), filepath.Join(dir, "pools.json"), nil, stubRefresher{})
	require.NoError(t, mgr.Reload())
	defaultRT, err := mgr.GetPoolForAPIKey(nil)
	require.NoError(t, err)
	_, err = defaultRT.Manager.AddCredential(freshCredential(1))
	require.NoError(t, err)

	keyStore, err := apikey.NewStore(filepath.Join(dir, "keys.json"))
	require.NoError(t, err)
	entry, err := keyStore.Create("test-key", nil)
	require.NoError(t, err)

	cfgStore, err := appconfig.NewStore(filepath.Join(dir, "config.json"))
	require.NoError(t, err)

	limiter := ratelimiter.New(ratelimiter.Limits{GlobalPerMinute: 1000, GlobalPerHour: 1000, PerKeyPerMinute: 1000, PerKeyPerHour: 1000})
	reporter := health.New(mgr)
	r := relay.New(relay.Config{HTTPClient: upstream.Client(), Endpoint: func(string) string { return upstream.URL }})

	srv := New(Deps{
		Pools:    mgr,
		APIKeys:  keyStore,
		Config:   cfgStore,
		Limiter:  limiter,
		Health:   reporter,
		Relay:    r,
		AdminKey: "admin-secret",
	})
	return srv, entry.Key, "admin-secret"
}

func TestServer_MessagesRequiresAPIKey(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()
	srv, _, _ := newTestServer(t, upstream)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_MessagesNonStreaming(t *testing.T) {
	body := eventstream.EncodeFrame("assistantResponseEvent", []byte(`{"content":"hi there"}`))
	body = append(body, eventstream.EncodeFrame("messageStopEvent", []byte(`{}`))...)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
	defer upstream.Close()
	srv, apiKey, _ := newTestServer(t, upstream)

	payload := `{"model":"claude-sonnet-4-5-20250929-chat","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader([]byte(payload)))
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hi there", gjson.GetBytes(rec.Body.Bytes(), "content.0.text").String())
}

func TestServer_HealthEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()
	srv, _, _ := newTestServer(t, upstream)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "healthy", gjson.GetBytes(rec.Body.Bytes(), "status").String())
}

func TestServer_AdminRequiresKeyThenCSRFForMutation(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()
	srv, _, adminKey := newTestServer(t, upstream)

	listReq := httptest.NewRequest(http.MethodGet, "/api/admin/pools", nil)
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, listReq)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	listReq = httptest.NewRequest(http.MethodGet, "/api/admin/pools", nil)
	listReq.Header.Set("x-api-key", adminKey)
	rec = httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, listReq)
	require.Equal(t, http.StatusOK, rec.Code)

	createReq := httptest.NewRequest(http.MethodPost, "/api/admin/pools", bytes.NewReader([]byte(`{"id":"secondary","name":"Secondary"}`)))
	createReq.Header.Set("x-api-key", adminKey)
	createReq.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, createReq)
	require.Equal(t, http.StatusForbidden, rec.Code)

	tokenReq := httptest.NewRequest(http.MethodGet, "/api/admin/csrf-token", nil)
	tokenReq.Header.Set("x-api-key", adminKey)
	rec = httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, tokenReq)
	require.Equal(t, http.StatusOK, rec.Code)
	var tokenResp struct {
		CSRFToken string `json:"csrf_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tokenResp))
	require.NotEmpty(t, tokenResp.CSRFToken)

	createReq = httptest.NewRequest(http.MethodPost, "/api/admin/pools", bytes.NewReader([]byte(`{"id":"secondary","name":"Secondary"}`)))
	createReq.Header.Set("x-api-key", adminKey)
	createReq.Header.Set("Content-Type", "application/json")
	createReq.Header.Set("x-csrf-token", tokenResp.CSRFToken)
	rec = httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, createReq)
	require.Equal(t, http.StatusCreated, rec.Code)

	// The same token cannot be replayed.
	createReq = httptest.NewRequest(http.MethodPost, "/api/admin/pools", bytes.NewReader([]byte(`{"id":"tertiary","name":"Tertiary"}`)))
	createReq.Header.Set("x-api-key", adminKey)
	createReq.Header.Set("Content-Type", "application/json")
	createReq.Header.Set("x-csrf-token", tokenResp.CSRFToken)
	rec = httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, createReq)
	require.Equal(t, http.StatusForbidden, rec.Code)
}
