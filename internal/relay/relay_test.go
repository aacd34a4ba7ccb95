package relay

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"kirogateway/internal/credential"
	"kirogateway/internal/eventstream"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
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

func newTestManager(t *testing.T, id int64) *credential.Manager {
	t.Helper()
	cred := freshCredential(id)
	return credential.NewManager(credential.SchedulingRoundRobin, stubRefresher{}, "", []*credential.Credential{cred})
}

func testRelay(server *httptest.Server) *Relay {
	return New(Config{
		HTTPClient: server.Client(),
		Endpoint:   func(string) string { return server.URL },
	})
}

func TestExecute_NonStreaming_CoalescesTextAndContextUsage(t *testing.T) {
	var body bytes.Buffer
	body.Write(eventstream.EncodeFrame("assistantResponseEvent", []byte(`{"content":"hello "}`)))
	body.Write(eventstream.EncodeFrame("assistantResponseEvent", []byte(`{"content":"world"}`)))
	body.Write(eventstream.EncodeFrame("contextUsageEvent", []byte(`{"contextUsagePercentage":10}`)))
	body.Write(eventstream.EncodeFrame("messageStopEvent", []byte(`{}`)))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body.Bytes())
	}))
	defer server.Close()

	mgr := newTestManager(t, 1)
	cc, err := mgr.AcquireContext(context.Background(), "")
	require.NoError(t, err)

	r := testRelay(server)
	out, err := r.Execute(context.Background(), mgr, "", cc, "claude-sonnet-4-5-20250929", []byte(`{}`), 0)
	require.NoError(t, err)

	parsed := gjson.ParseBytes(out)
	require.Equal(t, "hello world", parsed.Get("content.0.text").String())
	require.Equal(t, "end_turn", parsed.Get("stop_reason").String())
	require.Equal(t, int64(20000), parsed.Get("usage.input_tokens").Int())
}

func TestExecute_NonStreaming_QuotaExceededReacquiresCredential(t *testing.T) {
	okBody := eventstream.EncodeFrame("assistantResponseEvent", []byte(`{"content":"ok"}`))

	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write([]byte(`{"reason":"MONTHLY_REQUEST_COUNT"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(okBody)
	}))
	defer server.Close()

	cred1 := freshCredential(1)
	cred1.RefreshToken = string(bytes.Repeat([]byte("a"), 120))
	cred2 := freshCredential(2)
	cred2.RefreshToken = string(bytes.Repeat([]byte("b"), 120))
	mgr := credential.NewManager(credential.SchedulingRoundRobin, stubRefresher{}, "", []*credential.Credential{cred1, cred2})

	cc, err := mgr.AcquireContext(context.Background(), "")
	require.NoError(t, err)

	r := testRelay(server)
	out, err := r.Execute(context.Background(), mgr, "", cc, "claude-sonnet-4-5-20250929", []byte(`{}`), 0)
	require.NoError(t, err)
	require.Equal(t, "ok", gjson.GetBytes(out, "content.0.text").String())
	require.Equal(t, 2, calls)

	exhausted, err := mgr.GetByID(cred1.ID)
	require.NoError(t, err)
	require.True(t, exhausted.Disabled)
}

func TestExecuteStream_Standard_EmitsLifecycleEvents(t *testing.T) {
	var body bytes.Buffer
	body.Write(eventstream.EncodeFrame("assistantResponseEvent", []byte(`{"content":"hi"}`)))
	body.Write(eventstream.EncodeFrame("messageStopEvent", []byte(`{}`)))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body.Bytes())
	}))
	defer server.Close()

	mgr := newTestManager(t, 1)
	cc, err := mgr.AcquireContext(context.Background(), "")
	require.NoError(t, err)

	r := testRelay(server)
	var out bytes.Buffer
	err = r.ExecuteStream(context.Background(), mgr, "", cc, "claude-sonnet-4-5-20250929", []byte(`{}`), 42, &out, ModeStandard)
	require.NoError(t, err)

	transcript := out.String()
	require.Contains(t, transcript, "event: message_start")
	require.Contains(t, transcript, `"input_tokens":42`)
	require.Contains(t, transcript, "event: content_block_delta")
	require.Contains(t, transcript, "event: message_stop")
}

func TestExecuteStream_Buffered_DelaysMessageStartUntilContextUsage(t *testing.T) {
	var body bytes.Buffer
	body.Write(eventstream.EncodeFrame("assistantResponseEvent", []byte(`{"content":"buffered"}`)))
	body.Write(eventstream.EncodeFrame("contextUsageEvent", []byte(`{"contextUsagePercentage":5}`)))
	body.Write(eventstream.EncodeFrame("messageStopEvent", []byte(`{}`)))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body.Bytes())
	}))
	defer server.Close()

	mgr := newTestManager(t, 1)
	cc, err := mgr.AcquireContext(context.Background(), "")
	require.NoError(t, err)

	r := testRelay(server)
	var out bytes.Buffer
	err = r.ExecuteStream(context.Background(), mgr, "", cc, "claude-sonnet-4-5-20250929", []byte(`{}`), 0, &out, ModeBuffered)
	require.NoError(t, err)

	transcript := out.String()
	require.Contains(t, transcript, `"input_tokens":10000`)
	require.Contains(t, transcript, "buffered")
}

func TestClassifyRetryable(t *testing.T) {
	require.False(t, classifyRetryable(nil))
	require.False(t, classifyRetryable(context.Canceled))
}

func TestIsRetryableHTTPStatus(t *testing.T) {
	require.True(t, isRetryableHTTPStatus(502))
	require.True(t, isRetryableHTTPStatus(503))
	require.False(t, isRetryableHTTPStatus(404))
}
