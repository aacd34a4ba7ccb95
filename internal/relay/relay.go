// Package relay drives one Anthropic Messages request through to the
// Kiro/CodeWhisperer upstream and back: non-streaming request/response,
// standard SSE streaming, and buffered (Claude Code endpoint) streaming,
// all sharing the same retry, credential-failure-reporting, and
// EventStream-decoding core.
package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"kirogateway/internal/credential"
	apperrors "kirogateway/internal/errors"
	"kirogateway/internal/eventstream"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/net/proxy"
)

const (
	defaultPingInterval   = 25 * time.Second
	defaultRequestTimeout = 60 * time.Second
	defaultRegion         = "us-east-1"
	messagesContentType   = "application/x-amz-json-1.0"
	messagesTarget        = "AmazonCodeWhispererStreamingService.GenerateAssistantResponse"
	quotaExceededReason   = "MONTHLY_REQUEST_COUNT"
	maxQuotaReacquires    = 8
)

// Relay executes converted upstream requests against a pool's
// CredentialManager, handling retries, quota fallover, and response
// decoding/translation back to Anthropic's wire format.
type Relay struct {
	httpClient   *http.Client
	pingInterval time.Duration
	endpoint     func(region string) string
}

// Config tunes a Relay. Zero-value fields take their documented defaults.
type Config struct {
	HTTPClient   *http.Client
	PingInterval time.Duration
	// Endpoint overrides the upstream URL builder; tests point it at an
	// httptest server instead of the real q.<region>.amazonaws.com host.
	Endpoint func(region string) string
}

// New constructs a Relay, defaulting to a pooled client tuned the way the
// teacher's kiro executor tunes its shared transport.
func New(cfg Config) *Relay {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout: defaultRequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		}
	}
	ping := cfg.PingInterval
	if ping <= 0 {
		ping = defaultPingInterval
	}
	endpoint := cfg.Endpoint
	if endpoint == nil {
		endpoint = messagesEndpoint
	}
	return &Relay{httpClient: client, pingInterval: ping, endpoint: endpoint}
}

// clientFor returns the shared pooled client, or a one-off proxy-dialed
// client when the CallContext carries a credential-level proxy override,
// mirroring the teacher's per-auth proxy client construction.
func (r *Relay) clientFor(cc *credential.CallContext) *http.Client {
	if cc.Proxy == nil || cc.Proxy.URL == "" {
		return r.httpClient
	}
	u, err := url.Parse(cc.Proxy.URL)
	if err != nil {
		return r.httpClient
	}
	if cc.Proxy.Username != "" {
		u.User = url.UserPassword(cc.Proxy.Username, cc.Proxy.Password)
	}
	dialer, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return r.httpClient
	}
	return &http.Client{
		Timeout: defaultRequestTimeout,
		Transport: &http.Transport{
			Dial:                dialer.Dial,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			MaxConnsPerHost:     50,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

func messagesEndpoint(region string) string {
	if strings.TrimSpace(region) == "" {
		region = defaultRegion
	}
	return fmt.Sprintf("https://q.%s.amazonaws.com", region)
}

// buildEnvelope wraps the converted conversationState body in the
// upstream's outer request envelope, attaching profileArn when present.
func buildEnvelope(conversationState []byte, profileArn string) ([]byte, error) {
	body, err := sjson.SetRawBytes([]byte("{}"), "conversationState", conversationState)
	if err != nil {
		return nil, err
	}
	if profileArn != "" {
		body, err = sjson.SetBytes(body, "profileArn", profileArn)
		if err != nil {
			return nil, err
		}
	}
	return body, nil
}

func (r *Relay) newRequest(ctx context.Context, cc *credential.CallContext, envelope []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint(cc.Region), bytes.NewReader(envelope))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", messagesContentType)
	req.Header.Set("x-amz-target", messagesTarget)
	req.Header.Set("Authorization", "Bearer "+cc.AccessToken)
	return req, nil
}

// isQuotaExceeded inspects a 402 body for the monthly-quota reason code.
func isQuotaExceeded(body []byte) bool {
	return gjson.GetBytes(body, "reason").String() == quotaExceededReason ||
		strings.Contains(string(body), quotaExceededReason)
}

// doWithRetry performs the preflight request/response cycle shared by the
// non-streaming and streaming paths: quota fallover (reacquiring a fresh
// CallContext) and bounded transient retries. On return, either resp is a
// verified 2xx response the caller owns (must Close its Body), or err is
// set and resp is nil.
func (r *Relay) doWithRetry(ctx context.Context, mgr *credential.Manager, sessionID string, cc *credential.CallContext, envelope []byte) (*http.Response, *credential.CallContext, error) {
	quotaAttempts := 0
	for {
		transientAttempts := 0
		for {
			req, err := r.newRequest(ctx, cc, envelope)
			if err != nil {
				return nil, cc, apperrors.InternalServerError("relay: building upstream request", err)
			}
			resp, err := r.clientFor(cc).Do(req)
			if err != nil {
				if classifyRetryable(err) && transientAttempts < nonStreamingRetryBudget {
					transientAttempts++
					log.WithError(err).Warn("relay: transient transport error, retrying")
					time.Sleep(nonStreamingRetryDelay)
					continue
				}
				mgr.ReportFailure(cc.ID)
				return nil, cc, apperrors.BadGateway("relay: upstream request failed", err)
			}

			if resp.StatusCode == http.StatusPaymentRequired {
				b, _ := io.ReadAll(resp.Body)
				_ = resp.Body.Close()
				if isQuotaExceeded(b) {
					mgr.ReportQuotaExhausted(cc.ID)
					quotaAttempts++
					if quotaAttempts > maxQuotaReacquires {
						return nil, cc, apperrors.ServiceUnavailable("relay: no credentials with remaining quota", nil)
					}
					next, aerr := mgr.AcquireContext(ctx, sessionID)
					if aerr != nil {
						return nil, cc, apperrors.ServiceUnavailable("relay: all credentials unavailable after quota exhaustion", aerr)
					}
					cc = next
					break // restart transient loop with the new context
				}
				mgr.ReportFailure(cc.ID)
				return nil, cc, apperrors.TooManyRequests("relay: upstream payment required", nil)
			}

			if isRetryableHTTPStatus(resp.StatusCode) && transientAttempts < nonStreamingRetryBudget {
				_ = resp.Body.Close()
				transientAttempts++
				log.WithField("status", resp.StatusCode).Warn("relay: retryable upstream status, retrying")
				time.Sleep(nonStreamingRetryDelay)
				continue
			}

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				b, _ := io.ReadAll(resp.Body)
				_ = resp.Body.Close()
				mgr.ReportFailure(cc.ID)
				return nil, cc, apperrors.BadGateway(fmt.Sprintf("relay: upstream status %d", resp.StatusCode), fmt.Errorf("%s", string(b)))
			}

			return resp, cc, nil
		}
	}
}

// toolCall accumulates one tool_use block's JSON-fragment input stream.
type toolCall struct {
	id    string
	name  string
	input strings.Builder
	done  bool
}

// aggregate collects every logical event of one complete (non-streaming)
// response, or the replay buffer for buffered streaming.
type aggregate struct {
	text         strings.Builder
	tools        map[string]*toolCall
	toolOrder    []string
	sawToolUse   bool
	hitMaxTokens bool
	inputTokens  int
	outputTokens int
	exception    *eventstream.LogicalEvent
}

func newAggregate() *aggregate {
	return &aggregate{tools: make(map[string]*toolCall)}
}

func (a *aggregate) stopReason() stopReason {
	return resolveStopReason(a.sawToolUse, a.hitMaxTokens)
}

// apply folds one logical event into the aggregate, returning the tool
// call it just touched (nil otherwise) so streaming callers can emit
// incremental deltas from the same fold.
func (a *aggregate) apply(ev eventstream.LogicalEvent) *toolCall {
	switch ev.Kind {
	case eventstream.KindAssistantText:
		a.text.WriteString(ev.Text)
	case eventstream.KindToolUse:
		a.sawToolUse = true
		t, ok := a.tools[ev.ToolID]
		if !ok {
			t = &toolCall{id: ev.ToolID, name: ev.ToolName}
			a.tools[ev.ToolID] = t
			a.toolOrder = append(a.toolOrder, ev.ToolID)
		}
		t.input.WriteString(ev.ToolInputPart)
		if ev.ToolStop {
			t.done = true
		}
		return t
	case eventstream.KindContextUsage:
		if est := int(ev.Percentage * contextUsageTokensPerPercent); est > a.inputTokens {
			a.inputTokens = est
		}
	case eventstream.KindUsage:
		if ev.Usage != nil {
			if ev.Usage.InputTokens > 0 {
				a.inputTokens = int(ev.Usage.InputTokens)
			} else if ev.Usage.UncachedInputTokens > 0 {
				a.inputTokens = int(ev.Usage.UncachedInputTokens)
			}
			if ev.Usage.OutputTokens > 0 {
				a.outputTokens = int(ev.Usage.OutputTokens)
			}
		}
	case eventstream.KindException:
		e := ev
		a.exception = &e
		if ev.ExceptionType == eventstream.ContentLengthExceededException {
			a.hitMaxTokens = true
		}
	}
	return nil
}

func newMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Execute performs the non-streaming relay: upstream POST, full-response
// EventStream drain, and coalescing into a single Anthropic Messages
// reply.
func (r *Relay) Execute(ctx context.Context, mgr *credential.Manager, sessionID string, cc *credential.CallContext, model string, conversationState []byte, fallbackInputTokens int) ([]byte, error) {
	envelope, err := buildEnvelope(conversationState, cc.ProfileArn)
	if err != nil {
		return nil, apperrors.InternalServerError("relay: building envelope", err)
	}

	requestStart := time.Now()
	resp, cc, err := r.doWithRetry(ctx, mgr, sessionID, cc, envelope)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		mgr.ReportFailure(cc.ID)
		return nil, apperrors.BadGateway("relay: reading upstream response", err)
	}

	dec := eventstream.NewDecoder()
	if err := dec.Feed(data); err != nil {
		mgr.ReportFailure(cc.ID)
		return nil, apperrors.BadGateway("relay: upstream response too large", err)
	}
	msgs, frameErrs := dec.DecodeIter()
	for _, ferr := range frameErrs {
		log.WithError(ferr).Warn("relay: malformed upstream frame, skipping")
	}

	agg := newAggregate()
	agg.inputTokens = fallbackInputTokens
	for _, m := range msgs {
		agg.apply(eventstream.ToLogical(m))
	}

	if agg.exception != nil && agg.exception.ExceptionType != eventstream.ContentLengthExceededException {
		mgr.ReportFailure(cc.ID)
		return nil, apperrors.BadGateway("relay: upstream exception: "+agg.exception.ExceptionType, fmt.Errorf("%s", agg.exception.ExceptionMsg))
	}

	mgr.ReportSuccess(cc.ID, time.Since(requestStart).Milliseconds())

	out, err := buildNonStreamingMessage(newMessageID(), model, agg)
	if err != nil {
		return nil, apperrors.InternalServerError("relay: building response", err)
	}
	return out, nil
}

// StreamMode distinguishes the standard always-stream path from the
// Claude-Code buffered-until-context-usage path.
type StreamMode int

const (
	ModeStandard StreamMode = iota
	ModeBuffered
)

// streamState tracks the Anthropic content-block indices opened so far,
// threading block numbering across both live and buffered-replay events.
type streamState struct {
	nextIndex int
	textIndex int
	textOpen  bool
	toolIndex map[string]int
}

func newStreamState() *streamState {
	return &streamState{toolIndex: make(map[string]int), textIndex: -1}
}

// emit writes the SSE frames for one logical event against the given
// writer, opening/closing content blocks as needed.
func (s *streamState) emit(w io.Writer, agg *aggregate, ev eventstream.LogicalEvent) {
	switch ev.Kind {
	case eventstream.KindAssistantText:
		if ev.Text == "" {
			return
		}
		if !s.textOpen {
			s.textIndex = s.nextIndex
			s.nextIndex++
			s.textOpen = true
			writeSSEEvent(w, "content_block_start", buildContentBlockStartText(s.textIndex))
		}
		writeSSEEvent(w, "content_block_delta", buildContentBlockDeltaText(s.textIndex, ev.Text))

	case eventstream.KindToolUse:
		idx, ok := s.toolIndex[ev.ToolID]
		if !ok {
			if s.textOpen {
				writeSSEEvent(w, "content_block_stop", buildContentBlockStop(s.textIndex))
				s.textOpen = false
			}
			idx = s.nextIndex
			s.nextIndex++
			s.toolIndex[ev.ToolID] = idx
			writeSSEEvent(w, "content_block_start", buildContentBlockStartToolUse(idx, ev.ToolID, ev.ToolName))
		}
		if ev.ToolInputPart != "" {
			writeSSEEvent(w, "content_block_delta", buildContentBlockDeltaInputJSON(idx, ev.ToolInputPart))
		}
		if ev.ToolStop {
			writeSSEEvent(w, "content_block_stop", buildContentBlockStop(idx))
		}
	}
}

func (s *streamState) closeOpenBlocks(w io.Writer) {
	if s.textOpen {
		writeSSEEvent(w, "content_block_stop", buildContentBlockStop(s.textIndex))
		s.textOpen = false
	}
}

// ExecuteStream performs the streaming relay (standard or buffered) against
// w, which must support http.Flusher for timely delivery. The caller is
// responsible for response headers (text/event-stream etc).
func (r *Relay) ExecuteStream(ctx context.Context, mgr *credential.Manager, sessionID string, cc *credential.CallContext, model string, conversationState []byte, fallbackInputTokens int, w io.Writer, mode StreamMode) error {
	envelope, err := buildEnvelope(conversationState, cc.ProfileArn)
	if err != nil {
		return apperrors.InternalServerError("relay: building envelope", err)
	}

	resp, cc, err := r.doWithRetry(ctx, mgr, sessionID, cc, envelope)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	messageID := newMessageID()
	agg := newAggregate()
	agg.inputTokens = fallbackInputTokens
	state := newStreamState()

	buffering := mode == ModeBuffered
	var replay []eventstream.LogicalEvent
	started := false

	startMessage := func() {
		if started {
			return
		}
		started = true
		writeSSEEvent(w, "message_start", buildMessageStart(messageID, model, agg.inputTokens))
	}
	if !buffering {
		startMessage()
	}

	dec := eventstream.NewDecoder()
	chunk := make([]byte, 32*1024)

	type readResult struct {
		n   int
		err error
	}
	reads := make(chan readResult, 1)
	doRead := func() {
		n, rerr := resp.Body.Read(chunk)
		reads <- readResult{n: n, err: rerr}
	}
	go doRead()

	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()

	finish := func(reason error) error {
		state.closeOpenBlocks(w)
		stop := agg.stopReason()
		writeSSEEvent(w, "message_delta", buildMessageDelta(stop, agg.outputTokens))
		writeSSEEvent(w, "message_stop", buildMessageStop())
		if reason != nil {
			mgr.ReportFailure(cc.ID)
			return reason
		}
		mgr.ReportSuccess(cc.ID, 0)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			// Client cancellation: drop the upstream body, no credential
			// failure is recorded for a client-side cancel.
			return ctx.Err()

		case <-ticker.C:
			writeSSEEvent(w, "ping", buildPing())

		case res := <-reads:
			if res.n > 0 {
				buf := make([]byte, res.n)
				copy(buf, chunk[:res.n])
				if ferr := dec.Feed(buf); ferr != nil {
					return finish(apperrors.BadGateway("relay: upstream stream too large", ferr))
				}
				msgs, frameErrs := dec.DecodeIter()
				for _, ferr := range frameErrs {
					log.WithError(ferr).Warn("relay: malformed upstream frame, skipping")
				}
				for _, m := range msgs {
					ev := eventstream.ToLogical(m)
					agg.apply(ev)

					if ev.Kind == eventstream.KindException && ev.ExceptionType != eventstream.ContentLengthExceededException {
						return finish(apperrors.BadGateway("relay: upstream exception: "+ev.ExceptionType, fmt.Errorf("%s", ev.ExceptionMsg)))
					}

					if buffering {
						replay = append(replay, ev)
						if ev.Kind == eventstream.KindContextUsage {
							buffering = false
							startMessage()
							for _, buffered := range replay {
								state.emit(w, agg, buffered)
							}
							replay = nil
						}
						continue
					}
					state.emit(w, agg, ev)
				}
			}
			if res.err != nil {
				if res.err == io.EOF {
					if buffering {
						startMessage()
						for _, buffered := range replay {
							state.emit(w, agg, buffered)
						}
					}
					return finish(nil)
				}
				return finish(apperrors.BadGateway("relay: reading upstream stream", res.err))
			}
			go doRead()
		}
	}
}
