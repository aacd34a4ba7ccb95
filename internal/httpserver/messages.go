package httpserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"kirogateway/internal/apikey"
	apperrors "kirogateway/internal/errors"
	"kirogateway/internal/registry"
	"kirogateway/internal/relay"
	"kirogateway/internal/requestconverter"
)

// modelsHandler serves the static Claude model catalogue.
func modelsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": registry.GetClaudeModels()})
}

func (s *Server) entryFromContext(c *gin.Context) *apikey.Entry {
	v, ok := c.Get(ctxAPIKeyEntry)
	if !ok {
		return nil
	}
	entry, _ := v.(*apikey.Entry)
	return entry
}

// messagesHandler builds the Messages-API handler shared by /v1/messages
// and /cc/v1/messages, differing only in how a streamed response is
// framed (mode).
func (s *Server) messagesHandler(mode relay.StreamMode) gin.HandlerFunc {
	return func(c *gin.Context) {
		entry := s.entryFromContext(c)
		if entry == nil {
			writeAppError(c, apperrors.Unauthorized("missing api key binding", nil))
			return
		}

		var req requestconverter.AnthropicRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeAppError(c, apperrors.BadRequest("invalid request body", err))
			return
		}

		rt, err := s.deps.Pools.GetPoolForAPIKey(entry.PoolID)
		if err != nil {
			writeAppError(c, apperrors.ServiceUnavailable("no pool available to serve this key", err))
			return
		}

		sessionID := s.deps.SessionID(c.Request)
		cc, err := rt.Manager.AcquireContext(c.Request.Context(), sessionID)
		if err != nil {
			writeAppError(c, apperrors.ServiceUnavailable("no credentials available in pool", err))
			return
		}

		conversationID := sessionID
		if conversationID == "" {
			conversationID = uuid.NewString()
		}
		envelope, err := requestconverter.Convert(&req, conversationID)
		if err != nil {
			writeAppError(c, apperrors.BadRequest("unable to translate request", err))
			return
		}
		fallbackTokens := requestconverter.EstimateInputTokens(&req)

		if !req.Stream {
			out, err := s.deps.Relay.Execute(c.Request.Context(), rt.Manager, sessionID, cc, req.Model, envelope, fallbackTokens)
			if err != nil {
				if appErr, ok := err.(*apperrors.AppError); ok {
					writeAppError(c, appErr)
					return
				}
				writeAppError(c, apperrors.BadGateway("upstream relay failed", err))
				return
			}
			c.Data(http.StatusOK, "application/json; charset=utf-8", out)
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)

		flusher, _ := c.Writer.(http.Flusher)
		w := flushWriter{w: c.Writer, f: flusher}
		if err := s.deps.Relay.ExecuteStream(c.Request.Context(), rt.Manager, sessionID, cc, req.Model, envelope, fallbackTokens, w, mode); err != nil {
			// Headers are already committed; there is nothing left to do
			// but stop writing. The relay writes no error event: a failure
			// before the upstream answers leaves the stream empty, and a
			// failure mid-stream ends it with message_delta/message_stop.
			return
		}
	}
}

// countTokensHandler estimates input tokens without relaying upstream.
func (s *Server) countTokensHandler(c *gin.Context) {
	var req requestconverter.AnthropicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAppError(c, apperrors.BadRequest("invalid request body", err))
		return
	}
	n := requestconverter.EstimateInputTokens(&req)
	if n < 1 {
		n = 1
	}
	c.JSON(http.StatusOK, gin.H{"input_tokens": n})
}

// flushWriter wraps a gin.ResponseWriter so relay.ExecuteStream's plain
// io.Writer flushes after every write, keeping SSE chunks moving to the
// client as they're produced instead of buffering.
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}
