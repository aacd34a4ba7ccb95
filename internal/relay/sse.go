package relay

import (
	"bytes"
	"io"
	"net/http"
	"sync"
)

var sseBufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

var (
	sseEventPrefix = []byte("event: ")
	sseDataPrefix  = []byte("\ndata: ")
	sseSuffix      = []byte("\n\n")
)

// writeSSEEvent writes one named Anthropic SSE frame ("event: <type>\ndata:
// <json>\n\n") and flushes immediately if the writer supports it, mirroring
// the teacher's pooled-buffer SSE writer generalized to named event types.
func writeSSEEvent(w io.Writer, event string, data []byte) {
	if w == nil {
		return
	}
	buf := sseBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	buf.Grow(len(sseEventPrefix) + len(event) + len(sseDataPrefix) + len(data) + len(sseSuffix))
	_, _ = buf.Write(sseEventPrefix)
	_, _ = buf.WriteString(event)
	_, _ = buf.Write(sseDataPrefix)
	_, _ = buf.Write(data)
	_, _ = buf.Write(sseSuffix)
	_, _ = w.Write(buf.Bytes())
	buf.Reset()
	sseBufferPool.Put(buf)

	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
