package requestconverter

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	defaultTruncationThresholdTokens = 100_000
	defaultKeepRecentMessages        = 20
	truncationNotice                 = "[Earlier messages truncated to manage context length]"
)

// HistoryOptions tunes the three-layer history management applied before
// Convert when enabled.
type HistoryOptions struct {
	ThresholdTokens    int
	KeepRecent         int
	StripHistoryImages bool
}

// DefaultHistoryOptions mirrors the spec's defaults.
func DefaultHistoryOptions() HistoryOptions {
	return HistoryOptions{
		ThresholdTokens:    defaultTruncationThresholdTokens,
		KeepRecent:         defaultKeepRecentMessages,
		StripHistoryImages: true,
	}
}

// ApplyHistoryManagement replaces image blocks in historical (non-final)
// messages with a literal "[Image]" text block, then truncates to the most
// recent KeepRecent messages (prefixed with a synthesized truncation
// notice) when the estimated token count exceeds ThresholdTokens.
func ApplyHistoryManagement(req *AnthropicRequest, opts HistoryOptions) *AnthropicRequest {
	if len(req.Messages) == 0 {
		return req
	}

	out := *req
	out.Messages = make([]AnthropicMessage, len(req.Messages))
	copy(out.Messages, req.Messages)

	if opts.StripHistoryImages {
		for i := 0; i < len(out.Messages)-1; i++ {
			out.Messages[i].Content = stripImages(out.Messages[i].Content)
		}
	}

	if EstimateInputTokens(&out) <= opts.ThresholdTokens {
		return &out
	}

	keep := opts.KeepRecent
	if keep <= 0 || keep >= len(out.Messages) {
		return &out
	}

	notice := AnthropicMessage{Role: "user", Content: mustMarshalString(truncationNotice)}
	truncated := append([]AnthropicMessage{notice}, out.Messages[len(out.Messages)-keep:]...)
	out.Messages = truncated
	return &out
}

func stripImages(content json.RawMessage) json.RawMessage {
	if len(content) == 0 || !gjson.ParseBytes(content).IsArray() {
		return content
	}
	out := []byte("[]")
	gjson.ParseBytes(content).ForEach(func(_, block gjson.Result) bool {
		var entry []byte
		if block.Get("type").String() == "image" {
			entry, _ = json.Marshal(map[string]string{"type": "text", "text": "[Image]"})
		} else {
			entry = []byte(block.Raw)
		}
		out, _ = sjson.SetRawBytes(out, "-1", entry)
		return true
	})
	return out
}

func mustMarshalString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
