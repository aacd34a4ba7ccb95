package relay

import (
	"encoding/json"
)

// contextUsageTokensPerPercent converts an upstream contextUsageEvent
// percentage (0-100) to an approximate input-token count, derived from a
// 200,000-token context window: percentage * 2000 == percentage/100 *
// 200000.
const contextUsageTokensPerPercent = 2000

type stopReason string

const (
	stopReasonToolUse   stopReason = "tool_use"
	stopReasonMaxTokens stopReason = "max_tokens"
	stopReasonEndTurn   stopReason = "end_turn"
)

// resolveStopReason applies the precedence tool_use > max_tokens > end_turn.
func resolveStopReason(sawToolUse, hitMaxTokens bool) stopReason {
	switch {
	case sawToolUse:
		return stopReasonToolUse
	case hitMaxTokens:
		return stopReasonMaxTokens
	default:
		return stopReasonEndTurn
	}
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

func buildMessageStart(messageID, model string, inputTokens int) []byte {
	return mustJSON(map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            messageID,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]any{
				"input_tokens":  inputTokens,
				"output_tokens": 0,
			},
		},
	})
}

func buildContentBlockStartText(index int) []byte {
	return mustJSON(map[string]any{
		"type":  "content_block_start",
		"index": index,
		"content_block": map[string]any{
			"type": "text",
			"text": "",
		},
	})
}

func buildContentBlockStartToolUse(index int, id, name string) []byte {
	return mustJSON(map[string]any{
		"type":  "content_block_start",
		"index": index,
		"content_block": map[string]any{
			"type":  "tool_use",
			"id":    id,
			"name":  name,
			"input": map[string]any{},
		},
	})
}

func buildContentBlockDeltaText(index int, text string) []byte {
	return mustJSON(map[string]any{
		"type":  "content_block_delta",
		"index": index,
		"delta": map[string]any{
			"type": "text_delta",
			"text": text,
		},
	})
}

func buildContentBlockDeltaInputJSON(index int, partialJSON string) []byte {
	return mustJSON(map[string]any{
		"type":  "content_block_delta",
		"index": index,
		"delta": map[string]any{
			"type":         "input_json_delta",
			"partial_json": partialJSON,
		},
	})
}

func buildContentBlockStop(index int) []byte {
	return mustJSON(map[string]any{
		"type":  "content_block_stop",
		"index": index,
	})
}

func buildMessageDelta(reason stopReason, outputTokens int) []byte {
	return mustJSON(map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   string(reason),
			"stop_sequence": nil,
		},
		"usage": map[string]any{
			"output_tokens": outputTokens,
		},
	})
}

func buildMessageStop() []byte {
	return mustJSON(map[string]any{"type": "message_stop"})
}

func buildPing() []byte {
	return mustJSON(map[string]any{"type": "ping"})
}

// buildNonStreamingMessage assembles the complete Anthropic Messages JSON
// reply from an aggregated non-streaming response.
func buildNonStreamingMessage(messageID, model string, agg *aggregate) ([]byte, error) {
	content := make([]any, 0, 1+len(agg.toolOrder))
	if agg.text.Len() > 0 {
		content = append(content, map[string]any{"type": "text", "text": agg.text.String()})
	}
	for _, id := range agg.toolOrder {
		t := agg.tools[id]
		var input any
		if t.input.Len() > 0 {
			_ = json.Unmarshal([]byte(t.input.String()), &input)
		}
		if input == nil {
			input = map[string]any{}
		}
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    t.id,
			"name":  t.name,
			"input": input,
		})
	}

	body := map[string]any{
		"id":            messageID,
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       content,
		"stop_reason":   string(agg.stopReason()),
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":  agg.inputTokens,
			"output_tokens": agg.outputTokens,
		},
	}
	out, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return out, nil
}
