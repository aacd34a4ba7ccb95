// Package requestconverter maps Anthropic Messages API requests to and
// from the Kiro/CodeWhisperer upstream's conversationState envelope, and
// estimates token usage for requests the upstream hasn't answered yet.
package requestconverter

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	ErrUnsupportedModel = errors.New("requestconverter: unsupported model")
	ErrEmptyMessages    = errors.New("requestconverter: messages must not be empty")
)

const (
	agenticSuffix = "-agentic"
	chatSuffix    = "-chat"
)

// AnthropicRequest is the subset of the Messages API request body the
// converter inspects. Unknown/extra fields round-trip untouched via Extra.
type AnthropicRequest struct {
	Model      string             `json:"model"`
	Messages   []AnthropicMessage `json:"messages"`
	System     json.RawMessage    `json:"system,omitempty"`
	Tools      json.RawMessage    `json:"tools,omitempty"`
	ToolChoice json.RawMessage    `json:"tool_choice,omitempty"`
	Thinking   json.RawMessage    `json:"thinking,omitempty"`
	MaxTokens  int                `json:"max_tokens"`
	Stream     bool               `json:"stream,omitempty"`
}

// AnthropicMessage is one entry of the request's messages array.
type AnthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// conversationMode selects which upstream conversationState shape Convert
// builds, derived from a model-id suffix; only a model id with neither
// suffix falls back to the presence of tools.
type conversationMode int

const (
	modeChat conversationMode = iota
	modeAgentic
)

func modeForModel(model string) conversationMode {
	if strings.HasSuffix(model, agenticSuffix) {
		return modeAgentic
	}
	if strings.HasSuffix(model, chatSuffix) {
		return modeChat
	}
	// No suffix: defaults to chat. Convert still upgrades this to agentic
	// when the request itself carries a non-empty tools array (see below).
	return modeChat
}

// Convert builds the upstream conversationState JSON envelope from an
// Anthropic Messages request. The exact field names mirror the upstream's
// own vocabulary (conversationId, currentMessage, history,
// chatTriggerType) and are treated as an opaque, field-for-field
// translation table rather than re-derived from first principles.
func Convert(req *AnthropicRequest, conversationID string) ([]byte, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, ErrUnsupportedModel
	}
	if len(req.Messages) == 0 {
		return nil, ErrEmptyMessages
	}

	mode := modeForModel(req.Model)
	if !strings.HasSuffix(req.Model, chatSuffix) && len(gjson.ParseBytes(req.Tools).Array()) > 0 {
		mode = modeAgentic
	}

	current := req.Messages[len(req.Messages)-1]
	history := req.Messages[:len(req.Messages)-1]

	envelope := map[string]any{
		"conversationId":  conversationID,
		"chatTriggerType": "MANUAL",
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}

	body, err = sjson.SetRawBytes(body, "currentMessage.userInputMessage.content", extractText(current.Content))
	if err != nil {
		return nil, err
	}

	historyJSON := []byte("[]")
	for _, m := range history {
		entry, herr := json.Marshal(map[string]any{
			"role":    m.Role,
			"content": string(extractText(m.Content)),
		})
		if herr != nil {
			return nil, herr
		}
		historyJSON, err = sjson.SetRawBytes(historyJSON, "-1", entry)
		if err != nil {
			return nil, err
		}
	}
	body, err = sjson.SetRawBytes(body, "history", historyJSON)
	if err != nil {
		return nil, err
	}

	if mode == modeAgentic && len(req.Tools) > 0 {
		body, err = sjson.SetRawBytes(body, "currentMessage.userInputMessage.userInputMessageContext.tools", req.Tools)
		if err != nil {
			return nil, err
		}
	}

	return body, nil
}

// extractText renders a Messages content field (either a plain string or a
// content-block array) down to a JSON string literal carrying its text,
// which is what the upstream's userInputMessage.content field expects.
func extractText(content json.RawMessage) []byte {
	if content == nil {
		return []byte(`""`)
	}
	if gjson.ParseBytes(content).IsArray() {
		var sb strings.Builder
		gjson.ParseBytes(content).ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "text" {
				sb.WriteString(block.Get("text").String())
			} else if block.Get("type").String() == "image" {
				sb.WriteString("[Image]")
			}
			return true
		})
		out, _ := json.Marshal(sb.String())
		return out
	}
	// Already a plain string value.
	return content
}

// HasWebSearchTool reports whether the request's tool list names a
// web-search-capable tool, routing it to the (out-of-scope) specialised
// web-search path instead of the standard relay.
func HasWebSearchTool(req *AnthropicRequest) bool {
	found := false
	gjson.ParseBytes(req.Tools).ForEach(func(_, tool gjson.Result) bool {
		name := strings.ToLower(tool.Get("name").String())
		if strings.Contains(name, "web_search") || strings.Contains(name, "websearch") {
			found = true
			return false
		}
		return true
	})
	return found
}
