package requestconverter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func textMessage(role, text string) AnthropicMessage {
	b, _ := json.Marshal(text)
	return AnthropicMessage{Role: role, Content: b}
}

func TestConvert_RejectsEmptyMessages(t *testing.T) {
	req := &AnthropicRequest{Model: "claude-sonnet-4-5-20250929"}
	_, err := Convert(req, "conv-1")
	require.ErrorIs(t, err, ErrEmptyMessages)
}

func TestConvert_RejectsEmptyModel(t *testing.T) {
	req := &AnthropicRequest{Messages: []AnthropicMessage{textMessage("user", "hi")}}
	_, err := Convert(req, "conv-1")
	require.ErrorIs(t, err, ErrUnsupportedModel)
}

func TestConvert_BuildsCurrentMessageAndHistory(t *testing.T) {
	req := &AnthropicRequest{
		Model: "claude-sonnet-4-5-20250929",
		Messages: []AnthropicMessage{
			textMessage("user", "earlier"),
			textMessage("assistant", "earlier reply"),
			textMessage("user", "latest question"),
		},
	}
	out, err := Convert(req, "conv-42")
	require.NoError(t, err)

	parsed := gjson.ParseBytes(out)
	require.Equal(t, "conv-42", parsed.Get("conversationId").String())
	require.Equal(t, "latest question", parsed.Get("currentMessage.userInputMessage.content").String())
	require.Len(t, parsed.Get("history").Array(), 2)
}

func TestEstimateInputTokens_CountsWordsAndImages(t *testing.T) {
	content, _ := json.Marshal([]map[string]string{
		{"type": "text", "text": "one two three"},
		{"type": "image"},
	})
	req := &AnthropicRequest{Messages: []AnthropicMessage{{Role: "user", Content: content}}}

	tokens := EstimateInputTokens(req)
	require.GreaterOrEqual(t, tokens, imageTokenPlaceholder+3)
}

func TestHasWebSearchTool(t *testing.T) {
	tools, _ := json.Marshal([]map[string]string{{"name": "web_search"}})
	req := &AnthropicRequest{Tools: tools}
	require.True(t, HasWebSearchTool(req))

	req2 := &AnthropicRequest{}
	require.False(t, HasWebSearchTool(req2))
}

func TestApplyHistoryManagement_TruncatesWithNotice(t *testing.T) {
	opts := HistoryOptions{ThresholdTokens: 5, KeepRecent: 1, StripHistoryImages: true}

	imgContent, _ := json.Marshal([]map[string]string{{"type": "image"}})
	messages := []AnthropicMessage{
		{Role: "user", Content: imgContent},
		textMessage("assistant", "first reply with many words to exceed threshold easily"),
		textMessage("user", "final question"),
	}
	req := &AnthropicRequest{Messages: messages}

	out := ApplyHistoryManagement(req, opts)
	require.Len(t, out.Messages, 2) // notice + 1 kept
	require.Contains(t, string(out.Messages[0].Content), "truncated")
}
