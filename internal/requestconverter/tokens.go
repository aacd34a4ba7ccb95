package requestconverter

import (
	"encoding/json"
	"strings"
	"sync"
	"unicode"

	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"
)

const (
	imageTokenPlaceholder = 1000
	toolBlockSurcharge    = 50
)

// textCodec is the shared BPE tokenizer used for an accurate token count.
// It's resolved lazily and cached: construction parses a sizeable merge
// table, and every request would otherwise pay for it again.
var (
	textCodecOnce sync.Once
	textCodec     tokenizer.Codec
)

func getTextCodec() tokenizer.Codec {
	textCodecOnce.Do(func() {
		enc, err := tokenizer.Get(tokenizer.O200kBase)
		if err == nil {
			textCodec = enc
		}
	})
	return textCodec
}

// EstimateInputTokens approximates token usage from the serialized
// request. This is an estimate, not an exact count: the gateway does not
// ship a native tokenizer for the upstream model and is not required to
// (see Non-goals); StreamRelay prefers the upstream's own
// contextUsageEvent-derived count whenever one is available.
func EstimateInputTokens(req *AnthropicRequest) int {
	total := 0
	for _, m := range req.Messages {
		total += estimateContentTokens(m.Content)
	}
	total += estimateContentTokens(req.System)
	if len(req.Tools) > 0 {
		gjson.ParseBytes(req.Tools).ForEach(func(_, _ gjson.Result) bool {
			total += toolBlockSurcharge
			return true
		})
	}
	return total
}

func estimateContentTokens(content json.RawMessage) int {
	if len(content) == 0 {
		return 0
	}
	parsed := gjson.ParseBytes(content)
	if parsed.IsArray() {
		total := 0
		parsed.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "image":
				total += imageTokenPlaceholder
			case "tool_use", "tool_result":
				total += toolBlockSurcharge + estimateTextTokens(block.Get("text").String())
			default:
				total += estimateTextTokens(block.Get("text").String())
			}
			return true
		})
		return total
	}
	return estimateTextTokens(parsed.String())
}

// estimateTextTokens counts text with the O200k BPE tokenizer when it's
// available, falling back to a whitespace-run heuristic when the codec
// failed to load or Encode returns an error. Either way the result is an
// estimate: this is Claude traffic counted with a GPT-family tokenizer.
func estimateTextTokens(text string) int {
	if text == "" {
		return 0
	}
	if enc := getTextCodec(); enc != nil {
		if _, tokens, err := enc.Encode(text); err == nil {
			return len(tokens)
		}
	}
	return wordCount(text)
}

func wordCount(text string) int {
	count := 0
	inWord := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			inWord = false
			continue
		}
		if !inWord {
			count++
			inWord = true
		}
	}
	return count
}
