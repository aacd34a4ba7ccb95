package eventstream

import "encoding/json"

// LogicalEvent is the decoder's output vocabulary: each upstream frame
// event-type maps to exactly one of these, or is ignored.
type LogicalEvent struct {
	Kind          LogicalKind
	Text          string          // AssistantText
	ToolID        string          // ToolUse
	ToolName      string          // ToolUse
	ToolInputPart string          // ToolUse, a JSON fragment to be concatenated per ToolID
	ToolStop      bool            // ToolUse: true when this tool call's input is complete
	Percentage    float64         // ContextUsage
	ExceptionType string          // Exception
	ExceptionMsg  string          // Exception
	Usage         *UsageTotals    // Usage (precise counts, from messageMetadataEvent/usageEvent)
	Raw           json.RawMessage // the original payload, for diagnostics
}

type LogicalKind int

const (
	KindIgnored LogicalKind = iota
	KindAssistantText
	KindToolUse
	KindContextUsage
	KindException
	KindUsage
	KindMessageStop
)

// UsageTotals mirrors the upstream's precise token accounting, preferred
// over the ContextUsage percentage-derived estimate when both are present.
type UsageTotals struct {
	InputTokens            int64
	OutputTokens           int64
	TotalTokens            int64
	UncachedInputTokens    int64
	CacheReadInputTokens   int64
	ContextUsagePercentage float64
}

// ContentLengthExceededException is the one exception type that maps to a
// terminal max_tokens stop reason rather than surfacing as an error.
const ContentLengthExceededException = "ContentLengthExceededException"

// ToLogical maps one decoded frame to its logical event. Frame types not
// in the table return KindIgnored.
func ToLogical(msg Message) LogicalEvent {
	switch msg.EventType {
	case "assistantResponseEvent":
		var body struct {
			Content string `json:"content"`
		}
		_ = json.Unmarshal(msg.Payload, &body)
		return LogicalEvent{Kind: KindAssistantText, Text: body.Content, Raw: msg.Payload}

	case "toolUseEvent":
		var body struct {
			ToolUseID string `json:"toolUseId"`
			Name      string `json:"name"`
			Input     string `json:"input"`
			Stop      bool   `json:"stop"`
		}
		_ = json.Unmarshal(msg.Payload, &body)
		return LogicalEvent{
			Kind: KindToolUse, ToolID: body.ToolUseID, ToolName: body.Name,
			ToolInputPart: body.Input, ToolStop: body.Stop, Raw: msg.Payload,
		}

	case "contextUsageEvent":
		var body struct {
			Percentage float64 `json:"contextUsagePercentage"`
		}
		_ = json.Unmarshal(msg.Payload, &body)
		return LogicalEvent{Kind: KindContextUsage, Percentage: body.Percentage, Raw: msg.Payload}

	case "messageMetadataEvent", "metadataEvent":
		var body struct {
			TokenUsage struct {
				OutputTokens           int64   `json:"outputTokens"`
				TotalTokens            int64   `json:"totalTokens"`
				UncachedInputTokens    int64   `json:"uncachedInputTokens"`
				CacheReadInputTokens   int64   `json:"cacheReadInputTokens"`
				ContextUsagePercentage float64 `json:"contextUsagePercentage"`
			} `json:"tokenUsage"`
		}
		_ = json.Unmarshal(msg.Payload, &body)
		return LogicalEvent{Kind: KindUsage, Usage: &UsageTotals{
			OutputTokens:           body.TokenUsage.OutputTokens,
			TotalTokens:            body.TokenUsage.TotalTokens,
			UncachedInputTokens:    body.TokenUsage.UncachedInputTokens,
			CacheReadInputTokens:   body.TokenUsage.CacheReadInputTokens,
			ContextUsagePercentage: body.TokenUsage.ContextUsagePercentage,
		}, Raw: msg.Payload}

	case "usageEvent", "usage":
		var body struct {
			InputTokens  int64 `json:"inputTokens"`
			OutputTokens int64 `json:"outputTokens"`
			TotalTokens  int64 `json:"totalTokens"`
		}
		_ = json.Unmarshal(msg.Payload, &body)
		return LogicalEvent{Kind: KindUsage, Usage: &UsageTotals{
			InputTokens: body.InputTokens, OutputTokens: body.OutputTokens, TotalTokens: body.TotalTokens,
		}, Raw: msg.Payload}

	case "exceptionEvent", "error", "exception", "internalServerException":
		var body struct {
			Type    string `json:"__type"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(msg.Payload, &body)
		if body.Type == "" {
			body.Type = msg.EventType
		}
		return LogicalEvent{Kind: KindException, ExceptionType: body.Type, ExceptionMsg: body.Message, Raw: msg.Payload}

	case "messageStopEvent", "message_stop":
		return LogicalEvent{Kind: KindMessageStop, Raw: msg.Payload}

	case "invalidStateEvent", "supplementaryWebLinksEvent", "metricsEvent", "meteringEvent":
		return LogicalEvent{Kind: KindIgnored, Raw: msg.Payload}

	default:
		return LogicalEvent{Kind: KindIgnored, Raw: msg.Payload}
	}
}
