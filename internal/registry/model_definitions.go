// Package registry provides the static model catalogue served from
// GET /v1/models. The gateway relays to a single upstream (Kiro/
// CodeWhisperer) whose available Claude models are fixed at build time
// rather than discovered dynamically, so the catalogue is a literal list.
package registry

// ThinkingSupport describes a model's extended-thinking budget, when it
// supports one.
type ThinkingSupport struct {
	Min            int  `json:"min_budget_tokens"`
	Max            int  `json:"max_budget_tokens"`
	ZeroAllowed    bool `json:"zero_allowed"`
	DynamicAllowed bool `json:"dynamic_allowed"`
}

// ModelInfo is one entry of the /v1/models catalogue, modelled on
// Anthropic's model-list response shape.
type ModelInfo struct {
	ID                  string           `json:"id"`
	Object              string           `json:"object"`
	Created             int64            `json:"created"`
	OwnedBy             string           `json:"owned_by"`
	Type                string           `json:"type"`
	DisplayName         string           `json:"display_name"`
	Description         string           `json:"description,omitempty"`
	ContextLength       int              `json:"context_length"`
	MaxCompletionTokens int              `json:"max_completion_tokens"`
	Thinking            *ThinkingSupport `json:"thinking,omitempty"`
}

// GetClaudeModels returns the catalogue of Claude models reachable through
// the Kiro/CodeWhisperer upstream.
func GetClaudeModels() []*ModelInfo {
	return []*ModelInfo{
		{
			ID:                  "claude-haiku-4-5-20251001",
			Object:              "model",
			Created:             1759276800, // 2025-10-01
			OwnedBy:             "anthropic",
			Type:                "claude",
			DisplayName:         "Claude 4.5 Haiku",
			ContextLength:       200000,
			MaxCompletionTokens: 64000,
		},
		{
			ID:                  "claude-sonnet-4-5-20250929",
			Object:              "model",
			Created:             1759104000, // 2025-09-29
			OwnedBy:             "anthropic",
			Type:                "claude",
			DisplayName:         "Claude 4.5 Sonnet",
			ContextLength:       200000,
			MaxCompletionTokens: 64000,
			Thinking:            &ThinkingSupport{Min: 1024, Max: 100000, ZeroAllowed: false, DynamicAllowed: true},
		},
		{
			ID:                  "claude-opus-4-5-20251101",
			Object:              "model",
			Created:             1761955200, // 2025-11-01
			OwnedBy:             "anthropic",
			Type:                "claude",
			DisplayName:         "Claude 4.5 Opus",
			Description:         "Premium model combining maximum intelligence with practical performance",
			ContextLength:       200000,
			MaxCompletionTokens: 64000,
			Thinking:            &ThinkingSupport{Min: 1024, Max: 100000, ZeroAllowed: false, DynamicAllowed: true},
		},
		{
			ID:                  "claude-sonnet-4-5-20250929-agentic",
			Object:              "model",
			Created:             1759104000,
			OwnedBy:             "anthropic",
			Type:                "claude",
			DisplayName:         "Claude 4.5 Sonnet (agentic)",
			Description:         "Agentic conversation mode carrying the upstream tool-use envelope",
			ContextLength:       200000,
			MaxCompletionTokens: 64000,
			Thinking:            &ThinkingSupport{Min: 1024, Max: 100000, ZeroAllowed: false, DynamicAllowed: true},
		},
	}
}
