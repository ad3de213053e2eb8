package unifiedllm

import "strings"

// ModelInfo describes a known model.
type ModelInfo struct {
	ID                       string   `json:"id" yaml:"id"`
	Provider                 string   `json:"provider" yaml:"provider"`
	DisplayName              string   `json:"display_name" yaml:"display_name"`
	ContextWindow            int      `json:"context_window" yaml:"context_window"`
	MaxOutput                int      `json:"max_output,omitempty" yaml:"max_output,omitempty"`
	SupportsTools            bool     `json:"supports_tools" yaml:"supports_tools"`
	SupportsReasoning        bool     `json:"supports_reasoning" yaml:"supports_reasoning"`
	// SupportsForcedToolChoice is set when the provider can be told which
	// tool (or subset) the next call must use.
	SupportsForcedToolChoice bool     `json:"supports_forced_tool_choice" yaml:"supports_forced_tool_choice"`
	Aliases                  []string `json:"aliases,omitempty" yaml:"aliases,omitempty"`
}

// Models is the built-in catalog, newest first within each provider.
var Models = []ModelInfo{
	{
		ID: "claude-sonnet-4-5", Provider: "anthropic", DisplayName: "Claude Sonnet 4.5",
		ContextWindow: 200000, MaxOutput: 64000,
		SupportsTools: true, SupportsReasoning: true, SupportsForcedToolChoice: true,
		Aliases: []string{"sonnet"},
	},
	{
		ID: "claude-haiku-4-5", Provider: "anthropic", DisplayName: "Claude Haiku 4.5",
		ContextWindow: 200000, MaxOutput: 64000,
		SupportsTools: true, SupportsReasoning: true, SupportsForcedToolChoice: true,
		Aliases: []string{"haiku"},
	},
	{
		ID: "gpt-4.1", Provider: "openai", DisplayName: "GPT-4.1",
		ContextWindow: 1047576, MaxOutput: 32768,
		SupportsTools: true, SupportsForcedToolChoice: true,
	},
	{
		ID: "gpt-4.1-mini", Provider: "openai", DisplayName: "GPT-4.1 mini",
		ContextWindow: 1047576, MaxOutput: 32768,
		SupportsTools: true, SupportsForcedToolChoice: true,
		Aliases: []string{"mini"},
	},
	{
		ID: "llama-3.3-70b-versatile", Provider: "groq", DisplayName: "Llama 3.3 70B (Groq)",
		ContextWindow: 131072, MaxOutput: 32768,
		SupportsTools: true,
	},
	{
		ID: "mistral-large-latest", Provider: "mistral", DisplayName: "Mistral Large",
		ContextWindow: 131072, MaxOutput: 8192,
		SupportsTools: true,
	},
	{
		ID: "llama3.1", Provider: "ollama", DisplayName: "Llama 3.1 (local)",
		ContextWindow: 131072, MaxOutput: 4096,
		SupportsTools: true,
	},
}

// GetModelInfo returns the catalog entry for an id or alias, or nil.
func GetModelInfo(modelID string) *ModelInfo {
	modelID = strings.TrimSpace(modelID)
	for i := range Models {
		if Models[i].ID == modelID {
			return &Models[i]
		}
		for _, alias := range Models[i].Aliases {
			if alias == modelID {
				return &Models[i]
			}
		}
	}
	return nil
}

// ListModels returns known models, filtered by provider when one is given.
func ListModels(provider string) []ModelInfo {
	var result []ModelInfo
	for _, m := range Models {
		if provider == "" || m.Provider == provider {
			result = append(result, m)
		}
	}
	return result
}

// GetLatestModel returns the first model for provider that has capability
// ("", "tools", "reasoning" or "forced_tool_choice").
func GetLatestModel(provider, capability string) *ModelInfo {
	for i := range Models {
		m := &Models[i]
		if m.Provider != provider {
			continue
		}
		switch capability {
		case "":
			return m
		case "tools":
			if m.SupportsTools {
				return m
			}
		case "reasoning":
			if m.SupportsReasoning {
				return m
			}
		case "forced_tool_choice":
			if m.SupportsForcedToolChoice {
				return m
			}
		}
	}
	return nil
}

// ContextWindow returns the model's context size in tokens, or fallback for
// unknown models.
func ContextWindow(modelID string, fallback int) int {
	if info := GetModelInfo(modelID); info != nil && info.ContextWindow > 0 {
		return info.ContextWindow
	}
	return fallback
}
