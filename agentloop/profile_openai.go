package agentloop

import "github.com/martinemde/memagent/unifiedllm"

// OpenAIProfile shapes requests for OpenAI chat models.
type OpenAIProfile struct {
	BaseProfile
}

// NewOpenAIProfile creates a profile for OpenAI models.
func NewOpenAIProfile(model string) *OpenAIProfile {
	forced := true
	if info := unifiedllm.GetModelInfo(model); info != nil {
		forced = info.SupportsForcedToolChoice
	}
	return &OpenAIProfile{
		BaseProfile: BaseProfile{
			providerID:        "openai",
			model:             model,
			forcedToolChoice:  forced,
			contextWindowSize: unifiedllm.ContextWindow(model, 128000),
		},
	}
}
