package agentloop

import "github.com/martinemde/memagent/unifiedllm"

// GollmProfile shapes requests for providers served through gollm (groq,
// mistral, ollama and others). Tool calls are carried in prompt text, so
// tool choice can only be suggested, never forced.
type GollmProfile struct {
	BaseProfile
}

// NewGollmProfile creates a profile for a gollm-backed provider.
func NewGollmProfile(provider, model string) *GollmProfile {
	return &GollmProfile{
		BaseProfile: BaseProfile{
			providerID:        provider,
			model:             model,
			forcedToolChoice:  false,
			contextWindowSize: unifiedllm.ContextWindow(model, 32768),
		},
	}
}
