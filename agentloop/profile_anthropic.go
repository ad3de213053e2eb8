package agentloop

import "github.com/martinemde/memagent/unifiedllm"

// AnthropicProfile shapes requests for Claude models.
type AnthropicProfile struct {
	BaseProfile
}

// NewAnthropicProfile creates a profile for Anthropic models.
func NewAnthropicProfile(model string) *AnthropicProfile {
	return &AnthropicProfile{
		BaseProfile: BaseProfile{
			providerID:        "anthropic",
			model:             model,
			forcedToolChoice:  true,
			contextWindowSize: unifiedllm.ContextWindow(model, 200000),
		},
	}
}

// ToolChoice falls back to auto while extended thinking is on; the API
// rejects forced tool use together with thinking.
func (p *AnthropicProfile) ToolChoice(legal []string, cfg EngineConfig) *unifiedllm.ToolChoice {
	if cfg.ThinkingBudget > 0 {
		if len(legal) == 0 {
			return nil
		}
		return &unifiedllm.ToolChoice{Mode: "auto"}
	}
	return p.BaseProfile.ToolChoice(legal, cfg)
}

// Apply enables extended thinking when the engine asks for a budget.
func (p *AnthropicProfile) Apply(req *unifiedllm.Request, cfg EngineConfig) {
	p.BaseProfile.Apply(req, cfg)
	if cfg.ThinkingBudget > 0 {
		req.ThinkingBudget = cfg.ThinkingBudget
	}
}
