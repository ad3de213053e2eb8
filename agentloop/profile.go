package agentloop

import (
	"github.com/martinemde/memagent/unifiedllm"
)

// ProviderProfile captures how requests to one provider family are shaped:
// which tool choice modes the model honors and which provider options go out
// with every call.
type ProviderProfile interface {
	// ID returns the provider identifier (e.g., "openai", "anthropic").
	ID() string

	// ModelID returns the model identifier.
	ModelID() string

	// SupportsForcedToolChoice reports whether the model can be constrained
	// to a specific tool or set of tools.
	SupportsForcedToolChoice() bool

	// ToolChoice picks the tool choice for a request offering legal tools.
	ToolChoice(legal []string, cfg EngineConfig) *unifiedllm.ToolChoice

	// Apply sets provider-specific request fields.
	Apply(req *unifiedllm.Request, cfg EngineConfig)

	ContextWindowSize() int
}

// NewProfile returns the profile for provider, falling back to the model
// catalog when provider is empty.
func NewProfile(provider, model string) ProviderProfile {
	if provider == "" {
		if info := unifiedllm.GetModelInfo(model); info != nil {
			provider = info.Provider
		}
	}
	switch provider {
	case "anthropic":
		return NewAnthropicProfile(model)
	case "openai":
		return NewOpenAIProfile(model)
	default:
		return NewGollmProfile(provider, model)
	}
}

// BaseProfile provides common profile fields and default implementations.
type BaseProfile struct {
	providerID        string
	model             string
	forcedToolChoice  bool
	contextWindowSize int
}

func (p *BaseProfile) ID() string                     { return p.providerID }
func (p *BaseProfile) ModelID() string                { return p.model }
func (p *BaseProfile) SupportsForcedToolChoice() bool { return p.forcedToolChoice }
func (p *BaseProfile) ContextWindowSize() int         { return p.contextWindowSize }

// ToolChoice names the tool when exactly one is legal and the model can be
// forced. Otherwise a tool is required when inner thoughts travel in tool
// arguments, since a bare text reply would lose them.
func (p *BaseProfile) ToolChoice(legal []string, cfg EngineConfig) *unifiedllm.ToolChoice {
	switch {
	case len(legal) == 0:
		return nil
	case p.forcedToolChoice && len(legal) == 1:
		return &unifiedllm.ToolChoice{Mode: "named", ToolName: legal[0]}
	case p.forcedToolChoice && cfg.InnerThoughtsInArgs:
		return &unifiedllm.ToolChoice{Mode: "required"}
	default:
		return &unifiedllm.ToolChoice{Mode: "auto"}
	}
}

func (p *BaseProfile) Apply(req *unifiedllm.Request, cfg EngineConfig) {
	if cfg.MaxTokens > 0 {
		n := cfg.MaxTokens
		req.MaxTokens = &n
	}
}
