package unifiedllm

import "context"

// ProviderAdapter is implemented by every provider backend. Adapters are the
// only provider-specific code: Complete returns a canonical Response and
// Stream emits canonical StreamEvents, closing the channel when done.
type ProviderAdapter interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string

	Complete(ctx context.Context, req Request) (*Response, error)

	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// Closer is implemented by adapters that hold resources.
type Closer interface {
	Close() error
}

// ToolChoiceSupporter is implemented by adapters that can report which tool
// choice modes ("auto", "none", "required", "named") they honor.
type ToolChoiceSupporter interface {
	SupportsToolChoice(mode string) bool
}
