package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter serves providers without a dedicated SDK adapter (ollama,
// groq, mistral, ...) through gollm. gollm exposes text generation only, so
// tool calls are recovered from a JSON object in the reply text and usage is
// estimated.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string
}

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithGollmModel sets the default model for the adapter.
func WithGollmModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.model = model
	}
}

// WithGollmMaxTokens sets the default max tokens.
func WithGollmMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.maxTokens = n
	}
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

// NewGollmAdapter creates a GollmAdapter for provider. An empty apiKey lets
// gollm read the provider's usual environment variable.
func NewGollmAdapter(provider, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	cfg := &gollmAdapterConfig{
		apiKey:      apiKey,
		maxTokens:   4096,
		temperature: 0.7,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		if info := GetLatestModel(provider, "tools"); info != nil {
			model = info.ID
		} else {
			return nil, &ConfigurationError{SDKError: SDKError{
				Message: fmt.Sprintf("no model configured for provider %q", provider),
			}}
		}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // the Client's retry middleware owns retries
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gollm client for %s: %w", provider, err)
	}
	return &GollmAdapter{provider: provider, llm: llm, model: model}, nil
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM instance.
func NewGollmAdapterFromLLM(provider, model string, llm gollm.LLM) *GollmAdapter {
	return &GollmAdapter{provider: provider, llm: llm, model: model}
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string { return a.provider }

// Complete generates a full reply and parses any tool call out of it.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := a.buildPrompt(req)
	a.applyRequestOptions(req)

	text, err := a.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}
	return a.buildResponse(req, text), nil
}

// Stream emits canonical block events. Requests that offer tools are
// generated in full first, since a tool call can only be recognized once the
// whole reply is known; plain text requests stream token by token.
func (a *GollmAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	prompt := a.buildPrompt(req)
	a.applyRequestOptions(req)

	ch := make(chan StreamEvent, 64)

	if len(req.ToolDefs) > 0 || !a.llm.SupportsStreaming() {
		go func() {
			defer close(ch)
			text, err := a.llm.Generate(ctx, prompt)
			if err != nil {
				ch <- StreamEvent{Type: StreamError, Err: a.translateError(err)}
				return
			}
			for _, ev := range responseEvents(a.buildResponse(req, text)) {
				ch <- ev
			}
		}()
		return ch, nil
	}

	stream, err := a.llm.Stream(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}

	go func() {
		defer close(ch)
		defer stream.Close()

		ch <- StreamEvent{Type: StreamMessageStart, MessageID: newResponseID(), Model: a.modelFor(req)}
		started := false
		var full strings.Builder
		for {
			token, err := stream.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				ch <- StreamEvent{Type: StreamError, Err: a.translateError(err)}
				return
			}
			if token == nil || token.Text == "" {
				continue
			}
			if !started {
				ch <- BlockStartEvent(0, BlockText, BlockMeta{})
				started = true
			}
			ch <- BlockDeltaEvent(0, DeltaText, token.Text)
			full.WriteString(token.Text)
		}
		if started {
			ch <- BlockStopEvent(0)
		}
		ch <- StreamEvent{
			Type:       StreamMessageDelta,
			StopReason: FinishStop,
			Usage:      &Usage{InputTokens: estimateTokens(req), OutputTokens: len(full.String()) / 4},
		}
		ch <- StreamEvent{Type: StreamMessageStop}
	}()
	return ch, nil
}

// responseEvents replays a complete response as canonical block events.
func responseEvents(resp *Response) []StreamEvent {
	events := []StreamEvent{{Type: StreamMessageStart, MessageID: resp.ID, Model: resp.Model}}
	for i, part := range resp.Message.Content {
		switch part.Kind {
		case ContentText:
			events = append(events,
				BlockStartEvent(i, BlockText, BlockMeta{}),
				BlockDeltaEvent(i, DeltaText, part.Text),
				BlockStopEvent(i))
		case ContentToolCall:
			events = append(events,
				BlockStartEvent(i, BlockToolUse, BlockMeta{ToolCallID: part.ToolCall.ID, ToolName: part.ToolCall.Name}),
				BlockDeltaEvent(i, DeltaInputJSON, string(part.ToolCall.Arguments)),
				BlockStopEvent(i))
		}
	}
	usage := resp.Usage
	events = append(events,
		StreamEvent{Type: StreamMessageDelta, StopReason: resp.FinishReason.Raw, Usage: &usage},
		StreamEvent{Type: StreamMessageStop})
	return events
}

// SupportsToolChoice reports which tool choice modes the prompt can express.
func (a *GollmAdapter) SupportsToolChoice(mode string) bool {
	switch mode {
	case "auto", "none", "required":
		return true
	case "named":
		return a.provider != "gemini"
	default:
		return false
	}
}

func (a *GollmAdapter) modelFor(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return a.model
}

// buildPrompt flattens the conversation into one gollm prompt: system text
// becomes the system prompt, everything else is labelled transcript.
func (a *GollmAdapter) buildPrompt(req Request) *gollm.Prompt {
	var system []string
	var transcript []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			system = append(system, msg.TextContent())
		case RoleUser:
			transcript = append(transcript, msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				transcript = append(transcript, "[Assistant]: "+text)
			}
			for _, call := range msg.ToolCalls() {
				transcript = append(transcript, fmt.Sprintf("[Tool Call %s]: %s", call.Name, call.Arguments))
			}
		case RoleTool:
			if res := msg.ToolResult(); res != nil {
				prefix := "[Tool Result]"
				if res.IsError {
					prefix = "[Tool Error]"
				}
				transcript = append(transcript, prefix+": "+res.Content)
			}
		}
	}

	text := strings.Join(transcript, "\n")
	if text == "" {
		text = "Hello"
	}

	var opts []gollm.PromptOption
	if len(system) > 0 {
		opts = append(opts, gollm.WithSystemPrompt(strings.Join(system, "\n"), gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		opts = append(opts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.ToolDefs) > 0 {
		tools := make([]gollm.Tool, 0, len(req.ToolDefs))
		for _, t := range req.ToolDefs {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		opts = append(opts, gollm.WithTools(tools))
	}
	if req.ToolChoice != nil {
		choice := req.ToolChoice.Mode
		if choice == "named" {
			choice = req.ToolChoice.ToolName
		}
		opts = append(opts, gollm.WithToolChoice(choice))
	}
	return gollm.NewPrompt(text, opts...)
}

func (a *GollmAdapter) applyRequestOptions(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

func newResponseID() string {
	return "resp_" + uuid.New().String()[:8]
}

func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	calls, rest := parseToolCalls(text)

	var content []ContentPart
	if strings.TrimSpace(rest) != "" {
		content = append(content, TextPart(strings.TrimSpace(rest)))
	}
	for _, tc := range calls {
		content = append(content, ToolCallPart(tc.ID, tc.Name, tc.Arguments))
	}
	if len(content) == 0 {
		content = []ContentPart{TextPart(text)}
	}

	finish := FinishReason{Reason: FinishStop, Raw: "stop"}
	if len(calls) > 0 {
		finish = FinishReason{Reason: FinishToolCall, Raw: "tool_calls"}
	}

	in, out := estimateTokens(req), len(text)/4
	return &Response{
		ID:           newResponseID(),
		Model:        a.modelFor(req),
		Provider:     a.provider,
		Message:      Message{Role: RoleAssistant, Content: content},
		FinishReason: finish,
		Usage:        Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
	}
}

type textToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// parseToolCalls finds a tool call JSON value in text, either
// {"tool_calls": [...]} or a bare [{"name": ...}] list, and returns the calls
// plus the text before it.
func parseToolCalls(text string) ([]ToolCallData, string) {
	start := strings.Index(text, `{"tool_calls"`)
	wrapped := start >= 0
	if !wrapped {
		start = strings.Index(text, `[{"name"`)
	}
	if start < 0 {
		return nil, text
	}

	dec := json.NewDecoder(strings.NewReader(text[start:]))
	var raw []textToolCall
	if wrapped {
		var doc struct {
			ToolCalls []textToolCall `json:"tool_calls"`
		}
		if err := dec.Decode(&doc); err != nil {
			return nil, text
		}
		raw = doc.ToolCalls
	} else if err := dec.Decode(&raw); err != nil {
		return nil, text
	}

	calls := make([]ToolCallData, 0, len(raw))
	for _, rc := range raw {
		args := rc.Arguments
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		calls = append(calls, ToolCallData{
			ID:        "call_" + uuid.New().String()[:8],
			Name:      rc.Name,
			Arguments: args,
		})
	}
	return calls, text[:start]
}

// translateError classifies a gollm error by its message, since gollm does
// not expose status codes.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	pe := func(status int, retryable bool) ProviderError {
		return ProviderError{
			SDKError:   SDKError{Message: msg, Cause: err},
			Provider:   a.provider,
			StatusCode: status,
			Retryable:  retryable,
		}
	}
	contains := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(lower, s) {
				return true
			}
		}
		return false
	}

	switch {
	case contains("401", "unauthorized", "invalid key", "invalid api key"):
		return &AuthenticationError{ProviderError: pe(401, false)}
	case contains("403", "forbidden"):
		return &AccessDeniedError{ProviderError: pe(403, false)}
	case contains("404", "not found"):
		return &NotFoundError{ProviderError: pe(404, false)}
	case contains("429", "rate limit"):
		return &RateLimitError{ProviderError: pe(429, true)}
	case contains("context length", "too many tokens"):
		return &ContextLengthError{ProviderError: pe(413, false)}
	case contains("500", "internal server"):
		return &ServerError{ProviderError: pe(500, true)}
	case contains("timeout"):
		return &RequestTimeoutError{SDKError: SDKError{Message: msg, Cause: err}}
	case contains("content filter", "safety"):
		return &ContentFilterError{ProviderError: pe(0, false)}
	default:
		p := pe(0, true)
		return &p
	}
}

// estimateTokens approximates prompt tokens at four characters per token.
func estimateTokens(req Request) int {
	total := 0
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			switch part.Kind {
			case ContentText:
				total += len(part.Text) / 4
			case ContentToolResult:
				total += len(part.ToolResult.Content) / 4
			}
		}
	}
	if total == 0 {
		total = 10
	}
	return total
}
