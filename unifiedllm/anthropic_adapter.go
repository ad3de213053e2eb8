package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicAdapter implements ProviderAdapter on the Anthropic Messages API.
type AnthropicAdapter struct {
	client    anthropic.Client
	maxTokens int64
}

// AnthropicOption configures an AnthropicAdapter.
type AnthropicOption func(*anthropicConfig)

type anthropicConfig struct {
	baseURL   string
	maxTokens int64
	extra     []option.RequestOption
}

// WithAnthropicBaseURL points the adapter at a different API host.
func WithAnthropicBaseURL(url string) AnthropicOption {
	return func(c *anthropicConfig) { c.baseURL = url }
}

// WithAnthropicMaxTokens sets the max_tokens used when a request has none.
func WithAnthropicMaxTokens(n int) AnthropicOption {
	return func(c *anthropicConfig) { c.maxTokens = int64(n) }
}

// WithAnthropicRequestOptions passes SDK request options through.
func WithAnthropicRequestOptions(opts ...option.RequestOption) AnthropicOption {
	return func(c *anthropicConfig) { c.extra = append(c.extra, opts...) }
}

// NewAnthropicAdapter creates an adapter using apiKey. SDK retries are
// disabled; the Client's retry middleware owns retries.
func NewAnthropicAdapter(apiKey string, opts ...AnthropicOption) *AnthropicAdapter {
	cfg := &anthropicConfig{maxTokens: defaultAnthropicMaxTokens}
	for _, opt := range opts {
		opt(cfg)
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	reqOpts = append(reqOpts, cfg.extra...)
	return &AnthropicAdapter{client: anthropic.NewClient(reqOpts...), maxTokens: cfg.maxTokens}
}

// Name returns "anthropic".
func (a *AnthropicAdapter) Name() string { return "anthropic" }

// SupportsToolChoice reports that every tool choice mode is honored.
func (a *AnthropicAdapter) SupportsToolChoice(mode string) bool {
	switch mode {
	case "auto", "none", "required", "named":
		return true
	}
	return false
}

// Complete sends one Messages request.
func (a *AnthropicAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}
	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, translateAnthropicError(err)
	}
	return anthropicResponse(msg), nil
}

// Stream maps the SDK's server-sent events onto canonical block events.
// Block kinds without a canonical form (server tools, citations) are skipped
// along with their deltas.
func (a *AnthropicAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := a.client.Messages.NewStreaming(ctx, params)

	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)
		defer stream.Close()

		skipped := map[int]bool{}
		send := func(ev StreamEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for stream.Next() {
			ev := stream.Current()
			idx := int(ev.Index)
			var out StreamEvent
			switch ev.Type {
			case "message_start":
				out = StreamEvent{
					Type:      StreamMessageStart,
					MessageID: ev.Message.ID,
					Model:     string(ev.Message.Model),
					Usage: &Usage{
						InputTokens:  int(ev.Message.Usage.InputTokens),
						OutputTokens: int(ev.Message.Usage.OutputTokens),
					},
				}
			case "content_block_start":
				kind, meta, ok := anthropicBlockStart(ev.ContentBlock)
				if !ok {
					skipped[idx] = true
					continue
				}
				out = BlockStartEvent(idx, kind, meta)
			case "content_block_delta":
				if skipped[idx] {
					continue
				}
				kind, fragment, ok := anthropicDelta(ev.Delta)
				if !ok {
					continue
				}
				out = BlockDeltaEvent(idx, kind, fragment)
			case "content_block_stop":
				if skipped[idx] {
					continue
				}
				out = BlockStopEvent(idx)
			case "message_delta":
				out = StreamEvent{
					Type:       StreamMessageDelta,
					StopReason: string(ev.Delta.StopReason),
					Usage:      &Usage{OutputTokens: int(ev.Usage.OutputTokens)},
				}
			case "message_stop":
				out = StreamEvent{Type: StreamMessageStop}
			default:
				continue
			}
			if !send(out) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			send(StreamEvent{Type: StreamError, Err: translateAnthropicError(err)})
		}
	}()
	return ch, nil
}

func anthropicBlockStart(b anthropic.ContentBlockStartEventContentBlockUnion) (BlockKind, BlockMeta, bool) {
	switch b.Type {
	case "text":
		return BlockText, BlockMeta{}, true
	case "thinking":
		return BlockThinking, BlockMeta{}, true
	case "redacted_thinking":
		return BlockRedactedThinking, BlockMeta{RedactedData: b.Data}, true
	case "tool_use":
		return BlockToolUse, BlockMeta{ToolCallID: b.ID, ToolName: b.Name}, true
	}
	return "", BlockMeta{}, false
}

func anthropicDelta(d anthropic.MessageStreamEventUnionDelta) (DeltaKind, string, bool) {
	switch d.Type {
	case "text_delta":
		return DeltaText, d.Text, true
	case "input_json_delta":
		return DeltaInputJSON, d.PartialJSON, true
	case "thinking_delta":
		return DeltaThinking, d.Thinking, true
	case "signature_delta":
		return DeltaSignature, d.Signature, true
	}
	return "", "", false
}

func anthropicResponse(msg *anthropic.Message) *Response {
	var content []ContentPart
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			content = append(content, TextPart(block.Text))
		case "thinking":
			content = append(content, ThinkingPart(block.Thinking, block.Signature))
		case "redacted_thinking":
			content = append(content, RedactedThinkingPart(block.Data))
		case "tool_use":
			args := block.Input
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			content = append(content, ToolCallPart(block.ID, block.Name, args))
		}
	}
	cacheRead := int(msg.Usage.CacheReadInputTokens)
	cacheWrite := int(msg.Usage.CacheCreationInputTokens)
	in, out := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)
	return &Response{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Provider:     "anthropic",
		Message:      Message{Role: RoleAssistant, Content: content},
		FinishReason: CanonicalFinishReason("anthropic", string(msg.StopReason)),
		Usage: Usage{
			InputTokens:      in,
			OutputTokens:     out,
			TotalTokens:      in + out,
			CacheReadTokens:  &cacheRead,
			CacheWriteTokens: &cacheWrite,
		},
	}
}

func (a *AnthropicAdapter) buildParams(req Request) (anthropic.MessageNewParams, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: a.maxTokens,
	}
	if req.MaxTokens != nil {
		params.MaxTokens = int64(*req.MaxTokens)
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}
	if req.ThinkingBudget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(req.ThinkingBudget))
	}

	system, messages, err := anthropicMessages(req.Messages)
	if err != nil {
		return params, err
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	params.Messages = messages

	for _, def := range req.ToolDefs {
		tool, err := anthropicTool(def)
		if err != nil {
			return params, err
		}
		params.Tools = append(params.Tools, tool)
	}
	if req.ToolChoice != nil && len(params.Tools) > 0 {
		switch req.ToolChoice.Mode {
		case "auto":
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{
				DisableParallelToolUse: anthropic.Bool(true),
			}}
		case "required":
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{
				DisableParallelToolUse: anthropic.Bool(true),
			}}
		case "named":
			params.ToolChoice = anthropic.ToolChoiceParamOfTool(req.ToolChoice.ToolName)
		case "none":
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
		default:
			return params, &ConfigurationError{SDKError: SDKError{
				Message: fmt.Sprintf("unsupported tool choice mode %q", req.ToolChoice.Mode),
			}}
		}
	}
	return params, nil
}

func anthropicTool(def ToolDefinition) (anthropic.ToolUnionParam, error) {
	schema := anthropic.ToolInputSchemaParam{}
	if props, ok := def.Parameters["properties"].(map[string]any); ok {
		ordered, err := orderedProperties(props, DefaultInnerThoughtsKey)
		if err != nil {
			return anthropic.ToolUnionParam{}, fmt.Errorf("encode schema for %s: %w", def.Name, err)
		}
		schema.Properties = ordered
	}
	switch r := def.Parameters["required"].(type) {
	case []string:
		schema.Required = r
	case []any:
		for _, v := range r {
			if s, ok := v.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	tool := anthropic.ToolUnionParamOfTool(schema, def.Name)
	if def.Description != "" {
		tool.OfTool.Description = anthropic.String(def.Description)
	}
	return tool, nil
}

// anthropicMessages converts the conversation. The leading system message
// becomes the system prompt; later system messages are sent as user text.
// Consecutive messages of one role are merged since the API requires
// alternation.
func anthropicMessages(msgs []Message) (string, []anthropic.MessageParam, error) {
	var system []string
	var out []anthropic.MessageParam
	leading := true

	appendBlocks := func(role anthropic.MessageParamRole, blocks ...anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}

	for _, msg := range msgs {
		switch msg.Role {
		case RoleSystem:
			if leading {
				system = append(system, msg.TextContent())
				continue
			}
			appendBlocks(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(msg.TextContent()))
		case RoleUser:
			appendBlocks(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(msg.TextContent()))
		case RoleTool:
			res := msg.ToolResult()
			if res == nil {
				return "", nil, &ConfigurationError{SDKError: SDKError{Message: "tool message without result"}}
			}
			appendBlocks(anthropic.MessageParamRoleUser, anthropic.NewToolResultBlock(res.ToolCallID, res.Content, res.IsError))
		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			for _, part := range msg.Content {
				switch part.Kind {
				case ContentThinking:
					blocks = append(blocks, anthropic.NewThinkingBlock(part.Thinking.Signature, part.Thinking.Text))
				case ContentRedactedThinking:
					blocks = append(blocks, anthropic.NewRedactedThinkingBlock(part.Thinking.Text))
				case ContentText:
					if strings.TrimSpace(part.Text) != "" {
						blocks = append(blocks, anthropic.NewTextBlock(part.Text))
					}
				case ContentToolCall:
					blocks = append(blocks, anthropic.NewToolUseBlock(part.ToolCall.ID, part.ToolCall.Arguments, part.ToolCall.Name))
				}
			}
			appendBlocks(anthropic.MessageParamRoleAssistant, blocks...)
		}
		leading = false
	}
	return strings.Join(system, "\n"), out, nil
}

func translateAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		var after *float64
		if apiErr.Response != nil {
			after = ParseRetryAfter(apiErr.Response.Header.Get("retry-after"))
		}
		return ErrorFromStatusCode(apiErr.StatusCode, apiErr.Error(), "anthropic", err, after)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &AbortError{SDKError: SDKError{Message: "anthropic request aborted", Cause: err}}
	}
	return &NetworkError{SDKError: SDKError{Message: "anthropic request failed", Cause: err}}
}
