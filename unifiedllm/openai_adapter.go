package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIAdapter implements ProviderAdapter on the Chat Completions API.
type OpenAIAdapter struct {
	client *openai.Client
}

// OpenAIOption configures an OpenAIAdapter.
type OpenAIOption func(*openai.ClientConfig)

// WithOpenAIBaseURL overrides the API base URL. Empty values are ignored.
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(c *openai.ClientConfig) {
		if url != "" {
			c.BaseURL = url
		}
	}
}

// NewOpenAIAdapter creates an adapter using apiKey.
func NewOpenAIAdapter(apiKey string, opts ...OpenAIOption) *OpenAIAdapter {
	cfg := openai.DefaultConfig(apiKey)
	for _, opt := range opts {
		opt(&cfg)
	}
	return &OpenAIAdapter{client: openai.NewClientWithConfig(cfg)}
}

// Name returns "openai".
func (a *OpenAIAdapter) Name() string { return "openai" }

// SupportsToolChoice reports that every tool choice mode is honored.
func (a *OpenAIAdapter) SupportsToolChoice(mode string) bool {
	switch mode {
	case "auto", "none", "required", "named":
		return true
	}
	return false
}

// Complete sends one chat completion request.
func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	creq, err := openaiRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, translateOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ServerError{ProviderError: ProviderError{
			SDKError: SDKError{Message: "openai returned no choices"}, Provider: "openai", Retryable: true,
		}}
	}
	choice := resp.Choices[0]

	var content []ContentPart
	if choice.Message.ReasoningContent != "" {
		content = append(content, ThinkingPart(choice.Message.ReasoningContent, ""))
	}
	if choice.Message.Content != "" {
		content = append(content, TextPart(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		content = append(content, ToolCallPart(tc.ID, tc.Function.Name, rawArgs(tc.Function.Arguments)))
	}
	return &Response{
		ID:           resp.ID,
		Model:        resp.Model,
		Provider:     "openai",
		Message:      Message{Role: RoleAssistant, Content: content},
		FinishReason: CanonicalFinishReason("openai", string(choice.FinishReason)),
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}, nil
}

// Stream converts chunk deltas into block events. Chat Completions has no
// block boundaries, so a block is opened whenever the delta kind (or tool
// call index) changes and closed before the next one opens.
func (a *OpenAIAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	creq, err := openaiRequest(req)
	if err != nil {
		return nil, err
	}
	creq.Stream = true
	creq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	stream, err := a.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return nil, translateOpenAIError(err)
	}

	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)
		defer stream.Close()

		send := func(ev StreamEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		b := &openaiBlocks{send: send, index: -1}
		started := false
		finish := ""
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				send(StreamEvent{Type: StreamError, Err: translateOpenAIError(err)})
				return
			}
			if !started {
				started = true
				if !send(StreamEvent{Type: StreamMessageStart, MessageID: chunk.ID, Model: chunk.Model}) {
					return
				}
			}
			if chunk.Usage != nil {
				if !send(StreamEvent{Type: StreamMessageDelta, Usage: &Usage{
					InputTokens:  chunk.Usage.PromptTokens,
					OutputTokens: chunk.Usage.CompletionTokens,
				}}) {
					return
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			d := choice.Delta
			if d.ReasoningContent != "" && !b.fragment(BlockThinking, -1, BlockMeta{}, DeltaThinking, d.ReasoningContent) {
				return
			}
			if d.Content != "" && !b.fragment(BlockText, -1, BlockMeta{}, DeltaText, d.Content) {
				return
			}
			for _, tc := range d.ToolCalls {
				key := 0
				if tc.Index != nil {
					key = *tc.Index
				}
				meta := BlockMeta{ToolCallID: tc.ID, ToolName: tc.Function.Name}
				if !b.fragment(BlockToolUse, key, meta, DeltaInputJSON, tc.Function.Arguments) {
					return
				}
			}
			if choice.FinishReason != "" {
				finish = string(choice.FinishReason)
			}
		}
		if !b.close() {
			return
		}
		if finish != "" && !send(StreamEvent{Type: StreamMessageDelta, StopReason: finish}) {
			return
		}
		send(StreamEvent{Type: StreamMessageStop})
	}()
	return ch, nil
}

type openaiBlocks struct {
	send  func(StreamEvent) bool
	index int
	open  bool
	kind  BlockKind
	key   int
}

func (b *openaiBlocks) close() bool {
	if !b.open {
		return true
	}
	b.open = false
	return b.send(BlockStopEvent(b.index))
}

func (b *openaiBlocks) fragment(kind BlockKind, key int, meta BlockMeta, delta DeltaKind, text string) bool {
	if !b.open || b.kind != kind || b.key != key {
		if !b.close() {
			return false
		}
		b.index++
		b.open, b.kind, b.key = true, kind, key
		if !b.send(BlockStartEvent(b.index, kind, meta)) {
			return false
		}
	}
	if text == "" {
		return true
	}
	return b.send(BlockDeltaEvent(b.index, delta, text))
}

func rawArgs(s string) json.RawMessage {
	if s == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(s)
}

func openaiRequest(req Request) (openai.ChatCompletionRequest, error) {
	creq := openai.ChatCompletionRequest{Model: req.Model, Stop: req.StopSequences}
	if req.MaxTokens != nil {
		creq.MaxCompletionTokens = *req.MaxTokens
	}
	if req.Temperature != nil {
		creq.Temperature = float32(*req.Temperature)
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			creq.Messages = append(creq.Messages, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleSystem, Content: msg.TextContent(),
			})
		case RoleUser:
			creq.Messages = append(creq.Messages, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleUser, Content: msg.TextContent(), Name: msg.Name,
			})
		case RoleTool:
			res := msg.ToolResult()
			if res == nil {
				return creq, &ConfigurationError{SDKError: SDKError{Message: "tool message without result"}}
			}
			creq.Messages = append(creq.Messages, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleTool, Content: res.Content, ToolCallID: res.ToolCallID,
			})
		case RoleAssistant:
			out := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.TextContent()}
			for _, call := range msg.ToolCalls() {
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Arguments),
					},
				})
			}
			creq.Messages = append(creq.Messages, out)
		}
	}

	for _, def := range req.ToolDefs {
		creq.Tools = append(creq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	if req.ToolChoice != nil && len(creq.Tools) > 0 {
		switch req.ToolChoice.Mode {
		case "auto", "none", "required":
			creq.ToolChoice = req.ToolChoice.Mode
		case "named":
			creq.ToolChoice = openai.ToolChoice{
				Type:     openai.ToolTypeFunction,
				Function: openai.ToolFunction{Name: req.ToolChoice.ToolName},
			}
		}
		creq.ParallelToolCalls = false
	}
	return creq, nil
}

func translateOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return ErrorFromStatusCode(apiErr.HTTPStatusCode, apiErr.Message, "openai", err, nil)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return ErrorFromStatusCode(reqErr.HTTPStatusCode, reqErr.Error(), "openai", err, nil)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &AbortError{SDKError: SDKError{Message: "openai request aborted", Cause: err}}
	}
	return &NetworkError{SDKError: SDKError{Message: "openai request failed", Cause: err}}
}
