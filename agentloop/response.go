package agentloop

import (
	"encoding/json"
	"time"

	"github.com/martinemde/memagent/streaming"
	"github.com/martinemde/memagent/unifiedllm"
)

// MessageType discriminates caller-facing messages.
type MessageType string

const (
	UserMessageType            MessageType = "user_message"
	SystemMessageType          MessageType = "system_message"
	ReasoningMessageType       MessageType = "reasoning_message"
	HiddenReasoningMessageType MessageType = "hidden_reasoning_message"
	ToolCallMessageType        MessageType = "tool_call_message"
	ToolReturnMessageType      MessageType = "tool_return_message"
	AssistantMessageType       MessageType = "assistant_message"
)

// CallerMessage is one entry of the message sequence returned from Step.
// One persisted message may expand into several caller messages sharing
// its ID.
type CallerMessage struct {
	ID          string      `json:"id"`
	Date        time.Time   `json:"date"`
	MessageType MessageType `json:"message_type"`
	Name        string      `json:"name,omitempty"`

	// Content is set on user, system and assistant messages.
	Content string `json:"content,omitempty"`

	Reasoning       string           `json:"reasoning,omitempty"`
	Source          streaming.Source `json:"source,omitempty"`
	Signature       string           `json:"signature,omitempty"`
	HiddenReasoning string           `json:"hidden_reasoning,omitempty"`

	ToolCall   *unifiedllm.ToolCallData `json:"tool_call,omitempty"`
	ToolReturn string                   `json:"tool_return,omitempty"`
	ToolCallID string                   `json:"tool_call_id,omitempty"`
	Status     ToolStatus               `json:"status,omitempty"`
	Stdout     []string                 `json:"stdout,omitempty"`
	Stderr     []string                 `json:"stderr,omitempty"`
}

// TranslateOptions controls how tool calls are surfaced.
type TranslateOptions struct {
	// UseAssistantMessage surfaces calls to AssistantMessageTool as
	// assistant messages carrying the AssistantMessageKey argument.
	UseAssistantMessage  bool
	AssistantMessageTool string
	AssistantMessageKey  string
}

// ToCallerMessages translates persisted messages into the caller-facing
// sequence.
func ToCallerMessages(msgs []unifiedllm.Message, opts TranslateOptions) []CallerMessage {
	if opts.AssistantMessageTool == "" {
		opts.AssistantMessageTool = SendMessageTool
	}
	if opts.AssistantMessageKey == "" {
		opts.AssistantMessageKey = "message"
	}

	var out []CallerMessage
	for _, m := range msgs {
		base := CallerMessage{ID: m.ID, Date: m.CreatedAt, Name: m.Name}
		switch m.Role {
		case unifiedllm.RoleUser:
			base.MessageType = UserMessageType
			base.Content = m.TextContent()
			out = append(out, base)
		case unifiedllm.RoleSystem:
			base.MessageType = SystemMessageType
			base.Content = m.TextContent()
			out = append(out, base)
		case unifiedllm.RoleAssistant:
			out = append(out, assistantParts(base, m, opts)...)
		case unifiedllm.RoleTool:
			base.MessageType = ToolReturnMessageType
			base.ToolCallID = m.ToolCallID
			base.Status = ToolSuccess
			if tr := m.ToolResult(); tr != nil {
				msg, ok := unpackToolReturn(tr.Content, tr.IsError)
				base.ToolReturn = msg
				if !ok {
					base.Status = ToolError
				}
				base.Stdout = tr.Stdout
				base.Stderr = tr.Stderr
			} else {
				base.ToolReturn = m.TextContent()
			}
			out = append(out, base)
		}
	}
	return out
}

func assistantParts(base CallerMessage, m unifiedllm.Message, opts TranslateOptions) []CallerMessage {
	var out []CallerMessage
	for _, part := range m.Content {
		cm := base
		switch part.Kind {
		case unifiedllm.ContentThinking:
			cm.MessageType = ReasoningMessageType
			cm.Reasoning = part.Thinking.Text
			cm.Signature = part.Thinking.Signature
			cm.Source = streaming.SourceReasoner
		case unifiedllm.ContentRedactedThinking:
			cm.MessageType = HiddenReasoningMessageType
			cm.HiddenReasoning = part.Thinking.Text
		case unifiedllm.ContentText:
			cm.MessageType = ReasoningMessageType
			cm.Reasoning = part.Text
			cm.Source = streaming.SourceNonReasoner
		case unifiedllm.ContentToolCall:
			call := *part.ToolCall
			if opts.UseAssistantMessage && call.Name == opts.AssistantMessageTool {
				if content, ok := argString(call.Arguments, opts.AssistantMessageKey); ok {
					cm.MessageType = AssistantMessageType
					cm.Content = content
					break
				}
			}
			cm.MessageType = ToolCallMessageType
			cm.ToolCall = &call
		default:
			continue
		}
		out = append(out, cm)
	}
	return out
}

func argString(raw json.RawMessage, key string) (string, bool) {
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", false
	}
	s, ok := args[key].(string)
	return s, ok
}
