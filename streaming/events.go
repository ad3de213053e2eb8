// Package streaming reconstructs canonical message events from a response's
// ordered provider stream events.
package streaming

import "fmt"

// EventKind discriminates canonical message events.
type EventKind string

const (
	EventReasoning        EventKind = "reasoning"
	EventHiddenReasoning  EventKind = "hidden_reasoning"
	EventToolCall         EventKind = "tool_call"
	EventAssistantMessage EventKind = "assistant_message"
)

// Source tells renderers where reasoning text came from.
type Source string

const (
	// SourceNonReasoner marks text-block reasoning and inner thoughts taken
	// from tool arguments.
	SourceNonReasoner Source = "non_reasoner_model"
	// SourceReasoner marks a provider's native thinking output.
	SourceReasoner Source = "reasoner_model"
)

// ToolCallDelta is an incremental piece of a tool call. The first delta of a
// call announces ID and Name; later ones carry argument fragments.
type ToolCallDelta struct {
	ID        string `json:"tool_call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Event is one canonical message event.
type Event struct {
	Kind      EventKind      `json:"kind"`
	MessageID string         `json:"message_id,omitempty"`
	Reasoning string         `json:"reasoning,omitempty"`
	Source    Source         `json:"source,omitempty"`
	Signature string         `json:"signature,omitempty"`
	Hidden    string         `json:"hidden_reasoning,omitempty"`
	ToolCall  *ToolCallDelta `json:"tool_call,omitempty"`
	Content   string         `json:"content,omitempty"`
}

func (e Event) String() string {
	switch e.Kind {
	case EventReasoning:
		return fmt.Sprintf("reasoning(%s)%q", e.Source, e.Reasoning)
	case EventHiddenReasoning:
		return "hidden_reasoning"
	case EventToolCall:
		if e.ToolCall == nil {
			return "tool_call()"
		}
		return fmt.Sprintf("tool_call(%s,%s)%q", e.ToolCall.ID, e.ToolCall.Name, e.ToolCall.Arguments)
	case EventAssistantMessage:
		return fmt.Sprintf("assistant_message%q", e.Content)
	default:
		return string(e.Kind)
	}
}

// Mode is the accumulator's current block mode.
type Mode int

const (
	ModeNone Mode = iota
	ModeText
	ModeToolUse
	ModeThinking
	ModeRedactedThinking
)

func (m Mode) String() string {
	switch m {
	case ModeText:
		return "TEXT"
	case ModeToolUse:
		return "TOOL_USE"
	case ModeThinking:
		return "THINKING"
	case ModeRedactedThinking:
		return "REDACTED_THINKING"
	default:
		return "NONE"
	}
}

// ProtocolIntegrityError reports a stream event that is invalid in the
// accumulator's current mode. It is never recovered.
type ProtocolIntegrityError struct {
	Mode  Mode
	Event string
}

func (e *ProtocolIntegrityError) Error() string {
	return fmt.Sprintf("stream protocol violation: %s while in mode %s", e.Event, e.Mode)
}
