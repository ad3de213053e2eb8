package unifiedllm

import "fmt"

// StreamEventType discriminates the canonical stream events adapters emit.
type StreamEventType string

const (
	StreamMessageStart StreamEventType = "message_start"
	StreamBlockStart   StreamEventType = "block_start"
	StreamBlockDelta   StreamEventType = "block_delta"
	StreamBlockStop    StreamEventType = "block_stop"
	StreamMessageDelta StreamEventType = "message_delta"
	StreamMessageStop  StreamEventType = "message_stop"
	StreamError        StreamEventType = "error"
)

// BlockKind is the content kind announced by a block_start event.
type BlockKind string

const (
	BlockText             BlockKind = "text"
	BlockToolUse          BlockKind = "tool_use"
	BlockThinking         BlockKind = "thinking"
	BlockRedactedThinking BlockKind = "redacted_thinking"
)

// DeltaKind is the fragment kind carried by a block_delta event.
type DeltaKind string

const (
	DeltaText      DeltaKind = "text"
	DeltaInputJSON DeltaKind = "input_json"
	DeltaThinking  DeltaKind = "thinking"
	DeltaSignature DeltaKind = "signature"
)

// BlockMeta carries block_start metadata.
type BlockMeta struct {
	ToolCallID   string `json:"tool_call_id,omitempty"`
	ToolName     string `json:"tool_name,omitempty"`
	RedactedData string `json:"redacted_data,omitempty"`
}

// StreamEvent is the provider-neutral projection of one streaming event.
// Blocks never interleave: a block_start is followed by its deltas and one
// block_stop before the next block_start.
type StreamEvent struct {
	Type     StreamEventType `json:"type"`
	Index    int             `json:"index,omitempty"`
	Block    BlockKind       `json:"block,omitempty"`
	Meta     BlockMeta       `json:"meta,omitempty"`
	Delta    DeltaKind       `json:"delta,omitempty"`
	Fragment string          `json:"fragment,omitempty"`

	MessageID  string `json:"message_id,omitempty"`
	Model      string `json:"model,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`

	Err error `json:"-"`
}

func (e StreamEvent) String() string {
	switch e.Type {
	case StreamBlockStart:
		return fmt.Sprintf("block_start(%s)", e.Block)
	case StreamBlockDelta:
		return fmt.Sprintf("block_delta(%s)", e.Delta)
	default:
		return string(e.Type)
	}
}

// BlockStartEvent builds a block_start event.
func BlockStartEvent(index int, kind BlockKind, meta BlockMeta) StreamEvent {
	return StreamEvent{Type: StreamBlockStart, Index: index, Block: kind, Meta: meta}
}

// BlockDeltaEvent builds a block_delta event.
func BlockDeltaEvent(index int, kind DeltaKind, fragment string) StreamEvent {
	return StreamEvent{Type: StreamBlockDelta, Index: index, Delta: kind, Fragment: fragment}
}

// BlockStopEvent builds a block_stop event.
func BlockStopEvent(index int) StreamEvent {
	return StreamEvent{Type: StreamBlockStop, Index: index}
}
