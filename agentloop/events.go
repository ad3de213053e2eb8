package agentloop

import (
	"sync"
	"time"
)

// EventKind identifies the type of step event.
type EventKind string

const (
	EventStepStart       EventKind = "step_start"
	EventStepEnd         EventKind = "step_end"
	EventUserInput       EventKind = "user_input"
	EventSystemRebuilt   EventKind = "system_rebuilt"
	EventLLMRequest      EventKind = "llm_request"
	EventReasoning       EventKind = "reasoning"
	EventHiddenReasoning EventKind = "hidden_reasoning"
	EventToolCallDelta   EventKind = "tool_call_delta"
	EventAssistantText   EventKind = "assistant_message"
	EventToolCallStart   EventKind = "tool_call_start"
	EventToolCallEnd     EventKind = "tool_call_end"
	EventHeartbeat       EventKind = "heartbeat"
	EventLoopDetection   EventKind = "loop_detection"
	EventWarning         EventKind = "warning"
	EventError           EventKind = "error"
)

// StepEvent is a typed event emitted while an agent steps.
type StepEvent struct {
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	AgentID   string         `json:"agent_id"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventEmitter delivers step events to the host application via a channel.
// One emitter may serve many agents; events carry the agent id. A nil
// *EventEmitter drops everything.
type EventEmitter struct {
	ch     chan StepEvent
	closed bool
	mu     sync.Mutex
}

// NewEventEmitter creates a new EventEmitter with a buffered channel.
func NewEventEmitter(bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventEmitter{ch: make(chan StepEvent, bufferSize)}
}

// Emit sends an event to the channel. If the emitter is closed or the
// buffer is full, the event is dropped.
func (e *EventEmitter) Emit(agentID string, kind EventKind, data map[string]any) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	event := StepEvent{
		Kind:      kind,
		Timestamp: time.Now(),
		AgentID:   agentID,
		Data:      data,
	}
	select {
	case e.ch <- event:
	default:
		// Channel full; drop event to avoid blocking the step loop.
	}
}

// Events returns the read-only event channel.
func (e *EventEmitter) Events() <-chan StepEvent {
	return e.ch
}

// Close closes the event channel. Safe to call multiple times.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
