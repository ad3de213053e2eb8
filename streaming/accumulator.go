package streaming

import (
	"context"
	"fmt"
	"strings"

	"github.com/martinemde/memagent/unifiedllm"
)

// Options configures an Accumulator.
type Options struct {
	// MessageID is stamped on every emitted event. A message_start event
	// with an id overrides it when empty.
	MessageID string
	Provider  string
	Model     string

	// InnerThoughtsInArgs means tool arguments carry the model's reasoning
	// under InnerThoughtsKey, and tool-call deltas are held back until that
	// value is complete.
	InnerThoughtsInArgs bool
	InnerThoughtsKey    string

	// UseAssistantMessage surfaces calls to AssistantMessageTool as
	// assistant_message events built from AssistantMessageKey.
	UseAssistantMessage  bool
	AssistantMessageTool string
	AssistantMessageKey  string
}

func (o *Options) setDefaults() {
	if o.InnerThoughtsKey == "" {
		o.InnerThoughtsKey = unifiedllm.DefaultInnerThoughtsKey
	}
	if o.AssistantMessageTool == "" {
		o.AssistantMessageTool = "send_message"
	}
	if o.AssistantMessageKey == "" {
		o.AssistantMessageKey = "message"
	}
}

// Accumulator turns one response's ordered stream events into canonical
// message events. One Accumulator serves exactly one response and is not
// safe for concurrent use.
type Accumulator struct {
	opts Options
	mode Mode

	// reasoning keeps reasoning and hidden-reasoning events for Finalize.
	reasoning []Event

	toolID        string
	toolName      string
	args          strings.Builder
	prevThoughts  string
	prevMessage   string
	thoughtsDone  bool
	pending       []Event
	toolCalls     []unifiedllm.ToolCallData
	assistantMode bool

	usage      unifiedllm.Usage
	stopReason string
}

// NewAccumulator returns an Accumulator in mode NONE.
func NewAccumulator(opts Options) *Accumulator {
	opts.setDefaults()
	return &Accumulator{opts: opts}
}

// Mode reports the current block mode.
func (a *Accumulator) Mode() Mode { return a.mode }

// Consume applies one stream event and returns the canonical events it
// releases, in order. A *ProtocolIntegrityError means the event sequence is
// invalid; the accumulator must not be used afterwards.
func (a *Accumulator) Consume(ev unifiedllm.StreamEvent) ([]Event, error) {
	switch ev.Type {
	case unifiedllm.StreamMessageStart:
		if a.opts.MessageID == "" {
			a.opts.MessageID = ev.MessageID
		}
		if ev.Model != "" {
			a.opts.Model = ev.Model
		}
		a.addUsage(ev.Usage)
		return nil, nil
	case unifiedllm.StreamMessageDelta:
		a.addUsage(ev.Usage)
		if ev.StopReason != "" {
			a.stopReason = ev.StopReason
		}
		return nil, nil
	case unifiedllm.StreamMessageStop:
		return nil, nil
	case unifiedllm.StreamError:
		if ev.Err != nil {
			return nil, ev.Err
		}
		return nil, fmt.Errorf("stream error event")
	case unifiedllm.StreamBlockStart:
		return a.blockStart(ev)
	case unifiedllm.StreamBlockDelta:
		return a.blockDelta(ev)
	case unifiedllm.StreamBlockStop:
		return a.blockStop(ev)
	default:
		return nil, a.violation(ev)
	}
}

// Run consumes events until the channel closes, passing every canonical
// event to emit. A channel closed because ctx was cancelled reports the
// cancellation, not a complete response.
func (a *Accumulator) Run(ctx context.Context, events <-chan unifiedllm.StreamEvent, emit func(Event)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			out, err := a.Consume(ev)
			if err != nil {
				return err
			}
			for _, e := range out {
				emit(e)
			}
		}
	}
}

func (a *Accumulator) violation(ev unifiedllm.StreamEvent) error {
	return &ProtocolIntegrityError{Mode: a.mode, Event: ev.String()}
}

func (a *Accumulator) addUsage(u *unifiedllm.Usage) {
	if u == nil {
		return
	}
	a.usage.InputTokens += u.InputTokens
	a.usage.OutputTokens += u.OutputTokens
}

func (a *Accumulator) event(kind EventKind) Event {
	return Event{Kind: kind, MessageID: a.opts.MessageID}
}

func (a *Accumulator) blockStart(ev unifiedllm.StreamEvent) ([]Event, error) {
	if a.mode != ModeNone {
		return nil, a.violation(ev)
	}
	switch ev.Block {
	case unifiedllm.BlockText:
		a.mode = ModeText
		return nil, nil

	case unifiedllm.BlockThinking:
		a.mode = ModeThinking
		return nil, nil

	case unifiedllm.BlockRedactedThinking:
		a.mode = ModeRedactedThinking
		e := a.event(EventHiddenReasoning)
		e.Hidden = ev.Meta.RedactedData
		a.reasoning = append(a.reasoning, e)
		return []Event{e}, nil

	case unifiedllm.BlockToolUse:
		a.mode = ModeToolUse
		a.toolID = ev.Meta.ToolCallID
		a.toolName = ev.Meta.ToolName
		a.args.Reset()
		a.prevThoughts = ""
		a.prevMessage = ""
		a.pending = nil
		a.thoughtsDone = !a.opts.InnerThoughtsInArgs
		a.assistantMode = a.opts.UseAssistantMessage && a.toolName == a.opts.AssistantMessageTool
		if a.assistantMode {
			return nil, nil
		}
		e := a.event(EventToolCall)
		e.ToolCall = &ToolCallDelta{ID: a.toolID, Name: a.toolName}
		return a.release(nil, e), nil

	default:
		return nil, a.violation(ev)
	}
}

// release emits e immediately once inner thoughts are complete and queues it
// otherwise.
func (a *Accumulator) release(out []Event, e Event) []Event {
	if a.thoughtsDone {
		return append(out, e)
	}
	a.pending = append(a.pending, e)
	return out
}

func (a *Accumulator) flush(out []Event) []Event {
	out = append(out, a.pending...)
	a.pending = nil
	return out
}

func (a *Accumulator) blockDelta(ev unifiedllm.StreamEvent) ([]Event, error) {
	switch {
	case ev.Delta == unifiedllm.DeltaText && a.mode == ModeText:
		e := a.event(EventReasoning)
		e.Source = SourceNonReasoner
		e.Reasoning = strings.ReplaceAll(ev.Fragment, "</thinking>", "")
		a.reasoning = append(a.reasoning, e)
		return []Event{e}, nil

	case ev.Delta == unifiedllm.DeltaThinking && a.mode == ModeThinking:
		e := a.event(EventReasoning)
		e.Source = SourceReasoner
		e.Reasoning = ev.Fragment
		a.reasoning = append(a.reasoning, e)
		return []Event{e}, nil

	case ev.Delta == unifiedllm.DeltaSignature && a.mode == ModeThinking:
		e := a.event(EventReasoning)
		e.Source = SourceReasoner
		e.Signature = ev.Fragment
		a.reasoning = append(a.reasoning, e)
		return []Event{e}, nil

	case ev.Delta == unifiedllm.DeltaInputJSON && a.mode == ModeToolUse:
		return a.toolDelta(ev.Fragment), nil

	default:
		return nil, a.violation(ev)
	}
}

func (a *Accumulator) toolDelta(fragment string) []Event {
	a.args.WriteString(fragment)
	var out []Event

	parsed, err := ParsePartial(a.args.String())
	if err != nil {
		parsed = nil
	}

	if a.opts.InnerThoughtsInArgs {
		if thoughts, ok := parsed[a.opts.InnerThoughtsKey].(string); ok {
			if diff, ok := suffix(a.prevThoughts, thoughts); ok {
				e := a.event(EventReasoning)
				e.Source = SourceNonReasoner
				e.Reasoning = diff
				a.reasoning = append(a.reasoning, e)
				out = append(out, e)
			}
			a.prevThoughts = thoughts
		}
		if !a.thoughtsDone && len(parsed) > 1 {
			if _, ok := parsed[a.opts.InnerThoughtsKey]; ok {
				a.thoughtsDone = true
				out = a.flush(out)
			}
		}
	}

	if a.assistantMode {
		if msg, ok := parsed[a.opts.AssistantMessageKey].(string); ok {
			if diff, ok := suffix(a.prevMessage, msg); ok {
				e := a.event(EventAssistantMessage)
				e.Content = diff
				out = append(out, e)
			}
			a.prevMessage = msg
		}
		return out
	}

	e := a.event(EventToolCall)
	e.ToolCall = &ToolCallDelta{ID: a.toolID, Arguments: fragment}
	return a.release(out, e)
}

// suffix returns the part of cur not yet seen in prev.
func suffix(prev, cur string) (string, bool) {
	if len(cur) <= len(prev) || !strings.HasPrefix(cur, prev) {
		return "", false
	}
	return cur[len(prev):], true
}

func (a *Accumulator) blockStop(ev unifiedllm.StreamEvent) ([]Event, error) {
	var out []Event
	switch a.mode {
	case ModeNone:
		return nil, a.violation(ev)
	case ModeToolUse:
		out = a.flush(out)
		args := a.args.String()
		if args == "" {
			args = "{}"
		}
		a.toolCalls = append(a.toolCalls, unifiedllm.ToolCallData{
			ID:        a.toolID,
			Name:      a.toolName,
			Arguments: []byte(args),
		})
	}
	a.mode = ModeNone
	return out, nil
}

// Usage returns the token counters accumulated so far.
func (a *Accumulator) Usage() unifiedllm.Usage {
	u := a.usage
	u.TotalTokens = u.InputTokens + u.OutputTokens
	return u
}

// ToolCalls returns the tool calls completed so far, with raw arguments.
func (a *Accumulator) ToolCalls() []unifiedllm.ToolCallData {
	out := make([]unifiedllm.ToolCallData, len(a.toolCalls))
	copy(out, a.toolCalls)
	return out
}

type groupKind int

const (
	groupNonNative groupKind = iota
	groupNative
	groupHidden
)

func kindOf(e Event) groupKind {
	switch {
	case e.Kind == EventHiddenReasoning:
		return groupHidden
	case e.Source == SourceReasoner:
		return groupNative
	default:
		return groupNonNative
	}
}

// Finalize merges consecutive reasoning events of the same kind into content
// parts: native reasoning becomes a thinking part carrying the first
// signature seen, other reasoning becomes text, and redacted reasoning
// becomes a redacted_thinking part.
func (a *Accumulator) Finalize() []unifiedllm.ContentPart {
	var parts []unifiedllm.ContentPart
	for i := 0; i < len(a.reasoning); {
		kind := kindOf(a.reasoning[i])
		j := i
		var text strings.Builder
		signature := ""
		for ; j < len(a.reasoning) && kindOf(a.reasoning[j]) == kind; j++ {
			e := a.reasoning[j]
			if kind == groupHidden {
				text.WriteString(e.Hidden)
			} else {
				text.WriteString(e.Reasoning)
			}
			if signature == "" {
				signature = e.Signature
			}
		}
		switch kind {
		case groupNative:
			parts = append(parts, unifiedllm.ThinkingPart(text.String(), signature))
		case groupHidden:
			parts = append(parts, unifiedllm.RedactedThinkingPart(text.String()))
		default:
			s := unifiedllm.StripXMLTags(text.String(), "thinking")
			if s != "" {
				parts = append(parts, unifiedllm.TextPart(s))
			}
		}
		i = j
	}
	return parts
}

// Response assembles the canonical response: finalized reasoning parts
// followed by tool calls, with inner thoughts removed from arguments.
func (a *Accumulator) Response() *unifiedllm.Response {
	content := a.Finalize()
	for _, call := range a.toolCalls {
		if a.opts.InnerThoughtsInArgs {
			call, _ = unifiedllm.ExtractInnerThoughts(call, a.opts.InnerThoughtsKey)
		}
		content = append(content, unifiedllm.ToolCallPart(call.ID, call.Name, call.Arguments))
	}
	finish := unifiedllm.CanonicalFinishReason(a.opts.Provider, a.stopReason)
	if a.stopReason == "" && len(a.toolCalls) > 0 {
		finish.Reason = unifiedllm.FinishToolCall
	}
	return &unifiedllm.Response{
		ID:           a.opts.MessageID,
		Model:        a.opts.Model,
		Provider:     a.opts.Provider,
		Message:      unifiedllm.Message{Role: unifiedllm.RoleAssistant, Content: content},
		FinishReason: finish,
		Usage:        a.Usage(),
	}
}
