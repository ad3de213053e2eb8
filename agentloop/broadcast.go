package agentloop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/martinemde/memagent/store"
	"github.com/martinemde/memagent/unifiedllm"
)

// NoResponse is reported for a target that finished its step without
// sending a message.
const NoResponse = "<no response>"

// BroadcastResult is the outcome of one target's step.
type BroadcastResult struct {
	AgentID   string   `json:"agent_id"`
	AgentName string   `json:"agent_name"`
	Response  []string `json:"response,omitempty"`
	Error     string   `json:"error,omitempty"`
	Type      string   `json:"type,omitempty"`
}

// OK reports whether the target stepped without error.
func (r BroadcastResult) OK() bool { return r.Error == "" }

// BroadcastOption configures a Broadcaster.
type BroadcastOption func(*Broadcaster)

// WithConcurrency bounds how many targets step at once.
func WithConcurrency(n int) BroadcastOption {
	return func(b *Broadcaster) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// WithBroadcastLogger sets the broadcaster's logger.
func WithBroadcastLogger(logger *slog.Logger) BroadcastOption {
	return func(b *Broadcaster) { b.logger = logger }
}

// Broadcaster steps many agents concurrently with the same message and
// collects one result per target. A target's failure is reported in its
// result and never affects the others.
type Broadcaster struct {
	engine      *Engine
	agents      store.AgentStore
	concurrency int
	logger      *slog.Logger
}

// NewBroadcaster returns a Broadcaster stepping targets through engine.
func NewBroadcaster(engine *Engine, agents store.AgentStore, opts ...BroadcastOption) *Broadcaster {
	b := &Broadcaster{engine: engine, agents: agents, concurrency: 4}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// SendToTags sends message from senderID to every agent matching the tags,
// excluding the sender itself.
func (b *Broadcaster) SendToTags(ctx context.Context, senderID, message string, matchAll, matchSome []string) ([]BroadcastResult, error) {
	sender, err := b.agents.GetAgent(ctx, senderID)
	if err != nil {
		return nil, fmt.Errorf("loading sender %s: %w", senderID, err)
	}
	matched, err := b.agents.ListByTags(ctx, matchAll, matchSome)
	if err != nil {
		return nil, fmt.Errorf("listing agents by tag: %w", err)
	}
	targets := make([]store.Agent, 0, len(matched))
	for _, a := range matched {
		if a.ID != senderID {
			targets = append(targets, a)
		}
	}
	b.logger.Info("broadcasting", "sender", senderID, "targets", len(targets))
	return b.fanOut(ctx, sender, targets, message), nil
}

// SendToIDs sends message from senderID to the listed agents. The sender is
// skipped if listed. An unknown id yields a failed result for that id.
func (b *Broadcaster) SendToIDs(ctx context.Context, senderID string, ids []string, message string) ([]BroadcastResult, error) {
	sender, err := b.agents.GetAgent(ctx, senderID)
	if err != nil {
		return nil, fmt.Errorf("loading sender %s: %w", senderID, err)
	}
	var targets []store.Agent
	var missing []BroadcastResult
	for _, id := range ids {
		if id == senderID {
			continue
		}
		a, err := b.agents.GetAgent(ctx, id)
		if err != nil {
			missing = append(missing, failedBroadcast(store.Agent{ID: id}, err))
			continue
		}
		targets = append(targets, *a)
	}
	return append(b.fanOut(ctx, sender, targets, message), missing...), nil
}

// SendToAgents steps each agent with message as plain user input.
// Results are in the order of agents.
func (b *Broadcaster) SendToAgents(ctx context.Context, agents []store.Agent, message string) []BroadcastResult {
	return b.fanOut(ctx, nil, agents, message)
}

func (b *Broadcaster) fanOut(ctx context.Context, sender *store.Agent, targets []store.Agent, message string) []BroadcastResult {
	results := make([]BroadcastResult, len(targets))
	sem := make(chan struct{}, b.concurrency)
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[i] = failedBroadcast(target, ctx.Err())
				return
			}
			defer func() { <-sem }()
			results[i] = b.sendOne(ctx, sender, target, message)
		}()
	}
	wg.Wait()
	return results
}

func (b *Broadcaster) sendOne(ctx context.Context, sender *store.Agent, target store.Agent, message string) (result BroadcastResult) {
	senderID := ""
	if sender != nil {
		senderID = sender.ID
	}
	ctx, span := b.engine.tracer.TraceBroadcast(ctx, senderID, target.ID)
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			result = failedBroadcast(target, fmt.Errorf("panic: %v", r))
		}
		if !result.OK() {
			b.logger.Warn("broadcast target failed", "sender", senderID, "target", target.ID, "error", result.Error)
		}
		b.engine.metrics.BroadcastResult(result.OK())
	}()

	input := incomingMessage(sender, message)
	res, err := b.engine.Step(ctx, target.ID, input, 0)
	if err != nil {
		return failedBroadcast(target, err)
	}
	return BroadcastResult{
		AgentID:   target.ID,
		AgentName: target.Name,
		Response:  assistantContents(res.Messages),
	}
}

func incomingMessage(sender *store.Agent, message string) unifiedllm.Message {
	if sender == nil {
		return unifiedllm.UserMessage(message)
	}
	text := fmt.Sprintf("[Incoming message from %s - to reply to this message, make sure to use the '%s' at the end, and the system will notify the sender of your response] %s",
		sender.ID, SendMessageTool, message)
	msg := unifiedllm.UserMessage(text)
	msg.Name = sender.Name
	return msg
}

func assistantContents(msgs []CallerMessage) []string {
	var out []string
	for _, m := range msgs {
		if m.MessageType == AssistantMessageType {
			out = append(out, m.Content)
		}
	}
	if len(out) == 0 {
		return []string{NoResponse}
	}
	return out
}

func failedBroadcast(target store.Agent, err error) BroadcastResult {
	return BroadcastResult{
		AgentID:   target.ID,
		AgentName: target.Name,
		Error:     err.Error(),
		Type:      fmt.Sprintf("%T", err),
	}
}
