package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/martinemde/memagent/observability"
	"github.com/martinemde/memagent/store"
	"github.com/martinemde/memagent/streaming"
	"github.com/martinemde/memagent/toolrules"
	"github.com/martinemde/memagent/unifiedllm"
)

// LLMClient is the model surface the engine calls. *unifiedllm.Client
// satisfies it.
type LLMClient interface {
	Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error)
	Stream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error)
	SupportsToolChoice(req unifiedllm.Request, mode string) bool
}

// EngineConfig holds the step engine's tunables.
type EngineConfig struct {
	// MaxSteps bounds model calls per Step when the caller passes 0.
	MaxSteps int  `json:"max_steps" yaml:"max_steps"`
	Stream   bool `json:"stream" yaml:"stream"`

	InnerThoughtsInArgs bool   `json:"inner_thoughts_in_args" yaml:"inner_thoughts_in_args"`
	InnerThoughtsKey    string `json:"inner_thoughts_key,omitempty" yaml:"inner_thoughts_key,omitempty"`

	// UseAssistantMessage surfaces send_message calls as assistant messages.
	UseAssistantMessage  bool   `json:"use_assistant_message" yaml:"use_assistant_message"`
	AssistantMessageTool string `json:"assistant_message_tool,omitempty" yaml:"assistant_message_tool,omitempty"`
	AssistantMessageKey  string `json:"assistant_message_key,omitempty" yaml:"assistant_message_key,omitempty"`

	ReturnCharLimit int            `json:"return_char_limit" yaml:"return_char_limit"`
	ToolCharLimits  map[string]int `json:"tool_char_limits,omitempty" yaml:"tool_char_limits,omitempty"`
	TruncationMode  TruncationMode `json:"truncation_mode,omitempty" yaml:"truncation_mode,omitempty"`

	EnableLoopDetection bool `json:"enable_loop_detection" yaml:"enable_loop_detection"`
	LoopDetectionWindow int  `json:"loop_detection_window" yaml:"loop_detection_window"`

	MaxTokens      int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	ThinkingBudget int `json:"thinking_budget,omitempty" yaml:"thinking_budget,omitempty"`

	BroadcastConcurrency int `json:"broadcast_concurrency" yaml:"broadcast_concurrency"`
}

// DefaultEngineConfig returns the default configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxSteps:             10,
		InnerThoughtsInArgs:  true,
		InnerThoughtsKey:     unifiedllm.DefaultInnerThoughtsKey,
		UseAssistantMessage:  true,
		AssistantMessageTool: SendMessageTool,
		AssistantMessageKey:  "message",
		ReturnCharLimit:      DefaultReturnCharLimit,
		TruncationMode:       TruncateHead,
		EnableLoopDetection:  true,
		LoopDetectionWindow:  6,
		BroadcastConcurrency: 4,
	}
}

// StopReason says why a Step returned.
type StopReason string

const (
	// StopEndTurn means the last tool call did not ask to continue.
	StopEndTurn StopReason = "end_turn"
	// StopNoToolCall means the model answered without calling a tool.
	StopNoToolCall StopReason = "no_tool_call"
	// StopMaxSteps means the step budget ran out while continuing.
	StopMaxSteps StopReason = "max_steps"
)

// UsageStatistics totals one Step.
type UsageStatistics struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	StepCount        int `json:"step_count"`
}

// StepResult is the outcome of a Step.
type StepResult struct {
	Messages   []CallerMessage      `json:"messages"`
	Persisted  []unifiedllm.Message `json:"-"`
	Usage      UsageStatistics      `json:"usage"`
	StopReason StopReason           `json:"stop_reason"`
}

// Deps are the engine's collaborators.
type Deps struct {
	Client   LLMClient
	Messages store.MessageStore
	Agents   store.AgentStore
	Blocks   store.BlockStore
	// Memory defaults to a store.CoreMemory over Blocks.
	Memory store.MemoryProvider
	// Tools defaults to a registry holding the core tools.
	Tools *ToolRegistry
	// Executor defaults to a RegistryExecutor over Tools.
	Executor ToolExecutor
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithConfig replaces the engine configuration.
func WithConfig(cfg EngineConfig) EngineOption {
	return func(e *Engine) { e.config = cfg }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics records engine metrics.
func WithMetrics(m *observability.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer traces steps, model calls and tool executions.
func WithTracer(t *observability.Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// WithEmitter delivers step events to the host application.
func WithEmitter(em *EventEmitter) EngineOption {
	return func(e *Engine) { e.emitter = em }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// Engine drives agents through steps. It holds no per-agent state, so one
// Engine may step many agents concurrently; a single agent must not be
// stepped concurrently.
type Engine struct {
	client   LLMClient
	messages store.MessageStore
	agents   store.AgentStore
	blocks   store.BlockStore
	memory   store.MemoryProvider
	tools    *ToolRegistry
	executor ToolExecutor

	config  EngineConfig
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	emitter *EventEmitter
	now     func() time.Time

	broadcaster *Broadcaster
}

// NewEngine creates an Engine.
func NewEngine(deps Deps, opts ...EngineOption) *Engine {
	e := &Engine{
		client:   deps.Client,
		messages: deps.Messages,
		agents:   deps.Agents,
		blocks:   deps.Blocks,
		memory:   deps.Memory,
		tools:    deps.Tools,
		executor: deps.Executor,
		config:   DefaultEngineConfig(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.memory == nil && e.blocks != nil {
		e.memory = store.NewCoreMemory(e.blocks)
	}
	if e.tools == nil {
		e.tools = NewToolRegistry()
		RegisterCoreTools(e.tools)
	}
	if e.executor == nil {
		e.executor = NewRegistryExecutor(e.tools, e.metrics, e.tracer)
	}
	if e.config.InnerThoughtsKey == "" {
		e.config.InnerThoughtsKey = unifiedllm.DefaultInnerThoughtsKey
	}
	if e.config.AssistantMessageTool == "" {
		e.config.AssistantMessageTool = SendMessageTool
	}
	if e.config.AssistantMessageKey == "" {
		e.config.AssistantMessageKey = "message"
	}
	e.broadcaster = NewBroadcaster(e, e.agents,
		WithConcurrency(e.config.BroadcastConcurrency),
		WithBroadcastLogger(e.logger.With("component", "broadcast")))
	return e
}

// Broadcaster returns the fan-out layer bound to this engine.
func (e *Engine) Broadcaster() *Broadcaster { return e.broadcaster }

// Tools returns the engine's tool registry.
func (e *Engine) Tools() *ToolRegistry { return e.tools }

// turn is the state of one Step. It is owned by a single goroutine.
type turn struct {
	agent      *store.Agent
	profile    ProviderProfile
	solver     *toolrules.Solver
	window     []unifiedllm.Message
	added      []unifiedllm.Message
	usage      unifiedllm.Usage
	steps      int
	stepID     string
	signatures []string

	// contextWarned is set once the context usage warning went out.
	contextWarned bool
	log           *slog.Logger
}

// Step persists input, then calls the model and executes one tool call per
// iteration until the tool rules or the model stop it, or maxSteps model
// calls have been made. maxSteps <= 0 uses the configured default.
//
// A *toolrules.RuleViolation, *toolrules.ConfigError or
// *streaming.ProtocolIntegrityError is returned as is (possibly wrapped).
// Messages persisted before an error remain the record of the turn.
func (e *Engine) Step(ctx context.Context, agentID string, input unifiedllm.Message, maxSteps int) (result *StepResult, err error) {
	if maxSteps <= 0 {
		maxSteps = e.config.MaxSteps
	}
	ctx, span := e.tracer.TraceStep(ctx, agentID, maxSteps)
	var t *turn
	defer func() {
		outcome, steps := "error", 0
		if t != nil {
			steps = t.steps
		}
		if err == nil {
			outcome = string(result.StopReason)
		}
		e.metrics.StepCompleted(outcome, steps)
		observability.RecordError(span, err)
		span.End()
	}()

	t, err = e.startTurn(ctx, agentID)
	if err != nil {
		return nil, err
	}
	e.emitter.Emit(agentID, EventStepStart, map[string]any{"max_steps": maxSteps})

	if input.Role == "" {
		input.Role = unifiedllm.RoleUser
	}
	if err := e.persist(ctx, t, input); err != nil {
		return nil, e.abort(ctx, t, err)
	}
	e.emitter.Emit(agentID, EventUserInput, map[string]any{"content": input.TextContent()})

	stop := StopMaxSteps
	for t.steps < maxSteps {
		if err := ctx.Err(); err != nil {
			return nil, e.abort(ctx, t, err)
		}
		cont, reason, err := e.iterate(ctx, t)
		if err != nil {
			return nil, e.abort(ctx, t, err)
		}
		if !cont {
			stop = reason
			break
		}
	}
	if stop == StopMaxSteps {
		t.log.Info("step budget exhausted", "max_steps", maxSteps)
	}

	if err := e.commit(ctx, t); err != nil {
		return nil, err
	}
	result = &StepResult{
		Messages: ToCallerMessages(t.added, TranslateOptions{
			UseAssistantMessage:  e.config.UseAssistantMessage,
			AssistantMessageTool: e.config.AssistantMessageTool,
			AssistantMessageKey:  e.config.AssistantMessageKey,
		}),
		Persisted:  t.added,
		Usage:      usageStatistics(t.usage, t.steps),
		StopReason: stop,
	}
	e.emitter.Emit(agentID, EventStepEnd, map[string]any{
		"stop_reason": string(stop),
		"steps":       t.steps,
	})
	return result, nil
}

func usageStatistics(u unifiedllm.Usage, steps int) UsageStatistics {
	total := u.TotalTokens
	if total == 0 {
		total = u.InputTokens + u.OutputTokens
	}
	return UsageStatistics{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      total,
		StepCount:        steps,
	}
}

// startTurn loads the agent, its rules and its in-context window. An agent
// without a system message gets one compiled and persisted.
func (e *Engine) startTurn(ctx context.Context, agentID string) (*turn, error) {
	agent, err := e.agents.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("loading agent %s: %w", agentID, err)
	}
	rules, err := toolrules.FromSpecs(agent.Rules)
	if err != nil {
		return nil, err
	}
	profile := NewProfile(agent.Provider, agent.Model)
	solver, err := toolrules.NewSolver(rules, toolrules.WithForcedToolChoice(profile.SupportsForcedToolChoice()))
	if err != nil {
		return nil, err
	}
	window, err := e.messages.GetByIDs(ctx, agent.MessageIDs)
	if err != nil {
		return nil, fmt.Errorf("loading context window of %s: %w", agentID, err)
	}

	t := &turn{
		agent:   agent,
		profile: profile,
		solver:  solver,
		window:  window,
		stepID:  newStepID(),
		log:     e.logger.With("agent_id", agentID, "model", profile.ModelID()),
	}
	if len(window) == 0 || window[0].Role != unifiedllm.RoleSystem {
		if err := e.memory.Refresh(ctx, agentID); err != nil {
			return nil, err
		}
		count, err := e.messages.Count(ctx, agentID)
		if err != nil {
			return nil, err
		}
		sys := unifiedllm.SystemMessage(CompileSystemMessage(agent.SystemPrompt, e.memory.Compile(agentID), e.lastEdit(agentID), count))
		sys.AgentID = agentID
		saved, err := e.messages.Persist(ctx, []unifiedllm.Message{sys})
		if err != nil {
			return nil, fmt.Errorf("persisting system message: %w", err)
		}
		t.window = append([]unifiedllm.Message{saved[0]}, window...)
	}
	return t, nil
}

func newStepID() string { return "step-" + uuid.NewString() }

func newToolCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (e *Engine) lastEdit(agentID string) time.Time {
	if m, ok := e.memory.(interface{ LastEdit(string) time.Time }); ok {
		if t := m.LastEdit(agentID); !t.IsZero() {
			return t
		}
	}
	return e.now()
}

// rebuildSystem recompiles the system message when the compiled memory is
// no longer contained in it. The message keeps its id; only position 0 of
// the window is replaced.
func (e *Engine) rebuildSystem(ctx context.Context, t *turn) error {
	agentID := t.agent.ID
	if err := e.memory.Refresh(ctx, agentID); err != nil {
		return err
	}
	memory := e.memory.Compile(agentID)
	current := t.window[0]
	currentText := current.TextContent()
	if strings.Contains(currentText, memory) {
		t.log.Debug("memory unchanged, skipping system rebuild")
		return nil
	}

	count, err := e.messages.Count(ctx, agentID)
	if err != nil {
		return err
	}
	text := CompileSystemMessage(t.agent.SystemPrompt, memory, e.lastEdit(agentID), count)
	if text == currentText {
		return nil
	}
	current.Content = []unifiedllm.ContentPart{unifiedllm.TextPart(text)}
	updated, err := e.messages.Update(ctx, current)
	if err != nil {
		return fmt.Errorf("updating system message: %w", err)
	}
	t.window[0] = updated
	t.log.Debug("rebuilt system message", "message_id", updated.ID)
	e.emitter.Emit(agentID, EventSystemRebuilt, map[string]any{"message_id": updated.ID})
	return nil
}

// availableTools lists the agent's declared tools that are registered.
func (e *Engine) availableTools(agent *store.Agent) []string {
	out := make([]string, 0, len(agent.Tools))
	for _, name := range agent.Tools {
		if e.tools.Get(name) != nil {
			out = append(out, name)
		}
	}
	return out
}

// iterate runs one model call and handles its outcome.
func (e *Engine) iterate(ctx context.Context, t *turn) (bool, StopReason, error) {
	if err := e.rebuildSystem(ctx, t); err != nil {
		return false, "", err
	}
	legal, err := t.solver.LegalTools(e.availableTools(t.agent))
	if err != nil {
		e.recordViolation(err)
		return false, "", err
	}
	req := e.buildRequest(t, legal)
	e.checkContextUsage(t)
	e.emitter.Emit(t.agent.ID, EventLLMRequest, map[string]any{
		"step":        t.steps + 1,
		"legal_tools": legal,
	})

	resp, err := e.callModel(ctx, t, req)
	t.steps++
	if err != nil {
		return false, "", err
	}
	t.usage = t.usage.Add(resp.Usage)

	calls := resp.ToolCalls()
	if len(calls) == 0 {
		if content := withoutToolCalls(resp.Message.Content); len(content) > 0 {
			if err := e.persist(ctx, t, unifiedllm.Message{Role: unifiedllm.RoleAssistant, Content: content}); err != nil {
				return false, "", err
			}
		}
		if missing := t.solver.MissingRequired(); len(missing) > 0 {
			if err := e.persistHeartbeat(ctx, t, requiredReason(missing)); err != nil {
				return false, "", err
			}
			return true, "", nil
		}
		return false, StopNoToolCall, nil
	}
	if len(calls) > 1 {
		t.log.Warn("model returned several tool calls, using the first",
			"count", len(calls), "used", calls[0].Name)
		e.emitter.Emit(t.agent.ID, EventWarning, map[string]any{
			"message": fmt.Sprintf("%d tool calls returned, only %s was executed", len(calls), calls[0].Name),
		})
	}
	return e.handleToolCall(ctx, t, resp.Message, calls[0])
}

// checkContextUsage warns once per turn when the window's approximate token
// count passes 80% of the model's context window.
func (e *Engine) checkContextUsage(t *turn) {
	window := t.profile.ContextWindowSize()
	if t.contextWarned || window <= 0 {
		return
	}
	approxTokens := windowChars(t.window) / 4
	if approxTokens <= window*8/10 {
		return
	}
	t.contextWarned = true
	pct := approxTokens * 100 / window
	t.log.Warn("context window nearly full", "approx_tokens", approxTokens, "context_window", window)
	e.emitter.Emit(t.agent.ID, EventWarning, map[string]any{
		"message": fmt.Sprintf("Context usage at ~%d%% of context window", pct),
	})
}

func windowChars(msgs []unifiedllm.Message) int {
	n := 0
	for _, m := range msgs {
		for _, p := range m.Content {
			n += len(p.Text)
			if p.ToolCall != nil {
				n += len(p.ToolCall.Name) + len(p.ToolCall.Arguments)
			}
			if p.ToolResult != nil {
				n += len(p.ToolResult.Content)
			}
			if p.Thinking != nil {
				n += len(p.Thinking.Text)
			}
		}
	}
	return n
}

func (e *Engine) recordViolation(err error) {
	var rv *toolrules.RuleViolation
	if errors.As(err, &rv) {
		e.metrics.RuleViolation(string(rv.Rule))
	}
}

// buildRequest offers only the legal tools, with inner thoughts and
// heartbeat parameters added to their schemas.
func (e *Engine) buildRequest(t *turn, legal []string) unifiedllm.Request {
	defs := e.tools.Definitions(legal)
	for i := range defs {
		params := defs[i].Parameters
		if !t.solver.IsTerminal(defs[i].Name) {
			params = unifiedllm.AddHeartbeatParam(params)
		}
		if e.config.InnerThoughtsInArgs {
			params = unifiedllm.AddInnerThoughtsParam(params, e.config.InnerThoughtsKey,
				"Deep inner monologue private to you only.")
		}
		defs[i].Parameters = params
	}

	window := make([]unifiedllm.Message, len(t.window))
	copy(window, t.window)
	req := unifiedllm.Request{
		Model:    t.agent.Model,
		Provider: t.agent.Provider,
		Messages: window,
		ToolDefs: defs,
	}
	req.ToolChoice = t.profile.ToolChoice(legal, e.config)
	if req.ToolChoice != nil && req.ToolChoice.Mode != "auto" && !e.client.SupportsToolChoice(req, req.ToolChoice.Mode) {
		t.log.Debug("tool choice not supported, using auto", "mode", req.ToolChoice.Mode)
		req.ToolChoice = &unifiedllm.ToolChoice{Mode: "auto"}
	}
	t.profile.Apply(&req, e.config)
	return req
}

// callModel sends req and returns the response in canonical shape,
// whether it was streamed or not.
func (e *Engine) callModel(ctx context.Context, t *turn, req unifiedllm.Request) (*unifiedllm.Response, error) {
	provider := t.profile.ID()
	ctx, span := e.tracer.TraceLLMRequest(ctx, provider, req.Model)
	defer span.End()
	start := time.Now()

	var resp *unifiedllm.Response
	var err error
	if e.config.Stream {
		resp, err = e.streamModel(ctx, t, req)
	} else {
		resp, err = e.client.Complete(ctx, req)
		if err == nil {
			resp = unifiedllm.Normalize(resp, unifiedllm.NormalizeOptions{
				InnerThoughtsInArgs: e.config.InnerThoughtsInArgs,
				InnerThoughtsKey:    e.config.InnerThoughtsKey,
			})
		}
	}

	var usage unifiedllm.Usage
	if resp != nil {
		usage = resp.Usage
	}
	e.metrics.LLMRequest(provider, req.Model, time.Since(start), err, usage.InputTokens, usage.OutputTokens)
	observability.RecordError(span, err)
	if err != nil {
		e.emitter.Emit(t.agent.ID, EventError, map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("calling model %s: %w", req.Model, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("calling model %s: empty response", req.Model)
	}
	return resp, nil
}

func (e *Engine) streamModel(ctx context.Context, t *turn, req unifiedllm.Request) (*unifiedllm.Response, error) {
	// Cancelling on return releases the provider goroutine if the stream is
	// abandoned early.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := e.client.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	acc := streaming.NewAccumulator(streaming.Options{
		Provider:             t.profile.ID(),
		Model:                req.Model,
		InnerThoughtsInArgs:  e.config.InnerThoughtsInArgs,
		InnerThoughtsKey:     e.config.InnerThoughtsKey,
		UseAssistantMessage:  e.config.UseAssistantMessage,
		AssistantMessageTool: e.config.AssistantMessageTool,
		AssistantMessageKey:  e.config.AssistantMessageKey,
	})
	agentID := t.agent.ID
	if err := acc.Run(ctx, events, func(ev streaming.Event) { e.emitStreamEvent(agentID, ev) }); err != nil {
		return nil, err
	}
	return acc.Response(), nil
}

func (e *Engine) emitStreamEvent(agentID string, ev streaming.Event) {
	switch ev.Kind {
	case streaming.EventReasoning:
		e.emitter.Emit(agentID, EventReasoning, map[string]any{
			"message_id": ev.MessageID,
			"reasoning":  ev.Reasoning,
			"source":     string(ev.Source),
		})
	case streaming.EventHiddenReasoning:
		e.emitter.Emit(agentID, EventHiddenReasoning, map[string]any{"message_id": ev.MessageID})
	case streaming.EventToolCall:
		if ev.ToolCall != nil {
			e.emitter.Emit(agentID, EventToolCallDelta, map[string]any{
				"message_id":   ev.MessageID,
				"tool_call_id": ev.ToolCall.ID,
				"name":         ev.ToolCall.Name,
				"arguments":    ev.ToolCall.Arguments,
			})
		}
	case streaming.EventAssistantMessage:
		e.emitter.Emit(agentID, EventAssistantText, map[string]any{
			"message_id": ev.MessageID,
			"content":    ev.Content,
		})
	}
}

// handleToolCall executes call and decides whether the turn continues.
func (e *Engine) handleToolCall(ctx context.Context, t *turn, reply unifiedllm.Message, call unifiedllm.ToolCallData) (bool, StopReason, error) {
	agentID := t.agent.ID
	if call.ID == "" {
		call.ID = newToolCallID()
	}

	args, parseErr := ParseToolArguments(call.Arguments)
	requested := coerceHeartbeat(args[unifiedllm.HeartbeatParam])
	delete(args, unifiedllm.HeartbeatParam)

	e.emitter.Emit(agentID, EventToolCallStart, map[string]any{
		"tool_name": call.Name,
		"call_id":   call.ID,
	})
	var result ToolExecutionResult
	if parseErr != nil {
		t.log.Warn("tool call arguments did not parse", "tool", call.Name, "error", parseErr)
		result = failedResult("Failed to call tool. Error: %v", parseErr)
	} else {
		tc := &ToolContext{Agent: t.agent, Blocks: e.blocks, Messenger: e.broadcaster, Logger: t.log}
		result = e.executor.Execute(ctx, call.Name, args, tc)
	}
	t.log.Info("tool executed", "tool", call.Name, "status", string(result.Status))
	e.emitter.Emit(agentID, EventToolCallEnd, map[string]any{
		"tool_name": call.Name,
		"call_id":   call.ID,
		"status":    string(result.Status),
		"output":    result.ReturnValue,
	})

	violation := t.solver.RegisterCall(call.Name, result.ReturnValue)

	cont := requested
	reason := ReasonHeartbeatRequested
	if !result.OK() {
		reason = ReasonFunctionFailed
	}
	_, mustContinue := t.solver.ForcedNextTool(result.ReturnValue)
	switch {
	case t.solver.IsTerminal(call.Name):
		cont = !t.solver.MustStop()
	case t.solver.HasChildren(call.Name) || mustContinue:
		if !cont {
			reason = ReasonRuleContinue
		}
		cont = true
	}
	if missing := t.solver.MissingRequired(); len(missing) > 0 && !t.solver.MustStop() && (!cont || t.solver.IsTerminal(call.Name)) {
		cont = true
		reason = requiredReason(missing)
	}

	now := e.now()
	limit := returnLimit(call.Name, e.tools.Get(call.Name), e.config)
	returnValue := TruncateOutput(result.ReturnValue, limit, e.config.TruncationMode)

	callArgs := []byte(mustJSON(args))
	assistant := unifiedllm.Message{
		Role:    unifiedllm.RoleAssistant,
		Content: append(withoutToolCalls(reply.Content), unifiedllm.ToolCallPart(call.ID, call.Name, callArgs)),
	}
	toolMsg := unifiedllm.ToolResultMessage(call.ID, call.Name, packageToolReturn(result.OK(), returnValue, now), !result.OK())
	toolMsg.Content[0].ToolResult.Stdout = result.Stdout
	toolMsg.Content[0].ToolResult.Stderr = result.Stderr
	msgs := []unifiedllm.Message{assistant, toolMsg}
	if cont && violation == nil {
		msgs = append(msgs, e.heartbeatMessage(reason))
	}
	if err := e.persist(ctx, t, msgs...); err != nil {
		return false, "", err
	}

	if violation != nil {
		e.recordViolation(violation)
		return false, "", violation
	}

	t.signatures = append(t.signatures, toolCallSignature(call.Name, callArgs))
	if e.config.EnableLoopDetection && DetectLoop(t.signatures, e.config.LoopDetectionWindow) {
		warning := fmt.Sprintf("Loop detected: the last %d tool calls follow a repeating pattern.", e.config.LoopDetectionWindow)
		t.log.Warn(warning)
		e.emitter.Emit(agentID, EventLoopDetection, map[string]any{"message": warning})
	}

	if cont {
		e.emitter.Emit(agentID, EventHeartbeat, map[string]any{"reason": reason})
		t.stepID = newStepID()
	}
	return cont, StopEndTurn, nil
}

func withoutToolCalls(parts []unifiedllm.ContentPart) []unifiedllm.ContentPart {
	out := make([]unifiedllm.ContentPart, 0, len(parts))
	for _, p := range parts {
		if p.Kind != unifiedllm.ContentToolCall {
			out = append(out, p)
		}
	}
	return out
}

func (e *Engine) heartbeatMessage(reason string) unifiedllm.Message {
	return unifiedllm.SystemMessage(heartbeatNotice(reason, e.now()))
}

func (e *Engine) persistHeartbeat(ctx context.Context, t *turn, reason string) error {
	if err := e.persist(ctx, t, e.heartbeatMessage(reason)); err != nil {
		return err
	}
	e.emitter.Emit(t.agent.ID, EventHeartbeat, map[string]any{"reason": reason})
	t.stepID = newStepID()
	return nil
}

// persist stores msgs and appends them to the window.
func (e *Engine) persist(ctx context.Context, t *turn, msgs ...unifiedllm.Message) error {
	for i := range msgs {
		msgs[i].AgentID = t.agent.ID
		msgs[i].StepID = t.stepID
	}
	saved, err := e.messages.Persist(ctx, msgs)
	if err != nil {
		return fmt.Errorf("persisting messages: %w", err)
	}
	t.window = append(t.window, saved...)
	t.added = append(t.added, saved...)
	return nil
}

// commit records the window on the agent.
func (e *Engine) commit(ctx context.Context, t *turn) error {
	ids := make([]string, len(t.window))
	for i, m := range t.window {
		ids[i] = m.ID
	}
	if err := e.agents.SetMessageIDs(ctx, t.agent.ID, ids); err != nil {
		return fmt.Errorf("saving context window of %s: %w", t.agent.ID, err)
	}
	return nil
}

// abort commits what was persisted so far and returns err.
func (e *Engine) abort(ctx context.Context, t *turn, err error) error {
	t.log.Error("step failed", "error", err, "steps", t.steps)
	e.emitter.Emit(t.agent.ID, EventError, map[string]any{"error": err.Error()})
	if cerr := e.commit(context.WithoutCancel(ctx), t); cerr != nil {
		t.log.Error("saving context window after failure", "error", cerr)
	}
	return err
}
