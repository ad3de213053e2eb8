package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/martinemde/memagent/observability"
	"github.com/martinemde/memagent/store"
)

// ToolStatus is the outcome of a tool execution.
type ToolStatus string

const (
	ToolSuccess ToolStatus = "success"
	ToolError   ToolStatus = "error"
)

// ToolExecutionResult is the complete outcome of one tool call. It is
// produced whole; an executor never returns a partial result.
type ToolExecutionResult struct {
	Status      ToolStatus `json:"status"`
	ReturnValue string     `json:"return_value"`
	Stdout      []string   `json:"stdout,omitempty"`
	Stderr      []string   `json:"stderr,omitempty"`
}

// OK reports whether the tool succeeded.
func (r ToolExecutionResult) OK() bool { return r.Status == ToolSuccess }

func failedResult(format string, args ...any) ToolExecutionResult {
	return ToolExecutionResult{Status: ToolError, ReturnValue: fmt.Sprintf(format, args...)}
}

// Messenger delivers a message to other agents on behalf of a sender.
type Messenger interface {
	SendToTags(ctx context.Context, senderID, message string, matchAll, matchSome []string) ([]BroadcastResult, error)
}

// ToolContext is what a running tool may see and touch: the calling agent,
// its memory blocks and the agents it may message.
type ToolContext struct {
	Agent     *store.Agent
	Blocks    store.BlockStore
	Messenger Messenger
	Logger    *slog.Logger

	// Stdout and Stderr collect diagnostic lines for the result.
	Stdout []string
	Stderr []string
}

// Printf appends a line to the tool's captured stdout.
func (tc *ToolContext) Printf(format string, args ...any) {
	tc.Stdout = append(tc.Stdout, fmt.Sprintf(format, args...))
}

// ToolExecutor runs a named tool. Execute never panics and never returns an
// error; every failure is reported as a result with Status ToolError.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]any, tc *ToolContext) ToolExecutionResult
}

// RegistryExecutor executes tools from a ToolRegistry, restricted to the
// tools the calling agent declares.
type RegistryExecutor struct {
	registry *ToolRegistry
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// NewRegistryExecutor returns an executor over registry. metrics and tracer
// may be nil.
func NewRegistryExecutor(registry *ToolRegistry, metrics *observability.Metrics, tracer *observability.Tracer) *RegistryExecutor {
	return &RegistryExecutor{registry: registry, metrics: metrics, tracer: tracer}
}

// Execute looks up name, validates args against its schema and runs it.
func (e *RegistryExecutor) Execute(ctx context.Context, name string, args map[string]any, tc *ToolContext) (result ToolExecutionResult) {
	if tc == nil {
		tc = &ToolContext{}
	}
	ctx, span := e.tracer.TraceToolExecution(ctx, name)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			if tc.Logger != nil {
				tc.Logger.Error("tool panicked", "tool", name, "panic", r, "stack", string(debug.Stack()))
			}
			result = failedResult("Failed to call tool. Error: %v", r)
		}
		result.Stdout = append(result.Stdout, tc.Stdout...)
		result.Stderr = append(result.Stderr, tc.Stderr...)
		if !result.OK() {
			observability.RecordError(span, errors.New(result.ReturnValue))
		}
		span.End()
		e.metrics.ToolExecuted(name, time.Since(start), result.OK())
	}()

	tool := e.registry.Get(name)
	if tool == nil || (tc.Agent != nil && !declares(tc.Agent, name)) {
		return failedResult("Tool not found: %s", name)
	}
	if err := tool.validate(args); err != nil {
		return failedResult("Failed to call tool. Error: invalid arguments for %s: %v", name, err)
	}
	out, err := tool.Func(ctx, tc, args)
	if err != nil {
		tc.Stderr = append(tc.Stderr, err.Error())
		return failedResult("Failed to call tool. Error: %v", err)
	}
	return ToolExecutionResult{Status: ToolSuccess, ReturnValue: out}
}

func declares(agent *store.Agent, tool string) bool {
	for _, t := range agent.Tools {
		if t == tool {
			return true
		}
	}
	return false
}
