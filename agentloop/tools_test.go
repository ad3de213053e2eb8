package agentloop

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/martinemde/memagent/store"
	"github.com/martinemde/memagent/unifiedllm"
)

type echoArgs struct {
	Text string `json:"text" jsonschema_description:"Text to echo."`
}

func echoTool() RegisteredTool {
	return RegisteredTool{
		Definition: unifiedllm.ToolDefinition{
			Name:       "echo",
			Parameters: unifiedllm.SchemaFor(&echoArgs{}),
		},
		Func: func(_ context.Context, tc *ToolContext, args map[string]any) (string, error) {
			text, _ := args["text"].(string)
			tc.Printf("echoing %d chars", len(text))
			return text, nil
		},
	}
}

func TestRegistryRejectsInvalidTools(t *testing.T) {
	reg := NewToolRegistry()
	if err := reg.Register(RegisteredTool{Definition: unifiedllm.ToolDefinition{Name: "x"}}); err == nil {
		t.Error("tool without implementation should be rejected")
	}
	bad := echoTool()
	bad.Definition.Parameters = map[string]any{"type": 12}
	if err := reg.Register(bad); err == nil {
		t.Error("tool with an invalid schema should be rejected")
	}
	if reg.Count() != 0 {
		t.Errorf("nothing should be registered, got %v", reg.Names())
	}
}

func TestRegistryDefinitionsKeepOrder(t *testing.T) {
	reg := NewToolRegistry()
	RegisterCoreTools(reg)
	defs := reg.Definitions([]string{CoreMemoryReplaceTool, "missing", SendMessageTool})
	if len(defs) != 2 || defs[0].Name != CoreMemoryReplaceTool || defs[1].Name != SendMessageTool {
		t.Errorf("unexpected definitions %v", defs)
	}

	other := NewToolRegistry()
	other.MustRegister(echoTool())
	reg.MergeFrom(other)
	if reg.Get("echo") == nil || reg.Count() != 5 {
		t.Errorf("merge failed: %v", reg.Names())
	}
}

func TestExecutorValidatesArguments(t *testing.T) {
	reg := NewToolRegistry()
	reg.MustRegister(echoTool())
	exec := NewRegistryExecutor(reg, nil, nil)
	agent := &store.Agent{ID: "agent-1", Tools: []string{"echo"}}

	res := exec.Execute(context.Background(), "echo", map[string]any{"text": "hi"}, &ToolContext{Agent: agent})
	if !res.OK() || res.ReturnValue != "hi" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Stdout) != 1 || res.Stdout[0] != "echoing 2 chars" {
		t.Errorf("stdout not captured: %v", res.Stdout)
	}

	res = exec.Execute(context.Background(), "echo", map[string]any{"text": 3}, &ToolContext{Agent: agent})
	if res.OK() || !strings.HasPrefix(res.ReturnValue, "Failed to call tool. Error: invalid arguments for echo") {
		t.Errorf("schema violation should fail the call, got %+v", res)
	}

	res = exec.Execute(context.Background(), "echo", map[string]any{"text": "hi"}, &ToolContext{Agent: &store.Agent{ID: "agent-2"}})
	if res.OK() || res.ReturnValue != "Tool not found: echo" {
		t.Errorf("undeclared tool should not run, got %+v", res)
	}
}

func TestExecutorContainsFailures(t *testing.T) {
	reg := NewToolRegistry()
	reg.MustRegister(RegisteredTool{
		Definition: unifiedllm.ToolDefinition{Name: "explode"},
		Func: func(context.Context, *ToolContext, map[string]any) (string, error) {
			panic("boom")
		},
	})
	reg.MustRegister(RegisteredTool{
		Definition: unifiedllm.ToolDefinition{Name: "fail"},
		Func: func(context.Context, *ToolContext, map[string]any) (string, error) {
			return "", errors.New("disk full")
		},
	})
	exec := NewRegistryExecutor(reg, nil, nil)

	tests := []struct {
		tool   string
		want   string
		stderr bool
	}{
		{"explode", "Failed to call tool. Error: boom", false},
		{"fail", "Failed to call tool. Error: disk full", true},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			res := exec.Execute(context.Background(), tt.tool, map[string]any{}, nil)
			if res.Status != ToolError || res.ReturnValue != tt.want {
				t.Errorf("got %+v, want %q", res, tt.want)
			}
			if got := len(res.Stderr) > 0; got != tt.stderr {
				t.Errorf("stderr captured = %v, want %v", got, tt.stderr)
			}
		})
	}
}

func TestParseToolArguments(t *testing.T) {
	args, err := ParseToolArguments(nil)
	if err != nil || len(args) != 0 {
		t.Errorf("blank arguments: %v, %v", args, err)
	}
	args, err = ParseToolArguments([]byte(`null`))
	if err != nil || args == nil {
		t.Errorf("null arguments should parse as an empty map: %v, %v", args, err)
	}
	args, err = ParseToolArguments([]byte(`{"a": `))
	if err == nil || args == nil || len(args) != 0 {
		t.Errorf("broken arguments should give an error and an empty map: %v, %v", args, err)
	}
}

func TestCoreMemoryTools(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemory()
	agent := &store.Agent{ID: "agent-1", Tools: []string{CoreMemoryAppendTool, CoreMemoryReplaceTool}}
	if err := s.SetBlock(ctx, store.Block{AgentID: agent.ID, Label: "persona", Value: "I am calm.", Limit: 40}); err != nil {
		t.Fatalf("SetBlock: %v", err)
	}
	reg := NewToolRegistry()
	RegisterCoreTools(reg)
	exec := NewRegistryExecutor(reg, nil, nil)
	tc := func() *ToolContext { return &ToolContext{Agent: agent, Blocks: s} }

	res := exec.Execute(ctx, CoreMemoryAppendTool, map[string]any{"label": "persona", "content": "I like rain."}, tc())
	if !res.OK() || res.ReturnValue != "None" {
		t.Fatalf("append: %+v", res)
	}
	res = exec.Execute(ctx, CoreMemoryReplaceTool, map[string]any{
		"label": "persona", "old_content": "calm", "new_content": "serene",
	}, tc())
	if !res.OK() {
		t.Fatalf("replace: %+v", res)
	}
	block, _ := s.GetBlock(ctx, agent.ID, "persona")
	if block.Value != "I am serene.\nI like rain." {
		t.Errorf("block value = %q", block.Value)
	}

	res = exec.Execute(ctx, CoreMemoryReplaceTool, map[string]any{
		"label": "persona", "old_content": "angry", "new_content": "x",
	}, tc())
	if res.OK() {
		t.Error("replacing missing content should fail")
	}
	res = exec.Execute(ctx, CoreMemoryAppendTool, map[string]any{
		"label": "persona", "content": strings.Repeat("x", 40),
	}, tc())
	if res.OK() || !strings.Contains(res.ReturnValue, "limit") {
		t.Errorf("append past the block limit should fail, got %+v", res)
	}
}
