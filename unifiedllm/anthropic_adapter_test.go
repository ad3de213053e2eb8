package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type anthropicFake struct {
	bodies []string
	status int
	header map[string]string
	reply  string
	events []string
}

func (f *anthropicFake) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.bodies = append(f.bodies, string(body))
	for k, v := range f.header {
		w.Header().Set(k, v)
	}
	if f.status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.status)
		fmt.Fprint(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
		return
	}
	if strings.Contains(string(body), `"stream":true`) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range f.events {
			var probe struct {
				Type string `json:"type"`
			}
			_ = json.Unmarshal([]byte(ev), &probe)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", probe.Type, ev)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, f.reply)
}

func newAnthropicTestAdapter(t *testing.T, fake *anthropicFake) *AnthropicAdapter {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return NewAnthropicAdapter("test-key", WithAnthropicBaseURL(srv.URL))
}

func searchTool() ToolDefinition {
	params := AddInnerThoughtsParam(map[string]any{
		"type":       "object",
		"properties": map[string]any{"query": map[string]any{"type": "string"}},
		"required":   []any{"query"},
	}, "", "private reasoning")
	return ToolDefinition{Name: "search", Description: "Search things", Parameters: params}
}

func TestAnthropicAdapterComplete(t *testing.T) {
	fake := &anthropicFake{reply: `{
		"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-sonnet-4-5",
		"content": [
			{"type": "thinking", "thinking": "hmm", "signature": "sig"},
			{"type": "text", "text": "Looking."},
			{"type": "tool_use", "id": "tu_1", "name": "search", "input": {"query": "go"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 10, "output_tokens": 5}
	}`}
	adapter := newAnthropicTestAdapter(t, fake)

	resp, err := adapter.Complete(context.Background(), Request{
		Model: "claude-sonnet-4-5",
		Messages: []Message{
			SystemMessage("be brief"),
			UserMessage("find go"),
			{Role: RoleAssistant, Content: []ContentPart{ToolCallPart("tu_0", "search", json.RawMessage(`{"query":"x"}`))}},
			ToolResultMessage("tu_0", "search", "nothing", false),
			SystemMessage(`{"type":"heartbeat"}`),
		},
		ToolDefs:   []ToolDefinition{searchTool()},
		ToolChoice: &ToolChoice{Mode: "auto"},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if resp.ID != "msg_1" || resp.Provider != "anthropic" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.FinishReason.Reason != FinishToolCall {
		t.Errorf("finish = %+v", resp.FinishReason)
	}
	if resp.Reasoning() != "hmm" || resp.Text() != "Looking." {
		t.Errorf("content = %+v", resp.Message.Content)
	}
	calls := resp.ToolCalls()
	if len(calls) != 1 || calls[0].ID != "tu_1" {
		t.Fatalf("calls = %+v", calls)
	}
	var args map[string]string
	if err := json.Unmarshal(calls[0].Arguments, &args); err != nil || args["query"] != "go" {
		t.Errorf("arguments = %s (%v)", calls[0].Arguments, err)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	var sent struct {
		System   []map[string]any `json:"system"`
		Messages []struct {
			Role    string           `json:"role"`
			Content []map[string]any `json:"content"`
		} `json:"messages"`
		ToolChoice map[string]any `json:"tool_choice"`
	}
	body := fake.bodies[0]
	if err := json.Unmarshal([]byte(body), &sent); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if len(sent.System) != 1 || sent.System[0]["text"] != "be brief" {
		t.Errorf("system = %+v", sent.System)
	}
	if len(sent.Messages) != 3 {
		t.Fatalf("expected merged user/assistant/user messages, got %+v", sent.Messages)
	}
	last := sent.Messages[2]
	if last.Role != "user" || len(last.Content) != 2 || last.Content[0]["type"] != "tool_result" {
		t.Errorf("tool result and heartbeat should share one user turn: %+v", last)
	}
	if sent.ToolChoice["type"] != "auto" || sent.ToolChoice["disable_parallel_tool_use"] != true {
		t.Errorf("tool_choice = %+v", sent.ToolChoice)
	}
	if strings.Index(body, `"inner_thoughts"`) > strings.Index(body, `"query":{`) {
		t.Errorf("inner_thoughts should be the first property: %s", body)
	}
}

func TestAnthropicAdapterStream(t *testing.T) {
	fake := &anthropicFake{events: []string{
		`{"type":"message_start","message":{"id":"msg_2","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[],"stop_reason":null,"usage":{"input_tokens":12,"output_tokens":1}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":"","signature":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"plan"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"sig"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"server_tool_use","id":"srv_1","name":"web_search","input":{}}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{}"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"tu_1","name":"search","input":{}}}`,
		`{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"query\":"}}`,
		`{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"\"go\"}"}}`,
		`{"type":"content_block_stop","index":2}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":20}}`,
		`{"type":"message_stop"}`,
	}}
	adapter := newAnthropicTestAdapter(t, fake)

	ch, err := adapter.Stream(context.Background(), Request{Model: "claude-sonnet-4-5", Messages: []Message{UserMessage("hi")}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	var got []string
	var sawStop string
	var args strings.Builder
	for ev := range ch {
		if ev.Type == StreamBlockDelta && ev.Delta == DeltaInputJSON {
			args.WriteString(ev.Fragment)
		}
		if ev.Type == StreamError {
			t.Fatalf("stream error: %v", ev.Err)
		}
		if ev.Type == StreamMessageDelta {
			sawStop = ev.StopReason
		}
		got = append(got, ev.String())
	}

	want := []string{
		StreamEvent{Type: StreamMessageStart}.String(),
		BlockStartEvent(0, BlockThinking, BlockMeta{}).String(),
		BlockDeltaEvent(0, DeltaThinking, "plan").String(),
		BlockDeltaEvent(0, DeltaSignature, "sig").String(),
		BlockStopEvent(0).String(),
		BlockStartEvent(2, BlockToolUse, BlockMeta{}).String(),
		BlockDeltaEvent(2, DeltaInputJSON, `{"query":`).String(),
		BlockDeltaEvent(2, DeltaInputJSON, `"go"}`).String(),
		BlockStopEvent(2).String(),
		StreamEvent{Type: StreamMessageDelta}.String(),
		StreamEvent{Type: StreamMessageStop}.String(),
	}
	if len(got) != len(want) {
		t.Fatalf("got %d events:\n%s", len(got), strings.Join(got, "\n"))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
	if sawStop != "tool_use" {
		t.Errorf("stop reason = %q", sawStop)
	}
	if args.String() != `{"query":"go"}` {
		t.Errorf("tool arguments = %q", args.String())
	}
}

func TestAnthropicAdapterRateLimit(t *testing.T) {
	fake := &anthropicFake{status: http.StatusTooManyRequests, header: map[string]string{"retry-after": "3"}}
	adapter := newAnthropicTestAdapter(t, fake)

	_, err := adapter.Complete(context.Background(), Request{Model: "claude-sonnet-4-5", Messages: []Message{UserMessage("hi")}})
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitError, got %T (%v)", err, err)
	}
	if rl.Provider != "anthropic" || rl.RetryAfter == nil || *rl.RetryAfter != 3 {
		t.Errorf("rate limit error = %+v", rl.ProviderError)
	}
	if len(fake.bodies) != 1 {
		t.Errorf("SDK retries should be disabled, saw %d requests", len(fake.bodies))
	}
}

func TestAnthropicToolChoiceModes(t *testing.T) {
	adapter := NewAnthropicAdapter("k")
	tests := []struct {
		choice ToolChoice
		want   string
	}{
		{ToolChoice{Mode: "required"}, `"type":"any"`},
		{ToolChoice{Mode: "named", ToolName: "search"}, `"name":"search"`},
		{ToolChoice{Mode: "none"}, `"type":"none"`},
	}
	for _, tt := range tests {
		choice := tt.choice
		params, err := adapter.buildParams(Request{Model: "m", ToolDefs: []ToolDefinition{searchTool()}, ToolChoice: &choice})
		if err != nil {
			t.Fatalf("%s: %v", tt.choice.Mode, err)
		}
		raw, err := json.Marshal(params.ToolChoice)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if !strings.Contains(string(raw), tt.want) {
			t.Errorf("%s: tool_choice = %s", tt.choice.Mode, raw)
		}
	}

	_, err := adapter.buildParams(Request{Model: "m", ToolDefs: []ToolDefinition{searchTool()}, ToolChoice: &ToolChoice{Mode: "sometimes"}})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("expected ConfigurationError, got %v", err)
	}
}
