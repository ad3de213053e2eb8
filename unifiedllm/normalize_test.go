package unifiedllm

import (
	"encoding/json"
	"testing"
)

func TestCanonicalFinishReason(t *testing.T) {
	tests := []struct {
		provider, raw, want string
	}{
		{"anthropic", "end_turn", FinishStop},
		{"anthropic", "stop_sequence", FinishStop},
		{"anthropic", "max_tokens", FinishLength},
		{"anthropic", "tool_use", FinishToolCall},
		{"anthropic", "refusal", FinishContentFilter},
		{"openai", "tool_calls", FinishToolCall},
		{"openai", "function_call", FinishToolCall},
		{"openai", "content_filter", FinishContentFilter},
		{"openai", "length", FinishLength},
		{"ollama", "STOP", FinishStop},
		{"ollama", "tool_use", FinishToolCall},
		{"gemini", "something_new", FinishStop},
	}
	for _, tt := range tests {
		got := CanonicalFinishReason(tt.provider, tt.raw)
		if got.Reason != tt.want {
			t.Errorf("CanonicalFinishReason(%q, %q) = %q, want %q", tt.provider, tt.raw, got.Reason, tt.want)
		}
		if got.Raw != tt.raw {
			t.Errorf("raw value not kept: %q", got.Raw)
		}
	}
}

func TestStripXMLTags(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"<thinking>plan</thinking>", "plan"},
		{`<thinking type="x">a</thinking> b`, "a b"},
		{"no tags", "no tags"},
		{"", ""},
		{"trailing</thinking>", "trailing"},
	}
	for _, tt := range tests {
		if got := StripXMLTags(tt.in, "thinking"); got != tt.want {
			t.Errorf("StripXMLTags(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExtractInnerThoughts(t *testing.T) {
	call := ToolCallData{ID: "c1", Name: "search", Arguments: json.RawMessage(`{"inner_thoughts":"look it up","query":"go"}`)}
	got, thoughts := ExtractInnerThoughts(call, "")
	if thoughts != "look it up" {
		t.Errorf("thoughts = %q", thoughts)
	}
	if string(got.Arguments) != `{"query":"go"}` {
		t.Errorf("arguments = %s", got.Arguments)
	}
	if string(call.Arguments) == string(got.Arguments) {
		t.Error("input call should be left untouched")
	}

	for _, args := range []string{`not json`, `{"query":"go"}`, `{"inner_thoughts":42}`} {
		in := ToolCallData{Arguments: json.RawMessage(args)}
		out, th := ExtractInnerThoughts(in, "")
		if th != "" || string(out.Arguments) != args {
			t.Errorf("args %s: expected unchanged, got %s / %q", args, out.Arguments, th)
		}
	}
}

func TestNormalize(t *testing.T) {
	resp := &Response{
		Provider: "anthropic",
		Message: Message{
			Role: RoleAssistant,
			Content: []ContentPart{
				TextPart("<thinking>draft</thinking>"),
				ToolCallPart("c1", "send_message", json.RawMessage(`{"inner_thoughts":"greet","message":"hi"}`)),
				ThinkingPart("native", "sig"),
			},
		},
		FinishReason: FinishReason{Reason: "tool_use"},
	}

	out := Normalize(resp, NormalizeOptions{InnerThoughtsInArgs: true})
	if out.FinishReason.Reason != FinishToolCall || out.FinishReason.Raw != "tool_use" {
		t.Errorf("finish reason = %+v", out.FinishReason)
	}
	parts := out.Message.Content
	if len(parts) != 3 {
		t.Fatalf("expected 3 parts, got %+v", parts)
	}
	if parts[0].Kind != ContentThinking {
		t.Errorf("reasoning should come first, got %q", parts[0].Kind)
	}
	if parts[1].Kind != ContentText || parts[1].Text != "greet" {
		t.Errorf("inner thoughts should replace text, got %+v", parts[1])
	}
	if string(parts[2].ToolCall.Arguments) != `{"message":"hi"}` {
		t.Errorf("arguments = %s", parts[2].ToolCall.Arguments)
	}
	if string(resp.Message.Content[1].ToolCall.Arguments) == `{"message":"hi"}` {
		t.Error("Normalize modified its input")
	}
}

func TestNormalizeTextOnly(t *testing.T) {
	resp := &Response{
		Provider:     "openai",
		Message:      Message{Content: []ContentPart{TextPart("<thinking>x</thinking> hello"), TextPart("   ")}},
		FinishReason: FinishReason{Reason: FinishStop},
	}
	out := Normalize(resp, NormalizeOptions{})
	if out.Text() != "x hello" {
		t.Errorf("text = %q", out.Text())
	}
	if len(out.Message.Content) != 1 {
		t.Errorf("blank text parts should be dropped: %+v", out.Message.Content)
	}
	if out.Message.Role != RoleAssistant {
		t.Errorf("role = %q", out.Message.Role)
	}
	if Normalize(nil, NormalizeOptions{}) != nil {
		t.Error("nil in, nil out")
	}
}
