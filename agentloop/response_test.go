package agentloop

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/martinemde/memagent/streaming"
	"github.com/martinemde/memagent/unifiedllm"
)

func TestToCallerMessages(t *testing.T) {
	now := time.Now()
	tool := unifiedllm.ToolResultMessage("call_1", "search", packageToolReturn(false, "no results", now), true)
	tool.ID = "message-3"
	tool.Content[0].ToolResult.Stderr = []string{"timeout"}
	msgs := []unifiedllm.Message{
		{ID: "message-1", Role: unifiedllm.RoleUser, Content: []unifiedllm.ContentPart{unifiedllm.TextPart("hi")}},
		{ID: "message-2", Role: unifiedllm.RoleAssistant, Content: []unifiedllm.ContentPart{
			unifiedllm.ThinkingPart("native", "sig"),
			unifiedllm.RedactedThinkingPart("opaque"),
			unifiedllm.TextPart("inner"),
			unifiedllm.ToolCallPart("call_1", "search", json.RawMessage(`{"q":"x"}`)),
		}},
		tool,
		{ID: "message-4", Role: unifiedllm.RoleAssistant, Content: []unifiedllm.ContentPart{
			unifiedllm.ToolCallPart("call_2", SendMessageTool, json.RawMessage(`{"message":"hello"}`)),
		}},
	}

	got := ToCallerMessages(msgs, TranslateOptions{UseAssistantMessage: true})
	wantTypes := []MessageType{
		UserMessageType,
		ReasoningMessageType,
		HiddenReasoningMessageType,
		ReasoningMessageType,
		ToolCallMessageType,
		ToolReturnMessageType,
		AssistantMessageType,
	}
	if len(got) != len(wantTypes) {
		t.Fatalf("got %d messages, want %d: %+v", len(got), len(wantTypes), got)
	}
	for i, want := range wantTypes {
		if got[i].MessageType != want {
			t.Errorf("message %d type = %s, want %s", i, got[i].MessageType, want)
		}
	}

	if got[1].Source != streaming.SourceReasoner || got[1].Signature != "sig" {
		t.Errorf("native reasoning: %+v", got[1])
	}
	if got[3].Source != streaming.SourceNonReasoner || got[3].Reasoning != "inner" {
		t.Errorf("inner thoughts: %+v", got[3])
	}
	if got[1].ID != "message-2" || got[4].ID != "message-2" {
		t.Error("parts of one message should share its id")
	}
	if got[5].Status != ToolError || got[5].ToolReturn != "no results" || got[5].Stderr[0] != "timeout" {
		t.Errorf("tool return: %+v", got[5])
	}
	if got[6].Content != "hello" {
		t.Errorf("assistant message: %+v", got[6])
	}

	plain := ToCallerMessages(msgs[3:], TranslateOptions{})
	if len(plain) != 1 || plain[0].MessageType != ToolCallMessageType || plain[0].ToolCall.Name != SendMessageTool {
		t.Errorf("without assistant mode send_message stays a tool call: %+v", plain)
	}
}
