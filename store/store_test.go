package store

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/martinemde/memagent/toolrules"
	"github.com/martinemde/memagent/unifiedllm"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	db, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return map[string]Store{"sqlite": db, "inmem": NewInMemory()}
}

func TestMessageRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			call := unifiedllm.Message{
				AgentID: "agent-1",
				Role:    unifiedllm.RoleAssistant,
				Content: []unifiedllm.ContentPart{
					unifiedllm.ThinkingPart("plan", "sig"),
					unifiedllm.ToolCallPart("call_1", "send_message", []byte(`{"message":"hi"}`)),
				},
			}
			in := []unifiedllm.Message{
				{AgentID: "agent-1", Role: unifiedllm.RoleUser, Content: []unifiedllm.ContentPart{unifiedllm.TextPart("hello")}},
				call,
				{AgentID: "agent-2", Role: unifiedllm.RoleUser, Content: []unifiedllm.ContentPart{unifiedllm.TextPart("elsewhere")}},
			}
			saved, err := s.Persist(ctx, in)
			if err != nil {
				t.Fatalf("Persist: %v", err)
			}
			for _, m := range saved {
				if !strings.HasPrefix(m.ID, "message-") || m.CreatedAt.IsZero() {
					t.Errorf("ids and timestamps should be assigned: %+v", m)
				}
			}

			got, err := s.GetByIDs(ctx, []string{saved[1].ID, saved[0].ID})
			if err != nil {
				t.Fatalf("GetByIDs: %v", err)
			}
			if got[0].ID != saved[1].ID || got[1].ID != saved[0].ID {
				t.Errorf("requested order not preserved: %s, %s", got[0].ID, got[1].ID)
			}
			calls := got[0].ToolCalls()
			if len(calls) != 1 || calls[0].Name != "send_message" || got[0].Content[0].Thinking.Signature != "sig" {
				t.Errorf("content lost: %+v", got[0].Content)
			}

			if n, err := s.Count(ctx, "agent-1"); err != nil || n != 2 {
				t.Errorf("Count = %d, %v", n, err)
			}

			if _, err := s.GetByIDs(ctx, []string{"message-missing"}); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}

			edited := got[1]
			edited.Content = []unifiedllm.ContentPart{unifiedllm.TextPart("hello again")}
			if _, err := s.Update(ctx, edited); err != nil {
				t.Fatalf("Update: %v", err)
			}
			again, _ := s.GetByIDs(ctx, []string{edited.ID})
			if again[0].TextContent() != "hello again" {
				t.Errorf("update not stored: %+v", again[0])
			}
		})
	}
}

func TestPersistRejectsInvalidMessages(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Persist(ctx, []unifiedllm.Message{
				unifiedllm.UserMessage("ok"),
				{Role: unifiedllm.RoleTool, Content: []unifiedllm.ContentPart{unifiedllm.TextPart("orphan")}},
			})
			if err == nil {
				t.Fatal("tool message without tool_call_id must be rejected")
			}
			if n, _ := s.Count(ctx, ""); n != 0 {
				t.Errorf("nothing should be stored, found %d", n)
			}
		})
	}
}

func TestAgentLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			worker := &Agent{
				Name:  "worker",
				Model: "claude-sonnet-4-5",
				Tools: []string{"send_message"},
				Rules: []toolrules.Spec{{Type: "max_count_per_step", ToolName: "send_message", Max: 2}},
				Tags:  []string{"team", "worker"},
			}
			lead := &Agent{Name: "lead", Tags: []string{"team", "lead"}}
			for _, a := range []*Agent{worker, lead} {
				if err := s.CreateAgent(ctx, a); err != nil {
					t.Fatalf("CreateAgent: %v", err)
				}
			}
			if !strings.HasPrefix(worker.ID, "agent-") {
				t.Errorf("id = %q", worker.ID)
			}

			if err := s.SetMessageIDs(ctx, worker.ID, []string{"message-a", "message-b"}); err != nil {
				t.Fatalf("SetMessageIDs: %v", err)
			}
			got, err := s.GetAgent(ctx, worker.ID)
			if err != nil {
				t.Fatalf("GetAgent: %v", err)
			}
			if got.Name != "worker" || len(got.MessageIDs) != 2 || got.MessageIDs[1] != "message-b" {
				t.Errorf("agent = %+v", got)
			}
			if len(got.Rules) != 1 || got.Rules[0].Max != 2 {
				t.Errorf("rules = %+v", got.Rules)
			}

			tests := []struct {
				all, some []string
				want      int
			}{
				{nil, nil, 2},
				{[]string{"team"}, nil, 2},
				{[]string{"team", "lead"}, nil, 1},
				{nil, []string{"worker", "nobody"}, 1},
				{[]string{"team"}, []string{"nobody"}, 0},
			}
			for _, tt := range tests {
				agents, err := s.ListByTags(ctx, tt.all, tt.some)
				if err != nil || len(agents) != tt.want {
					t.Errorf("ListByTags(%v, %v) = %d agents, %v; want %d", tt.all, tt.some, len(agents), err, tt.want)
				}
			}

			if _, err := s.GetAgent(ctx, "agent-missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
			if err := s.SetMessageIDs(ctx, "agent-missing", nil); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestBlocks(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.SetBlock(ctx, Block{AgentID: "a", Label: "persona", Value: "I am helpful."}); err != nil {
				t.Fatalf("SetBlock: %v", err)
			}
			if err := s.SetBlock(ctx, Block{AgentID: "a", Label: "human", Value: "Name: Sam", Limit: 20}); err != nil {
				t.Fatalf("SetBlock: %v", err)
			}
			if err := s.SetBlock(ctx, Block{AgentID: "a", Label: "human", Value: "Name: Sam, likes Go", Limit: 20}); err != nil {
				t.Fatalf("SetBlock upsert: %v", err)
			}

			blocks, err := s.Blocks(ctx, "a")
			if err != nil {
				t.Fatalf("Blocks: %v", err)
			}
			if len(blocks) != 2 || blocks[0].Label != "human" || blocks[0].Value != "Name: Sam, likes Go" {
				t.Errorf("blocks = %+v", blocks)
			}
			if blocks[1].Limit != DefaultBlockLimit {
				t.Errorf("default limit not applied: %+v", blocks[1])
			}

			err = s.SetBlock(ctx, Block{AgentID: "a", Label: "human", Value: strings.Repeat("x", 21), Limit: 20})
			var limitErr *BlockLimitError
			if !errors.As(err, &limitErr) || limitErr.Length != 21 {
				t.Errorf("expected BlockLimitError, got %v", err)
			}

			if _, err := s.GetBlock(ctx, "a", "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestCoreMemoryCompile(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	mem := NewCoreMemory(s)

	if err := mem.Refresh(ctx, "a"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	empty := mem.Compile("a")
	if !strings.HasPrefix(empty, "<memory_blocks>") || !strings.HasSuffix(empty, "</memory_blocks>") {
		t.Errorf("empty memory = %q", empty)
	}

	_ = s.SetBlock(ctx, Block{AgentID: "a", Label: "persona", Value: "I am helpful.", Description: "who you are", Limit: 100})
	if mem.Compile("a") != empty {
		t.Error("Compile should use cached blocks until Refresh")
	}
	if err := mem.Refresh(ctx, "a"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	compiled := mem.Compile("a")
	for _, want := range []string{
		"<persona>\n<description>\nwho you are\n</description>",
		"- chars_current=13\n- chars_limit=100",
		"<value>\nI am helpful.\n</value>\n</persona>",
	} {
		if !strings.Contains(compiled, want) {
			t.Errorf("compiled memory missing %q:\n%s", want, compiled)
		}
	}
	if mem.Compile("a") != compiled {
		t.Error("compiling unchanged memory should be stable")
	}
	if mem.LastEdit("a").IsZero() {
		t.Error("LastEdit should reflect block updates")
	}
}
