package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/martinemde/memagent/store"
	"github.com/martinemde/memagent/unifiedllm"
)

func TestSendToTagsIsolatesFailures(t *testing.T) {
	f := newFixture(t, DefaultEngineConfig())
	ctx := context.Background()
	sender := f.agent(t, "lead", []string{SendMessageTool}, nil, "team", "worker")
	ok := f.agent(t, "w1", []string{SendMessageTool}, nil, "team", "worker")
	failing := f.agent(t, "w2", []string{SendMessageTool}, nil, "team", "worker")
	f.agent(t, "bystander", []string{SendMessageTool}, nil, "team")
	f.client.script("w1", callResponse(SendMessageTool, `{"message": "ack from w1"}`))

	results, err := f.engine.Broadcaster().SendToTags(ctx, sender.ID, "status?", []string{"worker"}, nil)
	if err != nil {
		t.Fatalf("SendToTags: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results (sender excluded), got %+v", results)
	}
	byID := make(map[string]BroadcastResult)
	for _, r := range results {
		byID[r.AgentID] = r
	}

	good := byID[ok.ID]
	if !good.OK() || len(good.Response) != 1 || good.Response[0] != "ack from w1" || good.AgentName != "w1" {
		t.Errorf("unexpected result for w1: %+v", good)
	}
	bad := byID[failing.ID]
	if bad.OK() || !strings.Contains(bad.Error, "script exhausted") || bad.Type == "" {
		t.Errorf("unexpected result for w2: %+v", bad)
	}

	input := f.client.requestsFor("w1")[0].Messages[1]
	if input.Role != unifiedllm.RoleUser || input.Name != "lead" {
		t.Errorf("unexpected input message %+v", input)
	}
	if !strings.HasPrefix(input.TextContent(), "[Incoming message from "+sender.ID) ||
		!strings.HasSuffix(input.TextContent(), "status?") {
		t.Errorf("unexpected input text %q", input.TextContent())
	}
}

func TestSendToAgentsReportsNoResponse(t *testing.T) {
	f := newFixture(t, DefaultEngineConfig())
	quiet := f.agent(t, "quiet", []string{SendMessageTool}, nil)
	f.client.script("quiet", textResponse("thinking out loud"))

	results := f.engine.Broadcaster().SendToAgents(context.Background(), []store.Agent{*quiet}, "ping")
	if len(results) != 1 {
		t.Fatalf("expected one result, got %+v", results)
	}
	if got := results[0].Response; len(got) != 1 || got[0] != NoResponse {
		t.Errorf("Response = %v, want [%s]", got, NoResponse)
	}
	if text := f.client.requestsFor("quiet")[0].Messages[1].TextContent(); text != "ping" {
		t.Errorf("direct sends are not prefixed, got %q", text)
	}
}

func TestSendToIDsSkipsSenderAndReportsUnknown(t *testing.T) {
	f := newFixture(t, DefaultEngineConfig())
	sender := f.agent(t, "lead", []string{SendMessageTool}, nil)
	target := f.agent(t, "w1", []string{SendMessageTool}, nil)
	f.client.script("w1", callResponse(SendMessageTool, `{"message": "here"}`))

	results, err := f.engine.Broadcaster().SendToIDs(context.Background(), sender.ID,
		[]string{sender.ID, target.ID, "agent-missing"}, "roll call")
	if err != nil {
		t.Fatalf("SendToIDs: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %+v", results)
	}
	if results[0].AgentID != target.ID || results[0].Response[0] != "here" {
		t.Errorf("unexpected first result %+v", results[0])
	}
	if results[1].AgentID != "agent-missing" || results[1].OK() {
		t.Errorf("unknown id should fail, got %+v", results[1])
	}
}

func TestBroadcastToolDrivesOtherAgents(t *testing.T) {
	f := newFixture(t, DefaultEngineConfig())
	ctx := context.Background()
	sender := f.agent(t, "lead", []string{SendToAgentsMatchingTags, SendMessageTool}, nil, "lead")
	f.agent(t, "w1", []string{SendMessageTool}, nil, "worker")
	f.client.script("w1", callResponse(SendMessageTool, `{"message": "on it"}`))
	f.client.script("lead", callResponse(SendToAgentsMatchingTags,
		`{"message": "start", "match_all": ["worker"], "match_some": []}`))

	res, err := f.engine.Step(ctx, sender.ID, unifiedllm.UserMessage("delegate"), 0)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	returns := byType(res.Messages, ToolReturnMessageType)
	if len(returns) != 1 || returns[0].Status != ToolSuccess {
		t.Fatalf("unexpected tool returns %+v", returns)
	}
	var results []BroadcastResult
	if err := json.Unmarshal([]byte(returns[0].ToolReturn), &results); err != nil {
		t.Fatalf("tool return is not a result list: %v\n%s", err, returns[0].ToolReturn)
	}
	if len(results) != 1 || results[0].AgentName != "w1" || results[0].Response[0] != "on it" {
		t.Errorf("unexpected broadcast results %+v", results)
	}
	if len(returns[0].Stdout) != 1 || returns[0].Stdout[0] != "delivered to 1 agents" {
		t.Errorf("unexpected stdout %v", returns[0].Stdout)
	}
}

// gatedClient holds every Complete call until release is closed and
// records the peak number of calls in flight.
type gatedClient struct {
	mu       sync.Mutex
	inFlight int
	peak     int
	started  chan string
	release  chan struct{}
}

func (c *gatedClient) Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	c.mu.Lock()
	c.inFlight++
	if c.inFlight > c.peak {
		c.peak = c.inFlight
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}()

	c.started <- req.Model
	select {
	case <-c.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return callResponse(SendMessageTool, fmt.Sprintf(`{"message": "from %s"}`, req.Model)), nil
}

func (c *gatedClient) Stream(context.Context, unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error) {
	return nil, fmt.Errorf("not streaming")
}

func (c *gatedClient) SupportsToolChoice(unifiedllm.Request, string) bool { return true }

func TestBroadcastRespectsConcurrencyLimit(t *testing.T) {
	const targets = 6
	client := &gatedClient{started: make(chan string, targets), release: make(chan struct{})}
	s := store.NewInMemory()
	engine := NewEngine(Deps{Client: client, Messages: s, Agents: s, Blocks: s})
	b := NewBroadcaster(engine, s, WithConcurrency(2))

	agents := make([]store.Agent, targets)
	for i := range agents {
		a := &store.Agent{Name: fmt.Sprintf("w%d", i), Model: fmt.Sprintf("m%d", i), Provider: "anthropic",
			Tools: []string{SendMessageTool}}
		if err := s.CreateAgent(context.Background(), a); err != nil {
			t.Fatalf("CreateAgent: %v", err)
		}
		agents[i] = *a
	}

	done := make(chan []BroadcastResult, 1)
	go func() { done <- b.SendToAgents(context.Background(), agents, "go") }()

	<-client.started
	<-client.started
	client.mu.Lock()
	inFlight := client.inFlight
	client.mu.Unlock()
	if inFlight != 2 {
		t.Errorf("in flight after two starts = %d, want 2", inFlight)
	}
	close(client.release)
	results := <-done

	if client.peak != 2 {
		t.Errorf("peak concurrent model calls = %d, want 2", client.peak)
	}
	if len(results) != targets {
		t.Fatalf("expected %d results, got %d", targets, len(results))
	}
	for i, r := range results {
		want := fmt.Sprintf("from m%d", i)
		if !r.OK() || r.AgentID != agents[i].ID || len(r.Response) != 1 || r.Response[0] != want {
			t.Errorf("result %d = %+v, want response %q", i, r, want)
		}
	}
}
