package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/martinemde/memagent/unifiedllm"
)

// InMemory is a Store kept entirely in process memory.
type InMemory struct {
	mu       sync.RWMutex
	messages map[string]unifiedllm.Message
	order    []string
	agents   map[string]*Agent
	blocks   map[string]map[string]Block
	now      func() time.Time
}

// NewInMemory returns an empty in-memory Store.
func NewInMemory() *InMemory {
	return &InMemory{
		messages: make(map[string]unifiedllm.Message),
		agents:   make(map[string]*Agent),
		blocks:   make(map[string]map[string]Block),
		now:      time.Now,
	}
}

func (s *InMemory) Persist(_ context.Context, msgs []unifiedllm.Message) ([]unifiedllm.Message, error) {
	out, err := prepareMessages(msgs, s.now())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range out {
		if _, dup := s.messages[m.ID]; dup {
			return nil, fmt.Errorf("message %s already exists", m.ID)
		}
	}
	for _, m := range out {
		s.messages[m.ID] = m
		s.order = append(s.order, m.ID)
	}
	return out, nil
}

func (s *InMemory) GetByIDs(_ context.Context, ids []string) ([]unifiedllm.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return orderMessages(ids, s.messages)
}

func (s *InMemory) Count(_ context.Context, agentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.messages {
		if m.AgentID == agentID {
			n++
		}
	}
	return n, nil
}

func (s *InMemory) Update(_ context.Context, msg unifiedllm.Message) (unifiedllm.Message, error) {
	if err := msg.Validate(); err != nil {
		return msg, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msg.ID]; !ok {
		return msg, fmt.Errorf("message %s: %w", msg.ID, ErrNotFound)
	}
	s.messages[msg.ID] = msg
	return msg, nil
}

// Messages returns every stored message in insertion order.
func (s *InMemory) Messages() []unifiedllm.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]unifiedllm.Message, len(s.order))
	for i, id := range s.order {
		out[i] = s.messages[id]
	}
	return out
}

func (s *InMemory) CreateAgent(_ context.Context, agent *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if agent.ID == "" {
		agent.ID = newAgentID()
	}
	if _, dup := s.agents[agent.ID]; dup {
		return fmt.Errorf("agent %s already exists", agent.ID)
	}
	now := s.now()
	agent.CreatedAt, agent.UpdatedAt = now, now
	s.agents[agent.ID] = cloneAgent(agent)
	return nil
}

func (s *InMemory) GetAgent(_ context.Context, id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return cloneAgent(a), nil
}

func (s *InMemory) ListAgents(_ context.Context) ([]Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, *cloneAgent(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemory) ListByTags(ctx context.Context, matchAll, matchSome []string) ([]Agent, error) {
	all, err := s.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	return filterByTags(all, matchAll, matchSome), nil
}

func (s *InMemory) SetMessageIDs(_ context.Context, agentID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	a.MessageIDs = append([]string(nil), ids...)
	a.UpdatedAt = s.now()
	return nil
}

func (s *InMemory) Blocks(_ context.Context, agentID string) ([]Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Block, 0, len(s.blocks[agentID]))
	for _, b := range s.blocks[agentID] {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

func (s *InMemory) GetBlock(_ context.Context, agentID, label string) (Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[agentID][label]
	if !ok {
		return Block{AgentID: agentID, Label: label}, fmt.Errorf("block %q: %w", label, ErrNotFound)
	}
	return b, nil
}

func (s *InMemory) SetBlock(_ context.Context, block Block) error {
	block, err := checkBlock(block)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blocks[block.AgentID] == nil {
		s.blocks[block.AgentID] = make(map[string]Block)
	}
	block.UpdatedAt = s.now()
	s.blocks[block.AgentID][block.Label] = block
	return nil
}

func cloneAgent(a *Agent) *Agent {
	c := *a
	c.Tools = append([]string(nil), a.Tools...)
	c.Tags = append([]string(nil), a.Tags...)
	c.MessageIDs = append([]string(nil), a.MessageIDs...)
	c.Rules = append(c.Rules[:0:0], a.Rules...)
	return &c
}
