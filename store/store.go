// Package store persists agents, their messages and their core memory
// blocks. DB is the SQLite implementation and InMemory keeps the same data
// in process for tests and one-shot runs.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/martinemde/memagent/toolrules"
	"github.com/martinemde/memagent/unifiedllm"
)

// ErrNotFound is returned (wrapped) when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Agent is the persisted configuration and in-context window of one agent.
type Agent struct {
	ID           string           `json:"id" yaml:"id"`
	Name         string           `json:"name" yaml:"name"`
	SystemPrompt string           `json:"system_prompt" yaml:"system_prompt"`
	Model        string           `json:"model" yaml:"model"`
	Provider     string           `json:"provider,omitempty" yaml:"provider,omitempty"`
	Tools        []string         `json:"tools" yaml:"tools"`
	Rules        []toolrules.Spec `json:"tool_rules,omitempty" yaml:"tool_rules,omitempty"`
	Tags         []string         `json:"tags,omitempty" yaml:"tags,omitempty"`
	// MessageIDs is the in-context window; element 0 is the system message.
	MessageIDs []string  `json:"message_ids" yaml:"-"`
	CreatedAt  time.Time `json:"created_at" yaml:"-"`
	UpdatedAt  time.Time `json:"updated_at" yaml:"-"`
}

// HasTags reports whether the agent carries every tag in all and, when some
// is non-empty, at least one tag in some.
func (a Agent) HasTags(all, some []string) bool {
	have := make(map[string]bool, len(a.Tags))
	for _, t := range a.Tags {
		have[t] = true
	}
	for _, t := range all {
		if !have[t] {
			return false
		}
	}
	if len(some) == 0 {
		return true
	}
	for _, t := range some {
		if have[t] {
			return true
		}
	}
	return false
}

// Block is one labelled section of an agent's core memory.
type Block struct {
	AgentID     string    `json:"agent_id"`
	Label       string    `json:"label"`
	Value       string    `json:"value"`
	Description string    `json:"description,omitempty"`
	Limit       int       `json:"limit"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DefaultBlockLimit is the character limit applied to blocks created
// without one.
const DefaultBlockLimit = 5000

// BlockLimitError reports a write that would overflow a block.
type BlockLimitError struct {
	Label  string
	Length int
	Limit  int
}

func (e *BlockLimitError) Error() string {
	return fmt.Sprintf("edit failed: exceeds %d character limit (requested %d) for block %q", e.Limit, e.Length, e.Label)
}

func checkBlock(b Block) (Block, error) {
	if b.Limit <= 0 {
		b.Limit = DefaultBlockLimit
	}
	if n := len([]rune(b.Value)); n > b.Limit {
		return b, &BlockLimitError{Label: b.Label, Length: n, Limit: b.Limit}
	}
	return b, nil
}

// MessageStore persists conversation messages.
type MessageStore interface {
	// Persist stores msgs and returns them with ids and timestamps assigned.
	Persist(ctx context.Context, msgs []unifiedllm.Message) ([]unifiedllm.Message, error)
	// GetByIDs returns messages in the order of ids.
	GetByIDs(ctx context.Context, ids []string) ([]unifiedllm.Message, error)
	Count(ctx context.Context, agentID string) (int, error)
	// Update replaces the content of an existing message.
	Update(ctx context.Context, msg unifiedllm.Message) (unifiedllm.Message, error)
}

// AgentStore persists agent records.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]Agent, error)
	// ListByTags returns agents matching every tag in matchAll and, when
	// matchSome is non-empty, at least one tag in matchSome.
	ListByTags(ctx context.Context, matchAll, matchSome []string) ([]Agent, error)
	SetMessageIDs(ctx context.Context, agentID string, ids []string) error
}

// BlockStore persists core memory blocks.
type BlockStore interface {
	Blocks(ctx context.Context, agentID string) ([]Block, error)
	GetBlock(ctx context.Context, agentID, label string) (Block, error)
	// SetBlock creates or replaces a block. Values longer than the block's
	// limit are rejected with *BlockLimitError.
	SetBlock(ctx context.Context, block Block) error
}

// Store is the full persistence surface the agent runtime needs.
type Store interface {
	MessageStore
	AgentStore
	BlockStore
}

func newMessageID() string { return "message-" + uuidString() }
func newAgentID() string   { return "agent-" + uuidString() }

func prepareMessages(msgs []unifiedllm.Message, now time.Time) ([]unifiedllm.Message, error) {
	out := make([]unifiedllm.Message, len(msgs))
	for i, m := range msgs {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		if m.ID == "" {
			m.ID = newMessageID()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		out[i] = m
	}
	return out, nil
}
