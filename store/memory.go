package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryProvider supplies the compiled core-memory section of an agent's
// system prompt. Compile renders the blocks loaded by the last Refresh.
type MemoryProvider interface {
	Refresh(ctx context.Context, agentID string) error
	Compile(agentID string) string
}

// CoreMemory is a MemoryProvider that caches each agent's blocks between
// refreshes.
type CoreMemory struct {
	blocks BlockStore

	mu    sync.RWMutex
	cache map[string][]Block
}

// NewCoreMemory returns a CoreMemory reading from blocks.
func NewCoreMemory(blocks BlockStore) *CoreMemory {
	return &CoreMemory{blocks: blocks, cache: make(map[string][]Block)}
}

// Refresh reloads the agent's blocks from the block store.
func (m *CoreMemory) Refresh(ctx context.Context, agentID string) error {
	blocks, err := m.blocks.Blocks(ctx, agentID)
	if err != nil {
		return fmt.Errorf("refreshing memory of %s: %w", agentID, err)
	}
	m.mu.Lock()
	m.cache[agentID] = blocks
	m.mu.Unlock()
	return nil
}

// Compile renders the cached blocks. Output depends only on block content,
// so an unchanged memory compiles to the same text.
func (m *CoreMemory) Compile(agentID string) string {
	m.mu.RLock()
	blocks := m.cache[agentID]
	m.mu.RUnlock()
	return CompileBlocks(blocks)
}

// LastEdit returns the most recent block update seen by the last Refresh.
func (m *CoreMemory) LastEdit(agentID string) time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last time.Time
	for _, b := range m.cache[agentID] {
		if b.UpdatedAt.After(last) {
			last = b.UpdatedAt
		}
	}
	return last
}

// CompileBlocks renders blocks in the <memory_blocks> layout.
func CompileBlocks(blocks []Block) string {
	var sb strings.Builder
	sb.WriteString("<memory_blocks>\nThe following memory blocks are currently engaged in your core memory unit:\n\n")
	for i, b := range blocks {
		if i > 0 {
			sb.WriteString("\n")
		}
		limit := b.Limit
		if limit <= 0 {
			limit = DefaultBlockLimit
		}
		fmt.Fprintf(&sb, "<%s>\n", b.Label)
		if b.Description != "" {
			fmt.Fprintf(&sb, "<description>\n%s\n</description>\n", b.Description)
		}
		fmt.Fprintf(&sb, "<metadata>\n- chars_current=%d\n- chars_limit=%d\n</metadata>\n", len([]rune(b.Value)), limit)
		fmt.Fprintf(&sb, "<value>\n%s\n</value>\n", b.Value)
		fmt.Fprintf(&sb, "</%s>\n", b.Label)
	}
	sb.WriteString("</memory_blocks>")
	return sb.String()
}
