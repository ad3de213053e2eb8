package agentloop

import (
	"fmt"
	"strings"
	"time"
)

// MemoryPlaceholder marks where compiled core memory goes in an agent's
// base system prompt. Prompts without it get memory appended.
const MemoryPlaceholder = "{CORE_MEMORY}"

// CompileSystemMessage renders the system message: the base prompt, memory
// metadata, then the compiled memory blocks. The compiled memory appears
// verbatim, which is what the rebuild check looks for.
func CompileSystemMessage(base, memory string, lastEdit time.Time, previousMessages int) string {
	var sb strings.Builder
	sb.WriteString(memoryMetadata(lastEdit, previousMessages))
	sb.WriteString("\n")
	sb.WriteString(memory)
	section := sb.String()

	switch {
	case strings.Contains(base, MemoryPlaceholder):
		return strings.Replace(base, MemoryPlaceholder, section, 1)
	case strings.TrimSpace(base) == "":
		return section
	default:
		return strings.TrimRight(base, "\n") + "\n\n" + section
	}
}

func memoryMetadata(lastEdit time.Time, previousMessages int) string {
	if lastEdit.IsZero() {
		lastEdit = time.Now()
	}
	return fmt.Sprintf("### Memory [last modified: %s]\n"+
		"%d previous messages between you and the user are stored in recall memory (use functions to access them)",
		lastEdit.UTC().Format("2006-01-02 03:04:05 PM MST"), previousMessages)
}
