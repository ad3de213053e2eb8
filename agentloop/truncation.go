package agentloop

import (
	"fmt"
)

// TruncationMode specifies how output is truncated.
type TruncationMode string

const (
	// TruncateHead keeps the beginning of the output.
	TruncateHead TruncationMode = "head"
	// TruncateHeadTail keeps the beginning and the end.
	TruncateHeadTail TruncationMode = "head_tail"
)

// DefaultReturnCharLimit caps a tool's return value when neither the tool
// nor the engine config sets a limit.
const DefaultReturnCharLimit = 6000

// TruncateOutput shortens output to at most maxChars characters (runes)
// plus a notice telling the model how much was removed.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	runes := []rune(output)
	if maxChars <= 0 || len(runes) <= maxChars {
		return output
	}

	switch mode {
	case TruncateHeadTail:
		half := maxChars / 2
		removed := len(runes) - maxChars
		return string(runes[:half]) +
			fmt.Sprintf("\n\n[NOTE: function output was truncated. %d characters were removed from the middle.]\n\n", removed) +
			string(runes[len(runes)-(maxChars-half):])
	default:
		return string(runes[:maxChars]) +
			fmt.Sprintf("... [NOTE: function output was truncated since it exceeded the character limit (%d > %d)]",
				len(runes), maxChars)
	}
}

// returnLimit resolves the character limit for a tool: a per-tool engine
// override, then the tool's own limit, then the engine default.
func returnLimit(tool string, registered *RegisteredTool, cfg EngineConfig) int {
	if n, ok := cfg.ToolCharLimits[tool]; ok {
		return n
	}
	if registered != nil && registered.ReturnCharLimit > 0 {
		return registered.ReturnCharLimit
	}
	if cfg.ReturnCharLimit > 0 {
		return cfg.ReturnCharLimit
	}
	return DefaultReturnCharLimit
}
