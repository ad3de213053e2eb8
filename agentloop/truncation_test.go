package agentloop

import (
	"strings"
	"testing"
)

func TestTruncateOutput(t *testing.T) {
	if got := TruncateOutput("short", 10, TruncateHead); got != "short" {
		t.Errorf("short output changed: %q", got)
	}

	long := strings.Repeat("é", 12)
	head := TruncateOutput(long, 5, TruncateHead)
	if !strings.HasPrefix(head, strings.Repeat("é", 5)+"... [NOTE") || !strings.Contains(head, "(12 > 5)") {
		t.Errorf("unexpected head truncation %q", head)
	}

	ht := TruncateOutput("abcdefghij", 4, TruncateHeadTail)
	if !strings.HasPrefix(ht, "ab") || !strings.HasSuffix(ht, "ij") || !strings.Contains(ht, "6 characters were removed") {
		t.Errorf("unexpected head/tail truncation %q", ht)
	}
}

func TestReturnLimit(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.ToolCharLimits = map[string]int{"big": 50}
	tool := &RegisteredTool{ReturnCharLimit: 20}

	tests := []struct {
		name string
		tool string
		reg  *RegisteredTool
		cfg  EngineConfig
		want int
	}{
		{"engine override", "big", tool, cfg, 50},
		{"tool limit", "other", tool, cfg, 20},
		{"engine default", "other", nil, cfg, cfg.ReturnCharLimit},
		{"fallback", "other", nil, EngineConfig{}, DefaultReturnCharLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := returnLimit(tt.tool, tt.reg, tt.cfg); got != tt.want {
				t.Errorf("returnLimit = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDetectLoop(t *testing.T) {
	a := toolCallSignature("search", []byte(`{"q":"x"}`))
	b := toolCallSignature("search", []byte(`{"q":"y"}`))
	c := toolCallSignature("read", []byte(`{}`))

	tests := []struct {
		name string
		sigs []string
		want bool
	}{
		{"too short", []string{a, a, a}, false},
		{"same call", []string{c, a, a, a, a}, true},
		{"alternating", []string{a, b, a, b}, true},
		{"no pattern", []string{a, b, c, a}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectLoop(tt.sigs, 4); got != tt.want {
				t.Errorf("DetectLoop = %v, want %v", got, tt.want)
			}
		})
	}
	if a == b {
		t.Error("signatures should depend on arguments")
	}
}
