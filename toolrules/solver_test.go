package toolrules

import (
	"errors"
	"reflect"
	"testing"
)

func mustSolver(t *testing.T, rules []Rule, opts ...SolverOption) *Solver {
	t.Helper()
	s, err := NewSolver(rules, opts...)
	if err != nil {
		t.Fatalf("NewSolver: %v", err)
	}
	return s
}

func TestLegalToolsSingleInit(t *testing.T) {
	s := mustSolver(t, []Rule{InitRule{ToolName: "a"}, ChildRule{ToolName: "a", Children: []string{"b"}}})

	got, err := s.LegalTools([]string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("expected [a], got %v", got)
	}

	// Init tool not available: intersection is empty.
	got, err = s.LegalTools([]string{"b", "c"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no legal tools, got %v", got)
	}
}

func TestLegalToolsMultipleInit(t *testing.T) {
	rules := []Rule{InitRule{ToolName: "a"}, InitRule{ToolName: "b"}}

	s := mustSolver(t, rules)
	_, err := s.LegalTools([]string{"a", "b"})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}

	s = mustSolver(t, rules, WithForcedToolChoice(true))
	got, err := s.LegalTools([]string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("expected [a b], got %v", got)
	}
}

func TestLegalToolsNoRules(t *testing.T) {
	s := mustSolver(t, nil)
	got, err := s.LegalTools([]string{"c", "a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("expected all tools, got %v", got)
	}
}

func TestChainScenario(t *testing.T) {
	s := mustSolver(t, []Rule{
		InitRule{ToolName: "a"},
		ChildRule{ToolName: "a", Children: []string{"b"}},
		ChildRule{ToolName: "b", Children: []string{"c"}},
		TerminalRule{ToolName: "c"},
	})
	available := []string{"a", "b", "c"}

	for _, want := range []string{"a", "b", "c"} {
		legal, err := s.LegalTools(available)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !reflect.DeepEqual(legal, []string{want}) {
			t.Fatalf("expected [%s], got %v", want, legal)
		}
		if s.MustStop() {
			t.Fatalf("must not stop before %s", want)
		}
		if err := s.RegisterCall(want, "ok"); err != nil {
			t.Fatalf("RegisterCall(%s): %v", want, err)
		}
	}
	if !s.MustStop() {
		t.Error("expected MustStop after terminal tool c")
	}
}

func TestTerminalGating(t *testing.T) {
	rules := []Rule{TerminalRule{ToolName: "t"}, RequiredBeforeExitRule{ToolName: "r"}}

	s := mustSolver(t, rules)
	_ = s.RegisterCall("t", "done")
	if s.MustStop() {
		t.Error("terminal before required tool must not stop")
	}
	if got := s.MissingRequired(); !reflect.DeepEqual(got, []string{"r"}) {
		t.Errorf("expected missing [r], got %v", got)
	}

	s = mustSolver(t, rules)
	_ = s.RegisterCall("r", "ok")
	_ = s.RegisterCall("t", "done")
	if !s.MustStop() {
		t.Error("terminal after required tool must stop")
	}
}

func TestConditionalForcing(t *testing.T) {
	s := mustSolver(t, []Rule{ConditionalRule{
		ToolName:      "t",
		DefaultChild:  "d",
		OutputMapping: map[string]string{"x": "a"},
	}})

	_ = s.RegisterCall("t", "x")
	if got, _ := s.ForcedNextTool("x"); got != "a" {
		t.Errorf("expected a, got %q", got)
	}
	if got, _ := s.ForcedNextTool("y"); got != "d" {
		t.Errorf("expected default d, got %q", got)
	}
}

func TestConditionalWildcardAndNoDefault(t *testing.T) {
	s := mustSolver(t, []Rule{
		ConditionalRule{ToolName: "t", OutputMapping: map[string]string{"exact": "e", "*": "w"}},
		ConditionalRule{ToolName: "u", OutputMapping: map[string]string{"x": "a"}},
	})
	_ = s.RegisterCall("t", "anything")
	if got, _ := s.ForcedNextTool("exact"); got != "e" {
		t.Errorf("exact match should win over wildcard, got %q", got)
	}
	if got, _ := s.ForcedNextTool("other"); got != "w" {
		t.Errorf("expected wildcard target w, got %q", got)
	}

	_ = s.RegisterCall("u", "nomatch")
	if got, _ := s.ForcedNextTool("nomatch"); got != "" {
		t.Errorf("expected no forced tool, got %q", got)
	}
	legal, err := s.LegalTools([]string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(legal, []string{"a", "b"}) {
		t.Errorf("expected every tool legal without default child, got %v", legal)
	}
}

func TestFlipScenario(t *testing.T) {
	s := mustSolver(t, []Rule{ConditionalRule{
		ToolName:      "flip",
		DefaultChild:  "flip",
		OutputMapping: map[string]string{"heads": "reveal"},
	}})
	available := []string{"flip", "reveal", "other"}

	outputs := []string{"tails", "tails", "tails", "heads"}
	want := []string{"flip", "flip", "flip", "reveal"}
	for i, out := range outputs {
		if err := s.RegisterCall("flip", out); err != nil {
			t.Fatalf("RegisterCall: %v", err)
		}
		legal, err := s.LegalTools(available)
		if err != nil {
			t.Fatalf("LegalTools: %v", err)
		}
		if !reflect.DeepEqual(legal, []string{want[i]}) {
			t.Errorf("after %q (call %d): expected [%s], got %v", out, i+1, want[i], legal)
		}
	}
}

func TestConditionalBeatsChildNarrowing(t *testing.T) {
	s := mustSolver(t, []Rule{
		ConditionalRule{ToolName: "t", OutputMapping: map[string]string{"go": "z"}},
		ChildRule{ToolName: "t", Children: []string{"a"}},
	})
	_ = s.RegisterCall("t", "go")
	legal, err := s.LegalTools([]string{"a", "z"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(legal, []string{"z"}) {
		t.Errorf("expected conditional target only, got %v", legal)
	}
}

func TestConditionalTargetUnavailable(t *testing.T) {
	s := mustSolver(t, []Rule{ConditionalRule{ToolName: "t", OutputMapping: map[string]string{"*": "gone"}}})
	_ = s.RegisterCall("t", "x")
	_, err := s.LegalTools([]string{"t"})
	var rv *RuleViolation
	if !errors.As(err, &rv) {
		t.Fatalf("expected RuleViolation, got %v", err)
	}
	if rv.Rule != TypeConditional || rv.Tool != "t" {
		t.Errorf("unexpected violation: %+v", rv)
	}
}

func TestContinueSignal(t *testing.T) {
	s := mustSolver(t, []Rule{ContinueRule{ToolName: "c"}, TerminalRule{ToolName: "c"}})
	_ = s.RegisterCall("c", "ok")
	tool, mustContinue := s.ForcedNextTool("ok")
	if tool != "" || !mustContinue {
		t.Errorf("expected (\"\", true), got (%q, %v)", tool, mustContinue)
	}
	if !s.MustStop() {
		t.Error("terminal must still win when nothing is required")
	}
}

func TestChildAndConstrain(t *testing.T) {
	s := mustSolver(t, []Rule{
		ChildRule{ToolName: "p", Children: []string{"a", "b", "c"}},
		ConstrainChildRule{ToolName: "p", Allowed: []string{"b", "c", "d"}},
	})
	_ = s.RegisterCall("p", "")
	legal, err := s.LegalTools([]string{"a", "b", "c", "d"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(legal, []string{"b", "c"}) {
		t.Errorf("expected [b c], got %v", legal)
	}
	if !s.HasChildren("p") || s.HasChildren("a") {
		t.Error("HasChildren mismatch")
	}
}

func TestParentLastTool(t *testing.T) {
	s := mustSolver(t, []Rule{ParentLastRule{ToolName: "commit", Parent: "stage"}})
	available := []string{"commit", "stage", "status"}

	legal, _ := s.LegalTools(available)
	if !reflect.DeepEqual(legal, []string{"stage", "status"}) {
		t.Errorf("gated tool legal before parent: %v", legal)
	}

	_ = s.RegisterCall("stage", "")
	legal, _ = s.LegalTools(available)
	if !reflect.DeepEqual(legal, []string{"commit", "stage", "status"}) {
		t.Errorf("expected commit after stage, got %v", legal)
	}

	_ = s.RegisterCall("status", "")
	legal, _ = s.LegalTools(available)
	if !reflect.DeepEqual(legal, []string{"stage", "status"}) {
		t.Errorf("expected commit gated again, got %v", legal)
	}
}

func TestMaxCountPerStep(t *testing.T) {
	s := mustSolver(t, []Rule{MaxCountRule{ToolName: "search", Max: 2}})

	for i := 0; i < 2; i++ {
		if err := s.RegisterCall("search", ""); err != nil {
			t.Fatalf("call %d: unexpected error %v", i+1, err)
		}
	}
	legal, _ := s.LegalTools([]string{"search", "answer"})
	if !reflect.DeepEqual(legal, []string{"answer"}) {
		t.Errorf("expected search excluded at its bound, got %v", legal)
	}

	err := s.RegisterCall("search", "")
	var rv *RuleViolation
	if !errors.As(err, &rv) {
		t.Fatalf("expected RuleViolation, got %v", err)
	}
	if rv.Turn != 3 || rv.Rule != TypeMaxCountPerStep {
		t.Errorf("unexpected violation: %+v", rv)
	}
	if s.Count("search") != 3 {
		t.Errorf("violating call should still be recorded, count=%d", s.Count("search"))
	}
}

func TestNewSolverRejectsBadRules(t *testing.T) {
	tests := []struct {
		name  string
		rules []Rule
	}{
		{"empty tool", []Rule{InitRule{}}},
		{"zero max", []Rule{MaxCountRule{ToolName: "a", Max: 0}}},
		{"duplicate child", []Rule{ChildRule{ToolName: "a"}, ChildRule{ToolName: "a"}}},
		{"parent missing", []Rule{ParentLastRule{ToolName: "a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSolver(tt.rules)
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Errorf("expected ConfigError, got %v", err)
			}
		})
	}
}
