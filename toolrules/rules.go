// Package toolrules evaluates declarative tool-call rules against the call
// history of a single agent turn.
//
// A Solver is created fresh for every turn. It answers which tools may run
// next, whether the turn must stop, and whether a conditional rule forces a
// specific follow-up tool. It performs no I/O.
package toolrules

import "sort"

// Type is the discriminator for Rule variants. The string values are the ones
// accepted in rule configuration files.
type Type string

const (
	TypeInit                Type = "init"
	TypeChild               Type = "child"
	TypeConditional         Type = "conditional"
	TypeTerminal            Type = "terminal"
	TypeContinue            Type = "continue"
	TypeMaxCountPerStep     Type = "max_count_per_step"
	TypeRequiredBeforeExit  Type = "required_before_exit"
	TypeConstrainChildTools Type = "constrain_child_tools"
	TypeParentLastTool      Type = "parent_last_tool"
)

// WildcardOutput matches any output value in a ConditionalRule mapping.
const WildcardOutput = "*"

// Rule is one declared constraint on a tool.
type Rule interface {
	Tool() string
	Type() Type
}

// InitRule marks a tool as a legal first call of a turn.
type InitRule struct {
	ToolName string
}

// ChildRule restricts the calls that may follow ToolName to Children.
type ChildRule struct {
	ToolName string
	Children []string
}

// ConditionalRule forces the next tool based on the output of ToolName.
// An empty DefaultChild means any tool remains legal when nothing matches.
type ConditionalRule struct {
	ToolName      string
	DefaultChild  string
	OutputMapping map[string]string
}

// TerminalRule ends the turn after ToolName runs, once every
// RequiredBeforeExitRule tool has been called.
type TerminalRule struct {
	ToolName string
}

// ContinueRule forces another step after ToolName runs.
type ContinueRule struct {
	ToolName string
}

// MaxCountRule bounds how many times ToolName may run in one turn.
type MaxCountRule struct {
	ToolName string
	Max      int
}

// RequiredBeforeExitRule requires ToolName to run before a terminal tool may
// end the turn.
type RequiredBeforeExitRule struct {
	ToolName string
}

// ConstrainChildRule intersects the tools legal after ToolName with Allowed.
type ConstrainChildRule struct {
	ToolName string
	Allowed  []string
}

// ParentLastRule makes ToolName legal only directly after Parent.
type ParentLastRule struct {
	ToolName string
	Parent   string
}

func (r InitRule) Tool() string               { return r.ToolName }
func (r ChildRule) Tool() string              { return r.ToolName }
func (r ConditionalRule) Tool() string        { return r.ToolName }
func (r TerminalRule) Tool() string           { return r.ToolName }
func (r ContinueRule) Tool() string           { return r.ToolName }
func (r MaxCountRule) Tool() string           { return r.ToolName }
func (r RequiredBeforeExitRule) Tool() string { return r.ToolName }
func (r ConstrainChildRule) Tool() string     { return r.ToolName }
func (r ParentLastRule) Tool() string         { return r.ToolName }

func (InitRule) Type() Type               { return TypeInit }
func (ChildRule) Type() Type              { return TypeChild }
func (ConditionalRule) Type() Type        { return TypeConditional }
func (TerminalRule) Type() Type           { return TypeTerminal }
func (ContinueRule) Type() Type           { return TypeContinue }
func (MaxCountRule) Type() Type           { return TypeMaxCountPerStep }
func (RequiredBeforeExitRule) Type() Type { return TypeRequiredBeforeExit }
func (ConstrainChildRule) Type() Type     { return TypeConstrainChildTools }
func (ParentLastRule) Type() Type         { return TypeParentLastTool }

// Lookup returns the conditional output target for value, honoring the
// wildcard key. An exact match beats the wildcard.
func (r ConditionalRule) Lookup(value string) (string, bool) {
	if next, ok := r.OutputMapping[value]; ok {
		return next, true
	}
	if next, ok := r.OutputMapping[WildcardOutput]; ok {
		return next, true
	}
	return "", false
}

// toolSet is a small string set with deterministic output.
type toolSet map[string]struct{}

func newToolSet(names ...string) toolSet {
	s := make(toolSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func (s toolSet) has(name string) bool {
	_, ok := s[name]
	return ok
}

func (s toolSet) intersect(other toolSet) toolSet {
	out := make(toolSet)
	for n := range s {
		if other.has(n) {
			out[n] = struct{}{}
		}
	}
	return out
}

func (s toolSet) sorted() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
