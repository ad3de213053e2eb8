package toolrules

import (
	"fmt"
	"sort"
)

// CallRecord is one entry in the per-turn call history.
type CallRecord struct {
	Tool   string
	Output string
}

// SolverOption configures a Solver.
type SolverOption func(*Solver)

// WithForcedToolChoice declares whether the model behind this turn can be
// constrained to a set of tools. Several InitRules are only valid when it can.
func WithForcedToolChoice(supported bool) SolverOption {
	return func(s *Solver) {
		s.forcedChoice = supported
	}
}

// Solver tracks one turn's call history against a fixed rule set.
// It is not safe for concurrent use; each turn owns its own Solver.
type Solver struct {
	init        []string
	children    map[string][]string
	conditional map[string]ConditionalRule
	constrain   map[string][]string
	parentLast  map[string]string // gated tool -> parent
	maxCount    map[string]int
	terminal    toolSet
	cont        toolSet
	required    toolSet

	forcedChoice bool

	history []CallRecord
	counts  map[string]int
}

// NewSolver indexes rules by tool name. Duplicate rules of a single-valued
// kind for the same tool are a ConfigError.
func NewSolver(rules []Rule, opts ...SolverOption) (*Solver, error) {
	s := &Solver{
		children:    make(map[string][]string),
		conditional: make(map[string]ConditionalRule),
		constrain:   make(map[string][]string),
		parentLast:  make(map[string]string),
		maxCount:    make(map[string]int),
		terminal:    make(toolSet),
		cont:        make(toolSet),
		required:    make(toolSet),
		counts:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}

	dup := func(r Rule) error {
		return &ConfigError{Message: fmt.Sprintf("duplicate %s rule for tool %q", r.Type(), r.Tool())}
	}

	for _, r := range rules {
		if r == nil || r.Tool() == "" {
			return nil, &ConfigError{Message: "rule without tool name"}
		}
		switch rule := r.(type) {
		case InitRule:
			s.init = append(s.init, rule.ToolName)
		case ChildRule:
			if _, ok := s.children[rule.ToolName]; ok {
				return nil, dup(rule)
			}
			s.children[rule.ToolName] = rule.Children
		case ConditionalRule:
			if _, ok := s.conditional[rule.ToolName]; ok {
				return nil, dup(rule)
			}
			s.conditional[rule.ToolName] = rule
		case TerminalRule:
			s.terminal[rule.ToolName] = struct{}{}
		case ContinueRule:
			s.cont[rule.ToolName] = struct{}{}
		case MaxCountRule:
			if rule.Max < 1 {
				return nil, &ConfigError{Message: fmt.Sprintf("max_count_per_step for %q must be at least 1, got %d", rule.ToolName, rule.Max)}
			}
			if _, ok := s.maxCount[rule.ToolName]; ok {
				return nil, dup(rule)
			}
			s.maxCount[rule.ToolName] = rule.Max
		case RequiredBeforeExitRule:
			s.required[rule.ToolName] = struct{}{}
		case ConstrainChildRule:
			if _, ok := s.constrain[rule.ToolName]; ok {
				return nil, dup(rule)
			}
			s.constrain[rule.ToolName] = rule.Allowed
		case ParentLastRule:
			if rule.Parent == "" {
				return nil, &ConfigError{Message: fmt.Sprintf("parent_last_tool for %q has no parent", rule.ToolName)}
			}
			if _, ok := s.parentLast[rule.ToolName]; ok {
				return nil, dup(rule)
			}
			s.parentLast[rule.ToolName] = rule.Parent
		default:
			return nil, &ConfigError{Message: fmt.Sprintf("unsupported rule type %T", r)}
		}
	}
	return s, nil
}

// InitTools returns the tools declared by InitRules, in declaration order.
func (s *Solver) InitTools() []string {
	out := make([]string, len(s.init))
	copy(out, s.init)
	return out
}

// LegalTools returns the sorted subset of available that may be called next.
func (s *Solver) LegalTools(available []string) ([]string, error) {
	avail := newToolSet(available...)

	if len(s.history) == 0 && len(s.init) > 0 {
		if len(s.init) > 1 && !s.forcedChoice {
			return nil, &ConfigError{Message: fmt.Sprintf(
				"%d init tools declared but the model cannot be forced to choose among them", len(s.init))}
		}
		out := make(toolSet)
		for _, name := range s.init {
			if avail.has(name) {
				out[name] = struct{}{}
			}
		}
		return out.sorted(), nil
	}

	last, hasLast := s.last()
	candidates := avail

	if hasLast {
		if forced, _ := s.ForcedNextTool(last.Output); forced != "" {
			if !avail.has(forced) {
				return nil, &RuleViolation{
					Tool:   last.Tool,
					Rule:   TypeConditional,
					Turn:   len(s.history),
					Reason: fmt.Sprintf("forced next tool %q is not available", forced),
				}
			}
			return []string{forced}, nil
		}
		if children, ok := s.children[last.Tool]; ok {
			candidates = candidates.intersect(newToolSet(children...))
		}
		if allowed, ok := s.constrain[last.Tool]; ok {
			candidates = candidates.intersect(newToolSet(allowed...))
		}
	}

	for tool, parent := range s.parentLast {
		if hasLast && last.Tool == parent && avail.has(tool) {
			candidates[tool] = struct{}{}
		} else {
			delete(candidates, tool)
		}
	}

	for tool, limit := range s.maxCount {
		if s.counts[tool] >= limit {
			delete(candidates, tool)
		}
	}

	return candidates.sorted(), nil
}

// RegisterCall appends a call to the history. It returns a *RuleViolation
// when the call exceeds a MaxCountRule bound; the call is still recorded.
func (s *Solver) RegisterCall(tool, output string) error {
	s.history = append(s.history, CallRecord{Tool: tool, Output: output})
	s.counts[tool]++
	if limit, ok := s.maxCount[tool]; ok && s.counts[tool] > limit {
		return &RuleViolation{
			Tool:   tool,
			Rule:   TypeMaxCountPerStep,
			Turn:   len(s.history),
			Reason: fmt.Sprintf("called %d times, limit is %d", s.counts[tool], limit),
		}
	}
	return nil
}

// MustStop reports whether the last call was a terminal tool and every
// required-before-exit tool has run in this turn.
func (s *Solver) MustStop() bool {
	last, ok := s.last()
	if !ok || !s.terminal.has(last.Tool) {
		return false
	}
	return len(s.MissingRequired()) == 0
}

// ForcedNextTool resolves a ConditionalRule on the last called tool against
// lastOutput. mustContinue is true when the last tool has a ContinueRule.
func (s *Solver) ForcedNextTool(lastOutput string) (tool string, mustContinue bool) {
	last, ok := s.last()
	if !ok {
		return "", false
	}
	mustContinue = s.cont.has(last.Tool)
	cond, ok := s.conditional[last.Tool]
	if !ok {
		return "", mustContinue
	}
	if next, ok := cond.Lookup(lastOutput); ok {
		return next, mustContinue
	}
	return cond.DefaultChild, mustContinue
}

// MissingRequired lists required-before-exit tools not yet called, sorted.
func (s *Solver) MissingRequired() []string {
	var missing []string
	for tool := range s.required {
		if s.counts[tool] == 0 {
			missing = append(missing, tool)
		}
	}
	sort.Strings(missing)
	return missing
}

// HasChildren reports whether tool declares follow-up tools.
func (s *Solver) HasChildren(tool string) bool {
	if _, ok := s.children[tool]; ok {
		return true
	}
	if _, ok := s.conditional[tool]; ok {
		return true
	}
	_, ok := s.constrain[tool]
	return ok
}

// IsTerminal reports whether tool has a TerminalRule.
func (s *Solver) IsTerminal(tool string) bool { return s.terminal.has(tool) }

// IsContinue reports whether tool has a ContinueRule.
func (s *Solver) IsContinue(tool string) bool { return s.cont.has(tool) }

// Count returns how many times tool has been called this turn.
func (s *Solver) Count(tool string) int {
	return s.counts[tool]
}

func (s *Solver) last() (CallRecord, bool) {
	if len(s.history) == 0 {
		return CallRecord{}, false
	}
	return s.history[len(s.history)-1], true
}
