package toolrules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Spec is the configuration shape of one rule, as it appears in YAML or JSON
// rule files and in persisted agent records.
type Spec struct {
	Type               Type              `json:"type" yaml:"type"`
	ToolName           string            `json:"tool_name" yaml:"tool_name"`
	Children           []string          `json:"children,omitempty" yaml:"children,omitempty"`
	DefaultChild       *string           `json:"default_child,omitempty" yaml:"default_child,omitempty"`
	ChildOutputMapping map[string]string `json:"child_output_mapping,omitempty" yaml:"child_output_mapping,omitempty"`
	Max                int               `json:"max,omitempty" yaml:"max,omitempty"`
	Parent             string            `json:"parent,omitempty" yaml:"parent,omitempty"`
}

// Accepted spellings from older rule files.
var typeAliases = map[string]Type{
	"run_first":     TypeInit,
	"exit_loop":     TypeTerminal,
	"continue_loop": TypeContinue,
}

const specSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["type", "tool_name"],
    "additionalProperties": false,
    "properties": {
      "type": {"enum": ["init", "child", "conditional", "terminal", "continue",
                        "max_count_per_step", "required_before_exit",
                        "constrain_child_tools", "parent_last_tool",
                        "run_first", "exit_loop", "continue_loop"]},
      "tool_name": {"type": "string", "minLength": 1},
      "children": {"type": "array", "items": {"type": "string", "minLength": 1}},
      "default_child": {"type": ["string", "null"]},
      "child_output_mapping": {"type": "object", "additionalProperties": {"type": "string"}},
      "max": {"type": "integer", "minimum": 1},
      "parent": {"type": "string", "minLength": 1}
    },
    "allOf": [
      {"if": {"properties": {"type": {"const": "child"}}}, "then": {"required": ["children"]}},
      {"if": {"properties": {"type": {"const": "constrain_child_tools"}}}, "then": {"required": ["children"]}},
      {"if": {"properties": {"type": {"const": "conditional"}}}, "then": {"required": ["child_output_mapping"]}},
      {"if": {"properties": {"type": {"const": "max_count_per_step"}}}, "then": {"required": ["max"]}},
      {"if": {"properties": {"type": {"const": "parent_last_tool"}}}, "then": {"required": ["parent"]}}
    ]
  }
}`

var (
	compiledSchema     *jsonschema.Schema
	compiledSchemaErr  error
	compiledSchemaOnce sync.Once
)

func ruleSchema() (*jsonschema.Schema, error) {
	compiledSchemaOnce.Do(func() {
		compiledSchema, compiledSchemaErr = jsonschema.CompileString("toolrules.json", specSchema)
	})
	return compiledSchema, compiledSchemaErr
}

// LoadFile reads a YAML or JSON rule file.
func LoadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool rules: %w", err)
	}
	return Load(data)
}

// Load parses a rule document. The document is either a list of rules or a
// mapping with a tool_rules list; JSON documents are accepted as YAML.
func Load(data []byte) ([]Rule, error) {
	specs, err := ParseSpecs(data)
	if err != nil {
		return nil, err
	}
	return FromSpecs(specs)
}

// ParseSpecs validates a rule document and returns its raw specs.
func ParseSpecs(data []byte) ([]Spec, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ConfigError{Message: "parse rule document", Cause: err}
	}
	if m, ok := doc.(map[string]interface{}); ok {
		doc = m["tool_rules"]
	}
	if doc == nil {
		return nil, nil
	}

	// Round-trip through JSON so the validator sees JSON-native types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, &ConfigError{Message: "encode rule document", Cause: err}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var instance interface{}
	if err := dec.Decode(&instance); err != nil {
		return nil, &ConfigError{Message: "decode rule document", Cause: err}
	}

	schema, err := ruleSchema()
	if err != nil {
		return nil, &ConfigError{Message: "compile rule schema", Cause: err}
	}
	if err := schema.Validate(instance); err != nil {
		return nil, &ConfigError{Message: "invalid rule document", Cause: err}
	}

	var specs []Spec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return nil, &ConfigError{Message: "decode rules", Cause: err}
	}
	return specs, nil
}

// FromSpecs converts configuration specs into rules.
func FromSpecs(specs []Spec) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for i, s := range specs {
		r, err := s.Rule()
		if err != nil {
			return nil, &ConfigError{Message: fmt.Sprintf("rule %d", i), Cause: err}
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// Rule converts a single spec into its Rule variant.
func (s Spec) Rule() (Rule, error) {
	t := s.Type
	if alias, ok := typeAliases[string(t)]; ok {
		t = alias
	}
	switch t {
	case TypeInit:
		return InitRule{ToolName: s.ToolName}, nil
	case TypeChild:
		return ChildRule{ToolName: s.ToolName, Children: s.Children}, nil
	case TypeConditional:
		r := ConditionalRule{ToolName: s.ToolName, OutputMapping: s.ChildOutputMapping}
		if s.DefaultChild != nil {
			r.DefaultChild = *s.DefaultChild
		}
		return r, nil
	case TypeTerminal:
		return TerminalRule{ToolName: s.ToolName}, nil
	case TypeContinue:
		return ContinueRule{ToolName: s.ToolName}, nil
	case TypeMaxCountPerStep:
		return MaxCountRule{ToolName: s.ToolName, Max: s.Max}, nil
	case TypeRequiredBeforeExit:
		return RequiredBeforeExitRule{ToolName: s.ToolName}, nil
	case TypeConstrainChildTools:
		return ConstrainChildRule{ToolName: s.ToolName, Allowed: s.Children}, nil
	case TypeParentLastTool:
		return ParentLastRule{ToolName: s.ToolName, Parent: s.Parent}, nil
	default:
		return nil, fmt.Errorf("unknown rule type %q", s.Type)
	}
}

// SpecOf converts a rule back into its configuration shape.
func SpecOf(r Rule) Spec {
	s := Spec{Type: r.Type(), ToolName: r.Tool()}
	switch rule := r.(type) {
	case ChildRule:
		s.Children = rule.Children
	case ConditionalRule:
		s.ChildOutputMapping = rule.OutputMapping
		if rule.DefaultChild != "" {
			d := rule.DefaultChild
			s.DefaultChild = &d
		}
	case MaxCountRule:
		s.Max = rule.Max
	case ConstrainChildRule:
		s.Children = rule.Allowed
	case ParentLastRule:
		s.Parent = rule.Parent
	}
	return s
}

// Describe renders rules as one line each, for CLI output.
func Describe(rules []Rule) string {
	lines := make([]string, 0, len(rules))
	for _, r := range rules {
		s := SpecOf(r)
		line := fmt.Sprintf("%-22s %s", s.Type, s.ToolName)
		switch {
		case len(s.Children) > 0:
			line += " -> " + strings.Join(s.Children, ", ")
		case len(s.ChildOutputMapping) > 0:
			keys := make([]string, 0, len(s.ChildOutputMapping))
			for k := range s.ChildOutputMapping {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			pairs := make([]string, 0, len(keys))
			for _, k := range keys {
				pairs = append(pairs, k+"="+s.ChildOutputMapping[k])
			}
			line += " {" + strings.Join(pairs, ", ") + "}"
			if s.DefaultChild != nil {
				line += " default " + *s.DefaultChild
			}
		case s.Max > 0:
			line += fmt.Sprintf(" max %d", s.Max)
		case s.Parent != "":
			line += " after " + s.Parent
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
