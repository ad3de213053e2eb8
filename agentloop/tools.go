package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/martinemde/memagent/unifiedllm"
)

// ToolFunc is the implementation of a tool. A returned error becomes a
// failed tool result; it never aborts the step.
type ToolFunc func(ctx context.Context, tc *ToolContext, args map[string]any) (string, error)

// RegisteredTool pairs a tool definition with its implementation.
type RegisteredTool struct {
	Definition unifiedllm.ToolDefinition
	Func       ToolFunc
	// ReturnCharLimit caps the tool's return value as seen by the model.
	// Zero uses the engine default.
	ReturnCharLimit int

	schema *jsonschema.Schema
}

// ToolRegistry manages tool registration and lookup.
type ToolRegistry struct {
	tools map[string]*RegisteredTool
	mu    sync.RWMutex
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]*RegisteredTool),
	}
}

// Register adds or replaces a tool. The parameter schema is compiled here so
// that arguments can be validated before every call.
func (r *ToolRegistry) Register(tool RegisteredTool) error {
	if tool.Definition.Name == "" {
		return fmt.Errorf("tool without name")
	}
	if tool.Func == nil {
		return fmt.Errorf("tool %s has no implementation", tool.Definition.Name)
	}
	if tool.Definition.Parameters == nil {
		tool.Definition.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	raw, err := json.Marshal(tool.Definition.Parameters)
	if err != nil {
		return fmt.Errorf("encoding parameters of %s: %w", tool.Definition.Name, err)
	}
	schema, err := jsonschema.CompileString(tool.Definition.Name+".json", string(raw))
	if err != nil {
		return fmt.Errorf("compiling parameters of %s: %w", tool.Definition.Name, err)
	}
	tool.schema = schema

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Definition.Name] = &tool
	return nil
}

// MustRegister is Register for tool sets known to be valid.
func (r *ToolRegistry) MustRegister(tool RegisteredTool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Unregister removes a tool from the registry.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a registered tool by name, or nil if not found.
func (r *ToolRegistry) Get(name string) *RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Definitions returns the definitions of the named tools in the given
// order, skipping names that are not registered.
func (r *ToolRegistry) Definitions(names []string) []unifiedllm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]unifiedllm.ToolDefinition, 0, len(names))
	for _, name := range names {
		if tool, ok := r.tools[name]; ok {
			defs = append(defs, tool.Definition)
		}
	}
	return defs
}

// Names returns the sorted names of all registered tools.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// MergeFrom copies all tools from other into this registry.
// Existing tools with the same name are overwritten (latest-wins).
func (r *ToolRegistry) MergeFrom(other *ToolRegistry) {
	other.mu.RLock()
	defer other.mu.RUnlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, tool := range other.tools {
		cloned := *tool
		r.tools[name] = &cloned
	}
}

// validate checks args against the tool's compiled parameter schema.
func (t *RegisteredTool) validate(args map[string]any) error {
	if t.schema == nil {
		return nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return err
	}
	return t.schema.Validate(instance)
}

// ParseToolArguments unmarshals tool call arguments into a map. Blank
// arguments parse as an empty map.
func ParseToolArguments(raw json.RawMessage) (map[string]any, error) {
	if strings.TrimSpace(string(raw)) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return map[string]any{}, fmt.Errorf("invalid tool arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
