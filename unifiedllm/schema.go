package unifiedllm

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/invopop/jsonschema"
)

// HeartbeatParam is the boolean argument a model sets to ask for another
// step after a tool returns.
const HeartbeatParam = "request_heartbeat"

var reflector = jsonschema.Reflector{
	DoNotReference: true,
	ExpandedStruct: true,
}

// SchemaFor reflects an argument struct into a JSON-schema parameter map.
// Field descriptions come from jsonschema_description tags; fields without
// omitempty are required.
func SchemaFor(v any) map[string]any {
	raw, err := json.Marshal(reflector.Reflect(v))
	if err != nil {
		panic("unifiedllm: reflect schema: " + err.Error())
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		panic("unifiedllm: decode schema: " + err.Error())
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}

func cloneSchema(params map[string]any) (map[string]any, map[string]any, []any) {
	out := make(map[string]any, len(params)+2)
	for k, v := range params {
		out[k] = v
	}
	if out["type"] == nil {
		out["type"] = "object"
	}
	props := map[string]any{}
	if existing, ok := params["properties"].(map[string]any); ok {
		for k, v := range existing {
			props[k] = v
		}
	}
	out["properties"] = props
	var required []any
	switch r := params["required"].(type) {
	case []any:
		required = append(required, r...)
	case []string:
		for _, s := range r {
			required = append(required, s)
		}
	}
	return out, props, required
}

// AddInnerThoughtsParam returns a copy of params with a required string
// property key placed first in the required list.
func AddInnerThoughtsParam(params map[string]any, key, description string) map[string]any {
	if key == "" {
		key = DefaultInnerThoughtsKey
	}
	out, props, required := cloneSchema(params)
	props[key] = map[string]any{"type": "string", "description": description}
	filtered := []any{key}
	for _, r := range required {
		if r != key {
			filtered = append(filtered, r)
		}
	}
	out["required"] = filtered
	return out
}

// AddHeartbeatParam returns a copy of params with the optional boolean
// request_heartbeat property.
func AddHeartbeatParam(params map[string]any) map[string]any {
	out, props, required := cloneSchema(params)
	props[HeartbeatParam] = map[string]any{
		"type":        "boolean",
		"description": "Request an immediate heartbeat after function execution. Set to true to run another step after this call.",
	}
	if required != nil {
		out["required"] = required
	}
	return out
}

// orderedProperties encodes a properties map with first emitted ahead of the
// remaining keys, which follow in sorted order. Models fill arguments in
// schema order, so this keeps inner thoughts ahead of everything else.
func orderedProperties(props map[string]any, first string) (json.RawMessage, error) {
	keys := make([]string, 0, len(props))
	for k := range props {
		if k != first {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if _, ok := props[first]; ok {
		keys = append([]string{first}, keys...)
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(props[k])
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
