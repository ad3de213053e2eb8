package unifiedllm

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"
)

// DefaultInnerThoughtsKey is the pseudo-argument that carries a model's
// reasoning when tools are called without a separate text block.
const DefaultInnerThoughtsKey = "inner_thoughts"

var providerFinishReasons = map[string]map[string]string{
	"anthropic": {
		"end_turn":      FinishStop,
		"stop_sequence": FinishStop,
		"pause_turn":    FinishStop,
		"max_tokens":    FinishLength,
		"tool_use":      FinishToolCall,
		"refusal":       FinishContentFilter,
	},
	"openai": {
		"stop":           FinishStop,
		"length":         FinishLength,
		"tool_calls":     FinishToolCall,
		"function_call":  FinishToolCall,
		"content_filter": FinishContentFilter,
	},
}

var commonFinishReasons = map[string]string{
	"stop":           FinishStop,
	"end_turn":       FinishStop,
	"stop_sequence":  FinishStop,
	"length":         FinishLength,
	"max_tokens":     FinishLength,
	"tool_call":      FinishToolCall,
	"tool_calls":     FinishToolCall,
	"tool_use":       FinishToolCall,
	"function_call":  FinishToolCall,
	"content_filter": FinishContentFilter,
	"safety":         FinishContentFilter,
}

// CanonicalFinishReason maps a provider's raw stop reason onto the canonical
// enum. Unknown values map to "stop" and keep the raw value.
func CanonicalFinishReason(provider, raw string) FinishReason {
	key := strings.ToLower(strings.TrimSpace(raw))
	if table, ok := providerFinishReasons[provider]; ok {
		if reason, ok := table[key]; ok {
			return FinishReason{Reason: reason, Raw: raw}
		}
	}
	if reason, ok := commonFinishReasons[key]; ok {
		return FinishReason{Reason: reason, Raw: raw}
	}
	return FinishReason{Reason: FinishStop, Raw: raw}
}

func isCanonicalFinish(reason string) bool {
	switch reason {
	case FinishStop, FinishLength, FinishToolCall, FinishContentFilter:
		return true
	}
	return false
}

var tagPatterns sync.Map // tag -> *regexp.Regexp

// StripXMLTags removes opening (with attributes) and closing occurrences of
// tag from s. The text between the tags is kept.
func StripXMLTags(s, tag string) string {
	if s == "" || !strings.Contains(s, tag) {
		return s
	}
	re, ok := tagPatterns.Load(tag)
	if !ok {
		q := regexp.QuoteMeta(tag)
		re, _ = tagPatterns.LoadOrStore(tag, regexp.MustCompile(`<`+q+`.*?>|</`+q+`>`))
	}
	return re.(*regexp.Regexp).ReplaceAllString(s, "")
}

// ExtractInnerThoughts removes key from the call's JSON arguments and returns
// the rewritten call with the extracted value. Calls whose arguments are not a
// JSON object, or lack a string value under key, are returned unchanged.
func ExtractInnerThoughts(call ToolCallData, key string) (ToolCallData, string) {
	if key == "" {
		key = DefaultInnerThoughtsKey
	}
	var args map[string]json.RawMessage
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return call, ""
	}
	raw, ok := args[key]
	if !ok {
		return call, ""
	}
	var thoughts string
	if err := json.Unmarshal(raw, &thoughts); err != nil {
		return call, ""
	}
	delete(args, key)
	rewritten, err := json.Marshal(args)
	if err != nil {
		return call, ""
	}
	call.Arguments = rewritten
	return call, thoughts
}

// NormalizeOptions controls Normalize.
type NormalizeOptions struct {
	// InnerThoughtsInArgs pulls InnerThoughtsKey out of the first tool call
	// and surfaces it as reasoning text.
	InnerThoughtsInArgs bool
	InnerThoughtsKey    string
	// StripTags lists markup tags removed from text parts. Defaults to
	// "thinking".
	StripTags []string
}

// Normalize converts a complete provider response into canonical shape:
// native reasoning parts, then text (control markup stripped), then tool
// calls with inner thoughts removed, and a canonical finish reason. resp is
// not modified.
func Normalize(resp *Response, opts NormalizeOptions) *Response {
	if resp == nil {
		return nil
	}
	out := *resp
	tags := opts.StripTags
	if tags == nil {
		tags = []string{"thinking"}
	}

	if !isCanonicalFinish(out.FinishReason.Reason) {
		raw := out.FinishReason.Raw
		if raw == "" {
			raw = out.FinishReason.Reason
		}
		out.FinishReason = CanonicalFinishReason(resp.Provider, raw)
	}

	var reasoning, text, calls []ContentPart
	for _, part := range resp.Message.Content {
		switch part.Kind {
		case ContentThinking, ContentRedactedThinking:
			reasoning = append(reasoning, part)
		case ContentText:
			t := part.Text
			for _, tag := range tags {
				t = StripXMLTags(t, tag)
			}
			if strings.TrimSpace(t) != "" {
				text = append(text, TextPart(t))
			}
		case ContentToolCall:
			if part.ToolCall != nil {
				tc := *part.ToolCall
				calls = append(calls, ContentPart{Kind: ContentToolCall, ToolCall: &tc})
			}
		default:
			text = append(text, part)
		}
	}

	if opts.InnerThoughtsInArgs && len(calls) > 0 {
		first, thoughts := ExtractInnerThoughts(*calls[0].ToolCall, opts.InnerThoughtsKey)
		calls[0].ToolCall = &first
		if thoughts != "" {
			text = []ContentPart{TextPart(thoughts)}
		}
	}

	content := make([]ContentPart, 0, len(reasoning)+len(text)+len(calls))
	content = append(content, reasoning...)
	content = append(content, text...)
	content = append(content, calls...)
	out.Message.Role = RoleAssistant
	out.Message.Content = content
	return &out
}
