package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/martinemde/memagent/store"
	"github.com/martinemde/memagent/unifiedllm"
)

// Names of the built-in tools.
const (
	SendMessageTool          = "send_message"
	CoreMemoryAppendTool     = "core_memory_append"
	CoreMemoryReplaceTool    = "core_memory_replace"
	SendToAgentsMatchingTags = "send_message_to_agents_matching_tags"
)

type sendMessageArgs struct {
	Message string `json:"message" jsonschema_description:"Message contents. All unicode (including emojis) are supported."`
}

type coreMemoryAppendArgs struct {
	Label   string `json:"label" jsonschema_description:"Section of the memory to be edited."`
	Content string `json:"content" jsonschema_description:"Content to write to the memory. All unicode (including emojis) are supported."`
}

type coreMemoryReplaceArgs struct {
	Label      string `json:"label" jsonschema_description:"Section of the memory to be edited."`
	OldContent string `json:"old_content" jsonschema_description:"String to replace. Must be an exact match."`
	NewContent string `json:"new_content" jsonschema_description:"Content to write to the memory. All unicode (including emojis) are supported."`
}

type sendToTagsArgs struct {
	Message   string   `json:"message" jsonschema_description:"The content of the message to be sent to each matching agent."`
	MatchAll  []string `json:"match_all" jsonschema_description:"A list of tags that an agent must possess to receive the message."`
	MatchSome []string `json:"match_some" jsonschema_description:"A list of tags where an agent must have at least one to qualify."`
}

// RegisterCoreTools registers the built-in messaging and memory tools.
func RegisterCoreTools(reg *ToolRegistry) {
	reg.MustRegister(RegisteredTool{
		Definition: unifiedllm.ToolDefinition{
			Name:        SendMessageTool,
			Description: "Sends a message to the human user.",
			Parameters:  unifiedllm.SchemaFor(&sendMessageArgs{}),
		},
		Func: sendMessage,
	})
	reg.MustRegister(RegisteredTool{
		Definition: unifiedllm.ToolDefinition{
			Name:        CoreMemoryAppendTool,
			Description: "Append to the contents of core memory.",
			Parameters:  unifiedllm.SchemaFor(&coreMemoryAppendArgs{}),
		},
		Func: coreMemoryAppend,
	})
	reg.MustRegister(RegisteredTool{
		Definition: unifiedllm.ToolDefinition{
			Name:        CoreMemoryReplaceTool,
			Description: "Replace the contents of core memory. To delete memories, use an empty string for new_content.",
			Parameters:  unifiedllm.SchemaFor(&coreMemoryReplaceArgs{}),
		},
		Func: coreMemoryReplace,
	})
	reg.MustRegister(RegisteredTool{
		Definition: unifiedllm.ToolDefinition{
			Name: SendToAgentsMatchingTags,
			Description: "Sends a message to all agents that have every tag in match_all and at least one tag in match_some, " +
				"and returns their responses.",
			Parameters: unifiedllm.SchemaFor(&sendToTagsArgs{}),
		},
		Func: sendToAgentsMatchingTags,
		// Responses from many agents.
		ReturnCharLimit: 20000,
	})
}

// decodeArgs converts the generic argument map into a typed struct.
func decodeArgs(args map[string]any, into any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, into)
}

func sendMessage(_ context.Context, _ *ToolContext, args map[string]any) (string, error) {
	var in sendMessageArgs
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	return "Sent message successfully.", nil
}

func memoryBlock(ctx context.Context, tc *ToolContext, label string) (store.Block, error) {
	if tc.Blocks == nil || tc.Agent == nil {
		return store.Block{}, errors.New("core memory is not available")
	}
	block, err := tc.Blocks.GetBlock(ctx, tc.Agent.ID, label)
	if errors.Is(err, store.ErrNotFound) {
		return store.Block{}, fmt.Errorf("no memory block with label %q", label)
	}
	return block, err
}

func coreMemoryAppend(ctx context.Context, tc *ToolContext, args map[string]any) (string, error) {
	var in coreMemoryAppendArgs
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	block, err := memoryBlock(ctx, tc, in.Label)
	if err != nil {
		return "", err
	}
	if block.Value == "" {
		block.Value = in.Content
	} else {
		block.Value = block.Value + "\n" + in.Content
	}
	if err := tc.Blocks.SetBlock(ctx, block); err != nil {
		return "", err
	}
	return "None", nil
}

func coreMemoryReplace(ctx context.Context, tc *ToolContext, args map[string]any) (string, error) {
	var in coreMemoryReplaceArgs
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	block, err := memoryBlock(ctx, tc, in.Label)
	if err != nil {
		return "", err
	}
	if in.OldContent == "" || !strings.Contains(block.Value, in.OldContent) {
		return "", fmt.Errorf("old content %q not found in memory block %q", in.OldContent, in.Label)
	}
	block.Value = strings.ReplaceAll(block.Value, in.OldContent, in.NewContent)
	if err := tc.Blocks.SetBlock(ctx, block); err != nil {
		return "", err
	}
	return "None", nil
}

func sendToAgentsMatchingTags(ctx context.Context, tc *ToolContext, args map[string]any) (string, error) {
	var in sendToTagsArgs
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	if tc.Messenger == nil || tc.Agent == nil {
		return "", errors.New("multi-agent messaging is not available")
	}
	results, err := tc.Messenger.SendToTags(ctx, tc.Agent.ID, in.Message, in.MatchAll, in.MatchSome)
	if err != nil {
		return "", err
	}
	tc.Printf("delivered to %d agents", len(results))
	out, err := json.Marshal(results)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
