// Package unifiedllm is the provider-agnostic model layer of memagent.
//
// Every backend implements ProviderAdapter and maps its wire format onto one
// canonical shape: Complete returns a Response whose message holds reasoning
// parts, text parts and tool calls; Stream emits StreamEvents (block start,
// block delta, block stop and message lifecycle events) in arrival order.
// Nothing above this package sees provider SDK types.
//
// Adapters:
//
//   - AnthropicAdapter uses the Anthropic Messages API, including thinking
//     blocks and forced tool choice.
//   - OpenAIAdapter uses Chat Completions and synthesizes block boundaries
//     from chunk deltas.
//   - GollmAdapter serves other providers through gollm, recovering tool calls
//     from the reply text.
//
// A Client routes each Request by explicit provider, catalog entry or
// default, and wraps calls in middleware:
//
//	client, err := unifiedllm.NewClientFromConfig(unifiedllm.EnvConfigFromEnv(),
//	    unifiedllm.WithRetry(unifiedllm.DefaultRetryPolicy()))
//	resp, err := client.Complete(ctx, unifiedllm.Request{
//	    Model:    "claude-sonnet-4-5",
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
//
// Normalize turns a complete response into the same shape the streaming
// accumulator produces: canonical finish reason, control markup stripped and
// inner thoughts lifted out of tool arguments.
package unifiedllm
