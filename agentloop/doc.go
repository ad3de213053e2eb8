// Package agentloop runs memory-bearing agents one step at a time.
//
// A step persists the caller's input, then repeatedly asks the model for a
// single tool call, executes it and decides whether to continue. The
// agent's tool rules (package toolrules) narrow which tools the model is
// offered on every iteration and may force the turn to continue or stop.
// Tool failures never abort a step: they are recorded as failed tool
// results and shown to the model.
//
// The system message carries the agent's compiled core memory. It is
// rebuilt in place whenever a tool edits memory, so the next model call
// sees the change.
//
// # Architecture
//
//   - Engine: loads agent state, drives the step loop and persists every
//     message it produces.
//   - ProviderProfile: per-provider tool choice policy and request options.
//   - ToolRegistry and ToolExecutor: tool definitions with compiled
//     argument schemas, and an executor that never panics or errors.
//   - Broadcaster: steps many agents concurrently with one message and
//     aggregates their replies.
//   - EventEmitter: typed event stream for the host application.
//
// # Quick Start
//
//	db, _ := store.Open(ctx, "memagent.db")
//	client, _ := unifiedllm.NewClientFromConfig(unifiedllm.EnvConfigFromEnv())
//	engine := agentloop.NewEngine(agentloop.Deps{
//	    Client:   client,
//	    Messages: db,
//	    Agents:   db,
//	    Blocks:   db,
//	})
//
//	res, err := engine.Step(ctx, agentID, unifiedllm.UserMessage("hello"), 0)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, m := range res.Messages {
//	    fmt.Printf("[%s] %s\n", m.MessageType, m.Content)
//	}
package agentloop
