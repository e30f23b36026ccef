// Package agent runs the turn loop of a conversation thread.
//
// Invariants:
// - At most one LLM call is in flight per run, and the queue serializes runs per thread.
// - Every tool call of a turn has exactly one result appended before the next LLM call.
// - Tool schemas are offered whenever either tool calling convention is enabled.
// - Cancellation is honoured only between turns.
// - A run id is claimed before any side effect, so duplicate deliveries replay the outcome.
//
// Usage:
//
//	tm, _ := agent.NewThreadManager(agent.Config{Store: store, Gateway: gateway, Tools: registry})
//	result, err := tm.Run(ctx, agent.RunConfig{
//		ThreadID: "thread-1",
//		Model:    "claude-sonnet",
//		Prompt:   "list the files in the project",
//		StructuredCallingEnabled: true,
//	})
package agent
