// Package toolexecutor registers tools and dispatches tool calls.
//
// Invariants:
// - Tool names are unique.
// - Schemas are object-typed at the top level with no top-level union, enum,
//   negation or const; anything else is rejected at registration.
// - Arguments are schema-validated before execution.
// - Sandboxed and stateful-external tools run while holding the project's
//   sandbox session, so their effects on one session never interleave.
// - Every dispatch yields exactly one result; tool failures are data.
//
// Usage:
//
//	reg := toolexecutor.New(toolexecutor.Config{Sandbox: manager})
//	reg.MustRegister(toolexecutor.ToolDefinition{
//		Name:        "echo",
//		Description: "Echo input",
//		Parameters:  []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, args map[string]any) (any, error) { return args["text"], nil },
//	})
package toolexecutor
