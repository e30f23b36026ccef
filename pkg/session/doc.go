// Package session persists conversation threads and the run ledger.
//
// Invariants:
// - Thread and run ids are validated and path-safe.
// - A thread is append-only; Append returns after the messages are durable.
// - ClaimRun admits exactly one claimant per run id.
//
// Usage:
//
//	store, _ := session.NewFileStore("/tmp/agentcore", zerolog.Nop())
//	_ = store.Append(ctx, "t1", session.Message{ID: "m1", Role: session.RoleUser, Content: "hello"})
//	msgs, _ := store.Load(ctx, "t1")
//	_ = msgs
package session
