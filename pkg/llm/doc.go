// Package llm is the provider-neutral chat completion gateway.
//
// A logical model id (for example "claude-sonnet") resolves through the
// ModelRegistry to a ModelSpec whose Chain lists concrete provider/model
// pairs. Gateway.Complete tries them in order. Failures are classified into a
// FailoverReason: retryable reasons (rate limits, timeouts, network errors,
// provider unavailability) move on to the next entry, fatal reasons (auth,
// invalid request, content filter) stop the walk. The entry that produced the
// response is reported in Result.Served.
//
// Providers for Anthropic, OpenAI (and OpenAI-compatible base URLs) and
// Gemini translate Request and Response to their SDKs. Tool calls come back
// as ordered Blocks so callers can merge them with calls embedded in text.
package llm
