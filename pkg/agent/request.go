package agent

import (
	"strings"

	"github.com/harun/agentcore/pkg/llm"
	"github.com/harun/agentcore/pkg/session"
	"github.com/harun/agentcore/pkg/toolcall"
	"github.com/harun/agentcore/pkg/toolexecutor"
)

const defaultSystemPrompt = "You are a helpful assistant."

// buildRequest turns the thread history into a provider request. Tool
// schemas and a non-"none" tool choice are attached whenever conv exposes
// tools, whichever convention enabled it.
func buildRequest(cfg RunConfig, conv toolcall.Conventions, defs []toolexecutor.ToolDefinition, history []session.Message) *llm.Request {
	system := cfg.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}

	req := &llm.Request{
		Messages:    historyMessages(history),
		ToolChoice:  llm.ToolChoiceNone,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}

	if conv.ExposesTools() {
		req.ToolChoice = llm.ToolChoiceAuto
		req.Tools = make([]llm.Tool, 0, len(defs))
		for _, def := range defs {
			req.Tools = append(req.Tools, llm.Tool{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Schema,
			})
		}
	}
	if conv.Has(toolcall.EmbeddedTag) {
		system += "\n\n" + toolcall.FormatInstructions(defs)
	}
	req.System = system
	return req
}

// historyMessages converts stored messages to provider messages. Tool
// results following an assistant turn are folded into one user message:
// structured results as native result blocks, embedded-tag results as
// <tool_result> markup. Consecutive user entries are merged so roles
// alternate.
func historyMessages(history []session.Message) []llm.Message {
	var out []llm.Message
	var embedded []session.ToolResult

	flushEmbedded := func() {
		if len(embedded) == 0 {
			return
		}
		out = appendUser(out, llm.Message{Role: llm.RoleUser, Content: toolcall.FormatResults(embedded)})
		embedded = nil
	}

	for _, m := range history {
		switch m.Role {
		case session.RoleUser:
			flushEmbedded()
			out = appendUser(out, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case session.RoleAssistant:
			flushEmbedded()
			msg := llm.Message{Role: llm.RoleAssistant, Content: m.Content}
			for _, c := range m.ToolCalls {
				// Embedded-tag calls already live in the assistant text.
				if c.Convention == session.ConventionEmbeddedTag {
					continue
				}
				msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments})
			}
			if msg.Content == "" && len(msg.ToolCalls) == 0 {
				continue
			}
			out = append(out, msg)
		case session.RoleTool:
			r := m.ToolResult
			if r == nil {
				continue
			}
			if r.Convention == session.ConventionEmbeddedTag {
				embedded = append(embedded, *r)
				continue
			}
			content := r.Output
			if r.IsError() {
				content = r.Error
			}
			out = appendUser(out, llm.Message{
				Role:        llm.RoleUser,
				ToolResults: []llm.ToolResult{{CallID: r.CallID, Name: r.Name, Content: content, IsError: r.IsError()}},
			})
		}
	}
	flushEmbedded()
	return out
}

func appendUser(out []llm.Message, msg llm.Message) []llm.Message {
	if n := len(out); n > 0 && out[n-1].Role == llm.RoleUser {
		prev := &out[n-1]
		prev.ToolResults = append(prev.ToolResults, msg.ToolResults...)
		switch {
		case prev.Content == "":
			prev.Content = msg.Content
		case msg.Content != "":
			prev.Content = strings.Join([]string{prev.Content, msg.Content}, "\n\n")
		}
		return out
	}
	return append(out, msg)
}
