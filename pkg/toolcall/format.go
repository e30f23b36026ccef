package toolcall

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"github.com/harun/agentcore/pkg/session"
	"github.com/harun/agentcore/pkg/toolexecutor"
)

// FormatInstructions renders the system prompt section that teaches the
// model the embedded-tag call syntax and lists the available tools.
func FormatInstructions(defs []toolexecutor.ToolDefinition) string {
	var b strings.Builder
	b.WriteString("In this environment you can call tools by writing markup in your reply.\n")
	b.WriteString("To call tools, write a block like this:\n\n")
	b.WriteString(blockOpen + "\n")
	b.WriteString(`<invoke name="tool_name">` + "\n")
	b.WriteString(`<parameter name="param_name">value</parameter>` + "\n")
	b.WriteString(invokeEnd + "\n")
	b.WriteString(blockClose + "\n\n")
	b.WriteString("String values are written as plain text. Numbers, booleans, arrays and objects are written as JSON.\n")
	b.WriteString("A block may contain several invoke elements. Results arrive in <tool_result> elements in the next message.\n\n")
	b.WriteString("Available tools:\n")
	for _, def := range defs {
		schema, err := json.Marshal(def.Schema)
		if err != nil {
			schema = []byte("{}")
		}
		fmt.Fprintf(&b, "<tool name=%q>\n<description>%s</description>\n<parameters>%s</parameters>\n</tool>\n",
			def.Name, def.Description, schema)
	}
	return b.String()
}

// FormatResults renders results of embedded-tag calls as markup sent back
// to the model in a user message.
func FormatResults(results []session.ToolResult) string {
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n")
		}
		status := "success"
		body := r.Output
		if r.IsError() {
			status = "error"
			body = r.Error
		}
		fmt.Fprintf(&b, "<tool_result name=%q call_id=%q status=%q>\n%s\n</tool_result>",
			html.EscapeString(r.Name), html.EscapeString(r.CallID), status, body)
	}
	return b.String()
}

// StripMarkup removes call blocks from assistant text, including an
// unterminated trailing block.
func StripMarkup(text string) string {
	var b strings.Builder
	pos := 0
	for {
		rel := strings.Index(text[pos:], blockOpen)
		if rel < 0 {
			b.WriteString(text[pos:])
			break
		}
		start := pos + rel
		b.WriteString(text[pos:start])
		end := strings.Index(text[start:], blockClose)
		if end < 0 {
			break
		}
		pos = start + end + len(blockClose)
	}
	return strings.TrimSpace(b.String())
}
