package toolcall

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/harun/agentcore/internal/observability"
	"github.com/harun/agentcore/pkg/llm"
	"github.com/harun/agentcore/pkg/session"
)

// Conventions is the set of enabled tool calling encodings.
type Conventions uint8

const (
	Structured Conventions = 1 << iota
	EmbeddedTag
)

// NewConventions builds the set from the two run flags.
func NewConventions(structured, embedded bool) Conventions {
	var c Conventions
	if structured {
		c |= Structured
	}
	if embedded {
		c |= EmbeddedTag
	}
	return c
}

// Has reports whether every convention in o is enabled.
func (c Conventions) Has(o Conventions) bool { return o != 0 && c&o == o }

// ExposesTools reports whether tool schemas must be offered to the model.
// Either convention needs them: embedded-tag calls are validated against
// the same schemas and models only call tools they were shown.
func (c Conventions) ExposesTools() bool { return c&(Structured|EmbeddedTag) != 0 }

func (c Conventions) String() string {
	switch c & (Structured | EmbeddedTag) {
	case Structured:
		return "structured"
	case EmbeddedTag:
		return "embedded_tag"
	case Structured | EmbeddedTag:
		return "structured+embedded_tag"
	}
	return "none"
}

// Item is one call found in a response. Rejected is set when the call
// failed validation; it is the synthetic error result answering Call.
type Item struct {
	Call     session.ToolCall
	Rejected *session.ToolResult
	Offset   int
}

// Result is the ordered set of calls extracted from one response.
type Result struct {
	Items []Item
}

// Calls returns every call in order of appearance, rejected ones included.
func (r Result) Calls() []session.ToolCall {
	out := make([]session.ToolCall, 0, len(r.Items))
	for _, it := range r.Items {
		out = append(out, it.Call)
	}
	return out
}

// Accepted returns the calls that passed validation.
func (r Result) Accepted() []session.ToolCall {
	var out []session.ToolCall
	for _, it := range r.Items {
		if it.Rejected == nil {
			out = append(out, it.Call)
		}
	}
	return out
}

// Parser extracts tool calls from provider responses.
type Parser struct {
	catalog Catalog
	logger  zerolog.Logger
}

// NewParser creates a parser validating against catalog.
func NewParser(catalog Catalog, logger zerolog.Logger) *Parser {
	observability.EnsureRegistered()
	return &Parser{catalog: catalog, logger: logger.With().Str("component", "toolcall").Logger()}
}

// Parse merges the structured calls of resp with the embedded-tag calls in
// its text, ordered by first appearance. Structured calls are taken
// whenever the provider returned them; text is scanned only when the
// embedded-tag convention is enabled.
func (p *Parser) Parse(resp *llm.Response, conv Conventions) Result {
	var items []Item

	for _, sc := range resp.ToolCalls {
		items = append(items, p.structured(sc))
	}

	if conv.Has(EmbeddedTag) {
		scanner := NewScanner(resp.Text, true, p.catalog)
		for a := range scanner.All() {
			items = append(items, p.embedded(a))
		}
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Offset < items[j].Offset })
	return Result{Items: items}
}

func (p *Parser) structured(sc llm.ToolCall) Item {
	call := session.ToolCall{
		ID:         sc.ID,
		Name:       sc.Name,
		Arguments:  sc.Arguments,
		Convention: session.ConventionStructured,
	}
	if call.ID == "" {
		call.ID = NewCallID()
	}
	if call.Arguments == nil {
		call.Arguments = map[string]any{}
	}
	item := Item{Call: call, Offset: sc.Offset}

	var perr *ParseError
	switch {
	case sc.DecodeErr != nil:
		perr = &ParseError{Kind: KindInvalidArguments, Tool: sc.Name, Message: sc.DecodeErr.Error()}
	default:
		if _, ok := p.catalog.Get(sc.Name); !ok {
			perr = &ParseError{Kind: KindUnknownTool, Tool: sc.Name, Message: fmt.Sprintf("unknown tool %q", sc.Name)}
		} else if err := p.catalog.Validate(sc.Name, call.Arguments); err != nil {
			perr = &ParseError{Kind: KindInvalidArguments, Tool: sc.Name, Message: err.Error()}
		}
	}
	if perr != nil {
		item.Rejected = p.reject(call, perr)
	}
	return item
}

func (p *Parser) embedded(a Attempt) Item {
	if a.Call != nil {
		return Item{Call: *a.Call, Offset: a.Offset}
	}
	call := session.ToolCall{
		ID:         NewCallID(),
		Name:       a.Err.Tool,
		Arguments:  map[string]any{},
		Convention: session.ConventionEmbeddedTag,
	}
	return Item{Call: call, Offset: a.Offset, Rejected: p.reject(call, a.Err)}
}

func (p *Parser) reject(call session.ToolCall, perr *ParseError) *session.ToolResult {
	observability.RecordToolParseError(string(call.Convention), string(perr.Kind))
	p.logger.Warn().
		Str("call_id", call.ID).
		Str("tool", call.Name).
		Str("convention", string(call.Convention)).
		Str("kind", string(perr.Kind)).
		Msg("Rejected tool call")
	return &session.ToolResult{
		CallID:     call.ID,
		Name:       call.Name,
		Error:      perr.Error(),
		ErrorKind:  perr.Kind.ErrorKind(),
		Convention: call.Convention,
	}
}
