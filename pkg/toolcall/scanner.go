package toolcall

import (
	"encoding/json"
	"fmt"
	"iter"
	"strings"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/harun/agentcore/pkg/session"
	"github.com/harun/agentcore/pkg/toolexecutor"
)

const (
	blockOpen  = "<function_calls>"
	blockClose = "</function_calls>"
	invokeOpen = "<invoke"
	invokeEnd  = "</invoke>"
	paramOpen  = "<parameter"
	paramEnd   = "</parameter>"
)

// Catalog is the view of the tool registry the parser validates against.
// *toolexecutor.Registry implements it.
type Catalog interface {
	Get(name string) (toolexecutor.ToolDefinition, bool)
	Validate(name string, args map[string]any) error
}

// Attempt is one parsed invocation. Exactly one of Call and Err is set.
type Attempt struct {
	Call *session.ToolCall
	Err  *ParseError
	// Offset is the byte position of the invocation in the scanned text.
	Offset int
	// Raw is the markup the attempt was parsed from.
	Raw string
}

// Scanner lazily yields parse attempts over embedded-tag markup. It makes a
// single forward pass and cannot be rewound.
type Scanner struct {
	text    string
	final   bool
	catalog Catalog

	pos     int
	queue   []Attempt
	pending string
	done    bool
}

// NewScanner scans text. When final is false the text may be a streamed
// prefix: an unterminated trailing block is held back in Pending instead of
// being reported as malformed.
func NewScanner(text string, final bool, catalog Catalog) *Scanner {
	return &Scanner{text: text, final: final, catalog: catalog}
}

// Pending returns the unterminated trailing markup held back from a
// non-final scan.
func (s *Scanner) Pending() string {
	return s.pending
}

// Next returns the next attempt. It returns false once the text is exhausted.
func (s *Scanner) Next() (Attempt, bool) {
	for len(s.queue) == 0 {
		if s.done {
			return Attempt{}, false
		}
		s.scanBlock()
	}
	a := s.queue[0]
	s.queue = s.queue[1:]
	return a, true
}

// All yields the remaining attempts.
func (s *Scanner) All() iter.Seq[Attempt] {
	return func(yield func(Attempt) bool) {
		for {
			a, ok := s.Next()
			if !ok || !yield(a) {
				return
			}
		}
	}
}

// scanBlock consumes the next <function_calls> block into the queue.
func (s *Scanner) scanBlock() {
	rel := strings.Index(s.text[s.pos:], blockOpen)
	if rel < 0 {
		if !s.final {
			s.pending = partialSuffix(s.text[s.pos:], blockOpen)
		}
		s.done = true
		return
	}
	start := s.pos + rel
	bodyStart := start + len(blockOpen)
	relEnd := strings.Index(s.text[bodyStart:], blockClose)
	if relEnd < 0 {
		if !s.final {
			s.pending = s.text[start:]
		} else {
			s.queue = append(s.queue, malformed(start, s.text[start:], "unterminated "+blockOpen+" block"))
		}
		s.done = true
		return
	}
	end := bodyStart + relEnd
	s.pos = end + len(blockClose)

	before := len(s.queue)
	s.scanInvokes(bodyStart, end)
	if len(s.queue) == before {
		s.queue = append(s.queue, malformed(start, s.text[start:s.pos], "block contains no invoke element"))
	}
}

func (s *Scanner) scanInvokes(from, to int) {
	pos := from
	for {
		rel := strings.Index(s.text[pos:to], invokeOpen)
		if rel < 0 {
			return
		}
		start := pos + rel
		relEnd := strings.Index(s.text[start:to], invokeEnd)
		if relEnd < 0 {
			s.queue = append(s.queue, malformed(start, s.text[start:to], "unterminated invoke element"))
			return
		}
		end := start + relEnd + len(invokeEnd)
		s.queue = append(s.queue, s.parseInvoke(start, s.text[start:end]))
		pos = end
	}
}

func (s *Scanner) parseInvoke(offset int, raw string) Attempt {
	tagEnd := strings.IndexByte(raw, '>')
	if tagEnd < 0 {
		return malformed(offset, raw, "invoke tag is not closed")
	}
	name, ok := attr(raw[len(invokeOpen):tagEnd], "name")
	if !ok || name == "" {
		return malformed(offset, raw, "invoke element has no name attribute")
	}

	rawArgs, err := parseParameters(raw[tagEnd+1 : len(raw)-len(invokeEnd)])
	if err != nil {
		return Attempt{Offset: offset, Raw: raw, Err: &ParseError{Kind: KindMalformedMarkup, Tool: name, Message: err.Error()}}
	}

	def, known := s.catalog.Get(name)
	if !known {
		return Attempt{Offset: offset, Raw: raw, Err: &ParseError{
			Kind: KindUnknownTool, Tool: name, Message: fmt.Sprintf("unknown tool %q", name),
		}}
	}
	args, err := decodeArguments(def.Schema, rawArgs)
	if err == nil {
		err = s.catalog.Validate(name, args)
	}
	if err != nil {
		return Attempt{Offset: offset, Raw: raw, Err: &ParseError{Kind: KindInvalidArguments, Tool: name, Message: err.Error()}}
	}

	return Attempt{Offset: offset, Raw: raw, Call: &session.ToolCall{
		ID:         NewCallID(),
		Name:       name,
		Arguments:  args,
		Convention: session.ConventionEmbeddedTag,
	}}
}

// parseParameters extracts raw parameter values keyed by name.
func parseParameters(body string) (map[string]string, error) {
	out := make(map[string]string)
	pos := 0
	for {
		rel := strings.Index(body[pos:], paramOpen)
		if rel < 0 {
			return out, nil
		}
		start := pos + rel
		tagEnd := strings.IndexByte(body[start:], '>')
		if tagEnd < 0 {
			return nil, fmt.Errorf("parameter tag is not closed")
		}
		tagEnd += start
		name, ok := attr(body[start+len(paramOpen):tagEnd], "name")
		if !ok || name == "" {
			return nil, fmt.Errorf("parameter element has no name attribute")
		}
		relEnd := strings.Index(body[tagEnd+1:], paramEnd)
		if relEnd < 0 {
			return nil, fmt.Errorf("parameter %q is not terminated", name)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("parameter %q given more than once", name)
		}
		out[name] = body[tagEnd+1 : tagEnd+1+relEnd]
		pos = tagEnd + 1 + relEnd + len(paramEnd)
	}
}

// decodeArguments converts raw values using the declared property types:
// strings are taken verbatim, everything else must be a JSON literal.
func decodeArguments(schema map[string]any, raw map[string]string) (map[string]any, error) {
	props, _ := schema["properties"].(map[string]any)
	args := make(map[string]any, len(raw))
	for name, value := range raw {
		typ := ""
		if prop, ok := props[name].(map[string]any); ok {
			typ, _ = prop["type"].(string)
		}
		if typ == "string" {
			args[name] = trimNewlines(value)
			continue
		}
		trimmed := strings.TrimSpace(value)
		var decoded any
		if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
			if typ == "" {
				// Undeclared parameters fall back to text; the schema decides
				// whether they are allowed.
				args[name] = trimNewlines(value)
				continue
			}
			return nil, fmt.Errorf("parameter %q: expected %s, got %q", name, typ, trimmed)
		}
		args[name] = decoded
	}
	return args, nil
}

// trimNewlines drops the single line break markup usually puts around a value.
func trimNewlines(s string) string {
	s = strings.TrimPrefix(s, "\r\n")
	s = strings.TrimPrefix(s, "\n")
	s = strings.TrimSuffix(s, "\n")
	s = strings.TrimSuffix(s, "\r")
	return s
}

// attr reads key="value" from a tag's attribute text.
func attr(tag, key string) (string, bool) {
	needle := key + "="
	i := strings.Index(tag, needle)
	if i < 0 {
		return "", false
	}
	rest := tag[i+len(needle):]
	if rest == "" || (rest[0] != '"' && rest[0] != '\'') {
		return "", false
	}
	quote := rest[0]
	end := strings.IndexByte(rest[1:], quote)
	if end < 0 {
		return "", false
	}
	return rest[1 : 1+end], true
}

// partialSuffix returns the tail of text that could still grow into token.
func partialSuffix(text, token string) string {
	for n := min(len(token)-1, len(text)); n > 0; n-- {
		if strings.HasSuffix(text, token[:n]) {
			return text[len(text)-n:]
		}
	}
	return ""
}

func malformed(offset int, raw, msg string) Attempt {
	return Attempt{Offset: offset, Raw: raw, Err: &ParseError{Kind: KindMalformedMarkup, Message: msg}}
}

// NewCallID returns an id for a call that has none from the provider.
func NewCallID() string {
	id, err := gonanoid.New()
	if err != nil {
		return "call_" + uuid.NewString()
	}
	return "call_" + id
}
