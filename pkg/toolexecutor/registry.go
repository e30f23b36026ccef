package toolexecutor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/agentcore/internal/observability"
	"github.com/harun/agentcore/pkg/sandbox"
)

const (
	DefaultTimeout        = 2 * time.Minute
	DefaultMaxOutputBytes = 10 * 1024
)

// SideEffect classifies where a tool's effects land.
type SideEffect string

const (
	// ReadOnly tools run in process.
	ReadOnly SideEffect = "read_only"
	// Sandboxed tools run against the project's sandbox session.
	Sandboxed SideEffect = "sandboxed"
	// StatefulExternal tools mutate external state and share the project's
	// session lock so their effects stay ordered.
	StatefulExternal SideEffect = "stateful_external"
)

func (s SideEffect) valid() bool {
	switch s {
	case ReadOnly, Sandboxed, StatefulExternal:
		return true
	}
	return false
}

// NeedsSession reports whether calls of this class are routed through a sandbox session.
func (s SideEffect) NeedsSession() bool {
	return s == Sandboxed || s == StatefulExternal
}

// ToolParameter is a shorthand for a flat schema property.
type ToolParameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
}

// ToolHandler executes a tool. The returned value is rendered as the result output.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// ToolDefinition defines a tool's metadata and handler.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// Schema is the JSON schema of the arguments. When nil it is generated
	// from Parameters.
	Schema     map[string]any  `json:"schema,omitempty"`
	Parameters []ToolParameter `json:"parameters,omitempty"`
	SideEffect SideEffect      `json:"side_effect"`
	Handler    ToolHandler     `json:"-"`
}

// SessionRunner runs work while holding a project's sandbox session.
// *sandbox.Manager implements it.
type SessionRunner interface {
	WithSession(ctx context.Context, projectID string, fn func(ctx context.Context, s sandbox.Session) error) error
}

// Config configures a Registry.
type Config struct {
	// Sandbox serves Sandboxed and StatefulExternal tools. Without it such
	// tools fail with an execution error.
	Sandbox        SessionRunner
	DefaultTimeout time.Duration
	MaxOutputBytes int
	Logger         zerolog.Logger
	Audit          *observability.AuditLogger
}

type registered struct {
	def    ToolDefinition
	schema *gojsonschema.Schema
}

// Registry maps tool names to definitions. Registration happens at startup;
// dispatch is safe for concurrent use.
type Registry struct {
	cfg    Config
	logger zerolog.Logger

	mu    sync.RWMutex
	tools map[string]*registered
}

// New creates an empty Registry.
func New(cfg Config) *Registry {
	observability.EnsureRegistered()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	r := &Registry{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "toolexecutor").Logger(),
		tools:  make(map[string]*registered),
	}
	r.logger.Debug().Bool("sandbox", cfg.Sandbox != nil).Msg("Tool registry initialized")
	return r
}

// Register validates def and adds it. Unsupported schemas fail with a
// *SchemaValidationError wrapping ErrSchemaUnsupported.
func (r *Registry) Register(def ToolDefinition) error {
	if err := validateDefinition(&def); err != nil {
		return err
	}
	if def.Schema == nil {
		def.Schema = schemaFromParameters(def.Parameters)
	}
	if err := checkSchemaShape(def.Name, def.Schema); err != nil {
		return err
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.Schema))
	if err != nil {
		return &SchemaValidationError{Tool: def.Name, Reason: "schema does not compile: " + err.Error(), Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return &SchemaValidationError{Tool: def.Name, Reason: "name already registered", Err: ErrDuplicateTool}
	}
	r.tools[def.Name] = &registered{def: def, schema: compiled}

	r.logger.Info().Str("tool", def.Name).Str("side_effect", string(def.SideEffect)).Msg("Tool registered")
	return nil
}

// MustRegister is Register for startup code paths.
func (r *Registry) MustRegister(defs ...ToolDefinition) {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
}

// Get returns the definition for name.
func (r *Registry) Get(name string) (ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return ToolDefinition{}, false
	}
	return t.def, true
}

// Definitions returns every registered tool sorted by name.
func (r *Registry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Validate checks args against the named tool's schema.
func (r *Registry) Validate(name string, args map[string]any) error {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return validateArgs(t, args)
}

// SessionKey returns the key calls to name serialize on for a project. An
// empty key means the call shares no session and may run alongside others.
func (r *Registry) SessionKey(name, projectID string) string {
	def, ok := r.Get(name)
	if !ok || !def.SideEffect.NeedsSession() {
		return ""
	}
	return "sandbox/" + projectID
}

func validateDefinition(def *ToolDefinition) error {
	if def.Name == "" {
		return &SchemaValidationError{Reason: "tool name cannot be empty"}
	}
	if def.Description == "" {
		return &SchemaValidationError{Tool: def.Name, Reason: "tool description cannot be empty"}
	}
	if def.Handler == nil {
		return &SchemaValidationError{Tool: def.Name, Reason: "tool handler cannot be nil"}
	}
	if def.SideEffect == "" {
		def.SideEffect = ReadOnly
	}
	if !def.SideEffect.valid() {
		return &SchemaValidationError{Tool: def.Name, Reason: fmt.Sprintf("unknown side effect class %q", def.SideEffect)}
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		switch {
		case param.Name == "":
			return &SchemaValidationError{Tool: def.Name, Reason: "parameter name cannot be empty"}
		case param.Description == "":
			return &SchemaValidationError{Tool: def.Name, Reason: "parameter description cannot be empty for " + param.Name}
		case !validTypes[param.Type]:
			return &SchemaValidationError{Tool: def.Name, Reason: fmt.Sprintf("invalid parameter type %q for %s", param.Type, param.Name)}
		}
	}
	return nil
}

// unionKeywords cannot appear at the top level of a tool schema.
var unionKeywords = []string{"anyOf", "oneOf", "allOf", "enum", "not", "const"}

func checkSchemaShape(tool string, schema map[string]any) error {
	typ, ok := schema["type"].(string)
	if !ok || typ != "object" {
		return &SchemaValidationError{Tool: tool, Reason: "top-level schema type must be \"object\"", Err: ErrSchemaUnsupported}
	}
	for _, kw := range unionKeywords {
		if _, present := schema[kw]; present {
			return &SchemaValidationError{Tool: tool, Reason: "top-level " + kw + " is not supported", Err: ErrSchemaUnsupported}
		}
	}
	if props, present := schema["properties"]; present {
		if _, ok := props.(map[string]any); !ok {
			return &SchemaValidationError{Tool: tool, Reason: "properties must be an object", Err: ErrSchemaUnsupported}
		}
	}
	return nil
}

func schemaFromParameters(params []ToolParameter) map[string]any {
	properties := make(map[string]any, len(params))
	required := []string{}
	for _, param := range params {
		prop := map[string]any{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			prop["default"] = param.Default
		}
		properties[param.Name] = prop
		if param.Required {
			required = append(required, param.Name)
		}
	}
	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func validateArgs(t *registered, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	result, err := t.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return &ArgumentError{Tool: t.def.Name, Violations: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	violations := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		violations = append(violations, e.String())
	}
	return &ArgumentError{Tool: t.def.Name, Violations: violations}
}
