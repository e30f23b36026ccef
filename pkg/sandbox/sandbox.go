package sandbox

import (
	"context"
	"fmt"
	"time"
)

// State is the lifecycle state of a sandbox session.
type State string

const (
	StateNotCreated State = "not_created"
	StateCreating   State = "creating"
	StateRunning    State = "running"
	StateIdle       State = "idle"
	StateExpired    State = "expired"
	StateDeleted    State = "deleted"
)

// transitions lists the legal next states for each state. Deleted is
// reachable from every non-terminal state by explicit deletion.
var transitions = map[State][]State{
	StateNotCreated: {StateCreating, StateDeleted},
	StateCreating:   {StateRunning, StateDeleted},
	StateRunning:    {StateIdle, StateDeleted},
	StateIdle:       {StateRunning, StateExpired, StateDeleted},
	StateExpired:    {StateDeleted},
	StateDeleted:    {},
}

// CanTransition reports whether a session may move from one state to another.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Alive reports whether a session in this state can be reused.
func (s State) Alive() bool {
	return s == StateRunning || s == StateIdle
}

// Terminal reports whether no further transitions are possible except deletion.
func (s State) Terminal() bool {
	return s == StateExpired || s == StateDeleted
}

// Resources describes the compute requested for a new sandbox.
type Resources struct {
	CPU      int `json:"cpu" mapstructure:"cpu"`
	MemoryGB int `json:"memory_gb" mapstructure:"memory_gb"`
	DiskGB   int `json:"disk_gb" mapstructure:"disk_gb"`
}

// DefaultResources matches the footprint used for project workspaces.
func DefaultResources() Resources {
	return Resources{CPU: 2, MemoryGB: 4, DiskGB: 5}
}

// CreateRequest carries the parameters for provisioning a sandbox.
type CreateRequest struct {
	ProjectID string
	Labels    map[string]string
	Env       map[string]string
	Resources Resources
	// AutoStop is the provider side idle stop interval. Zero leaves the provider default.
	AutoStop time.Duration
}

// Instance is a provider's handle to a remote sandbox.
type Instance struct {
	ID       string
	Endpoint string
	WorkDir  string
}

// CommandRequest describes a shell command run inside a sandbox.
type CommandRequest struct {
	Command string
	WorkDir string
	Env     map[string]string
	Timeout time.Duration
}

// CommandResult is the outcome of a shell command.
type CommandResult struct {
	Output   string
	ExitCode int
	Duration time.Duration
}

// Provider is the capability interface every sandbox backend implements.
// Implementations must be safe for concurrent use across different instances.
type Provider interface {
	// Name returns the provider tag recorded on sessions.
	Name() string
	// Create provisions a new sandbox and returns it running.
	Create(ctx context.Context, req CreateRequest) (Instance, error)
	// Start brings an existing sandbox back to running. It is a no-op when already running.
	Start(ctx context.Context, id string) (Instance, error)
	ExecuteCommand(ctx context.Context, id string, req CommandRequest) (CommandResult, error)
	UploadFile(ctx context.Context, id, path string, content []byte) error
	DownloadFile(ctx context.Context, id, path string) ([]byte, error)
	Stop(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// Session is a manager-owned record of one project's sandbox.
type Session struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Provider  string    `json:"provider"`
	RemoteID  string    `json:"remote_id"`
	Endpoint  string    `json:"endpoint,omitempty"`
	WorkDir   string    `json:"work_dir,omitempty"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
}

func (s *Session) transition(to State) error {
	if !CanTransition(s.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, to)
	}
	s.State = to
	return nil
}

type sessionKey struct{}

// ContextWithSession returns a context carrying the session a tool runs against.
func ContextWithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFromContext returns the session stored by ContextWithSession.
func SessionFromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	return s, ok
}
