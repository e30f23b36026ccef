package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/agentcore/pkg/sandbox"
)

// SandboxOps is the slice of *sandbox.Manager the built-in tools use.
type SandboxOps interface {
	Exec(ctx context.Context, s sandbox.Session, req sandbox.CommandRequest) (sandbox.CommandResult, error)
	Upload(ctx context.Context, s sandbox.Session, path string, content []byte) error
	Download(ctx context.Context, s sandbox.Session, path string) ([]byte, error)
}

var errNoSession = errors.New("no sandbox session bound to this call")

// SandboxTools returns the built-in workspace tools: execute_command,
// write_file, read_file and delete_file.
func SandboxTools(ops SandboxOps) []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "execute_command",
			Description: "Run a shell command in the project workspace and return its combined output.",
			SideEffect:  Sandboxed,
			Parameters: []ToolParameter{
				{Name: "command", Type: "string", Description: "Shell command to run", Required: true},
				{Name: "workdir", Type: "string", Description: "Directory relative to the workspace root"},
				{Name: "timeout_seconds", Type: "integer", Description: "Command timeout in seconds"},
			},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				s, ok := sandbox.SessionFromContext(ctx)
				if !ok {
					return nil, errNoSession
				}
				req := sandbox.CommandRequest{
					Command: stringArg(args, "command"),
					WorkDir: sandbox.AbsPath(stringArg(args, "workdir")),
				}
				if secs, ok := args["timeout_seconds"].(float64); ok && secs > 0 {
					req.Timeout = time.Duration(secs) * time.Second
				}
				res, err := ops.Exec(ctx, s, req)
				if err != nil {
					return nil, err
				}
				if res.ExitCode != 0 {
					return fmt.Sprintf("%s\n[exit code %d]", res.Output, res.ExitCode), nil
				}
				return res.Output, nil
			},
		},
		{
			Name:        "write_file",
			Description: "Create or overwrite a file in the project workspace.",
			SideEffect:  Sandboxed,
			Parameters: []ToolParameter{
				{Name: "path", Type: "string", Description: "File path relative to the workspace root", Required: true},
				{Name: "content", Type: "string", Description: "Full file content", Required: true},
			},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				s, ok := sandbox.SessionFromContext(ctx)
				if !ok {
					return nil, errNoSession
				}
				path := sandbox.CleanPath(stringArg(args, "path"))
				if path == "" {
					return nil, fmt.Errorf("path is required")
				}
				if sandbox.ShouldExcludeFile(path) {
					return nil, fmt.Errorf("%w: %s", sandbox.ErrPathExcluded, path)
				}
				content := stringArg(args, "content")
				if err := ops.Upload(ctx, s, path, []byte(content)); err != nil {
					return nil, err
				}
				return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
			},
		},
		{
			Name:        "read_file",
			Description: "Read a file from the project workspace.",
			SideEffect:  Sandboxed,
			Parameters: []ToolParameter{
				{Name: "path", Type: "string", Description: "File path relative to the workspace root", Required: true},
			},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				s, ok := sandbox.SessionFromContext(ctx)
				if !ok {
					return nil, errNoSession
				}
				path := sandbox.CleanPath(stringArg(args, "path"))
				if path == "" {
					return nil, fmt.Errorf("path is required")
				}
				return ops.Download(ctx, s, path)
			},
		},
		{
			Name:        "delete_file",
			Description: "Delete a file from the project workspace.",
			SideEffect:  Sandboxed,
			Parameters: []ToolParameter{
				{Name: "path", Type: "string", Description: "File path relative to the workspace root", Required: true},
			},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				s, ok := sandbox.SessionFromContext(ctx)
				if !ok {
					return nil, errNoSession
				}
				path := sandbox.CleanPath(stringArg(args, "path"))
				if path == "" {
					return nil, fmt.Errorf("path is required")
				}
				res, err := ops.Exec(ctx, s, sandbox.CommandRequest{
					Command: "rm -f -- " + sandbox.ShellQuote(path),
					WorkDir: sandbox.WorkspaceRoot,
				})
				if err != nil {
					return nil, err
				}
				if res.ExitCode != 0 {
					return nil, fmt.Errorf("delete %s failed: %s", path, res.Output)
				}
				return "deleted " + path, nil
			},
		},
	}
}

// RegisterSandboxTools registers SandboxTools on r.
func RegisterSandboxTools(r *Registry, ops SandboxOps) error {
	for _, def := range SandboxTools(ops) {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}
