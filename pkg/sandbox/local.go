package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LocalProvider runs sandboxes as directories on the host. It offers no
// isolation and is meant for development and tests.
type LocalProvider struct {
	root   string
	logger zerolog.Logger

	mu      sync.RWMutex
	running map[string]bool
}

// NewLocalProvider creates sandboxes under root, or under the system temp
// directory when root is empty.
func NewLocalProvider(root string, logger zerolog.Logger) (*LocalProvider, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "agentcore-sandboxes")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}
	return &LocalProvider{root: root, logger: logger, running: make(map[string]bool)}, nil
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) dir(id string) string {
	return filepath.Join(p.root, filepath.Base(id))
}

func (p *LocalProvider) Create(ctx context.Context, req CreateRequest) (Instance, error) {
	dir, err := os.MkdirTemp(p.root, "sb-")
	if err != nil {
		return Instance{}, fmt.Errorf("create sandbox dir: %w", err)
	}
	id := filepath.Base(dir)

	p.mu.Lock()
	p.running[id] = true
	p.mu.Unlock()

	p.logger.Info().Str("sandbox_id", id).Str("project_id", req.ProjectID).Msg("Local sandbox created")
	return Instance{ID: id, WorkDir: dir}, nil
}

func (p *LocalProvider) Start(ctx context.Context, id string) (Instance, error) {
	if _, err := os.Stat(p.dir(id)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Instance{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
		}
		return Instance{}, err
	}
	p.mu.Lock()
	p.running[id] = true
	p.mu.Unlock()
	return Instance{ID: id, WorkDir: p.dir(id)}, nil
}

func (p *LocalProvider) checkRunning(id string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	running, ok := p.running[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	if !running {
		return fmt.Errorf("sandbox %s is stopped", id)
	}
	return nil
}

func (p *LocalProvider) ExecuteCommand(ctx context.Context, id string, req CommandRequest) (CommandResult, error) {
	if err := p.checkRunning(id); err != nil {
		return CommandResult{}, err
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", req.Command)
	cmd.Dir = filepath.Join(p.dir(id), filepath.FromSlash(CleanPath(req.WorkDir)))
	cmd.Env = localEnv(p.dir(id), req.Env)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		return CommandResult{Output: out.String(), ExitCode: -1, Duration: duration}, ErrExecutionTimeout
	}
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return CommandResult{}, err
		}
		exitCode = exitErr.ExitCode()
	}

	p.logger.Debug().Str("sandbox_id", id).Str("command", req.Command).Int("exit_code", exitCode).Dur("duration", duration).
		Msg("Command executed in local sandbox")
	return CommandResult{Output: out.String(), ExitCode: exitCode, Duration: duration}, nil
}

func (p *LocalProvider) UploadFile(ctx context.Context, id, path string, content []byte) error {
	if err := p.checkRunning(id); err != nil {
		return err
	}
	target := filepath.Join(p.dir(id), filepath.FromSlash(CleanPath(path)))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.WriteFile(target, content, 0o644)
}

func (p *LocalProvider) DownloadFile(ctx context.Context, id, path string) ([]byte, error) {
	if err := p.checkRunning(id); err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Join(p.dir(id), filepath.FromSlash(CleanPath(path))))
}

func (p *LocalProvider) Stop(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.running[id]; !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	p.running[id] = false
	return nil
}

func (p *LocalProvider) Delete(ctx context.Context, id string) error {
	p.mu.Lock()
	delete(p.running, id)
	p.mu.Unlock()
	return os.RemoveAll(p.dir(id))
}

// localEnv builds a minimal environment rooted at the sandbox directory.
func localEnv(home string, env map[string]string) []string {
	result := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + home,
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		result = append(result, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return result
}

