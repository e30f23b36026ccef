package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DockerConfig configures the docker CLI provider.
type DockerConfig struct {
	Image       string   `json:"image" mapstructure:"image"`
	Network     string   `json:"network" mapstructure:"network"`
	User        string   `json:"user" mapstructure:"user"`
	SecurityOpt []string `json:"security_opt" mapstructure:"security_opt"`
	CapDrop     []string `json:"cap_drop" mapstructure:"cap_drop"`
	ExtraArgs   []string `json:"extra_args" mapstructure:"extra_args"`
	// Binary is the docker executable, "docker" by default.
	Binary string `json:"binary" mapstructure:"binary"`
}

// DefaultDockerConfig returns the docker provider defaults.
func DefaultDockerConfig() DockerConfig {
	return DockerConfig{
		Image:       "python:3.12-slim",
		Network:     "bridge",
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		Binary:      "docker",
	}
}

type dockerRunFunc func(ctx context.Context, stdin []byte, args ...string) (stdout, stderr string, exitCode int, err error)

// DockerProvider runs each sandbox as a long-lived local container driven
// through the docker CLI.
type DockerProvider struct {
	cfg    DockerConfig
	logger zerolog.Logger
	run    dockerRunFunc
}

// NewDockerProvider creates a docker CLI provider.
func NewDockerProvider(cfg DockerConfig, logger zerolog.Logger) *DockerProvider {
	if strings.TrimSpace(cfg.Image) == "" {
		cfg.Image = DefaultDockerConfig().Image
	}
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	p := &DockerProvider{cfg: cfg, logger: logger}
	p.run = p.execDocker
	return p
}

// CheckDocker verifies that the docker daemon is reachable.
func (p *DockerProvider) CheckDocker(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, stderr, _, err := p.run(ctx, nil, "ps", "-q"); err != nil {
		return fmt.Errorf("docker is not available or not running: %w: %s", err, stderr)
	}
	return nil
}

func (p *DockerProvider) Name() string { return "docker" }

func (p *DockerProvider) Create(ctx context.Context, req CreateRequest) (Instance, error) {
	name := "agentcore-" + uuid.NewString()[:12]
	args := p.buildRunArgs(name, req)
	_, stderr, _, err := p.run(ctx, nil, args...)
	if err != nil {
		return Instance{}, p.classify(err, stderr)
	}
	p.logger.Info().Str("container", name).Str("project_id", req.ProjectID).Str("image", p.cfg.Image).Msg("Docker sandbox created")
	return Instance{ID: name, WorkDir: WorkspaceRoot}, nil
}

func (p *DockerProvider) buildRunArgs(name string, req CreateRequest) []string {
	args := []string{"run", "-d", "--init", "--name", name}

	network := strings.TrimSpace(p.cfg.Network)
	if network == "" {
		network = "none"
	}
	args = append(args, "--network", network)

	if req.Resources.CPU > 0 {
		args = append(args, "--cpus", strconv.Itoa(req.Resources.CPU))
	}
	if req.Resources.MemoryGB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dg", req.Resources.MemoryGB))
	}
	if user := strings.TrimSpace(p.cfg.User); user != "" {
		args = append(args, "--user", user)
	}
	for _, opt := range p.cfg.SecurityOpt {
		if trimmed := strings.TrimSpace(opt); trimmed != "" {
			args = append(args, "--security-opt", trimmed)
		}
	}
	for _, c := range p.cfg.CapDrop {
		if trimmed := strings.TrimSpace(c); trimmed != "" {
			args = append(args, "--cap-drop", trimmed)
		}
	}

	for _, key := range sortedKeys(req.Labels) {
		args = append(args, "--label", fmt.Sprintf("%s=%s", key, req.Labels[key]))
	}
	for _, key := range sortedKeys(req.Env) {
		args = append(args, "-e", fmt.Sprintf("%s=%s", key, req.Env[key]))
	}
	args = append(args, p.cfg.ExtraArgs...)
	args = append(args, "-w", WorkspaceRoot, p.cfg.Image, "sh", "-c", "mkdir -p "+WorkspaceRoot+" && sleep infinity")
	return args
}

func (p *DockerProvider) Start(ctx context.Context, id string) (Instance, error) {
	if _, stderr, _, err := p.run(ctx, nil, "start", id); err != nil {
		return Instance{}, p.classify(err, stderr)
	}
	return Instance{ID: id, WorkDir: WorkspaceRoot}, nil
}

func (p *DockerProvider) ExecuteCommand(ctx context.Context, id string, req CommandRequest) (CommandResult, error) {
	if strings.TrimSpace(req.Command) == "" {
		return CommandResult{}, fmt.Errorf("command is required")
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := []string{"exec", "-w", workDirOr(req.WorkDir)}
	for _, key := range sortedKeys(req.Env) {
		args = append(args, "-e", fmt.Sprintf("%s=%s", key, req.Env[key]))
	}
	args = append(args, id, "sh", "-c", req.Command)

	start := time.Now()
	stdout, stderr, exitCode, err := p.run(ctx, nil, args...)
	duration := time.Since(start)
	if ctx.Err() == context.DeadlineExceeded {
		return CommandResult{Output: stdout + stderr, ExitCode: -1, Duration: duration}, ErrExecutionTimeout
	}
	if err != nil && (exitCode == 0 || dockerFailure(stderr)) {
		return CommandResult{}, p.classify(err, stderr)
	}

	p.logger.Debug().Str("container", id).Str("command", req.Command).Int("exit_code", exitCode).Dur("duration", duration).
		Msg("Command executed in docker sandbox")
	return CommandResult{Output: stdout + stderr, ExitCode: exitCode, Duration: duration}, nil
}

func (p *DockerProvider) UploadFile(ctx context.Context, id, filePath string, content []byte) error {
	target := AbsPath(filePath)
	script := fmt.Sprintf("mkdir -p %s && cat > %s", ShellQuote(path.Dir(target)), ShellQuote(target))
	if _, stderr, _, err := p.run(ctx, content, "exec", "-i", id, "sh", "-c", script); err != nil {
		return p.classify(err, stderr)
	}
	return nil
}

func (p *DockerProvider) DownloadFile(ctx context.Context, id, filePath string) ([]byte, error) {
	stdout, stderr, exitCode, err := p.run(ctx, nil, "exec", id, "cat", AbsPath(filePath))
	if err != nil {
		if exitCode != 0 && strings.Contains(stderr, "No such file") {
			return nil, fmt.Errorf("read %s: file not found", filePath)
		}
		return nil, p.classify(err, stderr)
	}
	return []byte(stdout), nil
}

func (p *DockerProvider) Stop(ctx context.Context, id string) error {
	if _, stderr, _, err := p.run(ctx, nil, "stop", id); err != nil {
		return p.classify(err, stderr)
	}
	return nil
}

func (p *DockerProvider) Delete(ctx context.Context, id string) error {
	if _, stderr, _, err := p.run(ctx, nil, "rm", "-f", id); err != nil {
		return p.classify(err, stderr)
	}
	return nil
}

// dockerFailure reports whether stderr came from the docker CLI itself
// rather than from the command run inside the container.
func dockerFailure(stderr string) bool {
	return strings.Contains(stderr, "No such container") ||
		strings.Contains(stderr, "is not running") ||
		strings.Contains(stderr, "Cannot connect to the Docker daemon")
}

func (p *DockerProvider) classify(err error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	switch {
	case strings.Contains(msg, "No such container"):
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, msg)
	case strings.Contains(msg, "Cannot connect to the Docker daemon"), strings.Contains(msg, "error during connect"):
		return Transient(fmt.Errorf("%w: %s", err, msg))
	case msg != "":
		return fmt.Errorf("%w: %s", err, msg)
	default:
		return err
	}
}

func (p *DockerProvider) execDocker(ctx context.Context, stdin []byte, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, p.cfg.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if len(stdin) > 0 {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	err := cmd.Run()
	exitCode := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	return stdout.String(), stderr.String(), exitCode, err
}

func workDirOr(dir string) string {
	if strings.TrimSpace(dir) == "" {
		return WorkspaceRoot
	}
	return AbsPath(dir)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ShellQuote quotes s for use as one POSIX shell word.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
