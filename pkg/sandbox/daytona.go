package sandbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	apiclient "github.com/daytonaio/daytona/libs/api-client-go"
	toolbox "github.com/daytonaio/daytona/libs/toolbox-api-client-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultDaytonaAPIURL = "https://app.daytona.io/api"
	daytonaSourceHeader  = "agentcore"

	// DefaultStartupCommand launches the in-sandbox process supervisor.
	DefaultStartupCommand = "nohup /usr/bin/supervisord -n -c /etc/supervisor/conf.d/supervisord.conf > /dev/null 2>&1 &"
)

// DaytonaConfig configures the Daytona provider.
type DaytonaConfig struct {
	APIKey         string `json:"api_key" mapstructure:"api_key"`
	JWTToken       string `json:"jwt_token" mapstructure:"jwt_token"`
	OrganizationID string `json:"organization_id" mapstructure:"organization_id"`
	APIURL         string `json:"api_url" mapstructure:"api_url"`
	Target         string `json:"target" mapstructure:"target"`
	Snapshot       string `json:"snapshot" mapstructure:"snapshot"`
	Image          string `json:"image" mapstructure:"image"`
	SandboxClass   string `json:"class" mapstructure:"class"`
	// StartupCommand runs after every create or start. Empty disables it.
	StartupCommand string `json:"startup_command" mapstructure:"startup_command"`
	// ReadyTimeout bounds how long Create and Start wait for the started state.
	ReadyTimeout time.Duration `json:"ready_timeout" mapstructure:"ready_timeout"`
	PollInterval time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
}

// DaytonaProvider manages sandboxes through the Daytona control plane and
// talks to each sandbox through its toolbox proxy.
type DaytonaProvider struct {
	cfg       DaytonaConfig
	logger    zerolog.Logger
	apiClient *apiclient.APIClient
	http      *http.Client

	mu        sync.Mutex
	toolboxes map[string]*toolbox.APIClient
}

// NewDaytonaProvider resolves credentials from cfg and the DAYTONA_* environment.
func NewDaytonaProvider(cfg DaytonaConfig, logger zerolog.Logger) (*DaytonaProvider, error) {
	resolved, err := resolveDaytonaConfig(cfg)
	if err != nil {
		return nil, err
	}

	scheme, host, basePath, err := parseBaseURL(resolved.APIURL)
	if err != nil {
		return nil, fmt.Errorf("daytona api url: %w", err)
	}

	apiCfg := apiclient.NewConfiguration()
	apiCfg.Host = host
	apiCfg.Scheme = scheme
	apiCfg.HTTPClient = &http.Client{}
	apiCfg.AddDefaultHeader("X-Daytona-Source", daytonaSourceHeader)
	if resolved.JWTToken != "" && resolved.OrganizationID != "" {
		apiCfg.AddDefaultHeader("X-Daytona-Organization-ID", resolved.OrganizationID)
	}
	apiCfg.Servers = apiclient.ServerConfigurations{
		{URL: fmt.Sprintf("%s://%s%s", scheme, host, basePath)},
	}

	return &DaytonaProvider{
		cfg:       resolved,
		logger:    logger,
		apiClient: apiclient.NewAPIClient(apiCfg),
		http:      apiCfg.HTTPClient,
		toolboxes: make(map[string]*toolbox.APIClient),
	}, nil
}

func resolveDaytonaConfig(cfg DaytonaConfig) (DaytonaConfig, error) {
	fromEnv := func(value string, keys ...string) string {
		value = strings.TrimSpace(value)
		for _, key := range keys {
			if value != "" {
				break
			}
			value = strings.TrimSpace(os.Getenv(key))
		}
		return value
	}

	cfg.APIKey = fromEnv(cfg.APIKey, "DAYTONA_API_KEY")
	cfg.JWTToken = fromEnv(cfg.JWTToken, "DAYTONA_JWT_TOKEN")
	cfg.OrganizationID = fromEnv(cfg.OrganizationID, "DAYTONA_ORGANIZATION_ID")
	cfg.APIURL = fromEnv(cfg.APIURL, "DAYTONA_API_URL", "DAYTONA_SERVER_URL")
	cfg.Target = fromEnv(cfg.Target, "DAYTONA_TARGET")
	if cfg.APIURL == "" {
		cfg.APIURL = defaultDaytonaAPIURL
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 3 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}

	if cfg.APIKey == "" && cfg.JWTToken == "" {
		return cfg, errors.New("daytona api key or jwt token is required")
	}
	if cfg.JWTToken != "" && cfg.OrganizationID == "" {
		return cfg, errors.New("daytona organization id is required when using a jwt token")
	}
	return cfg, nil
}

func (p *DaytonaProvider) Name() string { return "daytona" }

func (p *DaytonaProvider) authToken() string {
	if p.cfg.APIKey != "" {
		return p.cfg.APIKey
	}
	return p.cfg.JWTToken
}

func (p *DaytonaProvider) authContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, apiclient.ContextAccessToken, p.authToken())
}

func (p *DaytonaProvider) Create(ctx context.Context, req CreateRequest) (Instance, error) {
	createReq := apiclient.NewCreateSandbox()
	createReq.SetName("agentcore-" + uuid.NewString())
	if p.cfg.Target != "" {
		createReq.SetTarget(p.cfg.Target)
	}
	if p.cfg.Snapshot != "" {
		createReq.SetSnapshot(p.cfg.Snapshot)
	} else if p.cfg.Image != "" {
		createReq.SetBuildInfo(apiclient.CreateBuildInfo{
			DockerfileContent: fmt.Sprintf("FROM %s", p.cfg.Image),
		})
	}
	if p.cfg.SandboxClass != "" {
		createReq.SetClass(p.cfg.SandboxClass)
	}
	if len(req.Labels) > 0 {
		createReq.SetLabels(req.Labels)
	}
	if len(req.Env) > 0 {
		createReq.SetEnv(req.Env)
	}
	if req.Resources.CPU > 0 {
		createReq.SetCpu(int32(req.Resources.CPU))
	}
	if req.Resources.MemoryGB > 0 {
		createReq.SetMemory(int32(req.Resources.MemoryGB))
	}
	if req.Resources.DiskGB > 0 {
		createReq.SetDisk(int32(req.Resources.DiskGB))
	}
	if req.AutoStop > 0 {
		createReq.SetAutoStopInterval(int32(req.AutoStop / time.Minute))
	}

	sb, httpResp, err := p.apiClient.SandboxAPI.CreateSandbox(p.authContext(ctx)).CreateSandbox(*createReq).Execute()
	if err != nil {
		return Instance{}, classifyDaytonaError("create sandbox", err, httpResp)
	}

	switch sb.GetState() {
	case apiclient.SANDBOXSTATE_ERROR, apiclient.SANDBOXSTATE_BUILD_FAILED:
		return Instance{}, fmt.Errorf("daytona sandbox failed to start: %s", sb.GetState())
	case apiclient.SANDBOXSTATE_STARTED:
	default:
		if err := p.waitStarted(ctx, sb.GetId()); err != nil {
			return Instance{}, err
		}
	}

	p.logger.Info().Str("sandbox_id", sb.GetId()).Str("project_id", req.ProjectID).Msg("Daytona sandbox created")
	return p.ready(ctx, sb.GetId())
}

// Start starts a stopped or archived sandbox. A started sandbox is returned as is.
func (p *DaytonaProvider) Start(ctx context.Context, id string) (Instance, error) {
	sb, httpResp, err := p.apiClient.SandboxAPI.GetSandbox(p.authContext(ctx), id).Execute()
	if err != nil {
		return Instance{}, classifyDaytonaError("get sandbox", err, httpResp)
	}

	state := sb.GetState()
	switch {
	case state == apiclient.SANDBOXSTATE_STARTED:
		return Instance{ID: id}, nil
	case state == apiclient.SANDBOXSTATE_STOPPED || strings.EqualFold(string(state), "archived"):
		p.logger.Info().Str("sandbox_id", id).Str("state", string(state)).Msg("Starting daytona sandbox")
		if _, httpResp, err := p.apiClient.SandboxAPI.StartSandbox(p.authContext(ctx), id).Execute(); err != nil {
			return Instance{}, classifyDaytonaError("start sandbox", err, httpResp)
		}
		if err := p.waitStarted(ctx, id); err != nil {
			return Instance{}, err
		}
		return p.ready(ctx, id)
	case state == apiclient.SANDBOXSTATE_DESTROYED:
		return Instance{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	default:
		if err := p.waitStarted(ctx, id); err != nil {
			return Instance{}, err
		}
		return Instance{ID: id}, nil
	}
}

// ready runs the startup command and resolves the working directory.
func (p *DaytonaProvider) ready(ctx context.Context, id string) (Instance, error) {
	tb, err := p.toolbox(ctx, id)
	if err != nil {
		return Instance{}, err
	}
	if p.cfg.StartupCommand != "" {
		execReq := toolbox.NewExecuteRequest("sh -c " + ShellQuote(p.cfg.StartupCommand))
		if _, httpResp, err := tb.ProcessAPI.ExecuteCommand(ctx).Request(*execReq).Execute(); err != nil {
			return Instance{}, classifyDaytonaError("run startup command", err, httpResp)
		}
	}

	inst := Instance{ID: id, WorkDir: WorkspaceRoot}
	if resp, _, err := tb.InfoAPI.GetWorkDir(ctx).Execute(); err == nil && resp != nil && resp.GetDir() != "" {
		inst.WorkDir = resp.GetDir()
	}
	return inst, nil
}

func (p *DaytonaProvider) waitStarted(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ReadyTimeout)
	defer cancel()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		sb, httpResp, err := p.apiClient.SandboxAPI.GetSandbox(p.authContext(ctx), id).Execute()
		if err != nil {
			return classifyDaytonaError("sandbox status", err, httpResp)
		}
		switch sb.GetState() {
		case apiclient.SANDBOXSTATE_STARTED:
			return nil
		case apiclient.SANDBOXSTATE_ERROR, apiclient.SANDBOXSTATE_BUILD_FAILED:
			return fmt.Errorf("daytona sandbox failed: %s", sb.GetState())
		case apiclient.SANDBOXSTATE_DESTROYED:
			return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
		}

		select {
		case <-ctx.Done():
			return Transient(fmt.Errorf("waiting for sandbox %s: %w", id, ctx.Err()))
		case <-ticker.C:
		}
	}
}

func (p *DaytonaProvider) ExecuteCommand(ctx context.Context, id string, req CommandRequest) (CommandResult, error) {
	tb, err := p.toolbox(ctx, id)
	if err != nil {
		return CommandResult{}, err
	}

	command := req.Command
	if len(req.Env) > 0 {
		var b strings.Builder
		for _, key := range sortedKeys(req.Env) {
			fmt.Fprintf(&b, "export %s=%s; ", key, ShellQuote(req.Env[key]))
		}
		command = b.String() + command
	}
	execReq := toolbox.NewExecuteRequest("sh -c " + ShellQuote(command))
	execReq.SetCwd(workDirOr(req.WorkDir))
	if req.Timeout > 0 {
		execReq.SetTimeout(int32(req.Timeout / time.Second))
	}

	start := time.Now()
	resp, httpResp, err := tb.ProcessAPI.ExecuteCommand(ctx).Request(*execReq).Execute()
	if err != nil {
		return CommandResult{}, classifyDaytonaError("execute command", err, httpResp)
	}

	exitCode := 0
	if resp.ExitCode != nil {
		exitCode = int(*resp.ExitCode)
	}
	return CommandResult{Output: resp.Result, ExitCode: exitCode, Duration: time.Since(start)}, nil
}

func (p *DaytonaProvider) UploadFile(ctx context.Context, id, filePath string, content []byte) error {
	tb, err := p.toolbox(ctx, id)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp("", "agentcore-upload-*")
	if err != nil {
		return fmt.Errorf("stage upload: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("stage upload: %w", err)
	}
	if _, err := tmp.Seek(0, 0); err != nil {
		return fmt.Errorf("stage upload: %w", err)
	}

	_, httpResp, err := tb.FileSystemAPI.UploadFile(ctx).Path(AbsPath(filePath)).File(tmp).Execute()
	if err != nil {
		return classifyDaytonaError("upload file", err, httpResp)
	}
	return nil
}

// DownloadFile reads a file through the process API so binary content
// survives the JSON response envelope.
func (p *DaytonaProvider) DownloadFile(ctx context.Context, id, filePath string) ([]byte, error) {
	res, err := p.ExecuteCommand(ctx, id, CommandRequest{
		Command: "base64 -w0 " + ShellQuote(AbsPath(filePath)),
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("read %s: %s", filePath, strings.TrimSpace(res.Output))
	}
	content, err := base64.StdEncoding.DecodeString(strings.TrimSpace(res.Output))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filePath, err)
	}
	return content, nil
}

func (p *DaytonaProvider) Stop(ctx context.Context, id string) error {
	if _, httpResp, err := p.apiClient.SandboxAPI.StopSandbox(p.authContext(ctx), id).Execute(); err != nil {
		return classifyDaytonaError("stop sandbox", err, httpResp)
	}
	p.forgetToolbox(id)
	return nil
}

func (p *DaytonaProvider) Delete(ctx context.Context, id string) error {
	if _, httpResp, err := p.apiClient.SandboxAPI.DeleteSandbox(p.authContext(ctx), id).Execute(); err != nil {
		return classifyDaytonaError("delete sandbox", err, httpResp)
	}
	p.forgetToolbox(id)
	return nil
}

func (p *DaytonaProvider) forgetToolbox(id string) {
	p.mu.Lock()
	delete(p.toolboxes, id)
	p.mu.Unlock()
}

func (p *DaytonaProvider) toolbox(ctx context.Context, id string) (*toolbox.APIClient, error) {
	p.mu.Lock()
	if tb, ok := p.toolboxes[id]; ok {
		p.mu.Unlock()
		return tb, nil
	}
	p.mu.Unlock()

	result, httpResp, err := p.apiClient.SandboxAPI.GetToolboxProxyUrl(p.authContext(ctx), id).Execute()
	if err != nil {
		return nil, classifyDaytonaError("get toolbox proxy url", err, httpResp)
	}

	toolboxURL := fmt.Sprintf("%s/%s", strings.TrimRight(result.GetUrl(), "/"), id)
	scheme, host, basePath, err := parseBaseURL(toolboxURL)
	if err != nil {
		return nil, err
	}

	cfg := toolbox.NewConfiguration()
	cfg.Host = host
	cfg.Scheme = scheme
	cfg.HTTPClient = p.http
	cfg.AddDefaultHeader("Authorization", "Bearer "+p.authToken())
	cfg.AddDefaultHeader("X-Daytona-Source", daytonaSourceHeader)
	if p.cfg.JWTToken != "" && p.cfg.OrganizationID != "" {
		cfg.AddDefaultHeader("X-Daytona-Organization-ID", p.cfg.OrganizationID)
	}
	cfg.Servers = toolbox.ServerConfigurations{
		{URL: fmt.Sprintf("%s://%s%s", scheme, host, basePath)},
	}

	tb := toolbox.NewAPIClient(cfg)
	p.mu.Lock()
	p.toolboxes[id] = tb
	p.mu.Unlock()
	return tb, nil
}

// classifyDaytonaError maps an API failure onto the sandbox error taxonomy:
// 404 is a vanished instance; no response, 429 and 5xx are transient.
func classifyDaytonaError(op string, err error, resp *http.Response) error {
	if resp == nil {
		return Transient(fmt.Errorf("daytona %s: %w", op, err))
	}
	wrapped := fmt.Errorf("daytona %s: %s (status %s)", op, err.Error(), resp.Status)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrInstanceNotFound, wrapped)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return Transient(wrapped)
	default:
		return wrapped
	}
}

func parseBaseURL(raw string) (string, string, string, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		return "", "", "", errors.New("empty url")
	}
	if !strings.Contains(normalized, "://") {
		normalized = "https://" + normalized
	}
	parsed, err := url.Parse(normalized)
	if err != nil {
		return "", "", "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", "", "", fmt.Errorf("invalid url: %s", raw)
	}
	return parsed.Scheme, parsed.Host, strings.TrimRight(parsed.Path, "/"), nil
}
