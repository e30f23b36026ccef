package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/agentcore/internal/backoff"
	"github.com/harun/agentcore/internal/observability"
	"github.com/harun/agentcore/internal/tracing"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Provider Provider

	// IdleTTL is how long a session may stay idle before it expires.
	IdleTTL time.Duration
	// ReapInterval is how often expired sessions are collected.
	ReapInterval time.Duration
	// ReconnectAfter is the idle time after which a reused session is
	// restarted on the provider before handing it out.
	ReconnectAfter time.Duration
	// OpTimeout bounds every single provider call.
	OpTimeout time.Duration
	Retry     backoff.Policy

	Resources Resources
	Env       map[string]string
	AutoStop  time.Duration

	Logger zerolog.Logger
	// Now overrides the clock; used by tests.
	Now func() time.Time
}

func (c *ManagerConfig) applyDefaults() {
	if c.IdleTTL <= 0 {
		c.IdleTTL = 15 * time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Minute
	}
	if c.ReconnectAfter <= 0 {
		c.ReconnectAfter = 5 * time.Minute
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 2 * time.Minute
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = backoff.DefaultPolicy()
	}
	if c.Resources == (Resources{}) {
		c.Resources = DefaultResources()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type entry struct {
	// mu serializes lifecycle changes and tool calls for one project.
	mu      sync.Mutex
	session Session
}

// Manager owns sandbox sessions, one per project, and their lifecycle.
type Manager struct {
	cfg      ManagerConfig
	provider Provider
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*entry
	closed   bool

	cron *cron.Cron
}

// NewManager validates cfg and returns a Manager. Call Start to enable the expiry reaper.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("sandbox provider is required")
	}
	cfg.applyDefaults()
	return &Manager{
		cfg:      cfg,
		provider: cfg.Provider,
		logger:   cfg.Logger.With().Str("component", "sandbox").Str("provider", cfg.Provider.Name()).Logger(),
		sessions: make(map[string]*entry),
	}, nil
}

// Start schedules the expiry reaper.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if m.cron != nil {
		return nil
	}
	c := cron.New()
	spec := fmt.Sprintf("@every %s", m.cfg.ReapInterval)
	if _, err := c.AddFunc(spec, func() {
		if n := m.ReapExpired(context.Background()); n > 0 {
			m.logger.Info().Int("expired", n).Msg("Reaped idle sandbox sessions")
		}
	}); err != nil {
		return fmt.Errorf("schedule sandbox reaper: %w", err)
	}
	c.Start()
	m.cron = c
	m.logger.Info().Dur("idle_ttl", m.cfg.IdleTTL).Dur("interval", m.cfg.ReapInterval).Msg("Sandbox reaper started")
	return nil
}

// Provider returns the provider backing this manager.
func (m *Manager) Provider() Provider {
	return m.provider
}

func (m *Manager) entryFor(projectID string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	e, ok := m.sessions[projectID]
	if !ok {
		e = &entry{session: Session{ProjectID: projectID, Provider: m.provider.Name(), State: StateNotCreated}}
		m.sessions[projectID] = e
	}
	return e, nil
}

// GetOrCreate returns a running session for projectID, reusing the live one
// when there is one. The stored record goes back to Idle once this returns;
// use WithSession to hold the session for the duration of a call.
func (m *Manager) GetOrCreate(ctx context.Context, projectID string) (Session, error) {
	if projectID == "" {
		return Session{}, ErrProjectRequired
	}
	e, err := m.entryFor(projectID)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := m.acquireLocked(ctx, e)
	if err != nil {
		return Session{}, err
	}
	m.releaseLocked(e)
	return s, nil
}

// WithSession runs fn against the project's session while holding the
// session's lock, so calls against the same session never overlap.
func (m *Manager) WithSession(ctx context.Context, projectID string, fn func(ctx context.Context, s Session) error) error {
	if projectID == "" {
		return ErrProjectRequired
	}
	e, err := m.entryFor(projectID)
	if err != nil {
		return err
	}

	waitStart := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	observability.RecordSandboxLockWait(m.provider.Name(), time.Since(waitStart))

	s, err := m.acquireLocked(ctx, e)
	if err != nil {
		return err
	}
	defer m.releaseLocked(e)

	return fn(ContextWithSession(ctx, s), s)
}

// acquireLocked returns the entry's session in the Running state, creating
// or reconnecting as needed. e.mu must be held.
func (m *Manager) acquireLocked(ctx context.Context, e *entry) (Session, error) {
	now := m.cfg.Now()

	if e.session.State == StateIdle && now.Sub(e.session.LastUsed) >= m.cfg.IdleTTL {
		m.expireLocked(ctx, e)
	}

	if e.session.State == StateIdle {
		if now.Sub(e.session.LastUsed) >= m.cfg.ReconnectAfter {
			if err := m.reconnectLocked(ctx, e); err != nil {
				if !errors.Is(err, ErrInstanceNotFound) {
					return Session{}, err
				}
				m.logger.Warn().Str("project_id", e.session.ProjectID).Str("session_id", e.session.ID).
					Msg("Sandbox vanished on provider, creating a new one")
				_ = e.session.transition(StateDeleted)
			}
		}
	}

	if e.session.State == StateIdle {
		if err := e.session.transition(StateRunning); err != nil {
			return Session{}, err
		}
		e.session.LastUsed = now
		return e.session, nil
	}

	if err := m.createLocked(ctx, e); err != nil {
		return Session{}, err
	}
	return e.session, nil
}

func (m *Manager) releaseLocked(e *entry) {
	if e.session.State != StateRunning {
		return
	}
	_ = e.session.transition(StateIdle)
	e.session.LastUsed = m.cfg.Now()
}

func (m *Manager) createLocked(ctx context.Context, e *entry) error {
	projectID := e.session.ProjectID
	ctx, span := tracing.StartSpan(ctx, "sandbox.manager", "sandbox.create",
		attribute.String("project_id", projectID),
		attribute.String("provider", m.provider.Name()),
	)
	defer span.End()

	now := m.cfg.Now()
	e.session = Session{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Provider:  m.provider.Name(),
		State:     StateNotCreated,
		CreatedAt: now,
		LastUsed:  now,
	}
	if err := e.session.transition(StateCreating); err != nil {
		return err
	}

	req := CreateRequest{
		ProjectID: projectID,
		Labels:    map[string]string{"id": projectID, "session": e.session.ID},
		Env:       m.cfg.Env,
		Resources: m.cfg.Resources,
		AutoStop:  m.cfg.AutoStop,
	}

	var inst Instance
	err := m.call(ctx, "create", func(opCtx context.Context) error {
		var err error
		inst, err = m.provider.Create(opCtx, req)
		return err
	})
	if err != nil {
		_ = e.session.transition(StateDeleted)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("create sandbox for project %s: %w", projectID, err)
	}

	e.session.RemoteID = inst.ID
	e.session.Endpoint = inst.Endpoint
	e.session.WorkDir = inst.WorkDir
	if err := e.session.transition(StateRunning); err != nil {
		return err
	}
	m.updateGauge()

	m.logger.Info().
		Str("project_id", projectID).
		Str("session_id", e.session.ID).
		Str("remote_id", inst.ID).
		Msg("Sandbox session created")
	return nil
}

func (m *Manager) reconnectLocked(ctx context.Context, e *entry) error {
	var inst Instance
	err := m.call(ctx, "start", func(opCtx context.Context) error {
		var err error
		inst, err = m.provider.Start(opCtx, e.session.RemoteID)
		return err
	})
	if err != nil {
		return fmt.Errorf("reconnect sandbox %s: %w", e.session.RemoteID, err)
	}
	if inst.Endpoint != "" {
		e.session.Endpoint = inst.Endpoint
	}
	if inst.WorkDir != "" {
		e.session.WorkDir = inst.WorkDir
	}
	m.logger.Debug().Str("session_id", e.session.ID).Msg("Sandbox session reconnected")
	return nil
}

// expireLocked moves an idle session to Expired and releases its remote
// resources on a best-effort basis.
func (m *Manager) expireLocked(ctx context.Context, e *entry) {
	if err := e.session.transition(StateExpired); err != nil {
		return
	}
	m.logger.Info().
		Str("project_id", e.session.ProjectID).
		Str("session_id", e.session.ID).
		Time("last_used", e.session.LastUsed).
		Msg("Sandbox session expired")

	remoteID := e.session.RemoteID
	if remoteID != "" {
		if err := m.call(ctx, "delete", func(opCtx context.Context) error {
			return m.provider.Delete(opCtx, remoteID)
		}); err != nil && !errors.Is(err, ErrInstanceNotFound) {
			m.logger.Warn().Err(err).Str("remote_id", remoteID).Msg("Failed to delete expired sandbox")
			m.updateGauge()
			return
		}
	}
	_ = e.session.transition(StateDeleted)
	m.updateGauge()
}

// ReapExpired expires every idle session past its TTL and returns how many
// were expired. Sessions with a call in flight are skipped.
func (m *Manager) ReapExpired(ctx context.Context) int {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	now := m.cfg.Now()
	expired := 0
	for _, e := range entries {
		if !e.mu.TryLock() {
			continue
		}
		if e.session.State == StateIdle && now.Sub(e.session.LastUsed) >= m.cfg.IdleTTL {
			m.expireLocked(ctx, e)
			expired++
		}
		e.mu.Unlock()
	}
	return expired
}

// Delete removes the project's sandbox on the provider and forgets the session.
func (m *Manager) Delete(ctx context.Context, projectID string) error {
	m.mu.Lock()
	e, ok := m.sessions[projectID]
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.RemoteID != "" && e.session.State != StateDeleted {
		remoteID := e.session.RemoteID
		err := m.call(ctx, "delete", func(opCtx context.Context) error {
			return m.provider.Delete(opCtx, remoteID)
		})
		if err != nil && !errors.Is(err, ErrInstanceNotFound) {
			return fmt.Errorf("delete sandbox %s: %w", remoteID, err)
		}
	}
	if e.session.State != StateDeleted {
		if err := e.session.transition(StateDeleted); err != nil {
			return err
		}
	}

	m.mu.Lock()
	delete(m.sessions, projectID)
	m.mu.Unlock()
	m.updateGauge()

	m.logger.Info().Str("project_id", projectID).Str("session_id", e.session.ID).Msg("Sandbox session deleted")
	return nil
}

// Sessions returns a snapshot of all known sessions ordered by project id.
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.session)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

// Exec runs a command in s, retrying transient provider failures.
func (m *Manager) Exec(ctx context.Context, s Session, req CommandRequest) (CommandResult, error) {
	var res CommandResult
	err := m.call(ctx, "exec", func(opCtx context.Context) error {
		var err error
		res, err = m.provider.ExecuteCommand(opCtx, s.RemoteID, req)
		return err
	})
	return res, err
}

// Upload writes a file into s.
func (m *Manager) Upload(ctx context.Context, s Session, path string, content []byte) error {
	return m.call(ctx, "upload", func(opCtx context.Context) error {
		return m.provider.UploadFile(opCtx, s.RemoteID, path, content)
	})
}

// Download reads a file from s.
func (m *Manager) Download(ctx context.Context, s Session, path string) ([]byte, error) {
	var content []byte
	err := m.call(ctx, "download", func(opCtx context.Context) error {
		var err error
		content, err = m.provider.DownloadFile(opCtx, s.RemoteID, path)
		return err
	})
	return content, err
}

// call runs one provider operation with a per-attempt timeout and bounded
// retries on transient failures. Exhausted retries yield ErrSandboxUnavailable.
func (m *Manager) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	attempts, err := backoff.Retry(ctx, m.cfg.Retry, IsTransient, func(attempt int) error {
		opCtx, cancel := context.WithTimeout(ctx, m.cfg.OpTimeout)
		defer cancel()
		err := fn(opCtx)
		if err != nil && attempt < m.cfg.Retry.MaxAttempts && IsTransient(err) {
			m.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("Transient sandbox failure, retrying")
		}
		return err
	})

	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, backoff.ErrExhausted):
		status = "unavailable"
		err = fmt.Errorf("%w: %s failed after %d attempts: %w", ErrSandboxUnavailable, op, attempts, err)
	default:
		status = "error"
	}
	observability.RecordSandboxOp(m.provider.Name(), op, status, time.Since(start))
	return err
}

func (m *Manager) updateGauge() {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	live := 0
	for _, e := range entries {
		// Callers hold at most their own entry lock; read state without
		// blocking on it.
		if e.mu.TryLock() {
			if e.session.State.Alive() {
				live++
			}
			e.mu.Unlock()
		} else {
			live++
		}
	}
	observability.SetSandboxSessions(m.provider.Name(), live)
}

// CloseAll stops the reaper and stops every live sandbox on the provider.
// Sessions stay resumable by the provider; they are forgotten locally.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	c := m.cron
	m.cron = nil
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.sessions = make(map[string]*entry)
	m.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}

	var result *multierror.Error
	for _, e := range entries {
		e.mu.Lock()
		if e.session.State.Alive() && e.session.RemoteID != "" {
			remoteID := e.session.RemoteID
			if err := m.call(ctx, "stop", func(opCtx context.Context) error {
				return m.provider.Stop(opCtx, remoteID)
			}); err != nil && !errors.Is(err, ErrInstanceNotFound) {
				result = multierror.Append(result, fmt.Errorf("stop sandbox %s: %w", remoteID, err))
			}
		}
		e.mu.Unlock()
	}
	observability.SetSandboxSessions(m.provider.Name(), 0)
	return result.ErrorOrNil()
}
