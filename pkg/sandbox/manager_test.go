package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentcore/internal/backoff"
)

func newTestManager(t *testing.T, p Provider, clock *fakeClock) *Manager {
	t.Helper()
	m, err := NewManager(ManagerConfig{
		Provider:       p,
		IdleTTL:        10 * time.Minute,
		ReconnectAfter: 2 * time.Minute,
		OpTimeout:      time.Second,
		Retry:          backoff.Policy{Initial: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2, MaxAttempts: 3},
		Now:            clock.Now,
	})
	require.NoError(t, err)
	return m
}

func TestNewManager(t *testing.T) {
	_, err := NewManager(ManagerConfig{})
	assert.Error(t, err)
}

func TestManager_GetOrCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("should reuse a live session", func(t *testing.T) {
		fp := newFakeProvider()
		m := newTestManager(t, fp, newFakeClock())

		first, err := m.GetOrCreate(ctx, "proj-1")
		require.NoError(t, err)
		second, err := m.GetOrCreate(ctx, "proj-1")
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, StateRunning, first.State)
		created, _, _, _ := fp.snapshot()
		assert.Len(t, created, 1)
	})

	t.Run("should create a new session after the idle ttl", func(t *testing.T) {
		fp := newFakeProvider()
		clock := newFakeClock()
		m := newTestManager(t, fp, clock)

		first, err := m.GetOrCreate(ctx, "proj-1")
		require.NoError(t, err)
		clock.Advance(11 * time.Minute)
		second, err := m.GetOrCreate(ctx, "proj-1")
		require.NoError(t, err)

		assert.NotEqual(t, first.ID, second.ID)
		assert.NotEqual(t, first.RemoteID, second.RemoteID)
		_, _, _, deleted := fp.snapshot()
		assert.Equal(t, []string{first.RemoteID}, deleted)
	})

	t.Run("should keep projects apart", func(t *testing.T) {
		m := newTestManager(t, newFakeProvider(), newFakeClock())
		a, err := m.GetOrCreate(ctx, "a")
		require.NoError(t, err)
		b, err := m.GetOrCreate(ctx, "b")
		require.NoError(t, err)
		assert.NotEqual(t, a.ID, b.ID)
		assert.Len(t, m.Sessions(), 2)
	})

	t.Run("should require a project id", func(t *testing.T) {
		m := newTestManager(t, newFakeProvider(), newFakeClock())
		_, err := m.GetOrCreate(ctx, "")
		assert.ErrorIs(t, err, ErrProjectRequired)
	})

	t.Run("should reconnect a session idle past the reconnect window", func(t *testing.T) {
		fp := newFakeProvider()
		clock := newFakeClock()
		m := newTestManager(t, fp, clock)

		first, err := m.GetOrCreate(ctx, "proj-1")
		require.NoError(t, err)
		clock.Advance(3 * time.Minute)
		second, err := m.GetOrCreate(ctx, "proj-1")
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		_, started, _, _ := fp.snapshot()
		assert.Equal(t, []string{first.RemoteID}, started)
	})

	t.Run("should replace a session that vanished on the provider", func(t *testing.T) {
		fp := newFakeProvider()
		fp.startErr = ErrInstanceNotFound
		clock := newFakeClock()
		m := newTestManager(t, fp, clock)

		first, err := m.GetOrCreate(ctx, "proj-1")
		require.NoError(t, err)
		clock.Advance(3 * time.Minute)
		second, err := m.GetOrCreate(ctx, "proj-1")
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, second.ID)
	})
}

func TestManager_Retries(t *testing.T) {
	ctx := context.Background()

	t.Run("should retry transient create failures", func(t *testing.T) {
		fp := newFakeProvider()
		fp.createErrs = []error{Transient(errors.New("connection reset")), Transient(errors.New("503"))}
		m := newTestManager(t, fp, newFakeClock())

		s, err := m.GetOrCreate(ctx, "proj-1")
		require.NoError(t, err)
		assert.Equal(t, "remote-1", s.RemoteID)
	})

	t.Run("should report unavailable after exhausting retries", func(t *testing.T) {
		fp := newFakeProvider()
		transient := Transient(errors.New("connection refused"))
		fp.createErrs = []error{transient, transient, transient}
		m := newTestManager(t, fp, newFakeClock())

		_, err := m.GetOrCreate(ctx, "proj-1")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrSandboxUnavailable)

		sessions := m.Sessions()
		require.Len(t, sessions, 1)
		assert.Equal(t, StateDeleted, sessions[0].State)
	})

	t.Run("should not retry permanent failures", func(t *testing.T) {
		fp := newFakeProvider()
		fp.createErrs = []error{errors.New("quota exceeded (status 403 Forbidden)")}
		m := newTestManager(t, fp, newFakeClock())

		_, err := m.GetOrCreate(ctx, "proj-1")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrSandboxUnavailable)

		s, err := m.GetOrCreate(ctx, "proj-1")
		require.NoError(t, err)
		assert.Equal(t, "remote-1", s.RemoteID)
	})
}

func TestManager_WithSession(t *testing.T) {
	ctx := context.Background()
	const latency = 100 * time.Millisecond

	t.Run("should serialize calls on the same session in submission order", func(t *testing.T) {
		fp := newFakeProvider()
		fp.execDelay = latency
		m := newTestManager(t, fp, newFakeClock())

		var (
			mu    sync.Mutex
			order []string
			wg    sync.WaitGroup
		)
		holding := make(chan struct{})
		run := func(name string, signal chan struct{}) {
			defer wg.Done()
			err := m.WithSession(ctx, "proj-1", func(ctx context.Context, s Session) error {
				if signal != nil {
					close(signal)
				}
				_, err := m.Exec(ctx, s, CommandRequest{Command: name})
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return err
			})
			assert.NoError(t, err)
		}

		start := time.Now()
		wg.Add(2)
		go run("first", holding)
		<-holding
		go run("second", nil)
		wg.Wait()
		elapsed := time.Since(start)

		assert.Equal(t, []string{"first", "second"}, order)
		assert.GreaterOrEqual(t, elapsed, 2*latency)
	})

	t.Run("should run distinct sessions concurrently", func(t *testing.T) {
		fp := newFakeProvider()
		fp.execDelay = latency
		m := newTestManager(t, fp, newFakeClock())

		// Warm both sessions so creation is not timed.
		_, err := m.GetOrCreate(ctx, "a")
		require.NoError(t, err)
		_, err = m.GetOrCreate(ctx, "b")
		require.NoError(t, err)

		var wg sync.WaitGroup
		start := time.Now()
		for _, project := range []string{"a", "b"} {
			wg.Add(1)
			go func(project string) {
				defer wg.Done()
				err := m.WithSession(ctx, project, func(ctx context.Context, s Session) error {
					_, err := m.Exec(ctx, s, CommandRequest{Command: "sleep"})
					return err
				})
				assert.NoError(t, err)
			}(project)
		}
		wg.Wait()

		assert.Less(t, time.Since(start), 2*latency)
	})

	t.Run("should expose the session through the context", func(t *testing.T) {
		m := newTestManager(t, newFakeProvider(), newFakeClock())
		err := m.WithSession(ctx, "proj-1", func(ctx context.Context, s Session) error {
			got, ok := SessionFromContext(ctx)
			require.True(t, ok)
			assert.Equal(t, s.ID, got.ID)
			assert.Equal(t, StateRunning, got.State)
			return nil
		})
		require.NoError(t, err)

		sessions := m.Sessions()
		require.Len(t, sessions, 1)
		assert.Equal(t, StateIdle, sessions[0].State)
	})
}

func TestManager_ReapExpired(t *testing.T) {
	ctx := context.Background()
	fp := newFakeProvider()
	clock := newFakeClock()
	m := newTestManager(t, fp, clock)

	_, err := m.GetOrCreate(ctx, "old")
	require.NoError(t, err)
	clock.Advance(8 * time.Minute)
	_, err = m.GetOrCreate(ctx, "fresh")
	require.NoError(t, err)
	clock.Advance(3 * time.Minute)

	assert.Equal(t, 1, m.ReapExpired(ctx))

	states := map[string]State{}
	for _, s := range m.Sessions() {
		states[s.ProjectID] = s.State
	}
	assert.Equal(t, StateDeleted, states["old"])
	assert.Equal(t, StateIdle, states["fresh"])
}

func TestManager_Delete(t *testing.T) {
	ctx := context.Background()
	fp := newFakeProvider()
	m := newTestManager(t, fp, newFakeClock())

	s, err := m.GetOrCreate(ctx, "proj-1")
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, "proj-1"))

	_, _, _, deleted := fp.snapshot()
	assert.Equal(t, []string{s.RemoteID}, deleted)
	assert.Empty(t, m.Sessions())
	assert.ErrorIs(t, m.Delete(ctx, "proj-1"), ErrSessionNotFound)
}

func TestManager_CloseAll(t *testing.T) {
	ctx := context.Background()
	fp := newFakeProvider()
	m := newTestManager(t, fp, newFakeClock())
	require.NoError(t, m.Start())

	a, err := m.GetOrCreate(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, m.CloseAll(ctx))

	_, _, stopped, _ := fp.snapshot()
	assert.Equal(t, []string{a.RemoteID}, stopped)

	_, err = m.GetOrCreate(ctx, "a")
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestFileTransfer(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newFakeProvider(), newFakeClock())

	err := m.WithSession(ctx, "proj-1", func(ctx context.Context, s Session) error {
		if err := m.Upload(ctx, s, "/workspace/src/main.py", []byte("print(1)")); err != nil {
			return err
		}
		content, err := m.Download(ctx, s, "src/main.py")
		if err != nil {
			return err
		}
		assert.Equal(t, "print(1)", string(content))
		return nil
	})
	require.NoError(t, err)
}
