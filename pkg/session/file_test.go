package session

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentcore/internal/tracing"
)

func newFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestFileStore_AppendAndLoad(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t)

	t.Run("should return an empty thread when nothing was written", func(t *testing.T) {
		msgs, err := store.Load(ctx, "missing")
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("should preserve append order and tool payloads", func(t *testing.T) {
		err := store.Append(ctx, "t1",
			Message{ID: "m1", Role: RoleUser, Content: "list files"},
			Message{ID: "m2", Role: RoleAssistant, ToolCalls: []ToolCall{{
				ID: "c1", Name: "execute_command", Arguments: map[string]any{"command": "ls"}, Convention: ConventionStructured,
			}}},
		)
		require.NoError(t, err)
		require.NoError(t, store.Append(ctx, "t1", Message{
			ID: "m3", Role: RoleTool,
			ToolResult: &ToolResult{CallID: "c1", Name: "execute_command", Output: "a.txt", Convention: ConventionStructured},
		}))

		msgs, err := store.Load(ctx, "t1")
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, []string{"m1", "m2", "m3"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
		assert.Equal(t, "ls", msgs[1].ToolCalls[0].Arguments["command"])
		assert.Equal(t, "a.txt", msgs[2].ToolResult.Output)
		assert.False(t, msgs[0].Timestamp.IsZero())
	})

	t.Run("should reject invalid thread ids and messages", func(t *testing.T) {
		assert.ErrorIs(t, store.Append(ctx, "../escape", Message{Role: RoleUser, Content: "x"}), ErrInvalidKey)
		assert.Error(t, store.Append(ctx, "t2", Message{Role: RoleUser}))
		_, err := store.Load(ctx, "a/b")
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("should list threads", func(t *testing.T) {
		threads, err := store.Threads()
		require.NoError(t, err)
		assert.Equal(t, []string{"t1"}, threads)
	})
}

func TestFileStore_AppendLogsRunContext(t *testing.T) {
	var buf bytes.Buffer
	store, err := NewFileStore(t.TempDir(), zerolog.New(&buf).Level(zerolog.DebugLevel))
	require.NoError(t, err)
	defer store.Close()

	ctx := tracing.NewRunContext(context.Background(), "run-42", "t1")
	require.NoError(t, store.Append(ctx, "t1", Message{ID: "m1", Role: RoleUser, Content: "hi"}))

	assert.Contains(t, buf.String(), "Messages appended")
	assert.Contains(t, buf.String(), `"run_id":"run-42"`)
	assert.Contains(t, buf.String(), `"messages":1`)
}

func TestFileStore_SkipsCorruptedLines(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t)
	require.NoError(t, store.Append(ctx, "t1", Message{ID: "m1", Role: RoleUser, Content: "hello"}))

	f, err := os.OpenFile(filepath.Join(store.threadsDir, "t1.jsonl"), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, store.Append(ctx, "t1", Message{ID: "m2", Role: RoleAssistant, Content: "hi"}))

	msgs, err := store.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestFileStore_ConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.Append(ctx, "t1", Message{Role: RoleUser, Content: "x"}))
		}()
	}
	wg.Wait()

	msgs, err := store.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, msgs, 20)
}

func TestFileStore_Runs(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t)

	t.Run("should admit a single claimant", func(t *testing.T) {
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			claimed int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := store.ClaimRun(ctx, RunRecord{RunID: "r1", ThreadID: "t1"})
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					claimed++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, claimed)
	})

	t.Run("should return the finished record to duplicates", func(t *testing.T) {
		require.NoError(t, store.CompleteRun(ctx, RunRecord{
			RunID: "r1", ThreadID: "t1", Status: RunSucceeded, FinalMessageID: "m9", Turns: 2,
		}))

		existing, ok, err := store.ClaimRun(ctx, RunRecord{RunID: "r1", ThreadID: "t1"})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, RunSucceeded, existing.Status)
		assert.Equal(t, "m9", existing.FinalMessageID)
		assert.False(t, existing.FinishedAt.IsZero())
	})

	t.Run("should fail to complete unknown runs", func(t *testing.T) {
		assert.ErrorIs(t, store.CompleteRun(ctx, RunRecord{RunID: "nope", Status: RunFailed}), ErrRunNotFound)
		_, err := store.GetRun(ctx, "nope")
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("should prune only finished runs older than the cutoff", func(t *testing.T) {
		_, ok, err := store.ClaimRun(ctx, RunRecord{RunID: "r2", ThreadID: "t1"})
		require.NoError(t, err)
		require.True(t, ok)

		n, err := store.PruneRuns(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = store.GetRun(ctx, "r1")
		assert.ErrorIs(t, err, ErrRunNotFound)
		run, err := store.GetRun(ctx, "r2")
		require.NoError(t, err)
		assert.Equal(t, RunRunning, run.Status)
	})
}
