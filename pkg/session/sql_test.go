package session

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialectRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE x = ? AND y = ?"
	assert.Equal(t, q, DialectSQLite.rebind(q))
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", DialectPostgres.rebind(q))
}

func TestSQLStore_SQLite(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLStore(ctx, DialectSQLite, filepath.Join(t.TempDir(), "agentcore.db"), zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	t.Run("should append and load in order", func(t *testing.T) {
		require.NoError(t, store.Append(ctx, "t1",
			Message{ID: "m1", Role: RoleUser, Content: "hi"},
			Message{ID: "m2", Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "read_file"}}},
		))
		require.NoError(t, store.Append(ctx, "t1", Message{ID: "m3", Role: RoleTool, ToolResult: &ToolResult{CallID: "c1", Output: "data"}}))
		require.NoError(t, store.Append(ctx, "t2", Message{ID: "x", Role: RoleUser, Content: "other"}))

		msgs, err := store.Load(ctx, "t1")
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, "m1", msgs[0].ID)
		assert.Equal(t, "read_file", msgs[1].ToolCalls[0].Name)
		assert.Equal(t, "data", msgs[2].ToolResult.Output)
	})

	t.Run("should reject a message batch atomically", func(t *testing.T) {
		err := store.Append(ctx, "t3",
			Message{ID: "ok", Role: RoleUser, Content: "fine"},
			Message{ID: "bad", Role: RoleUser},
		)
		assert.Error(t, err)
		msgs, err := store.Load(ctx, "t3")
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("should dedup run ids", func(t *testing.T) {
		_, ok, err := store.ClaimRun(ctx, RunRecord{RunID: "r1", ThreadID: "t1"})
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, store.CompleteRun(ctx, RunRecord{RunID: "r1", ThreadID: "t1", Status: RunSucceeded, FinalMessageID: "m3"}))

		existing, ok, err := store.ClaimRun(ctx, RunRecord{RunID: "r1", ThreadID: "t1"})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, RunSucceeded, existing.Status)
		assert.Equal(t, "m3", existing.FinalMessageID)

		assert.ErrorIs(t, store.CompleteRun(ctx, RunRecord{RunID: "missing", Status: RunFailed}), ErrRunNotFound)
	})

	t.Run("should prune finished runs", func(t *testing.T) {
		n, err := store.PruneRuns(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, err = store.GetRun(ctx, "r1")
		assert.ErrorIs(t, err, ErrRunNotFound)
	})
}

func TestSQLStore_PostgresQueries(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	store := NewSQLStore(db, DialectPostgres, zerolog.Nop())

	t.Run("should claim with numbered placeholders", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(
			`INSERT INTO runs (run_id, thread_id, status, body, started_at) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (run_id) DO NOTHING`)).
			WithArgs("r1", "t1", "running", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		run, ok, err := store.ClaimRun(ctx, RunRecord{RunID: "r1", ThreadID: "t1"})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, RunRunning, run.Status)
	})

	t.Run("should read the existing record on conflict", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO runs`)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT body FROM runs WHERE run_id = $1`)).
			WithArgs("r1").
			WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow(`{"run_id":"r1","thread_id":"t1","status":"succeeded","turns":3}`))

		existing, ok, err := store.ClaimRun(ctx, RunRecord{RunID: "r1", ThreadID: "t1"})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, RunSucceeded, existing.Status)
		assert.Equal(t, 3, existing.Turns)
	})

	t.Run("should roll back a failed append", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO thread_messages`)).
			WillReturnError(assert.AnError)
		mock.ExpectRollback()

		err := store.Append(ctx, "t1", Message{ID: "m1", Role: RoleUser, Content: "hi"})
		assert.ErrorIs(t, err, assert.AnError)
	})

	t.Run("should skip undecodable rows on load", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT seq, body FROM thread_messages WHERE thread_id = $1 ORDER BY seq`)).
			WithArgs("t1").
			WillReturnRows(sqlmock.NewRows([]string{"seq", "body"}).
				AddRow(1, `{"id":"m1","role":"user","content":"hi"}`).
				AddRow(2, `{broken`))

		msgs, err := store.Load(ctx, "t1")
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "m1", msgs[0].ID)
	})

	mock.ExpectClose()
	require.NoError(t, store.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanup_PrunesOldRuns(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t)

	_, _, err := store.ClaimRun(ctx, RunRecord{RunID: "old", ThreadID: "t1"})
	require.NoError(t, err)
	require.NoError(t, store.CompleteRun(ctx, RunRecord{
		RunID: "old", ThreadID: "t1", Status: RunSucceeded, FinishedAt: time.Now().Add(-48 * time.Hour),
	}))
	_, _, err = store.ClaimRun(ctx, RunRecord{RunID: "new", ThreadID: "t1"})
	require.NoError(t, err)
	require.NoError(t, store.CompleteRun(ctx, RunRecord{RunID: "new", ThreadID: "t1", Status: RunFailed}))

	c := NewCleanup(store, 24*time.Hour, time.Hour, zerolog.Nop())
	n, err := c.CleanupNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.GetRun(ctx, "new")
	assert.NoError(t, err)

	require.NoError(t, c.Start())
	assert.True(t, c.IsRunning())
	assert.Error(t, c.Start())
	require.NoError(t, c.Stop())
	assert.False(t, c.IsRunning())
}
