package sandbox

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalProvider(t *testing.T) {
	ctx := context.Background()
	p, err := NewLocalProvider(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	inst, err := p.Create(ctx, CreateRequest{ProjectID: "proj-1"})
	require.NoError(t, err)

	t.Run("should round trip files", func(t *testing.T) {
		require.NoError(t, p.UploadFile(ctx, inst.ID, "/workspace/notes/todo.txt", []byte("ship it")))
		content, err := p.DownloadFile(ctx, inst.ID, "notes/todo.txt")
		require.NoError(t, err)
		assert.Equal(t, "ship it", string(content))
	})

	t.Run("should run commands in the sandbox directory", func(t *testing.T) {
		res, err := p.ExecuteCommand(ctx, inst.ID, CommandRequest{Command: "cat notes/todo.txt; exit 3"})
		require.NoError(t, err)
		assert.Equal(t, 3, res.ExitCode)
		assert.Equal(t, "ship it", res.Output)
	})

	t.Run("should refuse commands once stopped", func(t *testing.T) {
		require.NoError(t, p.Stop(ctx, inst.ID))
		_, err := p.ExecuteCommand(ctx, inst.ID, CommandRequest{Command: "true"})
		assert.Error(t, err)

		_, err = p.Start(ctx, inst.ID)
		require.NoError(t, err)
		_, err = p.ExecuteCommand(ctx, inst.ID, CommandRequest{Command: "true"})
		assert.NoError(t, err)
	})

	t.Run("should report deleted sandboxes as missing", func(t *testing.T) {
		require.NoError(t, p.Delete(ctx, inst.ID))
		_, err := p.Start(ctx, inst.ID)
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	})
}
