package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachine(t *testing.T) {
	t.Run("should follow the run lifecycle", func(t *testing.T) {
		m := newMachine()
		for _, s := range []State{StateRequesting, StateAwaitingToolResults, StateRequesting, StateResponding, StateTerminal} {
			require.NoError(t, m.to(s))
		}
		assert.Equal(t, StateTerminal, m.state)
		assert.Len(t, m.trail, 6)
	})

	t.Run("should reject illegal transitions", func(t *testing.T) {
		m := newMachine()
		assert.Error(t, m.to(StateResponding))
		assert.Equal(t, StateIdle, m.state)

		require.NoError(t, m.to(StateTerminal))
		assert.Error(t, m.to(StateRequesting))
	})

	t.Run("should never respond while awaiting tool results", func(t *testing.T) {
		assert.False(t, CanTransition(StateAwaitingToolResults, StateResponding))
		assert.True(t, CanTransition(StateAwaitingToolResults, StateTerminal))
	})
}
