package fsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var doorTransitions = []Transition{
	{Trigger: "open", From: "closed", To: "open"},
	{Trigger: "close", From: "open", To: "closed"},
	{Trigger: "lock", From: "closed", To: "locked"},
	{Trigger: "unlock", From: "locked", To: "closed"},
}

func TestFireFollowsTable(t *testing.T) {
	m := New("closed", doorTransitions)

	state, err := m.Fire("open")
	require.NoError(t, err)
	assert.Equal(t, State("open"), state)

	state, err = m.Fire("close")
	require.NoError(t, err)
	assert.Equal(t, State("closed"), state)
}

func TestFireRejectsIllegalTrigger(t *testing.T) {
	m := New("open", doorTransitions)

	_, err := m.Fire("lock")
	require.Error(t, err)

	var illegal *ErrIllegalTransition
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, Trigger("lock"), illegal.Trigger)
	assert.Equal(t, State("open"), illegal.From)

	// state unchanged after a rejected trigger
	assert.Equal(t, State("open"), m.Current())
}

func TestCanFire(t *testing.T) {
	m := New("locked", doorTransitions)

	assert.True(t, m.CanFire("unlock"))
	assert.False(t, m.CanFire("open"))
}

func TestLegal(t *testing.T) {
	assert.True(t, Legal(doorTransitions, "closed", "locked"))
	assert.False(t, Legal(doorTransitions, "open", "locked"))
}
