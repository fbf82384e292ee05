package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNameTable(t *testing.T) {
	var names nameTable

	require.NoError(t, names.register("drive", 1))
	require.NoError(t, names.register("drive", 1))
	require.NoError(t, names.register("mover", 1))
	require.NoError(t, names.register("recorder", 2))
	assert.ErrorIs(t, names.register("drive", 2), ErrNameTaken)

	id, ok := names.lookup("mover")
	require.True(t, ok)
	assert.Equal(t, BioteID(1), id)

	assert.True(t, names.unregister("mover"))
	assert.False(t, names.unregister("mover"))
	assert.Equal(t, []NameBinding{{Name: "drive", Biote: 1}, {Name: "recorder", Biote: 2}}, names.list())

	assert.Equal(t, []string{"drive"}, names.release(1))
	assert.Empty(t, names.release(1))
	_, ok = names.lookup("drive")
	assert.False(t, ok)
}

func TestNamedBiote(t *testing.T) {
	m := newTestManager(t)

	got := make(chan Event, 1)
	id, err := m.CreateBiote(BioteFuncs{Init: func(ctx *Context, _ Event) error {
		ctx.Subscribe("ping", func(ctx *Context, ev Event) error {
			got <- ev
			ctx.Shutdown(true)
			return nil
		})
		return ctx.RegisterName("pinger")
	}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := m.LookupName("pinger")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []NameBinding{{Name: "pinger", Biote: id}}, m.Names())

	require.NoError(t, m.SendStimulusByName("pinger", NewSignal("ping")))
	select {
	case ev := <-got:
		assert.Equal(t, "ping", ev.Name())
	case <-time.After(2 * time.Second):
		t.Fatal("named biote did not receive the stimulus")
	}

	// the name is released with the biote
	require.Eventually(t, func() bool { return !m.HasBiote(id) }, 2*time.Second, 5*time.Millisecond)
	_, ok := m.LookupName("pinger")
	assert.False(t, ok)
	assert.ErrorIs(t, m.SendStimulusByName("pinger", NewSignal("ping")), ErrUnknownName)
}

func TestRegisterNameValidation(t *testing.T) {
	m := newTestManager(t)

	id, err := m.CreateBiote(BioteFuncs{})
	require.NoError(t, err)
	other, err := m.CreateBiote(BioteFuncs{})
	require.NoError(t, err)

	assert.ErrorIs(t, m.RegisterName("", id), ErrInvalidName)
	assert.ErrorIs(t, m.RegisterName("ghost", 999), ErrUnknownBiote)

	require.NoError(t, m.RegisterName("drive", id))
	assert.ErrorIs(t, m.RegisterName("drive", other), ErrNameTaken)

	assert.True(t, m.UnregisterName("drive"))
	require.NoError(t, m.RegisterName("drive", other))
	lookup, ok := m.LookupName("drive")
	require.True(t, ok)
	assert.Equal(t, other, lookup)
}
