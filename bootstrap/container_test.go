package bootstrap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jarney/snackbot/core"
)

func TestContainerFactory(t *testing.T) {
	c := NewContainer()
	calls := 0
	require.NoError(t, c.Register("answer", func(*Container) (interface{}, error) {
		calls++
		return 42, nil
	}))
	assert.Error(t, c.Register("answer", func(*Container) (interface{}, error) { return 0, nil }))

	for i := 0; i < 3; i++ {
		v, err := c.Resolve("answer")
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	}
	assert.Equal(t, 1, calls)

	require.NoError(t, c.Register("broken", func(*Container) (interface{}, error) {
		return nil, errors.New("no disk")
	}))
	_, err := c.Resolve("broken")
	assert.ErrorContains(t, err, "no disk")
}

func TestContainerInstances(t *testing.T) {
	c := NewContainer()
	assert.False(t, c.Has(InstanceDriveBiote))

	_, err := c.Resolve(InstanceDriveBiote)
	assert.ErrorIs(t, err, ErrNotRegistered)

	require.NoError(t, c.RegisterInstance(InstanceDriveBiote, core.BioteID(7)))
	require.NoError(t, c.RegisterInstance(InstanceDriveBiote, core.BioteID(8)))
	assert.Error(t, c.RegisterInstance(InstanceStatsStore, nil))

	var id core.BioteID
	require.NoError(t, c.ResolveAs(InstanceDriveBiote, &id))
	assert.Equal(t, core.BioteID(8), id)

	var wrong string
	assert.Error(t, c.ResolveAs(InstanceDriveBiote, &wrong))
	assert.Error(t, c.ResolveAs(InstanceDriveBiote, id))

	require.NoError(t, c.RegisterInstance(InstanceConfig, "cfg"))
	assert.Equal(t, []string{InstanceConfig, InstanceDriveBiote}, c.Names())

	c.RemoveInstance(InstanceDriveBiote)
	assert.False(t, c.Has(InstanceDriveBiote))
}
