package resource

import (
	"errors"
	"testing"

	"github.com/fxnlabs/resource-group/internal/gpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWithDevice_RestoresPreviousDevice(t *testing.T) {
	drv := gpu.NewSimDriver(4)
	require.NoError(t, drv.SetDevice(2))

	err := withDevice(drv, 1, zap.NewNop(), func() error {
		current, err := drv.GetDevice()
		require.NoError(t, err)
		assert.Equal(t, 1, current)
		return nil
	})
	require.NoError(t, err)

	current, err := drv.GetDevice()
	require.NoError(t, err)
	assert.Equal(t, 2, current)
}

func TestWithDevice_ReturnsFnError(t *testing.T) {
	drv := gpu.NewSimDriver(2)
	boom := errors.New("boom")

	err := withDevice(drv, 1, zap.NewNop(), func() error { return boom })
	assert.ErrorIs(t, err, boom)

	current, _ := drv.GetDevice()
	assert.Equal(t, 0, current)
}

func TestWithDevice_RestoresOnPanic(t *testing.T) {
	drv := gpu.NewSimDriver(2)

	assert.Panics(t, func() {
		_ = withDevice(drv, 1, zap.NewNop(), func() error { panic("boom") })
	})

	current, _ := drv.GetDevice()
	assert.Equal(t, 0, current)
}

func TestWithDevice_InvalidDevice(t *testing.T) {
	drv := gpu.NewSimDriver(2)
	called := false

	err := withDevice(drv, 7, zap.NewNop(), func() error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.Contains(t, err.Error(), "selecting device 7")
}
