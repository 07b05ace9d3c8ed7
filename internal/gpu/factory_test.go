package gpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewDriver(t *testing.T) {
	logger := zap.NewNop()

	t.Run("simulated", func(t *testing.T) {
		drv, err := NewDriver(DriverSim, 4, logger)
		require.NoError(t, err)
		assert.Equal(t, "sim", drv.Name())
		n, err := drv.DeviceCount()
		require.NoError(t, err)
		assert.Equal(t, 4, n)
	})

	t.Run("automatic selection always yields a driver", func(t *testing.T) {
		drv, err := NewDriver("", 2, logger)
		require.NoError(t, err)
		assert.NotNil(t, drv)
	})

	t.Run("unknown driver", func(t *testing.T) {
		drv, err := NewDriver("rocm", 2, logger)
		require.Error(t, err)
		assert.Nil(t, drv)
		assert.Contains(t, err.Error(), "rocm")
	})

	t.Run("nil logger", func(t *testing.T) {
		drv, err := NewDriver(DriverSim, 1, nil)
		require.NoError(t, err)
		assert.NotNil(t, drv)
	})
}
