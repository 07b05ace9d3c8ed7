package gpu

import (
	rglog "github.com/fxnlabs/resource-group/internal/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Driver names accepted by NewDriver.
const (
	DriverSim  = "sim"
	DriverCUDA = "cuda"
)

// NewDriver creates the named driver. simulatedDevices is only used by the
// simulated driver. An empty name selects CUDA when the binary was built with
// the cuda tag and a device is present, and the simulated driver otherwise.
func NewDriver(name string, simulatedDevices int, log *zap.Logger) (Driver, error) {
	logger := rglog.Named(log, "driver")
	switch name {
	case DriverSim:
		logger.Info("Using simulated device driver", zap.Int("devices", simulatedDevices))
		return NewSimDriver(simulatedDevices), nil
	case DriverCUDA:
		return newCUDADriver(logger)
	case "":
		drv, err := newCUDADriver(logger)
		if err == nil {
			logger.Info("Using CUDA device driver")
			return drv, nil
		}
		logger.Info("Using simulated device driver (no CUDA available)", zap.Error(err), zap.Int("devices", simulatedDevices))
		return NewSimDriver(simulatedDevices), nil
	default:
		return nil, errors.Errorf("unknown device driver %q", name)
	}
}
