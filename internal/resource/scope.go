package resource

import (
	"fmt"
	"runtime"

	"github.com/fxnlabs/resource-group/internal/gpu"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// withDevice runs fn with device id current on the calling OS thread. The
// goroutine stays locked to its thread for the duration, and the previously
// current device is restored on every exit path, panics included.
func withDevice(rt gpu.Runtime, id int, logger *zap.Logger, fn func() error) (err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	previous, err := rt.GetDevice()
	if err != nil {
		return fmt.Errorf("reading current device: %w", err)
	}
	if err := rt.SetDevice(id); err != nil {
		return fmt.Errorf("selecting device %d: %w", id, err)
	}
	defer func() {
		if restoreErr := rt.SetDevice(previous); restoreErr != nil {
			logger.Warn("failed to restore current device",
				zap.Int("device_id", previous), zap.Error(restoreErr))
			err = multierr.Append(err, fmt.Errorf("restoring device %d: %w", previous, restoreErr))
		}
	}()
	return fn()
}
