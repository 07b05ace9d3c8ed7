//go:build cuda

package gpu

import "go.uber.org/zap"

// newCUDADriver creates the CUDA driver when the cuda build tag is present.
func newCUDADriver(logger *zap.Logger) (Driver, error) {
	drv, err := NewCUDADriver(logger)
	if err != nil {
		return nil, err
	}
	return drv, nil
}
