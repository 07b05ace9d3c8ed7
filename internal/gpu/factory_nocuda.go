//go:build !cuda

package gpu

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// newCUDADriver fails when the cuda build tag is NOT present.
func newCUDADriver(logger *zap.Logger) (Driver, error) {
	return nil, errors.Wrap(ErrNotAvailable, "binary built without the cuda tag")
}
