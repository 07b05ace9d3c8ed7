package resource

import (
	"errors"

	"github.com/fxnlabs/resource-group/internal/metrics"
)

var (
	// ErrInvalidTopology reports an empty or inconsistent device list, or a
	// device id that is not physically present.
	ErrInvalidTopology = errors.New("invalid topology")
	// ErrHandleCreation reports that a stream or library handle could not be created.
	ErrHandleCreation = errors.New("device handle creation failed")
	// ErrCollectiveFormation reports that the collective group could not be formed.
	ErrCollectiveFormation = errors.New("collective group formation failed")
	// ErrTeardown reports that one or more resources failed to be released.
	ErrTeardown = errors.New("teardown failed")
	// ErrPoolClosed is the result of tasks submitted after the pool was closed.
	ErrPoolClosed = errors.New("worker pool closed")
)

// failureKind classifies a construction error for metrics.
func failureKind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidTopology):
		return metrics.KindInvalidTopology
	case errors.Is(err, ErrHandleCreation):
		return metrics.KindHandleCreation
	case errors.Is(err, ErrCollectiveFormation):
		return metrics.KindCollectiveFormation
	default:
		return metrics.KindOther
	}
}
