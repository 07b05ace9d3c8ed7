package resource

import (
	"fmt"

	"github.com/fxnlabs/resource-group/internal/gpu"
	"github.com/fxnlabs/resource-group/internal/metrics"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ExecutionContext is the bundle of handles bound to one physical device: a
// compute stream, two copy streams, and the linear-algebra, random-number
// and neural-primitives handles, plus a reference to the device's endpoint
// in the collective group.
//
// An ExecutionContext is created and destroyed only by its Group. All its
// handles are valid while the Group is open.
type ExecutionContext struct {
	deviceID    int
	stream      gpu.Stream
	copyStreams [2]gpu.Stream
	blas        gpu.BLASHandle
	rng         gpu.RNGHandle
	dnn         gpu.DNNHandle
	comm        *gpu.Comm

	rt     gpu.Runtime
	logger *zap.Logger
}

type handleStep struct {
	name      string
	subsystem string
	create    func(c *ExecutionContext) error
	destroy   func(c *ExecutionContext) error
}

// handleSteps are run in order on creation and in reverse order on teardown.
var handleSteps = []handleStep{
	{
		name:      "blas",
		subsystem: "linear-algebra handle",
		create: func(c *ExecutionContext) (err error) {
			c.blas, err = c.rt.CreateBLAS()
			return
		},
		destroy: func(c *ExecutionContext) error { return c.rt.DestroyBLAS(c.blas) },
	},
	{
		name:      "rng",
		subsystem: "random-number generator",
		create: func(c *ExecutionContext) (err error) {
			c.rng, err = c.rt.CreateRNG()
			return
		},
		destroy: func(c *ExecutionContext) error { return c.rt.DestroyRNG(c.rng) },
	},
	{
		name:      "dnn",
		subsystem: "neural-primitives handle",
		create: func(c *ExecutionContext) (err error) {
			c.dnn, err = c.rt.CreateDNN()
			return
		},
		destroy: func(c *ExecutionContext) error { return c.rt.DestroyDNN(c.dnn) },
	},
	{
		name:      "stream",
		subsystem: "compute stream",
		create: func(c *ExecutionContext) (err error) {
			c.stream, err = c.rt.CreateStream()
			return
		},
		destroy: func(c *ExecutionContext) error { return c.rt.DestroyStream(c.stream) },
	},
	{
		name:      "copy_stream_0",
		subsystem: "copy stream 0",
		create: func(c *ExecutionContext) (err error) {
			c.copyStreams[0], err = c.rt.CreateStream()
			return
		},
		destroy: func(c *ExecutionContext) error { return c.rt.DestroyStream(c.copyStreams[0]) },
	},
	{
		name:      "copy_stream_1",
		subsystem: "copy stream 1",
		create: func(c *ExecutionContext) (err error) {
			c.copyStreams[1], err = c.rt.CreateStream()
			return
		},
		destroy: func(c *ExecutionContext) error { return c.rt.DestroyStream(c.copyStreams[1]) },
	},
}

// newExecutionContext creates every handle of the context with deviceID
// selected. If a handle cannot be created, the ones already created are
// released and an ErrHandleCreation error naming the subsystem is returned.
func newExecutionContext(rt gpu.Runtime, deviceID int, comm *gpu.Comm, logger *zap.Logger) (*ExecutionContext, error) {
	c := &ExecutionContext{
		deviceID: deviceID,
		comm:     comm,
		rt:       rt,
		logger:   logger.Named("execution_context").With(zap.Int("device_id", deviceID)),
	}
	err := withDevice(rt, deviceID, c.logger, func() error {
		for i, step := range handleSteps {
			if err := step.create(c); err != nil {
				if rollbackErr := c.teardown(handleSteps[:i]); rollbackErr != nil {
					c.logger.Warn("rollback after failed creation was incomplete", zap.Error(rollbackErr))
				}
				return fmt.Errorf("%w: %s on device %d: %w", ErrHandleCreation, step.subsystem, deviceID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Execution context created")
	return c, nil
}

// teardown destroys the handles of steps in reverse order. Every step is
// attempted; failures are logged and returned together. The device must be
// selected by the caller.
func (c *ExecutionContext) teardown(steps []handleStep) error {
	var errs error
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if err := step.destroy(c); err != nil {
			c.logger.Error("failed to destroy handle", zap.String("step", step.name), zap.Error(err))
			metrics.GroupTeardownFailures.WithLabelValues(step.name).Inc()
			errs = multierr.Append(errs, fmt.Errorf("%s on device %d: %w", step.subsystem, c.deviceID, err))
		}
	}
	return errs
}

// destroy releases every handle with the owning device selected.
func (c *ExecutionContext) destroy() error {
	err := withDevice(c.rt, c.deviceID, c.logger, func() error {
		return c.teardown(handleSteps)
	})
	if err != nil {
		return fmt.Errorf("%w: execution context of device %d: %w", ErrTeardown, c.deviceID, err)
	}
	c.logger.Debug("Execution context destroyed")
	return nil
}

// DeviceID returns the physical id of the owning device.
func (c *ExecutionContext) DeviceID() int { return c.deviceID }

// Stream returns the compute stream.
func (c *ExecutionContext) Stream() gpu.Stream { return c.stream }

// CopyStream returns the first copy stream for every id, in range or not.
// The second copy stream is created and destroyed with the context but is
// not reachable through this accessor.
func (c *ExecutionContext) CopyStream(id int) gpu.Stream { return c.copyStreams[0] }

// BLAS returns the linear-algebra handle.
func (c *ExecutionContext) BLAS() gpu.BLASHandle { return c.blas }

// RNG returns the random-number generator handle.
func (c *ExecutionContext) RNG() gpu.RNGHandle { return c.rng }

// DNN returns the neural-primitives handle.
func (c *ExecutionContext) DNN() gpu.DNNHandle { return c.dnn }

// Comm returns this device's endpoint in the group's collective communicators.
// The endpoint is owned by the Group.
func (c *ExecutionContext) Comm() *gpu.Comm { return c.comm }
