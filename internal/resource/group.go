// Package resource owns the per-device resources of a data-parallel job: an
// execution context per local device, the collective communicators joining
// the devices across processes, and a worker pool with one lane per device.
package resource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fxnlabs/resource-group/internal/gpu"
	rglog "github.com/fxnlabs/resource-group/internal/logger"
	"github.com/fxnlabs/resource-group/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type options struct {
	logger    *zap.Logger
	formation Formation
	affinity  AffinityPolicy
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithFormation sets how the collective communicators are formed. The
// default is SingleProcess.
func WithFormation(f Formation) Option {
	return func(o *options) { o.formation = f }
}

// WithAffinity sets the CPU affinity of the worker pool lanes. The default is
// RoundRobinAffinity.
func WithAffinity(policy AffinityPolicy) Option {
	return func(o *options) { o.affinity = policy }
}

// Group is the set of resources for the devices driven by this process. Lane
// i of the worker pool, execution context i and communicator endpoint i all
// belong to the i-th entry of the device list.
//
// A Group is safe for concurrent use. It must be closed with Close.
type Group struct {
	id       string
	topo     Topology
	devices  []int
	comms    *communicatorSet
	contexts []*ExecutionContext
	pool     *WorkerPool
	logger   *zap.Logger

	mu      sync.Mutex
	pending []*Future

	closeOnce sync.Once
	closeErr  error
}

// New validates topo against the devices drv can see, forms the collective
// communicators, creates an execution context per local device and starts the
// worker pool. On failure nothing created so far is left alive.
//
// Validation runs before any driver resource is created: an empty device
// list, a device count that disagrees with topo.LocalSize() or a device id the
// driver does not have all fail with ErrInvalidTopology.
func New(ctx context.Context, topo Topology, drv gpu.Driver, opts ...Option) (g *Group, err error) {
	start := time.Now()
	o := options{
		formation: SingleProcess{},
		affinity:  RoundRobinAffinity,
	}
	for _, opt := range opts {
		opt(&o)
	}
	id := uuid.NewString()
	logger := rglog.Named(o.logger, "resource_group").With(zap.String("group_id", id))

	defer func() {
		if err != nil {
			metrics.GroupConstructFailures.WithLabelValues(failureKind(err)).Inc()
			logger.Error("Failed to create resource group", zap.Error(err))
			return
		}
		metrics.GroupConstructSeconds.Observe(time.Since(start).Seconds())
	}()

	if topo == nil {
		return nil, fmt.Errorf("%w: no topology", ErrInvalidTopology)
	}
	devices, err := validate(topo, drv)
	if err != nil {
		return nil, err
	}

	comms, err := o.formation.Form(ctx, drv, topo, logger)
	if err != nil {
		return nil, err
	}
	set := &communicatorSet{comms: comms, coll: drv, logger: logger}

	contexts := make([]*ExecutionContext, 0, len(devices))
	for i, dev := range devices {
		c, err := newExecutionContext(drv, dev, &set.comms[i], logger)
		if err != nil {
			for j := len(contexts) - 1; j >= 0; j-- {
				if destroyErr := contexts[j].destroy(); destroyErr != nil {
					logger.Warn("Rollback of execution context failed", zap.Error(destroyErr))
				}
			}
			if destroyErr := set.destroy(); destroyErr != nil {
				logger.Warn("Rollback of communicators failed", zap.Error(destroyErr))
			}
			return nil, fmt.Errorf("lane %d: %w", i, err)
		}
		contexts = append(contexts, c)
	}

	g = &Group{
		id:       id,
		topo:     topo,
		devices:  devices,
		comms:    set,
		contexts: contexts,
		pool:     NewWorkerPool(len(devices), o.affinity, logger),
		logger:   logger,
		pending:  make([]*Future, len(devices)),
	}
	metrics.GroupContexts.Add(float64(len(contexts)))
	metrics.GroupCommunicators.Add(float64(len(comms)))

	logger.Info("Resource group created",
		zap.Ints("devices", devices),
		zap.String("formation", o.formation.Name()),
		zap.Int("global_devices", topo.Size()),
		zap.Int("nodes", topo.NumNodes()),
		zap.Duration("elapsed", time.Since(start)))
	return g, nil
}

// validate checks topo in order: non-empty device list, device list length
// matching LocalSize, every id present on this machine, and the list length
// unchanged after the checks. It returns the validated device list.
func validate(topo Topology, rt gpu.Runtime) ([]int, error) {
	devices := topo.DeviceList()
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: empty device list", ErrInvalidTopology)
	}
	if len(devices) != topo.LocalSize() {
		return nil, fmt.Errorf("%w: device list has %d entries but the topology reports %d local devices",
			ErrInvalidTopology, len(devices), topo.LocalSize())
	}
	count, err := rt.DeviceCount()
	if err != nil {
		return nil, fmt.Errorf("%w: querying device count: %w", ErrInvalidTopology, err)
	}
	for _, dev := range devices {
		if dev < 0 || dev >= count {
			return nil, fmt.Errorf("%w: invalid device id %d (%d devices present)", ErrInvalidTopology, dev, count)
		}
	}
	if n := len(topo.DeviceList()); n != len(devices) {
		return nil, fmt.Errorf("%w: device list changed from %d to %d entries during validation",
			ErrInvalidTopology, len(devices), n)
	}
	return devices, nil
}

// ID returns the identifier the group's log lines are tagged with.
func (g *Group) ID() string { return g.id }

// Len returns the number of local devices.
func (g *Group) Len() int { return len(g.contexts) }

// Empty reports whether the group has no local devices.
func (g *Group) Empty() bool { return len(g.contexts) == 0 }

// Context returns the execution context of lane i. It panics if i is out of range.
func (g *Group) Context(i int) *ExecutionContext { return g.contexts[i] }

// Contexts returns the execution contexts in device-list order.
func (g *Group) Contexts() []*ExecutionContext {
	return append([]*ExecutionContext(nil), g.contexts...)
}

// DeviceList returns the physical device ids of the local devices.
func (g *Group) DeviceList() []int { return append([]int(nil), g.devices...) }

// GlobalID translates a local physical device id to its job-wide id.
func (g *Group) GlobalID(localDeviceID int) int { return g.topo.GlobalID(localDeviceID) }

// LocalID translates a job-wide id to the position within its owning process.
func (g *Group) LocalID(globalID int) int { return g.topo.LocalID(globalID) }

// LocalDeviceID translates a job-wide id to the physical id on its owning process.
func (g *Group) LocalDeviceID(globalID int) int { return g.topo.LocalDeviceID(globalID) }

// TotalDeviceCount returns the number of devices in the whole job.
func (g *Group) TotalDeviceCount() int { return g.topo.Size() }

// NodeCount returns the number of processes in the job.
func (g *Group) NodeCount() int { return g.topo.NumNodes() }

// PID returns the process owning a job-wide device id.
func (g *Group) PID(globalID int) int { return g.topo.PID(globalID) }

// Submit queues task on lane and records its future as the lane's pending
// result, replacing the previous one. Since a lane runs tasks in order,
// waiting on the pending result waits for everything submitted before it.
// The lane queue and the pending slot are updated under one lock.
func (g *Group) Submit(lane int, task Task) *Future {
	g.mu.Lock()
	defer g.mu.Unlock()
	f := g.pool.Submit(lane, task)
	g.pending[lane] = f
	return f
}

// Pending returns the most recently submitted future of lane, or nil.
func (g *Group) Pending(lane int) *Future {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending[lane]
}

// Wait waits for the pending result of lane and returns its error.
func (g *Group) Wait(lane int) error {
	f := g.Pending(lane)
	if f == nil {
		return nil
	}
	return f.Wait()
}

// WaitAll waits for the pending result of every lane. It returns the first
// task error, or ctx's error if ctx ends first.
func (g *Group) WaitAll(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for lane := range g.devices {
		f := g.Pending(lane)
		if f == nil {
			continue
		}
		eg.Go(func() error {
			select {
			case <-f.Done():
				if err := f.Wait(); err != nil {
					return fmt.Errorf("lane %d: %w", lane, err)
				}
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return eg.Wait()
}

// Close releases the group's resources: communicators first, then the worker
// pool (queued tasks are run first), then the execution contexts in reverse
// order. Every step is attempted; failures are logged and returned joined
// under ErrTeardown. Later calls return the first call's result.
func (g *Group) Close() error {
	g.closeOnce.Do(func() {
		var errs error
		if err := g.comms.destroy(); err != nil {
			errs = multierr.Append(errs, err)
		}
		metrics.GroupCommunicators.Sub(float64(len(g.comms.comms)))

		g.pool.Close()

		for i := len(g.contexts) - 1; i >= 0; i-- {
			if err := g.contexts[i].destroy(); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
		metrics.GroupContexts.Sub(float64(len(g.contexts)))

		if errs != nil {
			g.logger.Error("Resource group teardown incomplete", zap.Error(errs))
			g.closeErr = fmt.Errorf("%w: %w", ErrTeardown, errs)
			return
		}
		g.logger.Info("Resource group closed")
	})
	return g.closeErr
}
