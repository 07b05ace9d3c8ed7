package resource

import (
	"context"
	"fmt"
	"runtime"

	"github.com/fxnlabs/resource-group/internal/gpu"
	"github.com/fxnlabs/resource-group/internal/metrics"
	"github.com/fxnlabs/resource-group/internal/procgroup"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Collective formation modes.
const (
	ModeAuto   = "auto"
	ModeSingle = "single"
	ModeMulti  = "multi"
)

// Topology describes which devices this process drives and where they sit in
// the job-wide device numbering.
type Topology interface {
	// DeviceList is the ordered list of physical device ids driven by this process.
	DeviceList() []int
	// LocalSize is the number of devices driven by this process.
	LocalSize() int
	// Size is the number of devices in the whole job.
	Size() int
	// NumNodes is the number of processes in the job.
	NumNodes() int
	GlobalID(localDeviceID int) int
	LocalID(globalID int) int
	LocalDeviceID(globalID int) int
	PID(globalID int) int
}

// Formation forms the collective communicators of the local devices. The
// returned slice has one endpoint per entry of topo.DeviceList(), in order.
type Formation interface {
	Form(ctx context.Context, drv gpu.Driver, topo Topology, logger *zap.Logger) ([]gpu.Comm, error)
	Name() string
}

// SingleProcess forms one communicator over every local device with a single
// driver call. It is used when the job is one process.
type SingleProcess struct{}

// Name implements Formation.
func (SingleProcess) Name() string { return ModeSingle }

// Form implements Formation.
func (SingleProcess) Form(_ context.Context, drv gpu.Driver, topo Topology, logger *zap.Logger) ([]gpu.Comm, error) {
	logger = logger.Named("collective")
	devices := topo.DeviceList()
	comms, err := drv.CommInitAll(devices)
	if err != nil {
		return nil, fmt.Errorf("%w: initializing communicators for devices %v: %w", ErrCollectiveFormation, devices, err)
	}
	if len(comms) != len(devices) {
		return nil, fmt.Errorf("%w: driver returned %d communicators for %d devices", ErrCollectiveFormation, len(comms), len(devices))
	}
	logger.Debug("Formed single-process communicators", zap.Ints("devices", devices))
	return comms, nil
}

// MultiProcess forms the communicators of one process of a multi-process
// job. Rank 0 of Group generates the group identifier and broadcasts it; every
// process then joins one endpoint per local device inside a single group
// operation, using the device's global id as its rank.
type MultiProcess struct {
	Group procgroup.ProcessGroup
}

// Name implements Formation.
func (MultiProcess) Name() string { return ModeMulti }

// Form implements Formation.
func (m MultiProcess) Form(ctx context.Context, drv gpu.Driver, topo Topology, logger *zap.Logger) ([]gpu.Comm, error) {
	if m.Group == nil {
		return nil, fmt.Errorf("%w: no process group", ErrCollectiveFormation)
	}
	logger = logger.Named("collective")
	rank := m.Group.Rank()

	var id gpu.UniqueID
	if rank == 0 {
		var err error
		if id, err = drv.GetUniqueID(); err != nil {
			return nil, fmt.Errorf("%w: generating group identifier: %w", ErrCollectiveFormation, err)
		}
	}
	payload, err := m.Group.Broadcast(ctx, id[:], 0)
	if err != nil {
		return nil, fmt.Errorf("%w: broadcasting group identifier: %w", ErrCollectiveFormation, err)
	}
	if len(payload) != gpu.UniqueIDBytes {
		return nil, fmt.Errorf("%w: received %d-byte group identifier, want %d", ErrCollectiveFormation, len(payload), gpu.UniqueIDBytes)
	}
	copy(id[:], payload)

	devices := topo.DeviceList()
	nranks := topo.Size()
	comms := make([]gpu.Comm, len(devices))

	if err := joinGroup(drv, devices, nranks, id, topo.GlobalID, comms, logger); err != nil {
		for _, c := range comms {
			if c == 0 {
				continue
			}
			if err := drv.CommDestroy(c); err != nil {
				logger.Warn("failed to release partially formed communicator", zap.Error(err))
			}
		}
		return nil, fmt.Errorf("%w: %w", ErrCollectiveFormation, err)
	}

	logger.Debug("Formed multi-process communicators",
		zap.Int("rank", rank),
		zap.Int("ranks", nranks),
		zap.Ints("devices", devices))
	return comms, nil
}

// joinGroup joins one endpoint per device inside a single group operation.
// The collective library tracks the open group per OS thread, so the whole
// bracket from GroupStart to GroupEnd runs on one locked thread.
func joinGroup(drv gpu.Driver, devices []int, nranks int, id gpu.UniqueID, globalID func(int) int, comms []gpu.Comm, logger *zap.Logger) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := drv.GroupStart(); err != nil {
		return fmt.Errorf("starting group: %w", err)
	}
	var initErr error
	for i, dev := range devices {
		rank := globalID(dev)
		initErr = withDevice(drv, dev, logger, func() error {
			var err error
			comms[i], err = drv.CommInitRank(nranks, id, rank)
			return err
		})
		if initErr != nil {
			initErr = fmt.Errorf("device %d (rank %d of %d): %w", dev, rank, nranks, initErr)
			break
		}
	}
	// The group is always closed, even when joining failed part-way.
	if err := drv.GroupEnd(); err != nil {
		initErr = multierr.Append(initErr, fmt.Errorf("ending group: %w", err))
	}
	return initErr
}

// FormationFor returns the formation for a configured mode. In auto mode the
// job is multi-process when pg has more than one member.
func FormationFor(mode string, pg procgroup.ProcessGroup) (Formation, error) {
	switch mode {
	case ModeSingle:
		return SingleProcess{}, nil
	case ModeMulti:
		if pg == nil {
			return nil, fmt.Errorf("multi-process formation requires a process group")
		}
		return MultiProcess{Group: pg}, nil
	case ModeAuto, "":
		if pg != nil && pg.Size() > 1 {
			return MultiProcess{Group: pg}, nil
		}
		return SingleProcess{}, nil
	default:
		return nil, fmt.Errorf("unknown collective mode %q", mode)
	}
}

// communicatorSet owns the endpoints of the local devices, one per device in
// device-list order.
type communicatorSet struct {
	comms  []gpu.Comm
	coll   gpu.Collectives
	logger *zap.Logger
}

// destroy releases the endpoints. A set with a single endpoint is left to the
// driver. Every endpoint is attempted even when an earlier one fails.
func (s *communicatorSet) destroy() error {
	if len(s.comms) <= 1 {
		return nil
	}
	var errs error
	for i, c := range s.comms {
		if err := s.coll.CommDestroy(c); err != nil {
			s.logger.Error("failed to destroy communicator", zap.Int("index", i), zap.Error(err))
			metrics.GroupTeardownFailures.WithLabelValues("communicator").Inc()
			errs = multierr.Append(errs, fmt.Errorf("communicator %d: %w", i, err))
		}
	}
	return errs
}
