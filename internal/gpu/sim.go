package gpu

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Operation names recorded by SimDriver and accepted by SimDriver.FailOn.
const (
	OpSetDevice     = "SetDevice"
	OpCreateStream  = "CreateStream"
	OpDestroyStream = "DestroyStream"
	OpCreateBLAS    = "CreateBLAS"
	OpDestroyBLAS   = "DestroyBLAS"
	OpCreateRNG     = "CreateRNG"
	OpDestroyRNG    = "DestroyRNG"
	OpCreateDNN     = "CreateDNN"
	OpDestroyDNN    = "DestroyDNN"
	OpGetUniqueID   = "GetUniqueID"
	OpCommInitAll   = "CommInitAll"
	OpCommInitRank  = "CommInitRank"
	OpGroupStart    = "GroupStart"
	OpGroupEnd      = "GroupEnd"
	OpCommDestroy   = "CommDestroy"
)

// AnyDevice makes a SimDriver fault match regardless of the current device.
const AnyDevice = -1

// SimCall is one recorded driver call.
type SimCall struct {
	Op string
	// Device is the current device when the call was made.
	Device int
	// Arg is the SetDevice target, the CommInitRank rank, or the device of a
	// CommInitAll/CommDestroy endpoint. -1 when not applicable.
	Arg int
}

type simFault struct {
	op     string
	device int
}

type simHandle struct {
	kind   string
	device int
}

// SimDriver is an in-memory Driver. It behaves like a machine with a fixed
// number of devices, records every call and can be told to fail specific
// operations. It is the default driver of builds without the cuda tag and
// the driver used by tests.
//
// The current device is process-wide rather than per OS thread.
type SimDriver struct {
	mu         sync.Mutex
	devices    int
	current    int
	next       uintptr
	live       map[uintptr]simHandle
	calls      []SimCall
	faults     map[simFault]error
	groupDepth int
}

// NewSimDriver creates a simulated driver with the given number of physical devices.
func NewSimDriver(devices int) *SimDriver {
	return &SimDriver{
		devices: devices,
		next:    1,
		live:    make(map[uintptr]simHandle),
		faults:  make(map[simFault]error),
	}
}

// Name implements Driver.
func (d *SimDriver) Name() string { return "sim" }

// FailOn makes every later call of op fail with err while device is current
// (or, for CommInitAll, CommInitRank and CommDestroy, for the endpoint's device
// or rank). Use AnyDevice to match any device. A nil err removes the fault.
func (d *SimDriver) FailOn(op string, device int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := simFault{op: op, device: device}
	if err == nil {
		delete(d.faults, key)
		return
	}
	d.faults[key] = err
}

// Calls returns a copy of the recorded calls, in order.
func (d *SimDriver) Calls() []SimCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]SimCall(nil), d.calls...)
}

// CallsOf returns the recorded calls of one operation.
func (d *SimDriver) CallsOf(op string) []SimCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []SimCall
	for _, c := range d.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Live returns the number of live handles per kind ("stream", "blas", "rng", "dnn", "comm").
func (d *SimDriver) Live() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	counts := make(map[string]int)
	for _, h := range d.live {
		counts[h.kind]++
	}
	return counts
}

// LiveTotal returns the number of live handles of any kind.
func (d *SimDriver) LiveTotal() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// record appends a call and returns the injected fault for it, if any. Must hold lock.
func (d *SimDriver) record(op string, device, arg int) error {
	d.calls = append(d.calls, SimCall{Op: op, Device: device, Arg: arg})
	match := device
	if arg >= 0 && (op == OpCommInitAll || op == OpCommInitRank || op == OpCommDestroy) {
		match = arg
	}
	if err, ok := d.faults[simFault{op: op, device: match}]; ok {
		return errors.WithMessagef(err, "sim %s on device %d", op, device)
	}
	if err, ok := d.faults[simFault{op: op, device: AnyDevice}]; ok {
		return errors.WithMessagef(err, "sim %s on device %d", op, device)
	}
	return nil
}

// newHandle allocates a handle of the given kind on the current device. Must hold lock.
func (d *SimDriver) newHandle(kind string, device int) uintptr {
	h := d.next
	d.next++
	d.live[h] = simHandle{kind: kind, device: device}
	return h
}

// release frees a handle, checking its kind. Must hold lock.
func (d *SimDriver) release(kind string, h uintptr) error {
	got, ok := d.live[h]
	if !ok || got.kind != kind {
		return errors.Errorf("sim: invalid %s handle %d", kind, h)
	}
	delete(d.live, h)
	return nil
}

// DeviceCount implements Runtime.
func (d *SimDriver) DeviceCount() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.devices, nil
}

// GetDevice implements Runtime.
func (d *SimDriver) GetDevice() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current, nil
}

// SetDevice implements Runtime.
func (d *SimDriver) SetDevice(id int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(OpSetDevice, d.current, id); err != nil {
		return err
	}
	if id < 0 || id >= d.devices {
		return errors.Errorf("sim: invalid device ordinal %d (%d devices)", id, d.devices)
	}
	d.current = id
	return nil
}

func (d *SimDriver) create(op, kind string) (uintptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(op, d.current, -1); err != nil {
		return 0, err
	}
	return d.newHandle(kind, d.current), nil
}

func (d *SimDriver) destroy(op, kind string, h uintptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(op, d.current, -1); err != nil {
		return err
	}
	return d.release(kind, h)
}

// CreateStream implements Runtime.
func (d *SimDriver) CreateStream() (Stream, error) {
	h, err := d.create(OpCreateStream, "stream")
	return Stream(h), err
}

// DestroyStream implements Runtime.
func (d *SimDriver) DestroyStream(s Stream) error {
	return d.destroy(OpDestroyStream, "stream", uintptr(s))
}

// CreateBLAS implements Runtime.
func (d *SimDriver) CreateBLAS() (BLASHandle, error) {
	h, err := d.create(OpCreateBLAS, "blas")
	return BLASHandle(h), err
}

// DestroyBLAS implements Runtime.
func (d *SimDriver) DestroyBLAS(h BLASHandle) error {
	return d.destroy(OpDestroyBLAS, "blas", uintptr(h))
}

// CreateRNG implements Runtime.
func (d *SimDriver) CreateRNG() (RNGHandle, error) {
	h, err := d.create(OpCreateRNG, "rng")
	return RNGHandle(h), err
}

// DestroyRNG implements Runtime.
func (d *SimDriver) DestroyRNG(h RNGHandle) error {
	return d.destroy(OpDestroyRNG, "rng", uintptr(h))
}

// CreateDNN implements Runtime.
func (d *SimDriver) CreateDNN() (DNNHandle, error) {
	h, err := d.create(OpCreateDNN, "dnn")
	return DNNHandle(h), err
}

// DestroyDNN implements Runtime.
func (d *SimDriver) DestroyDNN(h DNNHandle) error {
	return d.destroy(OpDestroyDNN, "dnn", uintptr(h))
}

// DeviceInfo implements Runtime.
func (d *SimDriver) DeviceInfo(id int) (DeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id < 0 || id >= d.devices {
		return DeviceInfo{}, errors.Errorf("sim: invalid device ordinal %d (%d devices)", id, d.devices)
	}
	return DeviceInfo{
		Name:              fmt.Sprintf("Simulated GPU %d", id),
		TotalMemory:       16 << 30,
		ComputeCapability: "8.0",
		DriverVersion:     "sim",
	}, nil
}

// GetUniqueID implements Collectives.
func (d *SimDriver) GetUniqueID() (UniqueID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var id UniqueID
	if err := d.record(OpGetUniqueID, d.current, -1); err != nil {
		return id, err
	}
	u := uuid.New()
	copy(id[:], u[:])
	return id, nil
}

// CommInitAll implements Collectives.
func (d *SimDriver) CommInitAll(devices []int) ([]Comm, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	comms := make([]Comm, 0, len(devices))
	for _, dev := range devices {
		if err := d.record(OpCommInitAll, d.current, dev); err != nil {
			for _, c := range comms {
				delete(d.live, uintptr(c))
			}
			return nil, err
		}
		if dev < 0 || dev >= d.devices {
			return nil, errors.Errorf("sim: invalid device ordinal %d (%d devices)", dev, d.devices)
		}
		comms = append(comms, Comm(d.newHandle("comm", dev)))
	}
	return comms, nil
}

// GroupStart implements Collectives.
func (d *SimDriver) GroupStart() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(OpGroupStart, d.current, -1); err != nil {
		return err
	}
	d.groupDepth++
	return nil
}

// GroupEnd implements Collectives.
func (d *SimDriver) GroupEnd() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.groupDepth == 0 {
		return errors.New("sim: GroupEnd without GroupStart")
	}
	d.groupDepth--
	return d.record(OpGroupEnd, d.current, -1)
}

// CommInitRank implements Collectives.
func (d *SimDriver) CommInitRank(nranks int, id UniqueID, rank int) (Comm, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(OpCommInitRank, d.current, rank); err != nil {
		return 0, err
	}
	if rank < 0 || rank >= nranks {
		return 0, errors.Errorf("sim: rank %d out of range for %d ranks", rank, nranks)
	}
	if id == (UniqueID{}) {
		return 0, errors.New("sim: empty unique id")
	}
	return Comm(d.newHandle("comm", d.current)), nil
}

// CommDestroy implements Collectives.
func (d *SimDriver) CommDestroy(c Comm) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev := -1
	if h, ok := d.live[uintptr(c)]; ok {
		dev = h.device
	}
	if err := d.record(OpCommDestroy, d.current, dev); err != nil {
		return err
	}
	return d.release("comm", uintptr(c))
}

var _ Driver = (*SimDriver)(nil)
