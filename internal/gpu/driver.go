// Package gpu is the boundary between the resource group and the native
// device libraries: the CUDA runtime, cuBLAS, cuRAND, cuDNN and NCCL.
//
// Handles are opaque: the resource group only stores them and hands them back
// to the driver that created them.
package gpu

// Stream is an asynchronous device work queue.
type Stream uintptr

// BLASHandle is a linear-algebra library handle (cuBLAS).
type BLASHandle uintptr

// RNGHandle is a random-number-generator handle (cuRAND).
type RNGHandle uintptr

// DNNHandle is a neural-primitives library handle (cuDNN).
type DNNHandle uintptr

// Comm is one endpoint of a collective communication group (NCCL).
type Comm uintptr

// UniqueIDBytes is the size of the opaque group identifier exchanged between processes.
const UniqueIDBytes = 128

// UniqueID identifies one collective group. It is generated by a single
// process and broadcast verbatim to every participant.
type UniqueID [UniqueIDBytes]byte

// DeviceInfo contains information about a GPU device
type DeviceInfo struct {
	Name              string `json:"name"`
	TotalMemory       int64  `json:"totalMemory"` // in bytes
	ComputeCapability string `json:"computeCapability"`
	DriverVersion     string `json:"driverVersion"`
}

// Runtime selects devices and creates the per-device library handles.
//
// Every Create/Destroy call acts on the device that is current for the calling
// OS thread, so callers select the device first.
type Runtime interface {
	// DeviceCount returns the number of physically present devices.
	DeviceCount() (int, error)
	// GetDevice returns the current device of the calling thread.
	GetDevice() (int, error)
	// SetDevice makes id the current device of the calling thread.
	SetDevice(id int) error

	CreateStream() (Stream, error)
	DestroyStream(Stream) error
	CreateBLAS() (BLASHandle, error)
	DestroyBLAS(BLASHandle) error
	CreateRNG() (RNGHandle, error)
	DestroyRNG(RNGHandle) error
	CreateDNN() (DNNHandle, error)
	DestroyDNN(DNNHandle) error

	// DeviceInfo describes the device with the given physical id.
	DeviceInfo(id int) (DeviceInfo, error)
}

// Collectives forms and destroys collective communication endpoints.
type Collectives interface {
	// GetUniqueID generates a fresh group identifier.
	GetUniqueID() (UniqueID, error)
	// CommInitAll forms a single-process group over the given physical devices,
	// returning one endpoint per device in the same order.
	CommInitAll(devices []int) ([]Comm, error)
	// GroupStart opens a bracket in which several CommInitRank calls are
	// issued from one thread and completed together by GroupEnd.
	GroupStart() error
	GroupEnd() error
	// CommInitRank creates the endpoint of the given cluster-wide rank on the
	// current device. It blocks until all nranks participants arrive (or, inside
	// a group bracket, until GroupEnd).
	CommInitRank(nranks int, id UniqueID, rank int) (Comm, error)
	CommDestroy(Comm) error
}

// Driver is a complete device driver.
type Driver interface {
	Runtime
	Collectives
	// Name identifies the driver implementation ("sim", "cuda").
	Name() string
}
