//go:build cuda

package gpu

/*
#cgo LDFLAGS: -lcudart -lcublas -lcurand -lcudnn -lnccl

// Forward declarations of the few symbols used, so that building only needs
// the libraries at link time.
typedef void* cudaStream_t;
typedef int cudaError_t;
typedef struct cublasContext* cublasHandle_t;
typedef int cublasStatus_t;
typedef struct curandGenerator_st* curandGenerator_t;
typedef int curandStatus_t;
typedef struct cudnnContext* cudnnHandle_t;
typedef int cudnnStatus_t;
typedef struct ncclComm* ncclComm_t;
typedef int ncclResult_t;
typedef struct { char internal[128]; } ncclUniqueId;

extern const char* cudaGetErrorString(cudaError_t err);
extern cudaError_t cudaGetDeviceCount(int* count);
extern cudaError_t cudaGetDevice(int* device);
extern cudaError_t cudaSetDevice(int device);
extern cudaError_t cudaStreamCreate(cudaStream_t* stream);
extern cudaError_t cudaStreamDestroy(cudaStream_t stream);
extern cudaError_t cudaDeviceGetAttribute(int* value, int attr, int device);
extern cudaError_t cudaMemGetInfo(unsigned long long* free, unsigned long long* total);
extern cudaError_t cudaDriverGetVersion(int* version);

extern cublasStatus_t cublasCreate_v2(cublasHandle_t* handle);
extern cublasStatus_t cublasDestroy_v2(cublasHandle_t handle);

extern curandStatus_t curandCreateGenerator(curandGenerator_t* generator, int rngType);
extern curandStatus_t curandDestroyGenerator(curandGenerator_t generator);

extern cudnnStatus_t cudnnCreate(cudnnHandle_t* handle);
extern cudnnStatus_t cudnnDestroy(cudnnHandle_t handle);
extern const char* cudnnGetErrorString(cudnnStatus_t status);

extern const char* ncclGetErrorString(ncclResult_t result);
extern ncclResult_t ncclGetUniqueId(ncclUniqueId* uniqueId);
extern ncclResult_t ncclCommInitAll(ncclComm_t* comms, int ndev, const int* devlist);
extern ncclResult_t ncclCommInitRank(ncclComm_t* comm, int nranks, ncclUniqueId commId, int rank);
extern ncclResult_t ncclGroupStart(void);
extern ncclResult_t ncclGroupEnd(void);
extern ncclResult_t ncclCommDestroy(ncclComm_t comm);

#define RESGROUP_CURAND_RNG_PSEUDO_DEFAULT 100
#define RESGROUP_CUDA_DEV_ATTR_CC_MAJOR 75
#define RESGROUP_CUDA_DEV_ATTR_CC_MINOR 76
*/
import "C"
import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// CUDADriver implements Driver on top of the CUDA runtime, cuBLAS, cuRAND,
// cuDNN and NCCL.
type CUDADriver struct {
	logger *zap.Logger
}

// NewCUDADriver checks that at least one CUDA device is present.
func NewCUDADriver(logger *zap.Logger) (*CUDADriver, error) {
	d := &CUDADriver{logger: logger}
	n, err := d.DeviceCount()
	if err != nil {
		return nil, errors.WithMessage(err, "CUDA device check failed")
	}
	if n == 0 {
		return nil, errors.Wrap(ErrNotAvailable, "no CUDA device")
	}
	logger.Info("CUDA driver initialized", zap.Int("devices", n))
	return d, nil
}

func cudaError(code C.cudaError_t) error {
	if code == 0 {
		return nil
	}
	return statusError("CUDA", int(code), C.GoString(C.cudaGetErrorString(code)))
}

func cublasError(code C.cublasStatus_t) error {
	return statusError("cuBLAS", int(code), "")
}

func curandError(code C.curandStatus_t) error {
	return statusError("cuRAND", int(code), "")
}

func cudnnError(code C.cudnnStatus_t) error {
	if code == 0 {
		return nil
	}
	return statusError("cuDNN", int(code), C.GoString(C.cudnnGetErrorString(code)))
}

func ncclError(code C.ncclResult_t) error {
	if code == 0 {
		return nil
	}
	return statusError("NCCL", int(code), C.GoString(C.ncclGetErrorString(code)))
}

// Name implements Driver.
func (d *CUDADriver) Name() string { return "cuda" }

// DeviceCount implements Runtime.
func (d *CUDADriver) DeviceCount() (int, error) {
	var n C.int
	if err := cudaError(C.cudaGetDeviceCount(&n)); err != nil {
		return 0, err
	}
	return int(n), nil
}

// GetDevice implements Runtime.
func (d *CUDADriver) GetDevice() (int, error) {
	var dev C.int
	if err := cudaError(C.cudaGetDevice(&dev)); err != nil {
		return -1, err
	}
	return int(dev), nil
}

// SetDevice implements Runtime.
func (d *CUDADriver) SetDevice(id int) error {
	return cudaError(C.cudaSetDevice(C.int(id)))
}

// CreateStream implements Runtime.
func (d *CUDADriver) CreateStream() (Stream, error) {
	var s C.cudaStream_t
	if err := cudaError(C.cudaStreamCreate(&s)); err != nil {
		return 0, err
	}
	return Stream(uintptr(s)), nil
}

// DestroyStream implements Runtime.
func (d *CUDADriver) DestroyStream(s Stream) error {
	return cudaError(C.cudaStreamDestroy(C.cudaStream_t(unsafe.Pointer(uintptr(s)))))
}

// CreateBLAS implements Runtime.
func (d *CUDADriver) CreateBLAS() (BLASHandle, error) {
	var h C.cublasHandle_t
	if err := cublasError(C.cublasCreate_v2(&h)); err != nil {
		return 0, err
	}
	return BLASHandle(uintptr(unsafe.Pointer(h))), nil
}

// DestroyBLAS implements Runtime.
func (d *CUDADriver) DestroyBLAS(h BLASHandle) error {
	return cublasError(C.cublasDestroy_v2(C.cublasHandle_t(unsafe.Pointer(uintptr(h)))))
}

// CreateRNG implements Runtime.
func (d *CUDADriver) CreateRNG() (RNGHandle, error) {
	var g C.curandGenerator_t
	if err := curandError(C.curandCreateGenerator(&g, C.RESGROUP_CURAND_RNG_PSEUDO_DEFAULT)); err != nil {
		return 0, err
	}
	return RNGHandle(uintptr(unsafe.Pointer(g))), nil
}

// DestroyRNG implements Runtime.
func (d *CUDADriver) DestroyRNG(h RNGHandle) error {
	return curandError(C.curandDestroyGenerator(C.curandGenerator_t(unsafe.Pointer(uintptr(h)))))
}

// CreateDNN implements Runtime.
func (d *CUDADriver) CreateDNN() (DNNHandle, error) {
	var h C.cudnnHandle_t
	if err := cudnnError(C.cudnnCreate(&h)); err != nil {
		return 0, err
	}
	return DNNHandle(uintptr(unsafe.Pointer(h))), nil
}

// DestroyDNN implements Runtime.
func (d *CUDADriver) DestroyDNN(h DNNHandle) error {
	return cudnnError(C.cudnnDestroy(C.cudnnHandle_t(unsafe.Pointer(uintptr(h)))))
}

// DeviceInfo implements Runtime. It briefly selects the device to query its
// memory and restores the previous one, all on the same OS thread.
func (d *CUDADriver) DeviceInfo(id int) (DeviceInfo, error) {
	var major, minor, version C.int
	if err := cudaError(C.cudaDeviceGetAttribute(&major, C.RESGROUP_CUDA_DEV_ATTR_CC_MAJOR, C.int(id))); err != nil {
		return DeviceInfo{}, err
	}
	if err := cudaError(C.cudaDeviceGetAttribute(&minor, C.RESGROUP_CUDA_DEV_ATTR_CC_MINOR, C.int(id))); err != nil {
		return DeviceInfo{}, err
	}
	if err := cudaError(C.cudaDriverGetVersion(&version)); err != nil {
		return DeviceInfo{}, err
	}
	total, err := d.memTotal(id)
	if err != nil {
		return DeviceInfo{}, err
	}
	return DeviceInfo{
		Name:              fmt.Sprintf("CUDA device %d", id),
		TotalMemory:       total,
		ComputeCapability: fmt.Sprintf("%d.%d", int(major), int(minor)),
		DriverVersion:     fmt.Sprintf("%d.%d", int(version)/1000, (int(version)%1000)/10),
	}, nil
}

// memTotal reports the total memory of device id. The current device is
// per OS thread, so the thread is locked from selection until restore.
func (d *CUDADriver) memTotal(id int) (int64, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	prev, err := d.GetDevice()
	if err != nil {
		return 0, err
	}
	if err := d.SetDevice(id); err != nil {
		return 0, err
	}
	var free, total C.ulonglong
	err = cudaError(C.cudaMemGetInfo(&free, &total))
	if restoreErr := d.SetDevice(prev); restoreErr != nil {
		d.logger.Warn("failed to restore current device", zap.Int("device_id", prev), zap.Error(restoreErr))
	}
	if err != nil {
		return 0, err
	}
	return int64(total), nil
}

// GetUniqueID implements Collectives.
func (d *CUDADriver) GetUniqueID() (UniqueID, error) {
	var cID C.ncclUniqueId
	var id UniqueID
	if err := ncclError(C.ncclGetUniqueId(&cID)); err != nil {
		return id, err
	}
	copy(id[:], C.GoBytes(unsafe.Pointer(&cID.internal[0]), UniqueIDBytes))
	return id, nil
}

// CommInitAll implements Collectives.
func (d *CUDADriver) CommInitAll(devices []int) ([]Comm, error) {
	if len(devices) == 0 {
		return nil, errors.New("CommInitAll: empty device list")
	}
	cDevices := make([]C.int, len(devices))
	for i, dev := range devices {
		cDevices[i] = C.int(dev)
	}
	cComms := make([]C.ncclComm_t, len(devices))
	if err := ncclError(C.ncclCommInitAll(&cComms[0], C.int(len(devices)), &cDevices[0])); err != nil {
		return nil, err
	}
	comms := make([]Comm, len(devices))
	for i, c := range cComms {
		comms[i] = Comm(uintptr(unsafe.Pointer(c)))
	}
	return comms, nil
}

// GroupStart implements Collectives.
func (d *CUDADriver) GroupStart() error {
	return ncclError(C.ncclGroupStart())
}

// GroupEnd implements Collectives.
func (d *CUDADriver) GroupEnd() error {
	return ncclError(C.ncclGroupEnd())
}

// CommInitRank implements Collectives.
func (d *CUDADriver) CommInitRank(nranks int, id UniqueID, rank int) (Comm, error) {
	var cID C.ncclUniqueId
	for i, b := range id {
		cID.internal[i] = C.char(b)
	}
	var c C.ncclComm_t
	if err := ncclError(C.ncclCommInitRank(&c, C.int(nranks), cID, C.int(rank))); err != nil {
		return 0, err
	}
	return Comm(uintptr(unsafe.Pointer(c))), nil
}

// CommDestroy implements Collectives.
func (d *CUDADriver) CommDestroy(c Comm) error {
	return ncclError(C.ncclCommDestroy(C.ncclComm_t(unsafe.Pointer(uintptr(c)))))
}

var _ Driver = (*CUDADriver)(nil)
