//go:build linux

package resource

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/fxnlabs/resource-group/internal/gpu"
	"github.com/fxnlabs/resource-group/internal/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// threadRecordingDriver records the OS thread of every group call. GroupStart
// yields to the scheduler so an unlocked caller is likely to change threads.
type threadRecordingDriver struct {
	*gpu.SimDriver

	mu   sync.Mutex
	ops  []string
	tids []int
}

func (d *threadRecordingDriver) record(op string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = append(d.ops, op)
	d.tids = append(d.tids, unix.Gettid())
}

func (d *threadRecordingDriver) GroupStart() error {
	d.record(gpu.OpGroupStart)
	runtime.Gosched()
	time.Sleep(time.Millisecond)
	return d.SimDriver.GroupStart()
}

func (d *threadRecordingDriver) CommInitRank(nranks int, id gpu.UniqueID, rank int) (gpu.Comm, error) {
	d.record(gpu.OpCommInitRank)
	return d.SimDriver.CommInitRank(nranks, id, rank)
}

func (d *threadRecordingDriver) GroupEnd() error {
	d.record(gpu.OpGroupEnd)
	return d.SimDriver.GroupEnd()
}

func TestMultiProcess_GroupBracketStaysOnOneThread(t *testing.T) {
	topo, err := topology.NewDeviceMap([][]int{{0, 1}, {0, 1, 2}}, 1)
	require.NoError(t, err)

	// Busy goroutines make thread handoffs likely for an unlocked caller.
	stop := make(chan struct{})
	defer close(stop)
	for i := 0; i < 4; i++ {
		go func() {
			for {
				select {
				case <-stop:
					return
				default:
					runtime.Gosched()
				}
			}
		}()
	}

	for trial := 0; trial < 50; trial++ {
		drv := &threadRecordingDriver{SimDriver: gpu.NewSimDriver(4)}
		pg := &mockProcessGroup{}
		pg.On("Rank").Return(1)
		pg.On("Broadcast", mock.Anything, mock.Anything, 0).Return(fixedID(3), nil)

		comms, err := MultiProcess{Group: pg}.Form(context.Background(), drv, topo, zap.NewNop())
		require.NoError(t, err)
		require.Len(t, comms, 3)

		require.Equal(t, []string{gpu.OpGroupStart, gpu.OpCommInitRank, gpu.OpCommInitRank, gpu.OpCommInitRank, gpu.OpGroupEnd}, drv.ops)
		for i, tid := range drv.tids {
			assert.Equal(t, drv.tids[0], tid, "trial %d: %s ran on another OS thread", trial, drv.ops[i])
		}
	}
}
