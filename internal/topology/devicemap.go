// Package topology maps the devices of a multi-process job: which physical
// devices each process owns, and how physical, sequential (local) and
// cluster-wide (global) device identifiers translate into one another.
package topology

import (
	"fmt"
)

// DeviceMap is an immutable device layout. Global ids are assigned
// sequentially, process by process, in layout order.
type DeviceMap struct {
	layout     [][]int
	pid        int
	deviceList []int
	// globalBase[p] is the global id of the first device of process p.
	globalBase []int
	total      int
}

// NewDeviceMap builds the map for process pid from the per-process lists of
// physical device ids.
func NewDeviceMap(layout [][]int, pid int) (*DeviceMap, error) {
	if len(layout) == 0 {
		return nil, fmt.Errorf("empty device layout")
	}
	if pid < 0 || pid >= len(layout) {
		return nil, fmt.Errorf("pid %d out of range for %d processes", pid, len(layout))
	}
	m := &DeviceMap{
		layout:     make([][]int, len(layout)),
		pid:        pid,
		globalBase: make([]int, len(layout)),
	}
	for p, devices := range layout {
		seen := make(map[int]bool, len(devices))
		for _, dev := range devices {
			if dev < 0 {
				return nil, fmt.Errorf("process %d: negative device id %d", p, dev)
			}
			if seen[dev] {
				return nil, fmt.Errorf("process %d: duplicate device id %d", p, dev)
			}
			seen[dev] = true
		}
		m.layout[p] = append([]int(nil), devices...)
		m.globalBase[p] = m.total
		m.total += len(devices)
	}
	m.deviceList = m.layout[pid]
	return m, nil
}

// SingleProcess is the map of one process owning the given devices.
func SingleProcess(devices ...int) (*DeviceMap, error) {
	return NewDeviceMap([][]int{devices}, 0)
}

// DeviceList returns the physical ids of the devices owned by this process, in
// local order. The slice must not be modified.
func (m *DeviceMap) DeviceList() []int {
	return m.deviceList
}

// LocalSize returns the number of devices owned by this process.
func (m *DeviceMap) LocalSize() int {
	return len(m.layout[m.pid])
}

// Size returns the number of devices across all processes.
func (m *DeviceMap) Size() int {
	return m.total
}

// NumNodes returns the number of processes in the layout.
func (m *DeviceMap) NumNodes() int {
	return len(m.layout)
}

// Pid returns the process id this map was built for.
func (m *DeviceMap) Pid() int {
	return m.pid
}

// GlobalID returns the global id of the local physical device, or -1 if this
// process does not own it.
func (m *DeviceMap) GlobalID(localDeviceID int) int {
	for i, dev := range m.deviceList {
		if dev == localDeviceID {
			return m.globalBase[m.pid] + i
		}
	}
	return -1
}

// LocalID returns the sequential position of a global id within this process,
// or -1 if the device belongs to another process.
func (m *DeviceMap) LocalID(globalID int) int {
	if m.PID(globalID) != m.pid {
		return -1
	}
	return globalID - m.globalBase[m.pid]
}

// LocalDeviceID returns the physical id of a global id owned by this process,
// or -1 if the device belongs to another process.
func (m *DeviceMap) LocalDeviceID(globalID int) int {
	local := m.LocalID(globalID)
	if local < 0 {
		return -1
	}
	return m.deviceList[local]
}

// PID returns the process owning a global id, or -1 if it is out of range.
func (m *DeviceMap) PID(globalID int) int {
	if globalID < 0 || globalID >= m.total {
		return -1
	}
	for p := len(m.globalBase) - 1; p >= 0; p-- {
		if globalID >= m.globalBase[p] && len(m.layout[p]) > 0 {
			return p
		}
	}
	return -1
}
