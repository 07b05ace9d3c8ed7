//go:build linux

package resource

import (
	"golang.org/x/sys/unix"
)

// maxCPUs bounds the CPU ids read back from an affinity mask.
const maxCPUs = 1024

// pinCurrentThread restricts the calling OS thread to cpus.
func pinCurrentThread(cpus []int) error {
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range cpus {
		set.Set(cpu)
	}
	return unix.SchedSetaffinity(0, &set)
}

// threadAffinity returns the CPUs the calling OS thread may run on.
func threadAffinity() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, err
	}
	var cpus []int
	for cpu := 0; cpu < maxCPUs && len(cpus) < set.Count(); cpu++ {
		if set.IsSet(cpu) {
			cpus = append(cpus, cpu)
		}
	}
	return cpus, nil
}
