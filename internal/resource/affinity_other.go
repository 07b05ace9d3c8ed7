//go:build !linux

package resource

import "errors"

var errAffinityUnsupported = errors.New("thread affinity is not supported on this platform")

func pinCurrentThread(cpus []int) error {
	return errAffinityUnsupported
}

func threadAffinity() ([]int, error) {
	return nil, errAffinityUnsupported
}
