// Package procgroup provides the process group used to agree on a shared
// collective group identifier across the processes of a job.
package procgroup

import (
	"context"
	"fmt"
)

// ProcessGroup is the set of processes participating in one job.
type ProcessGroup interface {
	// Rank is the index of this process in the group.
	Rank() int
	// Size is the number of processes in the group.
	Size() int
	// Broadcast sends payload from root to every process and returns, on every
	// rank, the exact bytes root sent. The payload argument is ignored on
	// non-root ranks. Broadcast blocks until the exchange completes.
	Broadcast(ctx context.Context, payload []byte, root int) ([]byte, error)
}

// Local is the process group of a job with a single process.
type Local struct{}

// Rank implements ProcessGroup.
func (Local) Rank() int { return 0 }

// Size implements ProcessGroup.
func (Local) Size() int { return 1 }

// Broadcast implements ProcessGroup.
func (Local) Broadcast(_ context.Context, payload []byte, root int) ([]byte, error) {
	if root != 0 {
		return nil, fmt.Errorf("broadcast root %d out of range for a single process", root)
	}
	return append([]byte(nil), payload...), nil
}

var _ ProcessGroup = Local{}
