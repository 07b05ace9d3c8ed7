// Package probe exercises a resource group from the host: every lane of the
// worker pool runs a series of matrix multiplications, and the per-lane
// latencies and execution order are reported.
package probe

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/fxnlabs/resource-group/internal/resource"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Options configures Run.
type Options struct {
	// Rounds is the number of multiplications submitted to every lane.
	Rounds int
	// Size is the dimension of the square matrices.
	Size int
	Seed uint64
}

// LaneResult summarizes one lane.
type LaneResult struct {
	Lane     int
	DeviceID int
	Rounds   int
	// Mean and StdDev are the task latencies in seconds.
	Mean   float64
	StdDev float64
	// InOrder reports whether the lane ran its tasks in submission order.
	InOrder bool
}

// Submitter is the part of a resource group Run needs.
type Submitter interface {
	Len() int
	Context(i int) *resource.ExecutionContext
	Submit(lane int, task resource.Task) *resource.Future
	WaitAll(ctx context.Context) error
}

type laneRecord struct {
	order     []int
	latencies []float64
}

// Run submits opts.Rounds multiplications to every lane of g, waits for all
// of them and summarizes each lane. A multiplication whose result does not
// match the expected product fails its task.
func Run(ctx context.Context, g Submitter, opts Options, log *zap.Logger) ([]LaneResult, error) {
	if opts.Rounds < 1 {
		return nil, fmt.Errorf("invalid number of rounds %d", opts.Rounds)
	}
	if opts.Size < 1 {
		return nil, fmt.Errorf("invalid matrix size %d", opts.Size)
	}
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	a := randomDense(rng, opts.Size)
	identity := identityDense(opts.Size)

	// Each record is written only by its lane's worker and read after WaitAll.
	records := make([]laneRecord, g.Len())
	for lane := range records {
		records[lane].order = make([]int, 0, opts.Rounds)
		records[lane].latencies = make([]float64, 0, opts.Rounds)
	}

	futures := make([]*resource.Future, 0, opts.Rounds*len(records))
	for round := 0; round < opts.Rounds; round++ {
		for lane := range records {
			futures = append(futures, g.Submit(lane, func(lane int) error {
				start := time.Now()
				var c mat.Dense
				c.Mul(a, identity)
				elapsed := time.Since(start).Seconds()
				if !mat.EqualApprox(&c, a, 1e-12) {
					return fmt.Errorf("round %d: product mismatch", round)
				}
				r := &records[lane]
				r.order = append(r.order, round)
				r.latencies = append(r.latencies, elapsed)
				return nil
			}))
		}
	}
	if err := g.WaitAll(ctx); err != nil {
		return nil, err
	}
	// WaitAll only reports the last task of each lane.
	for _, f := range futures {
		if err := f.Wait(); err != nil {
			return nil, err
		}
	}

	results := make([]LaneResult, len(records))
	for lane, r := range records {
		mean, std := stat.MeanStdDev(r.latencies, nil)
		results[lane] = LaneResult{
			Lane:     lane,
			DeviceID: g.Context(lane).DeviceID(),
			Rounds:   len(r.order),
			Mean:     mean,
			StdDev:   std,
			InOrder:  inOrder(r.order),
		}
		log.Debug("Lane probe finished",
			zap.Int("lane", lane),
			zap.Int("device_id", results[lane].DeviceID),
			zap.Float64("mean_seconds", mean),
			zap.Bool("in_order", results[lane].InOrder))
	}
	return results, nil
}

func inOrder(order []int) bool {
	for i, v := range order {
		if v != i {
			return false
		}
	}
	return true
}

func randomDense(rng *rand.Rand, n int) *mat.Dense {
	data := make([]float64, n*n)
	for i := range data {
		data[i] = rng.Float64()
	}
	return mat.NewDense(n, n, data)
}

func identityDense(n int) *mat.Dense {
	d := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		d.Set(i, i, 1)
	}
	return d
}
