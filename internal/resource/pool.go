package resource

import (
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/fxnlabs/resource-group/internal/metrics"
	"go.uber.org/zap"
)

// Task is a unit of work run on a worker pool lane. lane is the index of the
// lane running it.
type Task func(lane int) error

// Future is the pending result of a submitted Task.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func completedFuture(err error) *Future {
	f := newFuture()
	f.complete(err)
	return f
}

func (f *Future) complete(err error) {
	f.err = err
	close(f.done)
}

// Done is closed when the task has finished.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the task has finished and returns its error.
func (f *Future) Wait() error {
	<-f.done
	return f.err
}

// AffinityPolicy returns the CPUs the worker of a lane is pinned to. An
// empty result leaves the worker unpinned.
type AffinityPolicy func(lane int) []int

// RoundRobinAffinity pins lane i to CPU i modulo the number of CPUs.
func RoundRobinAffinity(lane int) []int {
	return []int{lane % runtime.NumCPU()}
}

// NoAffinity leaves every worker unpinned.
func NoAffinity(int) []int { return nil }

// StaticAffinity pins lane i to cpus[i]. Lanes without an entry use fallback.
func StaticAffinity(cpus [][]int, fallback AffinityPolicy) AffinityPolicy {
	return func(lane int) []int {
		if lane < len(cpus) && len(cpus[lane]) > 0 {
			return cpus[lane]
		}
		if fallback == nil {
			return nil
		}
		return fallback(lane)
	}
}

type queuedTask struct {
	task      Task
	future    *Future
	submitted time.Time
}

type lane struct {
	index  int
	label  string
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []queuedTask
	closed bool
}

// next blocks until a task is queued or the lane is closed and drained.
func (l *lane) next() (queuedTask, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.queue) == 0 && !l.closed {
		l.cond.Wait()
	}
	if len(l.queue) == 0 {
		return queuedTask{}, false
	}
	t := l.queue[0]
	l.queue[0] = queuedTask{}
	l.queue = l.queue[1:]
	return t, true
}

// WorkerPool runs tasks on a fixed set of lanes, one worker goroutine per
// lane, each locked to its own OS thread. Tasks on the same lane run one at a
// time in submission order; tasks on different lanes run concurrently.
type WorkerPool struct {
	lanes     []*lane
	wg        sync.WaitGroup
	closeOnce sync.Once
	logger    *zap.Logger
}

// NewWorkerPool starts a pool with the given number of lanes. Each worker is
// pinned according to affinity before NewWorkerPool returns. A worker that
// cannot be pinned keeps running unpinned.
func NewWorkerPool(lanes int, affinity AffinityPolicy, logger *zap.Logger) *WorkerPool {
	if affinity == nil {
		affinity = NoAffinity
	}
	p := &WorkerPool{
		lanes:  make([]*lane, lanes),
		logger: logger.Named("worker_pool"),
	}
	var ready sync.WaitGroup
	for i := range p.lanes {
		l := &lane{index: i, label: strconv.Itoa(i)}
		l.cond = sync.NewCond(&l.mu)
		p.lanes[i] = l

		p.wg.Add(1)
		ready.Add(1)
		go p.run(l, affinity(i), ready.Done)
	}
	ready.Wait()
	p.logger.Debug("Worker pool started", zap.Int("lanes", lanes))
	return p
}

func (p *WorkerPool) run(l *lane, cpus []int, started func()) {
	defer p.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if len(cpus) > 0 {
		if err := pinCurrentThread(cpus); err != nil {
			p.logger.Warn("Failed to pin worker thread",
				zap.Int("lane", l.index), zap.Ints("cpus", cpus), zap.Error(err))
		} else {
			p.logger.Debug("Pinned worker thread", zap.Int("lane", l.index), zap.Ints("cpus", cpus))
		}
	}
	started()

	for {
		t, ok := l.next()
		if !ok {
			return
		}
		p.execute(l, t)
	}
}

func (p *WorkerPool) execute(l *lane, t queuedTask) {
	start := time.Now()
	err := runTask(t.task, l.index)
	metrics.PoolTaskSeconds.WithLabelValues(l.label).Observe(time.Since(start).Seconds())
	status := "ok"
	if err != nil {
		status = "error"
		p.logger.Debug("Task failed",
			zap.Int("lane", l.index),
			zap.Duration("queued", start.Sub(t.submitted)),
			zap.Error(err))
	}
	metrics.PoolTasksCompleted.WithLabelValues(l.label, status).Inc()
	t.future.complete(err)
}

// runTask turns a panicking task into an error so the lane keeps serving.
func runTask(task Task, lane int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task on lane %d panicked: %v", lane, r)
		}
	}()
	return task(lane)
}

// Size returns the number of lanes.
func (p *WorkerPool) Size() int { return len(p.lanes) }

// Submit queues task on the given lane and returns its future. It never
// blocks. Submitting to a closed pool returns a future that has already
// failed with ErrPoolClosed. Submit panics if lane is out of range.
func (p *WorkerPool) Submit(lane int, task Task) *Future {
	l := p.lanes[lane]
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return completedFuture(ErrPoolClosed)
	}
	f := newFuture()
	l.queue = append(l.queue, queuedTask{task: task, future: f, submitted: time.Now()})
	metrics.PoolTasksSubmitted.WithLabelValues(l.label).Inc()
	l.cond.Signal()
	return f
}

// Close stops accepting tasks, runs the ones already queued and waits for
// every worker to exit. It is safe to call more than once.
func (p *WorkerPool) Close() {
	p.closeOnce.Do(func() {
		for _, l := range p.lanes {
			l.mu.Lock()
			l.closed = true
			l.cond.Broadcast()
			l.mu.Unlock()
		}
		p.wg.Wait()
		p.logger.Debug("Worker pool stopped")
	})
}
