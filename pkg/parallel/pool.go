// Package parallel provides a bounded worker pool with a blocking submission
// queue and a barrier that surfaces the first job error.
package parallel

import (
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/netexp/netexp/pkg/telemetry"
)

const (
	// MinWorkers is the lower bound used when MaxWorkers is derived from the CPU count.
	MinWorkers = 4

	// QueueFactor sizes the default queue relative to the worker count.
	QueueFactor = 4
)

// ErrPoolClosed is returned by Put after Join.
var ErrPoolClosed = errors.New("parallel: pool is closed")

// Job is a unit of work. A returned error, or a panic, is recorded and
// reported by the next Sync or Join.
type Job func() error

// Options for constructing a Pool.
type Options struct {
	// MaxWorkers bounds concurrent jobs. Zero means runtime.NumCPU(), at least MinWorkers.
	MaxWorkers int

	// QueueSize bounds jobs waiting for a worker. Put blocks when it is full.
	// Zero means QueueFactor * MaxWorkers.
	QueueSize int

	// Logger receives job failures. Nil discards them.
	Logger *telemetry.Logger
}

// Pool runs jobs on a fixed set of workers.
type Pool struct {
	opts   Options
	queue  chan Job
	logger *telemetry.Logger

	startOnce sync.Once
	workers   sync.WaitGroup

	// closeMu serializes Put against closing the queue.
	closeMu sync.RWMutex
	closed  bool

	mu      sync.Mutex
	idle    *sync.Cond
	pending int
	errs    []error
}

// New creates a pool. Workers are not running until Start.
func New(opts Options) *Pool {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = runtime.NumCPU()
		if opts.MaxWorkers < MinWorkers {
			opts.MaxWorkers = MinWorkers
		}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = QueueFactor * opts.MaxWorkers
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	p := &Pool{
		opts:   opts,
		queue:  make(chan Job, opts.QueueSize),
		logger: logger.NewComponentLogger("pool"),
	}
	p.idle = sync.NewCond(&p.mu)
	return p
}

// MaxWorkers returns the configured concurrency.
func (p *Pool) MaxWorkers() int {
	return p.opts.MaxWorkers
}

// Start launches the workers. Calling it more than once has no effect.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.opts.MaxWorkers; i++ {
			p.workers.Add(1)
			go p.runWorker()
		}
	})
}

// Put submits a job, blocking while the queue is full.
func (p *Pool) Put(job Job) error {
	if job == nil {
		return fmt.Errorf("parallel: nil job")
	}

	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	p.mu.Lock()
	p.pending++
	p.mu.Unlock()

	p.queue <- job
	return nil
}

// Pending returns the number of jobs submitted but not yet finished.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// Sync blocks until no job is pending, including jobs submitted while it
// waits. It returns the first error recorded since the previous Sync and
// clears the recorded errors.
func (p *Pool) Sync() error {
	p.Start()

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.pending > 0 {
		p.idle.Wait()
	}
	return p.takeErrorLocked()
}

// Join drains the queue, stops the workers and returns the first recorded
// error. Subsequent calls return nil.
func (p *Pool) Join() error {
	p.Start()

	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.closeMu.Unlock()

	p.workers.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.takeErrorLocked()
}

func (p *Pool) takeErrorLocked() error {
	if len(p.errs) == 0 {
		return nil
	}
	err := p.errs[0]
	if n := len(p.errs); n > 1 {
		p.logger.Warnf("%d additional job errors discarded", n-1)
	}
	p.errs = nil
	return err
}

func (p *Pool) runWorker() {
	defer p.workers.Done()
	for job := range p.queue {
		err := p.run(job)

		p.mu.Lock()
		if err != nil {
			p.errs = append(p.errs, err)
		}
		p.pending--
		if p.pending == 0 {
			p.idle.Broadcast()
		}
		p.mu.Unlock()
	}
}

func (p *Pool) run(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
			p.logger.WithField("stack", string(debug.Stack())).WithError(err).Error("Recovered job panic")
		}
	}()
	return job()
}
