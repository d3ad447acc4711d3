// Package parallel runs command recording jobs on a fixed set of goroutines.
package parallel

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by ExecuteAll after Close.
var ErrClosed = errors.New("parallel: pool closed")

// Job is one unit of recording work. index is the job's position in the
// batch passed to ExecuteAll.
type Job func(index int) error

// WorkerPool is a pool of goroutines for parallel command recording.
//
// Jobs are spread round-robin across per-worker queues. A worker whose own
// queue is empty steals from the others, which keeps the pool busy when
// some recording jobs are much larger than the rest.
//
// Thread safety: WorkerPool is safe for concurrent use.
type WorkerPool struct {
	// workers is the number of worker goroutines.
	workers int

	// workQueues holds one queue per worker; an idle worker steals from
	// the others.
	workQueues []chan func()

	// done signals workers to stop.
	done chan struct{}

	// wg waits for all workers to finish.
	wg sync.WaitGroup

	// running indicates whether the pool is accepting work.
	running atomic.Bool
}

// NewWorkerPool creates a pool with the given number of workers.
// If workers is 0 or negative, GOMAXPROCS is used.
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	queueSize := max(workers*4, 8)

	p := &WorkerPool{
		workers:    workers,
		workQueues: make([]chan func(), workers),
		done:       make(chan struct{}),
	}
	for i := range workers {
		p.workQueues[i] = make(chan func(), queueSize)
	}

	p.running.Store(true)
	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}
	return p
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	own := p.workQueues[id]
	for {
		select {
		case <-p.done:
			p.drain(own)
			return
		case work := <-own:
			work()
		default:
			if stolen := p.steal(id); stolen != nil {
				stolen()
				continue
			}
			select {
			case <-p.done:
				p.drain(own)
				return
			case work := <-own:
				work()
			}
		}
	}
}

func (p *WorkerPool) drain(queue chan func()) {
	for {
		select {
		case work := <-queue:
			work()
		default:
			return
		}
	}
}

func (p *WorkerPool) steal(self int) func() {
	for i := range p.workers {
		if i == self {
			continue
		}
		select {
		case work := <-p.workQueues[i]:
			return work
		default:
		}
	}
	return nil
}

// ExecuteAll runs every job and waits for all of them. It returns the
// joined errors of failed jobs. A job that panics has its panic re-raised
// on the calling goroutine once all jobs have returned.
func (p *WorkerPool) ExecuteAll(jobs []Job) error {
	if len(jobs) == 0 {
		return nil
	}
	if !p.running.Load() {
		return ErrClosed
	}

	var (
		wg       sync.WaitGroup
		errs     = make([]error, len(jobs))
		panicked atomic.Pointer[panicValue]
	)
	wg.Add(len(jobs))

	for i, job := range jobs {
		work := func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					panicked.CompareAndSwap(nil, &panicValue{index: i, value: r})
				}
			}()
			errs[i] = job(i)
		}

		select {
		case p.workQueues[i%p.workers] <- work:
		case <-p.done:
			errs[i] = ErrClosed
			wg.Done()
		}
	}
	wg.Wait()

	if pv := panicked.Load(); pv != nil {
		panic(pv.value)
	}
	for i, err := range errs {
		if err != nil {
			errs[i] = fmt.Errorf("job %d: %w", i, err)
		}
	}
	return errors.Join(errs...)
}

type panicValue struct {
	index int
	value any
}

// Close stops accepting work, lets queued jobs finish and stops the workers.
// Close is safe to call multiple times.
func (p *WorkerPool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
	p.wg.Wait()
}

// Workers returns the number of workers in the pool.
func (p *WorkerPool) Workers() int {
	return p.workers
}

// IsRunning reports whether the pool accepts work.
func (p *WorkerPool) IsRunning() bool {
	return p.running.Load()
}
