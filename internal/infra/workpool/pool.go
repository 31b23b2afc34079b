// Package workpool runs fire-and-forget jobs on a fixed set of goroutines.
package workpool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var (
	// ErrStopped is returned by Submit once Stop has been called.
	ErrStopped = errors.New("workpool: stopped")
	// ErrQueueFull is returned by TrySubmit when no queue slot is free.
	ErrQueueFull = errors.New("workpool: queue full")
)

// Job is a unit of work. A returned error is logged by the pool.
type Job func() error

// Pool is a bounded worker pool. Submit blocks while the queue is full.
type Pool struct {
	queue  chan Job
	quit   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	logger *slog.Logger
}

// New starts workers goroutines reading from a queue of queueSize jobs.
// Non-positive arguments fall back to one worker and an unbuffered queue.
func New(workers, queueSize int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		queue:  make(chan Job, queueSize),
		quit:   make(chan struct{}),
		logger: logger,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.queue:
			p.run(job)
		case <-p.quit:
			// Drain what was queued before Stop.
			for {
				select {
				case job := <-p.queue:
					p.run(job)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked", "panic", r)
		}
	}()
	if err := job(); err != nil {
		p.logger.Warn("job failed", "error", err)
	}
}

// Submit queues job, blocking until there is room, ctx is done or the
// pool is stopped.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	select {
	case <-p.quit:
		return ErrStopped
	default:
	}

	select {
	case p.queue <- job:
		return nil
	case <-p.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit queues job only if a slot is free right now.
func (p *Pool) TrySubmit(job Job) error {
	select {
	case <-p.quit:
		return ErrStopped
	default:
	}

	select {
	case p.queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued jobs not yet picked up.
func (p *Pool) Pending() int {
	return len(p.queue)
}

// Stop refuses new jobs, runs the queued ones and waits for the workers
// to exit or ctx to be done.
func (p *Pool) Stop(ctx context.Context) error {
	p.once.Do(func() { close(p.quit) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
