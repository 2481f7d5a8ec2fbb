// Package pool provides the bounded worker pool that caps concurrent
// uploads across all partitions of a job.
//
// The pool is owned by the controller: created at job start, sized by
// configuration, and drained at job end. There is no global state.
package pool

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool bounds the number of concurrently running tasks.
type Pool struct {
	sem  *semaphore.Weighted
	size int64
	wg   sync.WaitGroup
}

// New creates a pool admitting at most size concurrent tasks.
func New(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		sem:  semaphore.NewWeighted(int64(size)),
		size: int64(size),
	}
}

// Go runs fn on its own goroutine once a worker slot is free.
// It blocks until a slot is acquired or ctx is cancelled.
func (p *Pool) Go(ctx context.Context, fn func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquiring worker slot: %w", err)
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		fn()
	}()
	return nil
}

// Run executes fn on the caller's goroutine once a worker slot is free,
// releasing the slot when fn returns. It blocks until a slot is acquired
// or ctx is cancelled.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquiring worker slot: %w", err)
	}
	defer p.sem.Release(1)
	return fn()
}

// Drain waits for all admitted tasks to finish.
func (p *Pool) Drain() {
	p.wg.Wait()
}

// Size returns the configured worker count.
func (p *Pool) Size() int {
	return int(p.size)
}
