package crawler

import (
	"context"
	"sync"
)

// Pool runs crawl tasks with bounded concurrency and tracks the in-flight
// frontier. Tasks may spawn further tasks; because each pending task parks
// in its own goroutine waiting for a slot rather than in a fixed queue,
// self-dispatching work cannot deadlock the pool.
type Pool struct {
	ctx context.Context
	sem chan struct{}
	wg  sync.WaitGroup
}

// NewPool creates a pool executing at most concurrency tasks at once.
func NewPool(ctx context.Context, concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool{
		ctx: ctx,
		sem: make(chan struct{}, concurrency),
	}
}

// Go schedules a task. Tasks scheduled after the pool's context is
// cancelled are dropped without running.
func (p *Pool) Go(fn func(ctx context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if p.ctx.Err() != nil {
			return
		}
		select {
		case p.sem <- struct{}{}:
			defer func() { <-p.sem }()
		case <-p.ctx.Done():
			return
		}
		fn(p.ctx)
	}()
}

// Wait blocks until every scheduled task, including ones spawned while
// waiting, has finished or been dropped.
func (p *Pool) Wait() {
	p.wg.Wait()
}
