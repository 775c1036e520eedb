package vaultsync

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool limits concurrent git invocations. A nil Pool runs fn directly.
type Pool struct {
	sem *semaphore.Weighted
}

func NewPool(limit int) *Pool {
	if limit < 1 {
		limit = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(limit))}
}

// Run acquires a slot, runs fn, and releases the slot. It returns ctx.Err()
// if ctx ends while waiting.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if p == nil || p.sem == nil {
		return fn()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}
