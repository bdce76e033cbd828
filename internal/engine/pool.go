package engine

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rendis/houndflow/pkg/schema"
)

// PoolMetrics tracks resource pool usage.
type PoolMetrics struct {
	Size     int64 `json:"size"`
	Active   int64 `json:"active"`
	Waiting  int64 `json:"waiting"`
	Acquired int64 `json:"acquired"`
	Timeouts int64 `json:"timeouts"`
}

// ResourcePool is a counting semaphore bounding concurrent holders.
// It is used for parallel batches and for the process-wide cap on active runs.
type ResourcePool struct {
	size           int64
	acquireTimeout time.Duration
	sem            *semaphore.Weighted

	active   atomic.Int64
	waiting  atomic.Int64
	acquired atomic.Int64
	timeouts atomic.Int64
}

// Token is one acquired slot. Releasing it more than once is a no-op.
type Token struct {
	pool     *ResourcePool
	released atomic.Bool
}

// NewResourcePool creates a pool with size slots. A positive acquireTimeout
// turns long waits into RESOURCE_EXHAUSTED errors.
func NewResourcePool(size int, acquireTimeout time.Duration) *ResourcePool {
	if size <= 0 {
		size = 1
	}
	return &ResourcePool{
		size:           int64(size),
		acquireTimeout: acquireTimeout,
		sem:            semaphore.NewWeighted(int64(size)),
	}
}

// Acquire blocks until a slot is free. Cancellation of ctx always wins,
// including over a slot that became free at the same moment.
func (p *ResourcePool) Acquire(ctx context.Context) (*Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, cancelledError(err)
	}

	if !p.sem.TryAcquire(1) {
		waitCtx := ctx
		if p.acquireTimeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
			defer cancel()
		}

		p.waiting.Add(1)
		err := p.sem.Acquire(waitCtx, 1)
		p.waiting.Add(-1)
		if err != nil {
			if ctx.Err() != nil {
				return nil, cancelledError(ctx.Err())
			}
			p.timeouts.Add(1)
			return nil, schema.NewErrorf(schema.ErrCodeResourceExhausted,
				"no resource slot freed within %s", p.acquireTimeout).WithCause(err)
		}
	}

	if err := ctx.Err(); err != nil {
		p.sem.Release(1)
		return nil, cancelledError(err)
	}

	p.active.Add(1)
	p.acquired.Add(1)
	return &Token{pool: p}, nil
}

// Release returns the token's slot to the pool.
func (p *ResourcePool) Release(t *Token) {
	if t == nil || t.pool != p || !t.released.CompareAndSwap(false, true) {
		return
	}
	p.active.Add(-1)
	p.sem.Release(1)
}

// Size returns the number of slots.
func (p *ResourcePool) Size() int {
	return int(p.size)
}

// Metrics returns a snapshot of the pool counters.
func (p *ResourcePool) Metrics() PoolMetrics {
	return PoolMetrics{
		Size:     p.size,
		Active:   p.active.Load(),
		Waiting:  p.waiting.Load(),
		Acquired: p.acquired.Load(),
		Timeouts: p.timeouts.Load(),
	}
}

func cancelledError(cause error) *schema.EngineError {
	return schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithCause(cause)
}
