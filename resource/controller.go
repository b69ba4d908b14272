// Package resource throttles the background snapshot and restore traffic
// so bulk segment transfers cannot starve foreground searches of disk and
// network bandwidth.
package resource

import (
	"context"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limits configures a Controller.
type Limits struct {
	// MaxTransferWorkers is the maximum number of concurrent blob
	// transfers. If 0, defaults to 1.
	MaxTransferWorkers int64

	// IOBytesPerSec caps background transfer throughput. If 0,
	// unlimited.
	IOBytesPerSec int64
}

// Controller arbitrates transfer slots and IO bandwidth. A nil Controller
// is valid and enforces nothing.
type Controller struct {
	workers   *semaphore.Weighted
	ioLimiter *rate.Limiter
}

// NewController creates a controller with the given limits.
func NewController(limits Limits) *Controller {
	if limits.MaxTransferWorkers <= 0 {
		limits.MaxTransferWorkers = 1
	}
	c := &Controller{
		workers: semaphore.NewWeighted(limits.MaxTransferWorkers),
	}
	if limits.IOBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(limits.IOBytesPerSec), int(limits.IOBytesPerSec))
	}
	return c
}

// AcquireWorker blocks until a transfer slot is free or ctx is done.
func (c *Controller) AcquireWorker(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.workers.Acquire(ctx, 1)
}

// ReleaseWorker returns a transfer slot.
func (c *Controller) ReleaseWorker() {
	if c != nil {
		c.workers.Release(1)
	}
}

// ThrottleIO waits until the bandwidth limit admits n bytes.
func (c *Controller) ThrottleIO(ctx context.Context, n int) error {
	if c == nil || c.ioLimiter == nil || n <= 0 {
		return nil
	}
	// WaitN rejects requests above the burst outright; split them.
	burst := c.ioLimiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := c.ioLimiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
