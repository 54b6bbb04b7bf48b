package worker

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/logger"
)

// Task is one unit of work submitted to a Pool.
type Task func(ctx context.Context) error

// Pool runs at most size tasks at once. Submit blocks while the pool is
// full, so a slow consumer stalls the producer instead of piling up
// goroutines.
type Pool struct {
	size   int
	slots  *semaphore.Weighted
	group  *errgroup.Group
	logger *logger.Logger

	inFlight  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

func NewPool(size int, log *logger.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Pool{
		size:   size,
		slots:  semaphore.NewWeighted(int64(size)),
		group:  new(errgroup.Group),
		logger: log.WithComponent("worker_pool"),
	}
}

// Submit waits for a free slot and starts task. It returns ctx.Err() if
// the context ends first. Task errors and panics are logged and counted;
// they never stop the pool.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return err
	}

	p.inFlight.Add(1)
	p.group.Go(func() error {
		defer func() {
			p.inFlight.Add(-1)
			p.slots.Release(1)
		}()
		defer func() {
			if r := recover(); r != nil {
				p.failed.Add(1)
				p.logger.LogPanic(ctx, r, "worker.task")
			}
		}()

		if err := task(ctx); err != nil {
			p.failed.Add(1)
			p.logger.Debugw("Task failed", "error", err)
			return nil
		}
		p.completed.Add(1)
		return nil
	})
	return nil
}

// Wait blocks until every submitted task has returned.
func (p *Pool) Wait() error {
	if err := p.group.Wait(); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	return nil
}

func (p *Pool) Size() int { return p.size }

func (p *Pool) InFlight() int64 { return p.inFlight.Load() }

// Stats returns completed and failed task counts.
func (p *Pool) Stats() (completed, failed int64) {
	return p.completed.Load(), p.failed.Load()
}
