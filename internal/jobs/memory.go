package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/core"
)

// MemoryQueue is the single-process IntakeQueue. Claims expire like their
// Redis counterparts so a crashed handler cannot pin an id forever.
type MemoryQueue struct {
	mu      sync.Mutex
	pending []string
	queued  map[string]struct{}
	claims  map[string]time.Time
	notify  chan struct{}
	now     func() time.Time
}

var _ core.IntakeQueue = (*MemoryQueue)(nil)

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queued: make(map[string]struct{}),
		claims: make(map[string]time.Time),
		notify: make(chan struct{}, 1),
		now:    time.Now,
	}
}

func (q *MemoryQueue) Push(_ context.Context, id string) error {
	q.mu.Lock()
	if _, ok := q.queued[id]; !ok {
		q.queued[id] = struct{}{}
		q.pending = append(q.pending, id)
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			id := q.pending[0]
			q.pending = q.pending[1:]
			delete(q.queued, id)
			more := len(q.pending) > 0
			q.mu.Unlock()
			if more {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return id, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return "", nil
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue) Claim(_ context.Context, id string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = defaultClaimTTL
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if exp, ok := q.claims[id]; ok && now.Before(exp) {
		return false, nil
	}
	q.claims[id] = now.Add(ttl)
	return true, nil
}

func (q *MemoryQueue) Release(_ context.Context, id string) error {
	q.mu.Lock()
	delete(q.claims, id)
	q.mu.Unlock()
	return nil
}

// Pending reports the queue depth.
func (q *MemoryQueue) Pending(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.pending)), nil
}

func (q *MemoryQueue) Close() error { return nil }
