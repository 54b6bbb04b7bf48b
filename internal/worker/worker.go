package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/murmur3"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/logger"
)

const defaultShardBuffer = 64

// Handler processes one key. It must not panic; panics are recovered and
// logged by the shard.
type Handler func(ctx context.Context, key string)

// Status is a snapshot of one shard worker.
type Status struct {
	ID        string    `json:"id"`
	Index     int       `json:"index"`
	Status    string    `json:"status"`
	Current   string    `json:"current,omitempty"`
	Processed int64     `json:"processed"`
	StartedAt time.Time `json:"started_at"`
}

type shard struct {
	id        string
	index     int
	keys      chan string
	processed atomic.Int64

	mu      sync.RWMutex
	current string
	started time.Time
}

// ShardedPool routes every key to a fixed worker chosen by hash, so two
// submissions of the same key are always handled sequentially by the same
// goroutine.
type ShardedPool struct {
	shards  []*shard
	handler Handler
	logger  *logger.Logger

	mu      sync.RWMutex
	wg      sync.WaitGroup
	running bool
}

func NewShardedPool(n int, handler Handler, log *logger.Logger) *ShardedPool {
	if n < 1 {
		n = 1
	}
	if log == nil {
		log = logger.NewNop()
	}
	p := &ShardedPool{
		shards:  make([]*shard, n),
		handler: handler,
		logger:  log.WithComponent("worker"),
	}
	for i := range p.shards {
		p.shards[i] = &shard{id: uuid.New().String(), index: i}
	}
	return p
}

// ShardFor maps key onto one of n shards.
func ShardFor(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(murmur3.Sum32([]byte(key)) % uint32(n))
}

func (p *ShardedPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("worker pool already started")
	}
	p.running = true

	p.logger.Infow("Starting sharded workers", "workers", len(p.shards))
	for _, s := range p.shards {
		s.keys = make(chan string, defaultShardBuffer)
		s.started = time.Now()
		p.wg.Add(1)
		go p.run(ctx, s)
	}
	return nil
}

func (p *ShardedPool) run(ctx context.Context, s *shard) {
	defer p.wg.Done()
	log := p.logger.WithFields("worker_id", s.id, "worker_index", s.index)

	for key := range s.keys {
		if ctx.Err() != nil {
			continue
		}
		p.handle(ctx, log, s, key)
	}
	log.Debugw("Worker stopped", "processed", s.processed.Load())
}

func (p *ShardedPool) handle(ctx context.Context, log *logger.Logger, s *shard, key string) {
	s.mu.Lock()
	s.current = key
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			log.LogPanic(ctx, r, "worker.handle", "key", key)
		}
		s.processed.Add(1)
		s.mu.Lock()
		s.current = ""
		s.mu.Unlock()
	}()

	p.handler(ctx, key)
}

// Dispatch hands key to its shard, blocking while that shard's buffer is
// full.
func (p *ShardedPool) Dispatch(ctx context.Context, key string) error {
	// The read lock keeps Stop from closing the queue mid-send.
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return fmt.Errorf("worker pool not started")
	}

	s := p.shards[ShardFor(key, len(p.shards))]
	select {
	case s.keys <- key:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the shard queues and waits for queued keys to drain. Keys
// still queued after the start context is cancelled are discarded.
func (p *ShardedPool) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return fmt.Errorf("worker pool not started")
	}
	p.running = false
	for _, s := range p.shards {
		close(s.keys)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Sharded workers stopped")
	return nil
}

func (p *ShardedPool) Status() []Status {
	out := make([]Status, 0, len(p.shards))
	for _, s := range p.shards {
		s.mu.RLock()
		st := Status{
			ID:        s.id,
			Index:     s.index,
			Status:    "idle",
			Current:   s.current,
			Processed: s.processed.Load(),
			StartedAt: s.started,
		}
		s.mu.RUnlock()
		if st.Current != "" {
			st.Status = "active"
		}
		out = append(out, st)
	}
	return out
}
