package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/core"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/dedup"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/logger"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/objectstore"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/worker"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/types"
)

const (
	defaultPollInterval = 10 * time.Second
	defaultClaimTTL     = 5 * time.Minute

	// Keys whose payload was rejected are not re-queued until this expires
	// or the process restarts.
	rejectedCacheSize = 10000
	rejectedTTL       = time.Hour
)

type PollerConfig struct {
	Interval time.Duration
	Workers  int
	ClaimTTL time.Duration
	// Prefix restricts the listing, e.g. "event_".
	Prefix string
}

// Poller lists the object store, queues payload keys that are not yet
// archived, and feeds them to sharded workers. Each worker claims the id
// on the queue before processing so concurrent ingest processes never
// handle the same id at once.
type Poller struct {
	cfg      PollerConfig
	store    core.ObjectStore
	queue    core.IntakeQueue
	dedup    *dedup.Deduplicator
	pipeline *Pipeline
	logger   *logger.Logger
	workers  *worker.ShardedPool
	rejected *expirable.LRU[string, struct{}]
}

func NewPoller(cfg PollerConfig, store core.ObjectStore, queue core.IntakeQueue, d *dedup.Deduplicator, p *Pipeline, log *logger.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = defaultClaimTTL
	}
	if log == nil {
		log = logger.NewNop()
	}
	pl := &Poller{
		cfg:      cfg,
		store:    store,
		queue:    queue,
		dedup:    d,
		pipeline: p,
		logger:   log.WithComponent("poller"),
		rejected: expirable.NewLRU[string, struct{}](rejectedCacheSize, nil, rejectedTTL),
	}
	pl.workers = worker.NewShardedPool(cfg.Workers, pl.handle, log)
	return pl
}

// Run polls until ctx is cancelled. Failures of a single poll are logged
// and the loop waits for the next tick.
func (pl *Poller) Run(ctx context.Context) error {
	if err := pl.workers.Start(ctx); err != nil {
		return err
	}
	defer pl.workers.Stop()

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		pl.consume(ctx)
	}()

	pl.logger.Infow("Ingest poller started",
		"interval", pl.cfg.Interval.String(),
		"workers", pl.cfg.Workers,
	)

	ticker := time.NewTicker(pl.cfg.Interval)
	defer ticker.Stop()

	for {
		if n, err := pl.PollOnce(ctx); err != nil {
			pl.logger.Warnw("Poll failed", "error", err, "outcome", string(types.OutcomeOf(err)))
		} else if n > 0 {
			pl.logger.Debugw("Queued new events", "count", n)
		}

		select {
		case <-ctx.Done():
			<-consumerDone
			pl.logger.Info("Ingest poller stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce lists payload objects and queues the ones that still need
// processing. It returns how many keys were queued.
func (pl *Poller) PollOnce(ctx context.Context) (int, error) {
	objects, err := pl.store.List(ctx, pl.cfg.Prefix)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, obj := range objects {
		if ctx.Err() != nil {
			return queued, ctx.Err()
		}
		id, ok := objectstore.IDFromKey(obj.Key)
		if !ok || pl.rejected.Contains(obj.Key) {
			continue
		}

		// Archived ids are skipped before the payload is downloaded.
		dup, err := pl.dedup.IsDuplicate(ctx, id)
		if err != nil {
			return queued, err
		}
		if dup {
			continue
		}

		if err := pl.queue.Push(ctx, obj.Key); err != nil {
			return queued, err
		}
		queued++
	}
	return queued, nil
}

// consume moves keys from the queue to their shard.
func (pl *Poller) consume(ctx context.Context) {
	for ctx.Err() == nil {
		key, err := pl.queue.Pop(ctx, pl.cfg.Interval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			pl.logger.Warnw("Queue pop failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if key == "" {
			continue
		}
		if err := pl.workers.Dispatch(ctx, key); err != nil {
			return
		}
	}
}

func (pl *Poller) handle(ctx context.Context, key string) {
	res, ok := pl.ProcessKey(ctx, key)
	if ok && res.Outcome == types.OutcomeDropped {
		pl.rejected.Add(key, struct{}{})
	}
}

// ProcessKey claims, downloads and processes one payload key. The payload
// must carry the id its key names. It reports
// false when the key was skipped: the id is claimed elsewhere or the
// objects could not be read.
func (pl *Poller) ProcessKey(ctx context.Context, key string) (Result, bool) {
	id, ok := objectstore.IDFromKey(key)
	if !ok {
		return Result{}, false
	}
	log := pl.logger.WithEvent(id, "").WithFields("object_key", key)

	claimed, err := pl.queue.Claim(ctx, id, pl.cfg.ClaimTTL)
	if err != nil {
		log.Warnw("Claim failed", "error", err)
		return Result{}, false
	}
	if !claimed {
		log.Debugw("Event claimed by another worker")
		return Result{}, false
	}
	defer func() {
		// Release on a fresh context so shutdown does not leave the claim
		// held until its TTL.
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := pl.queue.Release(relCtx, id); err != nil {
			log.Warnw("Claim release failed", "error", err)
		}
	}()

	raw, err := pl.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			log.Debugw("Payload disappeared before download")
		} else {
			log.Warnw("Payload download failed", "error", err)
		}
		return Result{}, false
	}

	sig, err := pl.store.Get(ctx, objectstore.SignatureKey(key))
	switch {
	case errors.Is(err, core.ErrNotFound):
		// Verification rejects the missing signature.
		sig = nil
	case err != nil:
		log.Warnw("Signature download failed", "error", err)
		return Result{}, false
	}

	return pl.pipeline.ProcessObject(ctx, id, raw, sig), true
}

// Workers exposes the shard status for the admin API.
func (pl *Poller) Workers() []worker.Status {
	return pl.workers.Status()
}
