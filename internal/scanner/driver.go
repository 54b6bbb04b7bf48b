// Package scanner drives internet-wide probing: it paces new addresses,
// probes them on a bounded pool and publishes the resulting events.
package scanner

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/core"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/logger"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/worker"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/discovery/portscan"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/events"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/targets"
)

const (
	defaultRate          = 100
	defaultMaxInFlight   = 256
	defaultStatsInterval = time.Minute
)

// =============================================================================
// TARGET SOURCES
// =============================================================================

// TargetSource yields addresses to scan. ok is false once the source is
// exhausted.
type TargetSource interface {
	Next() (addr netip.Addr, ok bool)
}

type randomTargets struct {
	gen *targets.Generator
}

// RandomTargets draws from the public IPv4 space forever.
func RandomTargets(gen *targets.Generator) TargetSource {
	return randomTargets{gen: gen}
}

func (r randomTargets) Next() (netip.Addr, bool) { return r.gen.Next(), true }

// StaticTargets yields a fixed list once, in order.
type StaticTargets struct {
	mu    sync.Mutex
	addrs []netip.Addr
	next  int
}

func NewStaticTargets(addrs ...netip.Addr) *StaticTargets {
	return &StaticTargets{addrs: addrs}
}

func (s *StaticTargets) Next() (netip.Addr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.addrs) {
		return netip.Addr{}, false
	}
	addr := s.addrs[s.next]
	s.next++
	return addr, true
}

// =============================================================================
// DRIVER
// =============================================================================

type Config struct {
	Ports []int
	// Rate is new addresses dispatched per second.
	Rate        float64
	MaxInFlight int
	// MaxTargets stops the run after that many addresses. Zero means no
	// limit.
	MaxTargets    int64
	StatsInterval time.Duration
}

type Deps struct {
	Targets   TargetSource
	Scanner   *portscan.Scanner
	Builder   *events.Builder
	Publisher Publisher
	Telemetry core.Telemetry
	Logger    *logger.Logger
}

// Stats are cumulative counters for one run.
type Stats struct {
	Scanned   int64   `json:"scanned"`
	Open      int64   `json:"open"`
	Services  int64   `json:"services"`
	Published int64   `json:"published"`
	Failed    int64   `json:"failed"`
	Rate      float64 `json:"rate"`
}

type Driver struct {
	cfg       Config
	targets   TargetSource
	scanner   *portscan.Scanner
	builder   *events.Builder
	publisher Publisher
	telemetry core.Telemetry
	logger    *logger.Logger

	limiter *ratelimit.Limiter
	pool    *worker.Pool

	started   atomic.Int64
	scanned   atomic.Int64
	open      atomic.Int64
	services  atomic.Int64
	published atomic.Int64
	failed    atomic.Int64
}

func NewDriver(cfg Config, d Deps) (*Driver, error) {
	switch {
	case d.Targets == nil:
		return nil, errors.New("scan driver requires a target source")
	case d.Scanner == nil:
		return nil, errors.New("scan driver requires a port scanner")
	case d.Builder == nil:
		return nil, errors.New("scan driver requires an event builder")
	case d.Publisher == nil:
		return nil, errors.New("scan driver requires a publisher")
	case len(cfg.Ports) == 0:
		return nil, errors.New("scan driver requires at least one port")
	}

	if cfg.Rate <= 0 {
		cfg.Rate = defaultRate
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = defaultStatsInterval
	}
	if d.Telemetry == nil {
		d.Telemetry = telemetry.NewNoop()
	}
	if d.Logger == nil {
		d.Logger = logger.NewNop()
	}
	log := d.Logger.WithComponent("scan_driver")

	return &Driver{
		cfg:       cfg,
		targets:   d.Targets,
		scanner:   d.Scanner,
		builder:   d.Builder,
		publisher: d.Publisher,
		telemetry: d.Telemetry,
		logger:    log,
		limiter:   ratelimit.NewLimiter(ratelimit.Config{RequestsPerSecond: cfg.Rate, BurstSize: 1}),
		pool:      worker.NewPool(cfg.MaxInFlight, log),
	}, nil
}

// Run dispatches addresses at the configured rate until ctx ends, the
// target source is exhausted or MaxTargets is reached, then waits for
// in-flight probes to finish. Submit blocks while the pool is full, so a
// slow publisher stalls dispatch rather than accumulating tasks.
func (d *Driver) Run(ctx context.Context) error {
	d.started.Store(time.Now().UnixNano())
	d.logger.Infow("Scan started",
		"rate", d.cfg.Rate,
		"ports", len(d.cfg.Ports),
		"max_in_flight", d.cfg.MaxInFlight,
		"max_targets", d.cfg.MaxTargets,
	)

	statsDone := make(chan struct{})
	statsCtx, stopStats := context.WithCancel(ctx)
	go func() {
		defer close(statsDone)
		d.reportStats(statsCtx)
	}()

	var dispatched int64
	for ctx.Err() == nil {
		if d.cfg.MaxTargets > 0 && dispatched >= d.cfg.MaxTargets {
			break
		}
		if err := d.limiter.Wait(ctx); err != nil {
			break
		}
		addr, ok := d.targets.Next()
		if !ok {
			break
		}
		if err := d.pool.Submit(ctx, func(ctx context.Context) error {
			return d.ScanAddress(ctx, addr)
		}); err != nil {
			break
		}
		dispatched++
	}

	err := d.pool.Wait()
	stopStats()
	<-statsDone

	st := d.Stats()
	d.logger.Infow("Scan finished",
		"scanned", st.Scanned,
		"open", st.Open,
		"services", st.Services,
		"published", st.Published,
		"failed", st.Failed,
		"rate", st.Rate,
	)
	return err
}

// ScanAddress probes every configured port on addr and publishes one event
// per open port. Publish failures are counted and joined into the returned
// error; they never stop the remaining events.
func (d *Driver) ScanAddress(ctx context.Context, addr netip.Addr) error {
	obs := d.scanner.Probe(ctx, addr, d.cfg.Ports)
	d.scanned.Add(1)

	for _, o := range obs {
		d.telemetry.RecordProbe(o.Port, o.Open)
		if o.Open {
			d.open.Add(1)
		}
		if o.HasBanner() {
			d.services.Add(1)
		}
	}

	var errs []error
	for _, ev := range d.builder.BuildAll(addr, obs) {
		if err := d.publisher.Publish(ctx, ev); err != nil {
			d.failed.Add(1)
			d.logger.WithEvent(ev.ID, ev.SourceID).WithTarget(ev.Target.IP, ev.Target.Port).Warnw("Failed to publish event",
				"error", err,
			)
			errs = append(errs, err)
			continue
		}
		d.published.Add(1)
	}
	return errors.Join(errs...)
}

func (d *Driver) Stats() Stats {
	st := Stats{
		Scanned:   d.scanned.Load(),
		Open:      d.open.Load(),
		Services:  d.services.Load(),
		Published: d.published.Load(),
		Failed:    d.failed.Load(),
	}
	if started := d.started.Load(); started > 0 {
		if elapsed := time.Since(time.Unix(0, started)).Seconds(); elapsed > 0 {
			st.Rate = float64(st.Scanned) / elapsed
		}
	}
	return st
}

func (d *Driver) reportStats(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := d.Stats()
			limits := d.limiter.GetStats()
			d.logger.Infow("Scan progress",
				"scanned", st.Scanned,
				"open", st.Open,
				"services", st.Services,
				"published", st.Published,
				"rate", st.Rate,
				"rate_limit", limits.Limit,
				"in_flight", d.pool.InFlight(),
			)
		}
	}
}
