// pkg/enrichment/engine.go
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/logger"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/types"
)

const defaultEnricherTimeout = 5 * time.Second

// Enricher adds one kind of context to an event. Implementations must only
// read the event; the engine merges the returned fragment.
type Enricher interface {
	Name() string
	Applies(ev *types.AssetEvent) bool
	Enrich(ctx context.Context, ev *types.AssetEvent) (Fragment, error)
}

// Fragment is the partial enrichment produced by a single enricher.
type Fragment struct {
	GeoIP      *types.GeoIPResult
	TLSCert    *types.TLSCertInfo
	CVEMatches []types.CVEMatch
	ReverseDNS *types.ReverseDNSResult
}

func (f Fragment) mergeInto(e *types.Enrichment) {
	if f.GeoIP != nil {
		e.GeoIP = f.GeoIP
	}
	if f.TLSCert != nil {
		e.TLSCert = f.TLSCert
	}
	if len(f.CVEMatches) > 0 {
		e.CVEMatches = append(e.CVEMatches, f.CVEMatches...)
	}
	if f.ReverseDNS != nil {
		e.ReverseDNS = f.ReverseDNS
	}
}

// Engine runs a fixed set of enrichers against each event. Enrichers run
// concurrently and fail independently; fragments are merged in registration
// order so the output does not depend on scheduling.
type Engine struct {
	enrichers []Enricher
	timeout   time.Duration
	logger    *logger.Logger
}

type EngineOption func(*Engine)

// WithTimeout bounds each enricher call.
func WithTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func NewEngine(log *logger.Logger, enrichers []Enricher, opts ...EngineOption) *Engine {
	if log == nil {
		log = logger.NewNop()
	}
	e := &Engine{
		enrichers: enrichers,
		timeout:   defaultEnricherTimeout,
		logger:    log.WithComponent("enrichment"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Names lists the registered enrichers in order.
func (e *Engine) Names() []string {
	names := make([]string, len(e.enrichers))
	for i, en := range e.enrichers {
		names[i] = en.Name()
	}
	return names
}

type enrichResult struct {
	fragment Fragment
	err      error
	ran      bool
}

// Enrich populates ev.Enrichment. The returned error is nil when every
// applicable enricher succeeded; otherwise it joins one *types.ParseError
// per failed enricher. The event is always left with a well-formed
// enrichment block and is never dropped here.
func (e *Engine) Enrich(ctx context.Context, ev *types.AssetEvent) error {
	results := make([]enrichResult, len(e.enrichers))

	var wg sync.WaitGroup
	for i, en := range e.enrichers {
		wg.Add(1)
		go func(i int, en Enricher) {
			defer wg.Done()
			results[i] = e.run(ctx, en, ev)
		}(i, en)
	}
	wg.Wait()

	out := types.Enrichment{CVEMatches: []types.CVEMatch{}}
	var errs []error
	for i, res := range results {
		if !res.ran {
			continue
		}
		res.fragment.mergeInto(&out)
		if res.err != nil {
			name := e.enrichers[i].Name()
			if out.Errors == nil {
				out.Errors = make(map[string]string)
			}
			out.Errors[name] = res.err.Error()
			errs = append(errs, &types.ParseError{Stage: "enrich." + name, Err: res.err})
		}
	}
	ev.Enrichment = out

	return errors.Join(errs...)
}

func (e *Engine) run(ctx context.Context, en Enricher, ev *types.AssetEvent) (res enrichResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithEvent(ev.ID, ev.ResolvedSourceID()).LogPanic(ctx, r, "enrich."+en.Name())
			res = enrichResult{ran: true, err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if !en.Applies(ev) {
		return enrichResult{}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	frag, err := en.Enrich(ctx, ev)
	if err != nil {
		e.logger.WithEvent(ev.ID, ev.ResolvedSourceID()).Warnw("Enricher failed",
			"enricher", en.Name(),
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return enrichResult{fragment: frag, err: err, ran: true}
}
