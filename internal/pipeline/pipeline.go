// Package pipeline takes a raw event from intake to the sink:
// verify, decode, dedup, enrich, score, write.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/core"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/dedup"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/logger"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/sink"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/enrichment"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/events"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/scoring"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/trust"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/types"
)

// Stages, as reported in results, logs and metrics.
const (
	StageDecode = "decode"
	StageVerify = "verify"
	StageDedup  = "dedup"
	StageEnrich = "enrich"
	StageScore  = "score"
	StageSink   = "sink"
	StagePanic  = "panic"
)

// Result is the disposition of one event.
type Result struct {
	EventID  string
	SourceID string
	Stage    string
	Outcome  types.Outcome
	Score    int
	Err      error
}

type Deps struct {
	Gateway   *trust.Gateway
	Decoder   *events.Decoder
	Dedup     *dedup.Deduplicator
	Enricher  *enrichment.Engine
	Sink      *sink.Sink
	Recorder  *logger.OutcomeRecorder
	Telemetry core.Telemetry
	Logger    *logger.Logger
	Now       func() time.Time
}

type Pipeline struct {
	gateway   *trust.Gateway
	decoder   *events.Decoder
	dedup     *dedup.Deduplicator
	enricher  *enrichment.Engine
	sink      *sink.Sink
	recorder  *logger.OutcomeRecorder
	telemetry core.Telemetry
	logger    *logger.Logger
	now       func() time.Time
}

func New(d Deps) (*Pipeline, error) {
	switch {
	case d.Gateway == nil:
		return nil, errors.New("pipeline requires a trust gateway")
	case d.Decoder == nil:
		return nil, errors.New("pipeline requires a decoder")
	case d.Dedup == nil:
		return nil, errors.New("pipeline requires a deduplicator")
	case d.Enricher == nil:
		return nil, errors.New("pipeline requires an enrichment engine")
	case d.Sink == nil:
		return nil, errors.New("pipeline requires a sink")
	}

	p := &Pipeline{
		gateway:   d.Gateway,
		decoder:   d.Decoder,
		dedup:     d.Dedup,
		enricher:  d.Enricher,
		sink:      d.Sink,
		recorder:  d.Recorder,
		telemetry: d.Telemetry,
		logger:    d.Logger,
		now:       d.Now,
	}
	if p.logger == nil {
		p.logger = logger.NewNop()
	}
	p.logger = p.logger.WithComponent("pipeline")
	if p.recorder == nil {
		p.recorder = logger.NewOutcomeRecorder(p.logger, nil)
	}
	if p.telemetry == nil {
		p.telemetry = telemetry.NewNoop()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// Process handles one signed payload. The signature is checked over raw
// exactly as received, before anything else in the payload is trusted.
func (p *Pipeline) Process(ctx context.Context, raw, sig []byte) Result {
	return p.ProcessObject(ctx, "", raw, sig)
}

// ProcessObject is Process for a payload fetched under an object key that
// names its id. A verified payload carrying a different id is rejected, so
// the pre-check and claim made on the key's id always guard the id that is
// archived. An empty keyID skips the check.
func (p *Pipeline) ProcessObject(ctx context.Context, keyID string, raw, sig []byte) (res Result) {
	defer p.guard(ctx, &res)

	source, err := events.PeekSource(raw)
	if err != nil {
		return p.done(ctx, Result{Stage: StageDecode, Err: err})
	}
	res.SourceID = source

	start := time.Now()
	err = p.gateway.Verify(raw, sig, source)
	p.telemetry.RecordStageDuration(StageVerify, time.Since(start))
	if err != nil {
		return p.done(ctx, Result{SourceID: source, Stage: StageVerify, Err: err})
	}

	ev, err := p.decoder.Decode(raw)
	if err != nil {
		return p.done(ctx, Result{SourceID: source, Stage: StageDecode, Err: err})
	}
	if keyID != "" && ev.ID != keyID {
		return p.done(ctx, Result{EventID: keyID, SourceID: source, Stage: StageDecode,
			Err: types.Reject(types.RejectIDMismatch, source, fmt.Errorf("object key names %q, payload id is %q", keyID, ev.ID))})
	}
	ev.AssetKey = ev.Target.Key()
	ev.Assurance = types.AssuranceVerified

	res.EventID = ev.ID
	return p.run(ctx, ev)
}

// ProcessDirect takes an event built in-process, skipping signature
// verification. The document is marked with direct assurance.
func (p *Pipeline) ProcessDirect(ctx context.Context, ev *types.AssetEvent) (res Result) {
	defer p.guard(ctx, &res)

	res.EventID, res.SourceID = ev.ID, ev.ResolvedSourceID()
	if ev.ID == "" {
		return p.done(ctx, Result{SourceID: res.SourceID, Stage: StageDecode,
			Err: types.Reject(types.RejectMissingID, res.SourceID, nil)})
	}
	if _, err := ev.Target.Addr(); err != nil {
		return p.done(ctx, Result{EventID: ev.ID, SourceID: res.SourceID, Stage: StageDecode,
			Err: types.Reject(types.RejectSchema, res.SourceID, err)})
	}

	ev.ResetDerived()
	if ev.Probes == nil {
		ev.Probes = types.Probes{}
	}
	ev.AssetKey = ev.Target.Key()
	ev.Assurance = types.AssuranceDirect
	return p.run(ctx, ev)
}

// run applies dedup, enrichment, scoring and the sink to a decoded event.
func (p *Pipeline) run(ctx context.Context, ev *types.AssetEvent) Result {
	res := Result{EventID: ev.ID, SourceID: ev.ResolvedSourceID()}

	start := time.Now()
	dup, err := p.dedup.IsDuplicate(ctx, ev.ID)
	p.telemetry.RecordStageDuration(StageDedup, time.Since(start))
	if err != nil {
		res.Stage, res.Err = StageDedup, err
		return p.done(ctx, res)
	}
	if dup {
		res.Stage, res.Outcome = StageDedup, types.OutcomeDuplicate
		return p.done(ctx, res)
	}

	start = time.Now()
	enrichErr := p.enricher.Enrich(ctx, ev)
	p.telemetry.RecordStageDuration(StageEnrich, time.Since(start))

	start = time.Now()
	scoring.Apply(ev, p.now())
	p.telemetry.RecordStageDuration(StageScore, time.Since(start))
	res.Score = ev.RiskScore

	start = time.Now()
	wr := p.sink.Write(ctx, ev)
	p.telemetry.RecordStageDuration(StageSink, time.Since(start))
	if wr.Archived {
		p.dedup.MarkArchived(ev.ID)
	}

	res.Stage = StageSink
	switch {
	case wr.AlreadyArchived:
		// Lost a race with another writer for the same id.
		res.Outcome = types.OutcomeDuplicate
	case wr.Archived && wr.IndexErr != nil:
		// Archived ids are never retried, so the missing document is final.
		res.Outcome, res.Err = types.OutcomeFailed, wr.IndexErr
	case wr.Err() != nil:
		res.Err = wr.Err()
	case enrichErr != nil:
		res.Stage, res.Outcome, res.Err = StageEnrich, types.OutcomeDegraded, enrichErr
	default:
		res.Outcome = types.OutcomeStored
	}

	if res.Outcome == types.OutcomeStored || res.Outcome == types.OutcomeDegraded {
		p.telemetry.RecordRiskScore(ev.RiskScore)
	}
	return p.done(ctx, res)
}

// done fills in the outcome from the error when unset, then records it.
func (p *Pipeline) done(ctx context.Context, res Result) Result {
	if res.Outcome == "" {
		res.Outcome = types.OutcomeOf(res.Err)
	}
	p.telemetry.RecordEvent(res.Stage, res.Outcome)
	p.recorder.Record(ctx, res.EventID, res.SourceID, res.Stage, res.Outcome, res.Err)
	return res
}

// guard turns a panic anywhere in the event's processing into a failed
// result so that one poisoned event cannot stop the caller's loop.
func (p *Pipeline) guard(ctx context.Context, res *Result) {
	r := recover()
	if r == nil {
		return
	}
	p.logger.WithEvent(res.EventID, res.SourceID).LogPanic(ctx, r, "pipeline.process")
	*res = p.done(ctx, Result{
		EventID:  res.EventID,
		SourceID: res.SourceID,
		Stage:    StagePanic,
		Outcome:  types.OutcomeFailed,
		Err:      &types.ParseError{Stage: StagePanic, Err: fmt.Errorf("%v", r)},
	})
}
