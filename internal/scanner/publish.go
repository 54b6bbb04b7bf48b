package scanner

import (
	"context"
	"fmt"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/core"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/objectstore"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/pipeline"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/events"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/trust"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/types"
)

// Publisher hands a freshly built event to the rest of the system.
type Publisher interface {
	Publish(ctx context.Context, ev *types.AssetEvent) error
}

// StorePublisher writes each event to the object store as a signed
// payload, the same shape external collectors produce. The ingest poller
// picks it up from there and runs it through verification.
type StorePublisher struct {
	store  core.ObjectStore
	signer *trust.Signer
}

func NewStorePublisher(store core.ObjectStore, signer *trust.Signer) *StorePublisher {
	return &StorePublisher{store: store, signer: signer}
}

func (p *StorePublisher) Publish(ctx context.Context, ev *types.AssetEvent) error {
	raw, err := events.Canonical(ev)
	if err != nil {
		return fmt.Errorf("failed to serialize event %s: %w", ev.ID, err)
	}
	key := objectstore.EventKey(ev.ID)

	// The payload goes last so the poller never lists it without its
	// signature.
	if err := p.store.Put(ctx, objectstore.SignatureKey(key), p.signer.Sign(raw)); err != nil {
		return err
	}
	return p.store.Put(ctx, key, raw)
}

// DirectPublisher skips the object store and signature check and feeds the
// pipeline in-process. Documents are marked with direct assurance.
type DirectPublisher struct {
	pipeline *pipeline.Pipeline
}

func NewDirectPublisher(p *pipeline.Pipeline) *DirectPublisher {
	return &DirectPublisher{pipeline: p}
}

func (p *DirectPublisher) Publish(ctx context.Context, ev *types.AssetEvent) error {
	res := p.pipeline.ProcessDirect(ctx, ev)
	switch res.Outcome {
	case types.OutcomeStored, types.OutcomeDegraded, types.OutcomeDuplicate:
		return nil
	}
	if res.Err != nil {
		return res.Err
	}
	return fmt.Errorf("event %s ended as %s at %s", ev.ID, res.Outcome, res.Stage)
}
