package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/archive"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/config"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/core"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/database"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/dedup"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/index"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/jobs"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/logger"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/pipeline"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/sink"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/enrichment"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/events"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/shutdown"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/trust"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/types"
)

const (
	rdnsTimeout = 2 * time.Second
	// shutdownTimeout bounds the flush of telemetry exporters and backend
	// clients once a command is done.
	shutdownTimeout = 30 * time.Second
)

// shutdownWithin runs the handler's cleanup, abandoning it after timeout.
func shutdownWithin(h *shutdown.Handler, timeout time.Duration, log *logger.Logger) error {
	err := h.ShutdownWithTimeout(timeout)
	if err != nil {
		log.Warnw("Shutdown incomplete", "error", err)
	}
	return err
}

// closers collects resources to release on shutdown, newest first.
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c *closers) addCloser(cl io.Closer) { c.add(cl.Close) }

func (c closers) Close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// warnIfConfig logs ConfigurationWarnings and returns any other error.
func warnIfConfig(log *logger.Logger, err error) error {
	if err == nil {
		return nil
	}
	var warn *types.ConfigurationWarning
	if errors.As(err, &warn) {
		log.Warnw("Configuration warning", "component", warn.Component, "error", warn.Err)
		return nil
	}
	return err
}

func openIndex(c *config.Config, log *logger.Logger) (core.SearchIndex, error) {
	switch c.Index.Backend {
	case "memory":
		log.Warn("Using in-memory search index; documents are lost on exit")
		return index.NewMemory(), nil
	case "opensearch", "":
		return index.NewOpenSearch(c.Index, log)
	default:
		return nil, fmt.Errorf("unknown index backend %q", c.Index.Backend)
	}
}

// openArchive returns the write-once archive. The postgres backend also
// serves as the outcome audit store; with the fs backend outcomes are only
// logged.
func openArchive(ctx context.Context, c *config.Config, log *logger.Logger) (core.ArchiveStore, core.OutcomeStore, error) {
	switch c.Ingest.ArchiveBackend {
	case "postgres":
		store, err := database.NewStore(ctx, c.Database, log)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case "fs", "":
		store, err := archive.NewFSStore(c.Ingest.ArchivePath)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown archive backend %q", c.Ingest.ArchiveBackend)
	}
}

func openQueue(c *config.Config) (core.IntakeQueue, error) {
	switch c.Ingest.QueueBackend {
	case "redis":
		return jobs.NewRedisQueue(c.Redis)
	case "memory", "":
		return jobs.NewMemoryQueue(), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", c.Ingest.QueueBackend)
	}
}

// buildEnrichers opens the GeoIP database and the CVE rule file. Missing
// files degrade the matching enricher and are only logged.
func buildEnrichers(c *config.Config, log *logger.Logger, cl *closers) ([]enrichment.Enricher, error) {
	geo, err := enrichment.NewGeoIPEnricher(c.Ingest.GeoIPDBPath, log)
	if err := warnIfConfig(log, err); err != nil {
		return nil, err
	}
	cl.addCloser(geo)

	rules, err := enrichment.LoadRules(c.Ingest.CVERulesPath, log)
	if err := warnIfConfig(log, err); err != nil {
		return nil, err
	}

	enrichers := []enrichment.Enricher{
		geo,
		enrichment.NewTLSCertEnricher(),
		enrichment.NewCVEEnricher(rules),
	}
	if c.Ingest.ReverseDNS {
		enrichers = append(enrichers, enrichment.NewReverseDNSEnricher(c.Ingest.DNSServer, rdnsTimeout))
	}
	return enrichers, nil
}

type pipelineParts struct {
	pipeline *pipeline.Pipeline
	dedup    *dedup.Deduplicator
	registry *trust.Registry
	outcomes core.OutcomeStore
}

// buildPipeline wires the verify/enrich/score/sink chain from c. Every
// resource it opens is appended to cl.
func buildPipeline(ctx context.Context, c *config.Config, tel core.Telemetry, log *logger.Logger, cl *closers) (*pipelineParts, error) {
	registry, err := trust.LoadRegistry(c.Ingest.PublicKeysPath)
	if err := warnIfConfig(log, err); err != nil {
		return nil, err
	}
	if registry.Len() == 0 {
		log.Warnw("Key registry is empty; every signed event will be rejected", "path", c.Ingest.PublicKeysPath)
	} else {
		log.Infow("Key registry loaded", "sources", registry.Sources())
	}

	decoder, err := events.NewDecoder()
	if err != nil {
		return nil, err
	}

	enrichers, err := buildEnrichers(c, log, cl)
	if err != nil {
		return nil, err
	}

	idx, err := openIndex(c, log)
	if err != nil {
		return nil, err
	}
	cl.addCloser(idx)

	arc, outcomes, err := openArchive(ctx, c, log)
	if err != nil {
		return nil, err
	}
	cl.addCloser(arc)

	d, err := dedup.New(arc, c.Ingest.DedupCacheSize)
	if err != nil {
		return nil, err
	}

	p, err := pipeline.New(pipeline.Deps{
		Gateway:   trust.NewGateway(registry),
		Decoder:   decoder,
		Dedup:     d,
		Enricher:  enrichment.NewEngine(log, enrichers),
		Sink:      sink.New(idx, arc, c.Index.IndexPrefix, log),
		Recorder:  logger.NewOutcomeRecorder(log, outcomes),
		Telemetry: tel,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}
	return &pipelineParts{pipeline: p, dedup: d, registry: registry, outcomes: outcomes}, nil
}
