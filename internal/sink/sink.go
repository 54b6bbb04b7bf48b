// Package sink writes finished events to the search index and the archive.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/core"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/index"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/logger"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/events"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/types"
)

// WriteResult reports the two writes separately. They are not atomic: an
// event can be indexed but not archived, or the reverse.
type WriteResult struct {
	Index    string
	Indexed  bool
	Archived bool

	// AlreadyArchived is set when another writer archived the id first.
	AlreadyArchived bool

	IndexErr   error
	ArchiveErr error
}

// Err joins both write errors.
func (r WriteResult) Err() error {
	return errors.Join(r.IndexErr, r.ArchiveErr)
}

type Option func(*Sink)

func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

type Sink struct {
	index   core.SearchIndex
	archive core.ArchiveStore
	prefix  string
	logger  *logger.Logger
	now     func() time.Time

	// ready caches monthly indices known to exist.
	mu    sync.Mutex
	ready map[string]bool
}

func New(idx core.SearchIndex, archive core.ArchiveStore, prefix string, log *logger.Logger, opts ...Option) *Sink {
	if log == nil {
		log = logger.NewNop()
	}
	s := &Sink{
		index:   idx,
		archive: archive,
		prefix:  prefix,
		logger:  log.WithComponent("sink"),
		now:     time.Now,
		ready:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Write upserts ev into the index for the current month and archives its
// canonical form. A failure of one write never skips the other.
func (s *Sink) Write(ctx context.Context, ev *types.AssetEvent) WriteResult {
	res := WriteResult{Index: index.Name(s.prefix, s.now())}

	if err := s.writeIndex(ctx, res.Index, ev); err != nil {
		res.IndexErr = err
		s.logger.WithEvent(ev.ID, ev.ResolvedSourceID()).Warnw("Index write failed", "index", res.Index, "error", err)
	} else {
		res.Indexed = true
	}

	switch err := s.writeArchive(ctx, ev); {
	case err == nil:
		res.Archived = true
	case errors.Is(err, core.ErrAlreadyExists):
		res.Archived = true
		res.AlreadyArchived = true
	default:
		res.ArchiveErr = err
		s.logger.WithEvent(ev.ID, ev.ResolvedSourceID()).Warnw("Archive write failed", "error", err)
	}
	return res
}

func (s *Sink) writeIndex(ctx context.Context, name string, ev *types.AssetEvent) error {
	if err := s.ensureIndex(ctx, name); err != nil {
		return err
	}
	doc, err := json.Marshal(ev)
	if err != nil {
		return &types.ParseError{Stage: "sink.index", Err: err}
	}
	return s.index.Upsert(ctx, name, ev.ID, doc)
}

func (s *Sink) ensureIndex(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready[name] {
		return nil
	}

	exists, err := s.index.IndexExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		if err := s.index.CreateIndex(ctx, name, index.Mapping()); err != nil {
			return err
		}
		s.logger.Infow("Created monthly index", "index", name)
	}
	s.ready[name] = true
	return nil
}

func (s *Sink) writeArchive(ctx context.Context, ev *types.AssetEvent) error {
	data, err := events.Canonical(ev)
	if err != nil {
		return &types.ParseError{Stage: "sink.archive", Err: fmt.Errorf("canonical form: %w", err)}
	}
	return s.archive.Write(ctx, ev.ID, data)
}
