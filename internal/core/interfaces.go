package core

import (
	"context"
	"errors"
	"time"

	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/types"
)

// ErrNotFound is returned by lookups that find nothing.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned by write-once stores on a second write.
var ErrAlreadyExists = errors.New("already exists")

// SearchIndex is the pipeline's contract with the document index.
type SearchIndex interface {
	IndexExists(ctx context.Context, index string) (bool, error)
	CreateIndex(ctx context.Context, index string, mapping []byte) error
	Upsert(ctx context.Context, index, id string, doc []byte) error
	Search(ctx context.Context, indexPattern string, query SearchQuery) (*SearchResult, error)
	Close() error
}

type SearchQuery struct {
	// Text is matched across the searchable fields. Empty matches all.
	Text     string
	ID       string
	AssetKey string
	MinScore int
	From     int
	Size     int
	// SortLatest orders hits by timestamp, newest first.
	SortLatest bool
}

type SearchResult struct {
	Total int64
	Hits  []*types.AssetEvent
}

// ArchiveStore holds the canonical serialization of every processed event,
// write-once and keyed by event id.
type ArchiveStore interface {
	Exists(ctx context.Context, id string) (bool, error)
	// Write returns ErrAlreadyExists when id is already archived.
	Write(ctx context.Context, id string, data []byte) error
	Read(ctx context.Context, id string) ([]byte, error)
	Close() error
}

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectStore is the blob store holding raw payloads and their detached
// signatures.
type ObjectStore interface {
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Close() error
}

// IntakeQueue hands event ids to ingest workers and guards each id so that
// only one worker across all processes handles it at a time.
type IntakeQueue interface {
	Push(ctx context.Context, id string) error
	Pop(ctx context.Context, timeout time.Duration) (string, error)
	Claim(ctx context.Context, id string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, id string) error
	Close() error
}

type Telemetry interface {
	RecordProbe(port int, open bool)
	RecordEvent(stage string, outcome types.Outcome)
	RecordStageDuration(stage string, d time.Duration)
	RecordRiskScore(score int)
	Close() error
}

type RateLimiter interface {
	Wait(ctx context.Context, key string) error
	Allow(key string) bool
}

// OutcomeRecord is the audit entry kept for every event that did not reach
// the sink cleanly.
type OutcomeRecord struct {
	EventID    string        `json:"event_id" db:"event_id"`
	SourceID   string        `json:"source_id" db:"source_id"`
	Stage      string        `json:"stage" db:"stage"`
	Outcome    types.Outcome `json:"outcome" db:"outcome"`
	Error      string        `json:"error" db:"error"`
	RecordedAt time.Time     `json:"recorded_at" db:"recorded_at"`
}

type OutcomeFilter struct {
	Outcome  types.Outcome
	SourceID string
	Since    *time.Time
	Limit    int
}

type OutcomeStore interface {
	SaveOutcome(ctx context.Context, rec OutcomeRecord) error
	ListOutcomes(ctx context.Context, filter OutcomeFilter) ([]OutcomeRecord, error)
}
