// Package dedup answers whether an event id was already archived. The
// archive is the only source of truth; the cache only remembers positive
// answers, which can never become false because archives are write-once.
package dedup

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/core"
)

const DefaultCacheSize = 100000

type Deduplicator struct {
	archive core.ArchiveStore
	seen    *lru.Cache[string, struct{}]
}

// New wraps archive. A cacheSize of zero or less disables caching.
func New(archive core.ArchiveStore, cacheSize int) (*Deduplicator, error) {
	d := &Deduplicator{archive: archive}
	if cacheSize > 0 {
		cache, err := lru.New[string, struct{}](cacheSize)
		if err != nil {
			return nil, err
		}
		d.seen = cache
	}
	return d, nil
}

// IsDuplicate reports whether id has an archived record. Errors from the
// archive are returned unchanged so the caller can retry later.
func (d *Deduplicator) IsDuplicate(ctx context.Context, id string) (bool, error) {
	if d.seen != nil && d.seen.Contains(id) {
		return true, nil
	}
	ok, err := d.archive.Exists(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		d.MarkArchived(id)
	}
	return ok, nil
}

// MarkArchived records a positive answer after a successful archive write.
func (d *Deduplicator) MarkArchived(id string) {
	if d.seen != nil {
		d.seen.Add(id, struct{}{})
	}
}
