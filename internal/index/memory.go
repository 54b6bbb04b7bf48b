package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/core"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/types"
)

// MemoryIndex is an in-process SearchIndex used by tests and single-node
// development runs. Free-text search is a case-insensitive substring match
// over the stored document.
type MemoryIndex struct {
	mu      sync.RWMutex
	indices map[string]map[string][]byte
	creates int
}

var _ core.SearchIndex = (*MemoryIndex)(nil)

func NewMemory() *MemoryIndex {
	return &MemoryIndex{indices: make(map[string]map[string][]byte)}
}

func (mi *MemoryIndex) IndexExists(_ context.Context, index string) (bool, error) {
	mi.mu.RLock()
	defer mi.mu.RUnlock()
	_, ok := mi.indices[index]
	return ok, nil
}

func (mi *MemoryIndex) CreateIndex(_ context.Context, index string, mapping []byte) error {
	if !json.Valid(mapping) {
		return fmt.Errorf("invalid mapping for %s", index)
	}
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if _, ok := mi.indices[index]; !ok {
		mi.indices[index] = make(map[string][]byte)
		mi.creates++
	}
	return nil
}

// Upsert requires the index to exist, as a cluster with automatic index
// creation disabled would.
func (mi *MemoryIndex) Upsert(_ context.Context, index, id string, doc []byte) error {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	docs, ok := mi.indices[index]
	if !ok {
		return fmt.Errorf("index %s does not exist", index)
	}
	docs[id] = append([]byte(nil), doc...)
	return nil
}

// Get returns the stored document, for assertions.
func (mi *MemoryIndex) Get(index, id string) ([]byte, bool) {
	mi.mu.RLock()
	defer mi.mu.RUnlock()
	doc, ok := mi.indices[index][id]
	return doc, ok
}

// Creates counts index creations.
func (mi *MemoryIndex) Creates() int {
	mi.mu.RLock()
	defer mi.mu.RUnlock()
	return mi.creates
}

func (mi *MemoryIndex) Search(_ context.Context, indexPattern string, q core.SearchQuery) (*core.SearchResult, error) {
	mi.mu.RLock()
	var matched []*types.AssetEvent
	needle := bytes.ToLower([]byte(q.Text))
	for name, docs := range mi.indices {
		if ok, err := path.Match(indexPattern, name); err != nil || !ok {
			continue
		}
		for _, doc := range docs {
			if len(needle) > 0 && !bytes.Contains(bytes.ToLower(doc), needle) {
				continue
			}
			var ev types.AssetEvent
			if err := json.Unmarshal(doc, &ev); err != nil {
				continue
			}
			if q.ID != "" && ev.ID != q.ID {
				continue
			}
			if q.AssetKey != "" && ev.AssetKey != q.AssetKey {
				continue
			}
			if ev.RiskScore < q.MinScore {
				continue
			}
			matched = append(matched, &ev)
		}
	}
	mi.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if q.SortLatest && !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].ID < matched[j].ID
	})

	res := &core.SearchResult{Total: int64(len(matched))}
	from := q.From
	if from > len(matched) {
		from = len(matched)
	}
	to := len(matched)
	if q.Size > 0 && from+q.Size < to {
		to = from + q.Size
	}
	res.Hits = matched[from:to]
	return res, nil
}

func (mi *MemoryIndex) Close() error { return nil }
