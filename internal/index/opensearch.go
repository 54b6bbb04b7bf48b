package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	opensearch "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/config"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/core"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/logger"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/types"
)

// Fields searched by free-text queries. Probe and enrichment subtrees are
// matched leniently since their types vary per document.
var searchFields = []string{
	"target.ip",
	"source_id",
	"asset_key",
	"probes.*",
	"enrichment.geoip.*",
	"enrichment.tls_cert.*",
	"enrichment.rdns.*",
}

type OpenSearchIndex struct {
	client *opensearch.Client
	logger *logger.Logger
}

var _ core.SearchIndex = (*OpenSearchIndex)(nil)

func NewOpenSearch(cfg config.IndexConfig, log *logger.Logger) (*OpenSearchIndex, error) {
	if log == nil {
		log = logger.NewNop()
	}
	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpclient.NewBackendTransport(cfg.InsecureSkipVerify),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}
	return &OpenSearchIndex{client: client, logger: log.WithComponent("index")}, nil
}

func (o *OpenSearchIndex) IndexExists(ctx context.Context, index string) (bool, error) {
	res, err := opensearchapi.IndicesExistsRequest{Index: []string{index}}.Do(ctx, o.client)
	if err != nil {
		return false, types.Transient("index.exists", err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, types.Transient("index.exists", fmt.Errorf("unexpected status %s", res.Status()))
}

// CreateIndex treats a concurrent creation by another writer as success.
func (o *OpenSearchIndex) CreateIndex(ctx context.Context, index string, mapping []byte) error {
	res, err := opensearchapi.IndicesCreateRequest{
		Index: index,
		Body:  bytes.NewReader(mapping),
	}.Do(ctx, o.client)
	if err != nil {
		return types.Transient("index.create", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		if strings.Contains(string(body), "resource_already_exists_exception") {
			return nil
		}
		return types.Transient("index.create", fmt.Errorf("%s: %s", res.Status(), body))
	}
	o.logger.Infow("Index created", "index", index)
	return nil
}

func (o *OpenSearchIndex) Upsert(ctx context.Context, index, id string, doc []byte) error {
	res, err := opensearchapi.IndexRequest{
		Index:      index,
		DocumentID: id,
		Body:       bytes.NewReader(doc),
		Refresh:    "true",
	}.Do(ctx, o.client)
	if err != nil {
		return types.Transient("index.upsert", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return types.Transient("index.upsert", fmt.Errorf("%s: %s", res.Status(), body))
	}
	return nil
}

func (o *OpenSearchIndex) Search(ctx context.Context, indexPattern string, q core.SearchQuery) (*core.SearchResult, error) {
	body, err := json.Marshal(buildQuery(q))
	if err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}

	allowNoIndices := true
	res, err := opensearchapi.SearchRequest{
		Index:          []string{indexPattern},
		Body:           bytes.NewReader(body),
		AllowNoIndices: &allowNoIndices,
	}.Do(ctx, o.client)
	if err != nil {
		return nil, types.Transient("index.search", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		return nil, types.Transient("index.search", fmt.Errorf("%s: %s", res.Status(), msg))
	}

	var parsed struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source json.RawMessage `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	out := &core.SearchResult{Total: parsed.Hits.Total.Value}
	for _, hit := range parsed.Hits.Hits {
		var ev types.AssetEvent
		if err := json.Unmarshal(hit.Source, &ev); err != nil {
			o.logger.Warnw("Skipping undecodable hit", "error", err)
			continue
		}
		out.Hits = append(out.Hits, &ev)
	}
	return out, nil
}

func buildQuery(q core.SearchQuery) map[string]interface{} {
	var must []interface{}
	if q.Text != "" {
		must = append(must, m{"multi_match": m{
			"query":   q.Text,
			"fields":  searchFields,
			"lenient": true,
		}})
	} else {
		must = append(must, m{"match_all": m{}})
	}

	var filter []interface{}
	if q.ID != "" {
		filter = append(filter, m{"term": m{"id": q.ID}})
	}
	if q.AssetKey != "" {
		filter = append(filter, m{"term": m{"asset_key": q.AssetKey}})
	}
	if q.MinScore > 0 {
		filter = append(filter, m{"range": m{"risk_score": m{"gte": q.MinScore}}})
	}

	boolQuery := m{"must": must}
	if len(filter) > 0 {
		boolQuery["filter"] = filter
	}
	body := m{
		"query": m{"bool": boolQuery},
		"from":  q.From,
		"size":  q.Size,
	}
	if q.SortLatest {
		body["sort"] = []interface{}{m{"timestamp": m{"order": "desc"}}}
	}
	return body
}

// Ping reports whether the cluster answers.
func (o *OpenSearchIndex) Ping(ctx context.Context) error {
	res, err := opensearchapi.PingRequest{}.Do(ctx, o.client)
	if err != nil {
		return types.Transient("index.ping", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return types.Transient("index.ping", fmt.Errorf("unexpected status %s", res.Status()))
	}
	return nil
}

func (o *OpenSearchIndex) Close() error { return nil }
