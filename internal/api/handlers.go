package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/core"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/logger"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/types"
)

// DeviceDetail is the fixed projection of an indexed event returned to
// callers.
type DeviceDetail struct {
	ID            string              `json:"id"`
	Timestamp     time.Time           `json:"timestamp"`
	SourceID      string              `json:"source_id"`
	IP            string              `json:"ip"`
	Port          int                 `json:"port"`
	Protocol      string              `json:"protocol"`
	AssetKey      string              `json:"asset_key"`
	Assurance     types.Assurance     `json:"assurance"`
	Probes        types.Probes        `json:"probes"`
	Enrichment    types.Enrichment    `json:"enrichment"`
	RiskScore     int                 `json:"risk_score"`
	RiskBreakdown types.RiskBreakdown `json:"risk_breakdown"`
}

func detailOf(ev *types.AssetEvent) DeviceDetail {
	probes := ev.Probes
	if probes == nil {
		probes = types.Probes{}
	}
	return DeviceDetail{
		ID:            ev.ID,
		Timestamp:     ev.Timestamp,
		SourceID:      ev.ResolvedSourceID(),
		IP:            ev.Target.IP,
		Port:          ev.Target.Port,
		Protocol:      ev.Target.Protocol,
		AssetKey:      ev.AssetKey,
		Assurance:     ev.Assurance,
		Probes:        probes,
		Enrichment:    ev.Enrichment,
		RiskScore:     ev.RiskScore,
		RiskBreakdown: ev.RiskBreakdown,
	}
}

func details(hits []*types.AssetEvent) []DeviceDetail {
	out := make([]DeviceDetail, 0, len(hits))
	for _, ev := range hits {
		out = append(out, detailOf(ev))
	}
	return out
}

// SearchRequest is the POST /search body.
type SearchRequest struct {
	Query string `json:"query" binding:"required"`
	Page  int    `json:"page"`
	Size  int    `json:"size"`
}

// SearchResponse is returned by GET /v1/search.
type SearchResponse struct {
	Total   int64          `json:"total"`
	Page    int            `json:"page"`
	Size    int            `json:"size"`
	Results []DeviceDetail `json:"results"`
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "Internet Asset Intelligence API is running!",
		"version": logger.Version,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	indexOK := true
	if p, ok := s.index.(interface{ Ping(context.Context) error }); ok {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			s.logger.Warnw("Index ping failed", "error", err)
			indexOK = false
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "opensearch_status": indexOK})
}

// pageWindow clamps page and size and returns the offset.
func (s *Server) pageWindow(page, size int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = s.cfg.DefaultPageSize
	}
	if size > s.cfg.MaxPageSize {
		size = s.cfg.MaxPageSize
	}
	return page, size, (page - 1) * size
}

func (s *Server) search(c *gin.Context, endpoint string, q core.SearchQuery) (*core.SearchResult, bool) {
	start := time.Now()
	res, err := s.index.Search(c.Request.Context(), s.pattern, q)
	s.metrics.indexQuery.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		requestLogger(c).LogError(c.Request.Context(), err, "api.search", "endpoint", endpoint)
		status := http.StatusInternalServerError
		var transient *types.TransientInfraError
		if errors.As(err, &transient) {
			status = http.StatusServiceUnavailable
		}
		c.AbortWithStatusJSON(status, gin.H{"error": "Error performing search"})
		return nil, false
	}
	return res, true
}

func (s *Server) handleSearch(c *gin.Context) {
	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "query is required"})
		return
	}
	if req.Page == 0 {
		req.Page = 1
	}
	page, size, from := s.pageWindow(req.Page, req.Size)
	requestLogger(c).Infow("Search", "query", req.Query, "page", page, "size", size)

	res, ok := s.search(c, "/search", core.SearchQuery{Text: req.Query, From: from, Size: size})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, details(res.Hits))
}

func (s *Server) handleSearchV1(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.Query("size"))
	minScore, err := strconv.Atoi(c.DefaultQuery("min_score", "0"))
	if err != nil || minScore < 0 || minScore > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "min_score must be an integer in [0,100]"})
		return
	}
	page, size, from := s.pageWindow(page, size)

	res, ok := s.search(c, "/v1/search", core.SearchQuery{
		Text:       c.Query("q"),
		AssetKey:   c.Query("asset_key"),
		MinScore:   minScore,
		From:       from,
		Size:       size,
		SortLatest: c.Query("sort") == "latest",
	})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, SearchResponse{Total: res.Total, Page: page, Size: size, Results: details(res.Hits)})
}

func (s *Server) handleDevice(c *gin.Context) {
	id := c.Param("id")
	res, ok := s.search(c, "/device/{device_id}", core.SearchQuery{ID: id, Size: 1})
	if !ok {
		return
	}
	if len(res.Hits) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		return
	}
	c.JSON(http.StatusOK, detailOf(res.Hits[0]))
}

// handleAssetLatest collapses re-observations of one endpoint to the
// newest document.
func (s *Server) handleAssetLatest(c *gin.Context) {
	key := c.Param("asset_key")
	res, ok := s.search(c, "/v1/assets/{asset_key}/latest", core.SearchQuery{AssetKey: key, Size: 1, SortLatest: true})
	if !ok {
		return
	}
	if len(res.Hits) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Asset not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"asset_key":    key,
		"observations": res.Total,
		"latest":       detailOf(res.Hits[0]),
	})
}

type collectorInfo struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (s *Server) handleCollectors(c *gin.Context) {
	requestLogger(c).Infow("Admin listing collectors")
	out := []collectorInfo{}
	if s.collectors != nil {
		for _, id := range s.collectors() {
			out = append(out, collectorInfo{ID: id, Status: "registered"})
		}
	}
	c.JSON(http.StatusOK, out)
}

// ConsentRecord is one consent or proof-of-authorization update submitted
// by an admin.
type ConsentRecord struct {
	Data       map[string]interface{} `json:"data"`
	RecordedBy string                 `json:"recorded_by"`
	RecordedAt time.Time              `json:"recorded_at"`
}

type consentLog struct {
	mu      sync.Mutex
	records []ConsentRecord
}

func (l *consentLog) add(r ConsentRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, r)
}

func (l *consentLog) list() []ConsentRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ConsentRecord{}, l.records...)
}

func (s *Server) handleConsent(c *gin.Context) {
	var data map[string]interface{}
	if err := c.ShouldBindJSON(&data); err != nil || len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected a non-empty JSON object"})
		return
	}
	user := callerName(c)
	s.consents.add(ConsentRecord{Data: data, RecordedBy: user, RecordedAt: time.Now().UTC()})
	requestLogger(c).Infow("Admin updated consent", "fields", len(data))
	c.JSON(http.StatusAccepted, gin.H{"message": "Consent updated successfully"})
}

func (s *Server) handleListConsent(c *gin.Context) {
	c.JSON(http.StatusOK, s.consents.list())
}

func (s *Server) handleOutcomes(c *gin.Context) {
	if s.outcomes == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "outcome audit store not configured"})
		return
	}

	filter := core.OutcomeFilter{
		Outcome:  types.Outcome(c.Query("outcome")),
		SourceID: c.Query("source_id"),
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		filter.Limit = limit
	}
	if v := c.Query("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC 3339"})
			return
		}
		filter.Since = &since
	}

	records, err := s.outcomes.ListOutcomes(c.Request.Context(), filter)
	if err != nil {
		requestLogger(c).LogError(c.Request.Context(), err, "api.outcomes")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "outcome audit store unavailable"})
		return
	}
	if records == nil {
		records = []core.OutcomeRecord{}
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) handleWorkers(c *gin.Context) {
	if s.workers == nil {
		c.JSON(http.StatusOK, []interface{}{})
		return
	}
	c.JSON(http.StatusOK, s.workers())
}

// handleLimits reports each caller rate-limit class and how many callers it
// is tracking.
func (s *Server) handleLimits(c *gin.Context) {
	out := make(map[string]ratelimit.Stats, len(s.limiters))
	for name, l := range s.limiters {
		out[name] = l.GetStats()
	}
	c.JSON(http.StatusOK, out)
}
