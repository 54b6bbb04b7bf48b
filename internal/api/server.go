// Package api is the read-only query surface over the search index, plus a
// handful of admin endpoints.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/config"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/core"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/index"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/logger"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/worker"
)

// Per-caller request budgets, per minute.
const (
	searchPerMinute  = 10
	devicePerMinute  = 30
	defaultPerMinute = 100
)

type Deps struct {
	Index core.SearchIndex
	// Outcomes backs /admin/outcomes. Optional.
	Outcomes core.OutcomeStore
	// Collectors lists the registered source ids. Optional.
	Collectors func() []string
	// Workers reports ingest worker status. Optional.
	Workers func() []worker.Status
	// Registry receives the API collectors and is served on /metrics.
	Registry *prometheus.Registry
	// Auth verifies bearer tokens. Nil disables authentication.
	Auth   *Authenticator
	Logger *logger.Logger
}

type Server struct {
	cfg        config.APIConfig
	pattern    string
	index      core.SearchIndex
	outcomes   core.OutcomeStore
	collectors func() []string
	workers    func() []worker.Status
	auth       *Authenticator
	registry   *prometheus.Registry
	metrics    *apiMetrics
	logger     *logger.Logger
	router     *gin.Engine
	consents   *consentLog
	limiters   map[string]*ratelimit.KeyedLimiter
}

func NewServer(cfg config.APIConfig, indexPrefix string, d Deps) (*Server, error) {
	if d.Index == nil {
		return nil, errors.New("api server requires a search index")
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 10
	}
	if cfg.MaxPageSize < cfg.DefaultPageSize {
		cfg.MaxPageSize = cfg.DefaultPageSize
	}
	if d.Registry == nil {
		d.Registry = prometheus.NewRegistry()
	}
	if d.Logger == nil {
		d.Logger = logger.NewNop()
	}

	s := &Server{
		cfg:        cfg,
		pattern:    index.Pattern(indexPrefix),
		index:      d.Index,
		outcomes:   d.Outcomes,
		collectors: d.Collectors,
		workers:    d.Workers,
		auth:       d.Auth,
		registry:   d.Registry,
		metrics:    newAPIMetrics(d.Registry),
		logger:     d.Logger.WithComponent("api"),
		consents:   &consentLog{},
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	// Asset keys carry a slash ("ip:port/proto"); callers escape it.
	r.UseRawPath = true
	r.UnescapePathValues = true

	r.Use(gin.Recovery())
	r.Use(MetricsMiddleware(s.metrics))
	r.Use(CORSMiddleware())

	r.GET("/", s.handleRoot)
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	authed := r.Group("/")
	authed.Use(AuthMiddleware(s.auth, s.logger), LoggingMiddleware(s.logger))

	search := ratelimit.NewKeyedLimiter(searchPerMinute, searchPerMinute)
	device := ratelimit.NewKeyedLimiter(devicePerMinute, devicePerMinute)
	general := ratelimit.NewKeyedLimiter(defaultPerMinute, defaultPerMinute)
	s.limiters = map[string]*ratelimit.KeyedLimiter{"search": search, "device": device, "general": general}

	authed.POST("/search", RateLimitMiddleware(search, "search"), s.handleSearch)
	authed.GET("/device/:id", RateLimitMiddleware(device, "device"), s.handleDevice)

	v1 := authed.Group("/v1", RateLimitMiddleware(general, "v1"))
	v1.GET("/search", s.handleSearchV1)
	v1.GET("/events/:id", s.handleDevice)
	v1.GET("/assets/:asset_key/latest", s.handleAssetLatest)

	admin := authed.Group("/admin", RequireRole(RoleAdmin), RateLimitMiddleware(general, "admin"))
	admin.GET("/collectors", s.handleCollectors)
	admin.POST("/consent", s.handleConsent)
	admin.GET("/consent", s.handleListConsent)
	admin.GET("/outcomes", s.handleOutcomes)
	admin.GET("/workers", s.handleWorkers)
	admin.GET("/limits", s.handleLimits)

	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("API listening", "addr", s.cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("API shutting down")
	return srv.Shutdown(shutdownCtx)
}
