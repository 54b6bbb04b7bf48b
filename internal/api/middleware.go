package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/core"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/logger"
)

// LoggingMiddleware logs all HTTP requests and hands handlers a logger
// scoped to the caller through the request context.
func LoggingMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		reqLog := log.WithFields("user", callerName(c), "ip", c.ClientIP())
		c.Request = c.Request.WithContext(logger.WithLogger(c.Request.Context(), reqLog))

		c.Next()

		reqLog.LogHTTPRequest(c.Request.Context(), method, path, c.Writer.Status(), time.Since(start))
	}
}

// requestLogger returns the caller-scoped logger set by LoggingMiddleware.
func requestLogger(c *gin.Context) *logger.Logger {
	return logger.FromContext(c.Request.Context())
}

// CORSMiddleware allows local dashboards to call the API.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		if strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "http://127.0.0.1") ||
			strings.HasPrefix(origin, "https://localhost") ||
			strings.HasPrefix(origin, "https://127.0.0.1") {

			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
			c.Header("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// AuthMiddleware resolves the bearer token to a role set. With auth
// disabled every caller is treated as an anonymous admin, for local use.
func AuthMiddleware(auth *Authenticator, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if auth == nil {
			c.Set(claimsContextKey, &Claims{Username: anonymousUser, Roles: []string{RoleAdmin, RoleUser}})
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			log.Warnw("Missing Authorization header",
				"path", c.Request.URL.Path,
				"ip", c.ClientIP(),
			)
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing Authorization header",
			})
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			log.Warnw("Invalid Authorization format", "ip", c.ClientIP())
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid Authorization format. Expected: Bearer <token>",
			})
			return
		}

		claims, err := auth.ParseToken(parts[1])
		if err != nil {
			log.Warnw("Rejected bearer token",
				"ip", c.ClientIP(),
				"path", c.Request.URL.Path,
				"error", err,
			)
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Could not validate credentials",
			})
			return
		}

		c.Set(claimsContextKey, claims)
		c.Next()
	}
}

// RequireRole aborts with 403 unless the caller holds role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !claimsFrom(c).HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Not enough permissions",
			})
			return
		}
		c.Next()
	}
}

// RateLimitMiddleware applies limiter per caller: the authenticated user
// when known, otherwise the client IP. scope keeps the buckets of
// different routes apart.
func RateLimitMiddleware(limiter core.RateLimiter, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := scope + ":" + callerKey(c)
		if !limiter.Allow(key) {
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// MetricsMiddleware records request counts, latency and in-flight
// requests per route template.
func MetricsMiddleware(m *apiMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		method := c.Request.Method

		active := m.active.WithLabelValues(endpoint, method)
		active.Inc()
		start := time.Now()

		c.Next()

		active.Dec()
		m.duration.WithLabelValues(endpoint, method).Observe(time.Since(start).Seconds())
		m.requests.WithLabelValues(endpoint, method, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

type apiMetrics struct {
	requests   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	indexQuery *prometheus.HistogramVec
	active     *prometheus.GaugeVec
}

func newAPIMetrics(reg prometheus.Registerer) *apiMetrics {
	m := &apiMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		}, []string{"endpoint", "method", "status_code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint", "method"}),
		indexQuery: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opensearch_query_duration_seconds",
			Help:    "Search index query latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "api_active_requests",
			Help: "Requests currently being served",
		}, []string{"endpoint", "method"}),
	}
	reg.MustRegister(m.requests, m.duration, m.indexQuery, m.active)
	return m
}

func claimsFrom(c *gin.Context) *Claims {
	if v, ok := c.Get(claimsContextKey); ok {
		if claims, ok := v.(*Claims); ok {
			return claims
		}
	}
	return nil
}

func callerName(c *gin.Context) string {
	if claims := claimsFrom(c); claims != nil {
		return claims.Username
	}
	return ""
}

func callerKey(c *gin.Context) string {
	if name := callerName(c); name != "" && name != anonymousUser {
		return "user:" + name
	}
	return "ip:" + c.ClientIP()
}
