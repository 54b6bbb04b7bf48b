package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/config"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/core"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/logger"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/types"
)

type telemetry struct {
	meter          metric.Meter
	tracerProvider *sdktrace.TracerProvider
	metrics        *Metrics

	probeCounter  metric.Int64Counter
	eventCounter  metric.Int64Counter
	stageDuration metric.Float64Histogram
	riskScore     metric.Int64Histogram
}

// New returns the telemetry sink for cfg. Disabled telemetry, or exporter
// type "none", yields a no-op. Exporter "prometheus" only fills the
// Prometheus registry; "otlp" also exports traces over OTLP/HTTP.
func New(ctx context.Context, cfg config.TelemetryConfig) (core.Telemetry, error) {
	if !cfg.Enabled || cfg.ExporterType == "none" {
		return NewNoop(), nil
	}

	t := &telemetry{metrics: NewMetrics()}

	if cfg.ExporterType == "otlp" {
		res, err := resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceName(cfg.ServiceName),
				semconv.ServiceVersion(logger.Version),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}

		client := otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		exporter, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}

		t.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(exporter),
		)
		otel.SetTracerProvider(t.tracerProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}

	t.meter = otel.Meter(cfg.ServiceName)
	var err error

	t.probeCounter, err = t.meter.Int64Counter("lighthouse.probes.total",
		metric.WithDescription("Port probes attempted"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	t.eventCounter, err = t.meter.Int64Counter("lighthouse.events.total",
		metric.WithDescription("Events by pipeline stage and outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	t.stageDuration, err = t.meter.Float64Histogram("lighthouse.stage.duration",
		metric.WithDescription("Pipeline stage duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	t.riskScore, err = t.meter.Int64Histogram("lighthouse.risk.score",
		metric.WithDescription("Risk score of stored events"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return t, nil
}

func (t *telemetry) RecordProbe(port int, open bool) {
	t.probeCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Int("probe.port", port),
		attribute.Bool("probe.open", open),
	))
	t.metrics.RecordProbe(port, open)
}

func (t *telemetry) RecordEvent(stage string, outcome types.Outcome) {
	t.eventCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("event.stage", stage),
		attribute.String("event.outcome", string(outcome)),
	))
	t.metrics.RecordEvent(stage, outcome)
}

func (t *telemetry) RecordStageDuration(stage string, d time.Duration) {
	t.stageDuration.Record(context.Background(), d.Seconds(), metric.WithAttributes(
		attribute.String("event.stage", stage),
	))
	t.metrics.RecordStageDuration(stage, d)
}

func (t *telemetry) RecordRiskScore(score int) {
	t.riskScore.Record(context.Background(), int64(score))
	t.metrics.RecordRiskScore(score)
}

func (t *telemetry) Registry() *prometheus.Registry { return t.metrics.Registry() }

func (t *telemetry) Close() error {
	if t.tracerProvider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.tracerProvider.Shutdown(ctx)
}

// Metrics holds the Prometheus collectors, on a registry of their own so
// tests and multiple pipelines never collide on the global one.
type Metrics struct {
	registry      *prometheus.Registry
	probes        *prometheus.CounterVec
	events        *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	riskScore     prometheus.Histogram
}

var _ core.Telemetry = (*Metrics)(nil)

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lighthouse_probes_total",
			Help: "Port probes attempted, by port and state",
		}, []string{"port", "state"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lighthouse_events_total",
			Help: "Events by pipeline stage and outcome",
		}, []string{"stage", "outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lighthouse_stage_duration_seconds",
			Help:    "Pipeline stage duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		riskScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lighthouse_risk_score",
			Help:    "Risk score of stored events",
			Buckets: prometheus.LinearBuckets(10, 10, 10),
		}),
	}
	m.registry.MustRegister(m.probes, m.events, m.stageDuration, m.riskScore)
	return m
}

func (m *Metrics) RecordProbe(port int, open bool) {
	state := "closed"
	if open {
		state = "open"
	}
	m.probes.WithLabelValues(strconv.Itoa(port), state).Inc()
}

func (m *Metrics) RecordEvent(stage string, outcome types.Outcome) {
	m.events.WithLabelValues(stage, string(outcome)).Inc()
}

func (m *Metrics) RecordStageDuration(stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) RecordRiskScore(score int) {
	m.riskScore.Observe(float64(score))
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Close() error { return nil }

// RegistryOf returns the Prometheus registry behind t, or a fresh empty
// one when t does not carry one.
func RegistryOf(t core.Telemetry) *prometheus.Registry {
	if r, ok := t.(interface{ Registry() *prometheus.Registry }); ok {
		return r.Registry()
	}
	return prometheus.NewRegistry()
}

// Handler serves the Prometheus registry behind t.
func Handler(t core.Telemetry) http.Handler {
	return promhttp.HandlerFor(RegistryOf(t), promhttp.HandlerOpts{})
}

type noopTelemetry struct{}

func NewNoop() core.Telemetry { return noopTelemetry{} }

func (noopTelemetry) RecordProbe(int, bool)                     {}
func (noopTelemetry) RecordEvent(string, types.Outcome)         {}
func (noopTelemetry) RecordStageDuration(string, time.Duration) {}
func (noopTelemetry) RecordRiskScore(int)                       {}
func (noopTelemetry) Close() error                              { return nil }
