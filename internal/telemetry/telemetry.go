// Package telemetry provides observability setup for the digest
// system: a Prometheus metrics exporter plus the tracer and meter the
// dispatch path records through.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/chrischrischristianyijin/quest-digest/internal/config"
)

func getHostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "unknown"
}

var (
	tracer trace.Tracer
	meter  metric.Meter

	shutdownFuncs []func(context.Context) error
	shutdownMu    sync.Mutex
)

// Setup initializes metrics and optional tracing. When both are
// disabled it still sets a usable no-op tracer/meter so instrumented
// code never needs a nil check.
func Setup(ctx context.Context, cfg config.TelemetryConfig) (shutdown func(context.Context) error, err error) {
	if !cfg.Metrics.Enabled && !cfg.Tracing.Enabled {
		log.Info().Msg("telemetry disabled")
		tracer = otel.Tracer("digest")
		meter = otel.Meter("digest")
		return func(context.Context) error { return nil }, nil
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceNameOr(cfg.Tracing.ServiceName)),
		semconv.ServiceVersion("1.0.0"),
		attribute.String("host.name", getHostname()),
	)

	if cfg.Metrics.Enabled {
		if err := setupMetrics(res); err != nil {
			return nil, fmt.Errorf("setup metrics: %w", err)
		}
		log.Info().Msg("metrics exporter initialized")
	}

	if cfg.Tracing.Enabled {
		if err := setupTracing(ctx, res, cfg.Tracing); err != nil {
			return nil, fmt.Errorf("setup tracing: %w", err)
		}
		log.Info().Str("endpoint", cfg.Tracing.Endpoint).Msg("tracing exporter initialized")
	}

	tracer = otel.Tracer("digest")
	meter = otel.Meter("digest")

	return shutdownAll, nil
}

func serviceNameOr(name string) string {
	if name == "" {
		return "weekly-digest"
	}
	return name
}

func setupMetrics(res *resource.Resource) error {
	exporter, err := otelprometheus.New()
	if err != nil {
		return fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	shutdownMu.Lock()
	shutdownFuncs = append(shutdownFuncs, provider.Shutdown)
	shutdownMu.Unlock()
	return nil
}

// setupTracing is a placeholder: no OTLP exporter is wired in this
// build, so an endpoint configured here is reported and ignored.
func setupTracing(ctx context.Context, res *resource.Resource, cfg config.TracingConfig) error {
	if cfg.Endpoint == "" {
		log.Warn().Msg("tracing enabled but no endpoint configured, skipping")
		return nil
	}
	log.Warn().Str("endpoint", cfg.Endpoint).Msg("trace export endpoint configured but this build has no OTLP exporter wired in; set metrics-only telemetry or extend setupTracing")
	return nil
}

func shutdownAll(ctx context.Context) error {
	shutdownMu.Lock()
	defer shutdownMu.Unlock()

	var lastErr error
	for _, fn := range shutdownFuncs {
		if err := fn(ctx); err != nil {
			log.Error().Err(err).Msg("error during telemetry shutdown")
			lastErr = err
		}
	}
	shutdownFuncs = nil
	return lastErr
}

// RunMetricsServer starts the Prometheus /metrics HTTP endpoint the
// operator's scrape target polls.
func RunMetricsServer(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("error shutting down metrics server")
		}
	}()

	log.Info().Int("port", port).Msg("starting metrics server")
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("metrics server error: %w", err)
	}
	return nil
}

// Tracer returns the package tracer, falling back to a no-op one if
// Setup was never called (unit tests instantiate components directly
// without going through Setup).
func Tracer() trace.Tracer {
	if tracer == nil {
		return otel.Tracer("digest")
	}
	return tracer
}

// Meter returns the package meter, with the same pre-Setup fallback as
// Tracer.
func Meter() metric.Meter {
	if meter == nil {
		return otel.Meter("digest")
	}
	return meter
}
