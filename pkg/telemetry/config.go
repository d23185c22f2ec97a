// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry wires the Session Orchestrator into OpenTelemetry:
// traces and metrics over OTLP/HTTP, an optional Prometheus scrape path,
// and a generic HTTP middleware the API layer mounts on every route.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otlpmetrichttp "go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultServiceName is the service.name resource attribute every
// orchestrator process reports unless overridden.
const DefaultServiceName = "sandbox-orchestrator"

// DefaultServiceVersion is reported when the caller does not override it.
const DefaultServiceVersion = "dev"

// Config is the Session Orchestrator's telemetry configuration.
type Config struct {
	ServiceName                 string
	ServiceVersion              string
	Endpoint                    string
	Insecure                    bool
	SamplingRate                float64
	TracingEnabled              bool
	MetricsEnabled              bool
	EnablePrometheusMetricsPath bool
	Headers                     map[string]string
}

// DefaultConfig returns a Config with tracing and OTLP metrics off, a
// conservative sampling rate, and no Prometheus path — the orchestrator
// enables each explicitly via environment-bound flags.
func DefaultConfig() Config {
	return Config{
		ServiceName:    DefaultServiceName,
		ServiceVersion: DefaultServiceVersion,
		SamplingRate:   0.05,
		Headers:        map[string]string{},
	}
}

// Provider bundles the resolved tracer and meter providers for the
// process's lifetime.
type Provider struct {
	tracerProvider    trace.TracerProvider
	meterProvider     metric.MeterProvider
	prometheusHandler http.Handler
	shutdownFuncs     []func(context.Context) error
}

// NewProvider validates config and builds the tracer/meter providers it
// describes: an OTLP/HTTP tracer when tracing is enabled, an OTLP/HTTP
// and/or Prometheus-backed meter when metrics are enabled, and no-ops for
// whatever is left off.
func NewProvider(ctx context.Context, config Config) (*Provider, error) {
	tracingOn := config.Endpoint != "" && config.TracingEnabled
	metricsOTLPOn := config.Endpoint != "" && config.MetricsEnabled
	prometheusOn := config.EnablePrometheusMetricsPath

	if config.Endpoint != "" && !tracingOn && !metricsOTLPOn {
		return nil, fmt.Errorf("OTLP endpoint is configured but both tracing and metrics are disabled")
	}

	if !tracingOn && !metricsOTLPOn && !prometheusOn {
		return &Provider{
			tracerProvider: tracenoop.NewTracerProvider(),
			meterProvider:  metricnoop.NewMeterProvider(),
		}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("building telemetry resource: %w", err)
	}

	p := &Provider{}

	if tracingOn {
		tp, shutdown, err := newTracerProvider(ctx, config, res)
		if err != nil {
			return nil, err
		}
		p.tracerProvider = tp
		p.shutdownFuncs = append(p.shutdownFuncs, shutdown)
	} else {
		p.tracerProvider = tracenoop.NewTracerProvider()
	}

	if metricsOTLPOn || prometheusOn {
		mp, handler, shutdown, err := newMeterProvider(ctx, config, res, metricsOTLPOn, prometheusOn)
		if err != nil {
			return nil, err
		}
		p.meterProvider = mp
		p.prometheusHandler = handler
		p.shutdownFuncs = append(p.shutdownFuncs, shutdown)
	} else {
		p.meterProvider = metricnoop.NewMeterProvider()
	}

	return p, nil
}

func newTracerProvider(ctx context.Context, config Config, res *resource.Resource) (trace.TracerProvider, func(context.Context) error, error) {
	exporter, err := otlptracehttp.New(ctx, otlpTraceHTTPOptions(config)...)
	if err != nil {
		return nil, nil, fmt.Errorf("building OTLP trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRate))),
	)
	return tp, tp.Shutdown, nil
}

func otlpTraceHTTPOptions(config Config) []otlptracehttp.Option {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(stripScheme(config.Endpoint))}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(config.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(config.Headers))
	}
	return opts
}

func newMeterProvider(ctx context.Context, config Config, res *resource.Resource, enableOTLP, enablePrometheus bool) (metric.MeterProvider, http.Handler, func(context.Context) error, error) {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	var shutdowns []func(context.Context) error
	var handler http.Handler

	if enableOTLP {
		metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(stripScheme(config.Endpoint))}
		if config.Insecure {
			metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
		}
		if len(config.Headers) > 0 {
			metricOpts = append(metricOpts, otlpmetrichttp.WithHeaders(config.Headers))
		}
		exporter, err := otlpmetrichttp.New(ctx, metricOpts...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("building OTLP metric exporter: %w", err)
		}
		reader := sdkmetric.NewPeriodicReader(exporter)
		opts = append(opts, sdkmetric.WithReader(reader))
		shutdowns = append(shutdowns, reader.Shutdown)
	}

	if enablePrometheus {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		reader, err := otelprometheus.New(otelprometheus.WithRegisterer(registry))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("building Prometheus reader: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(reader))
		handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	shutdowns = append(shutdowns, mp.Shutdown)

	return mp, handler, func(ctx context.Context) error {
		var mu sync.Mutex
		var errs []error
		var wg sync.WaitGroup
		for _, shutdown := range shutdowns {
			shutdown := shutdown
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := shutdown(ctx); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if len(errs) > 0 {
			msgs := make([]string, len(errs))
			for i, err := range errs {
				msgs[i] = err.Error()
			}
			return fmt.Errorf("meter provider shutdown: %s", strings.Join(msgs, "; "))
		}
		return nil
	}, nil
}

func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return endpoint
}

// TracerProvider returns the resolved trace.TracerProvider.
func (p *Provider) TracerProvider() trace.TracerProvider { return p.tracerProvider }

// MeterProvider returns the resolved metric.MeterProvider.
func (p *Provider) MeterProvider() metric.MeterProvider { return p.meterProvider }

// PrometheusHandler returns the /metrics scrape handler, or nil when the
// Prometheus path is disabled.
func (p *Provider) PrometheusHandler() http.Handler { return p.prometheusHandler }

// Shutdown releases every exporter and reader the Provider owns, running
// them concurrently bounded by a 5-second timeout.
func (p *Provider) Shutdown(ctx context.Context) error {
	if len(p.shutdownFuncs) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	var errs []error
	var wg sync.WaitGroup
	for _, shutdown := range p.shutdownFuncs {
		shutdown := shutdown
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, err := range errs {
			msgs[i] = err.Error()
		}
		return fmt.Errorf("telemetry provider shutdown: %s", strings.Join(msgs, "; "))
	}
	return nil
}

const instrumentationName = "github.com/coreason-ai/sandbox-orchestrator/pkg/telemetry"

// Middleware returns an http.Handler wrapper that starts a span and
// records a request-duration histogram for every request, tagged with
// componentName (the mounting API server, e.g. "sandbox-api") and
// backendKind (the active driver, e.g. "container" or "microvm").
func (p *Provider) Middleware(componentName, backendKind string) func(http.Handler) http.Handler {
	tracer := p.TracerProvider().Tracer(instrumentationName)
	meter := p.MeterProvider().Meter(instrumentationName)

	duration, durationErr := meter.Float64Histogram(
		"sandbox_orchestrator_http_request_duration_seconds",
		metric.WithDescription("Duration of Session Orchestrator HTTP requests"),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path, trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
				attribute.String("sandbox.component", componentName),
				attribute.String("sandbox.backend", backendKind),
			))
			defer span.End()

			rw := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rw, r.WithContext(ctx))
			elapsed := time.Since(start).Seconds()

			if rw.statusCode >= 500 {
				span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
			}
			span.SetAttributes(attribute.Int("http.response.status_code", rw.statusCode))

			if durationErr == nil {
				duration.Record(ctx, elapsed, metric.WithAttributes(
					attribute.String("sandbox.component", componentName),
					attribute.String("sandbox.backend", backendKind),
					attribute.Int("http.response.status_code", rw.statusCode),
				))
			}
		})
	}
}

// statusRecorder captures the status code a handler writes so Middleware
// can attach it to the span and the duration metric after the fact.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	wrote      bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.wrote {
		return
	}
	r.wrote = true
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wrote {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}
