// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rtracing wires the OpenTelemetry SDK for the control plane:
// a TracerProvider exporting either to stdout (local runs) or OTLP
// (CI/fleet runs), and a Shutdown/ForceFlush pair that drains pending
// spans and metrics on demand.
package rtracing

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Exporter selects where spans are sent.
type Exporter string

const (
	ExporterNone       Exporter = "none"
	ExporterStdout     Exporter = "stdout"
	ExporterOTLPGRPC   Exporter = "otlp-grpc"
	ExporterOTLPHTTP   Exporter = "otlp-http"
)

// Config configures the run's tracer provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Exporter       Exporter
	OTLPEndpoint   string // host:port, used by otlp-grpc and otlp-http
	SampleRatio    float64
}

// FromEnv builds a Config from RUNR_TRACE_* environment variables,
// defaulting to no span exporter so a bare run never dials out.
func FromEnv() Config {
	cfg := Config{
		ServiceName:    "runr",
		ServiceVersion: "dev",
		Exporter:       ExporterNone,
		SampleRatio:    1.0,
	}
	if v := os.Getenv("RUNR_TRACE_EXPORTER"); v != "" {
		cfg.Exporter = Exporter(v)
	}
	if v := os.Getenv("RUNR_TRACE_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	return cfg
}

// Provider wraps the SDK TracerProvider plus the components needed to
// drain it cleanly on shutdown.
type Provider struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// NewProvider builds a Provider from cfg, registering it as the global
// TracerProvider so any package calling otel.Tracer(...) picks it up
// without threading the Provider through every call site.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("rtracing: build resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRatio)),
	}

	exp, err := buildExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if exp != nil {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("rtracing: build prometheus metric reader: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(mp)

	return &Provider{tp: tp, mp: mp}, nil
}

func buildExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", ExporterNone:
		return nil, nil
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("rtracing: stdout exporter: %w", err)
		}
		return exp, nil
	case ExporterOTLPGRPC:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithInsecure()}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("rtracing: otlp grpc exporter: %w", err)
		}
		return exp, nil
	case ExporterOTLPHTTP:
		opts := []otlptracehttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("rtracing: otlp http exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("rtracing: unknown exporter %q", cfg.Exporter)
	}
}

// Tracer returns a named tracer from the underlying provider.
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tp.Tracer(name)
}

// Meter returns a named OTel meter, backed by the Prometheus reader, for
// instruments that belong in the OTel metric data model (e.g. worker
// call duration histograms) rather than rmetrics's direct promauto
// counters (tick/phase/stop counters, simpler and read more often).
func (p *Provider) Meter(name string) metric.Meter {
	return p.mp.Meter(name)
}

// ForceFlush exports all pending spans synchronously; call before
// writing a terminal artifact (complete.json, stop.json).
func (p *Provider) ForceFlush(ctx context.Context) error {
	if err := p.tp.ForceFlush(ctx); err != nil {
		return err
	}
	return p.mp.ForceFlush(ctx)
}

// Shutdown flushes and releases the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.tp.Shutdown(ctx); err != nil {
		return err
	}
	return p.mp.Shutdown(ctx)
}
