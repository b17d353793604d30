// Package telemetry 初始化 OpenTelemetry 链路追踪。关闭时返回 noop 实现。
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// TracerName 是本服务的 instrumentation scope。
const TracerName = "agentshield"

// Config 描述追踪配置。
type Config struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	Exporter    string  `yaml:"exporter" json:"exporter"`
	Output      string  `yaml:"output" json:"output"`
	ServiceName string  `yaml:"service_name" json:"service_name"`
	SampleRate  float64 `yaml:"sample_rate" json:"sample_rate"`
	PrettyPrint bool    `yaml:"pretty_print" json:"pretty_print"`
}

// Provider 持有 tracer 以及关闭函数。
type Provider struct {
	Tracer   trace.Tracer
	shutdown func(context.Context) error
}

// Init 按配置创建 tracer provider 并注册为全局实现。
func Init(ctx context.Context, cfg Config, version string) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			Tracer:   nooptrace.NewTracerProvider().Tracer(TracerName),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	exporter, closer, err := newExporter(cfg)
	if err != nil {
		return nil, err
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "agentshield"
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", version),
	)

	rate := cfg.SampleRate
	if rate <= 0 || rate > 1 {
		rate = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	otel.SetTracerProvider(tp)

	return &Provider{
		Tracer: tp.Tracer(TracerName),
		shutdown: func(ctx context.Context) error {
			err := tp.Shutdown(ctx)
			if closer != nil {
				if cerr := closer.Close(); err == nil {
					err = cerr
				}
			}
			return err
		},
	}, nil
}

func newExporter(cfg Config) (sdktrace.SpanExporter, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Exporter)) {
	case "", "stdout":
		var (
			w      io.Writer = os.Stdout
			closer io.Closer
		)
		if out := strings.TrimSpace(cfg.Output); out != "" && out != "stdout" {
			f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, nil, fmt.Errorf("open trace output: %w", err)
			}
			w, closer = f, f
		}
		opts := []stdouttrace.Option{stdouttrace.WithWriter(w)}
		if cfg.PrettyPrint {
			opts = append(opts, stdouttrace.WithPrettyPrint())
		}
		exporter, err := stdouttrace.New(opts...)
		if err != nil {
			if closer != nil {
				closer.Close()
			}
			return nil, nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		return exporter, closer, nil
	default:
		return nil, nil, fmt.Errorf("unsupported trace exporter %q", cfg.Exporter)
	}
}

// Shutdown 刷新并关闭导出器。
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}
